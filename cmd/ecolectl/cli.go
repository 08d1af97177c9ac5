package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/noah-isme/ecole-peg-api/internal/models"
	"github.com/noah-isme/ecole-peg-api/internal/service"
	appErrors "github.com/noah-isme/ecole-peg-api/pkg/errors"
)

var errHelp = errors.New("help provided")

type sessionWriter interface {
	Get(ctx context.Context, id string) (*models.SessionDetail, error)
	Create(ctx context.Context, req service.SessionRequest) (*models.SessionDetail, error)
	Update(ctx context.Context, id string, req service.SessionRequest) (*models.SessionDetail, error)
}

type enrollmentWriter interface {
	Enroll(ctx context.Context, req service.EnrollRequest) (*models.Enrollment, error)
	Update(ctx context.Context, id string, req service.UpdateEnrollmentRequest) (*models.Enrollment, error)
	Withdraw(ctx context.Context, id string, req service.WithdrawRequest) (*models.Enrollment, error)
	Delete(ctx context.Context, id string) error
}

type reconcileRunner interface {
	ReconcileSession(ctx context.Context, sessionID string) (*models.ReconcileReport, error)
	ReconcileEnrollment(ctx context.Context, enrollmentID string) (*models.ReconcileReport, error)
	Sweep(ctx context.Context) (*models.SweepReport, error)
}

type rosterExporter interface {
	Export(ctx context.Context, sessionID, format string) (*service.RosterFile, error)
}

type invoiceManager interface {
	Totals(ctx context.Context, invoiceID string) (*models.InvoiceTotals, error)
	RecordPayment(ctx context.Context, req service.PaymentRequest) (*models.Payment, error)
	Delete(ctx context.Context, invoiceID string) error
}

type tokenIssuer interface {
	Issue(subject string, role models.UserRole, ttl time.Duration) (string, time.Time, error)
}

type commandLine struct {
	out         io.Writer
	migrate     func(ctx context.Context, command string, args ...string) error
	sessions    sessionWriter
	enrollments enrollmentWriter
	reconciler  reconcileRunner
	rosters     rosterExporter
	invoices    invoiceManager
	tokens      tokenIssuer
}

var commands = map[string]string{
	"migrate":           "migrate COMMAND [ARGS] - run a goose command (up, down, status, redo, version, up-to N, down-to N)",
	"session-create":    "session-create -course ID -start DATE -end DATE -period M|S -capacity N [-teacher ID]",
	"session-update":    "session-update -id ID -course ID -start DATE -end DATE -period M|S -capacity N [-teacher ID]",
	"enroll":            "enroll -student ID -session ID [-enrolled-on DATE] [-fee CENTS] [-pre] [-goal TEXT]",
	"enrollment-update": "enrollment-update -id ID [-session ID] [-fee CENTS] [-pre] [-goal TEXT] [-exit-date DATE] [-exit-reason TEXT]",
	"withdraw":          "withdraw -id ID -exit-date DATE [-reason TEXT]",
	"enrollment-delete": "enrollment-delete -id ID",
	"reconcile":         "reconcile -session ID | -enrollment ID",
	"sweep":             "sweep - reconcile every session whose status went stale",
	"roster":            "roster -session ID [-format csv|pdf]",
	"invoice-totals":    "invoice-totals -id ID",
	"pay":               "pay -invoice ID -amount CENTS -mode MODE -method METHOD [-paid-on DATE]",
	"invoice-delete":    "invoice-delete -id ID - delete and renumber the student's invoices",
	"token":             "token -subject NAME [-role ADMIN] [-ttl 24h] - mint an ops API token",
}

func (cli *commandLine) printUsage() {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	fmt.Fprintln(cli.out, "Usage:")
	for _, name := range names {
		fmt.Fprintf(cli.out, "  %s\n", commands[name])
	}
}

func (cli *commandLine) flagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(cli.out)
	fs.Usage = func() {
		fmt.Fprintf(cli.out, "Usage:\n  %s\n", commands[name])
	}
	return fs
}

// run dispatches args (program name included) and prints the result as JSON.
func (cli *commandLine) run(ctx context.Context, args []string) error {
	if len(args) < 2 {
		cli.printUsage()
		return errHelp
	}
	name, rest := args[1], args[2:]
	if _, ok := commands[name]; !ok {
		cli.printUsage()
		return errHelp
	}

	if name == "migrate" {
		if len(rest) == 0 {
			fmt.Fprintf(cli.out, "Usage:\n  %s\n", commands[name])
			return errHelp
		}
		return cli.migrate(ctx, rest[0], rest[1:]...)
	}

	fs := cli.flagSet(name)
	var result interface{}
	var err error
	switch name {
	case "session-create", "session-update":
		result, err = cli.session(ctx, fs, rest, name == "session-update")
	case "enroll":
		result, err = cli.enroll(ctx, fs, rest)
	case "enrollment-update":
		result, err = cli.updateEnrollment(ctx, fs, rest)
	case "withdraw":
		result, err = cli.withdraw(ctx, fs, rest)
	case "enrollment-delete":
		result, err = cli.deleteEnrollment(ctx, fs, rest)
	case "reconcile":
		result, err = cli.reconcile(ctx, fs, rest)
	case "sweep":
		if err = fs.Parse(rest); err == nil {
			result, err = cli.reconciler.Sweep(ctx)
		}
	case "roster":
		result, err = cli.roster(ctx, fs, rest)
	case "invoice-totals":
		result, err = cli.invoiceTotals(ctx, fs, rest)
	case "pay":
		result, err = cli.pay(ctx, fs, rest)
	case "invoice-delete":
		result, err = cli.deleteInvoice(ctx, fs, rest)
	case "token":
		result, err = cli.token(fs, rest)
	}
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return errHelp
		}
		return err
	}
	return cli.print(result)
}

func (cli *commandLine) print(v interface{}) error {
	enc := json.NewEncoder(cli.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// required prints usage and returns errHelp when one of values is empty.
func required(fs *flag.FlagSet, values ...string) error {
	for _, v := range values {
		if v == "" {
			fs.Usage()
			return errHelp
		}
	}
	return nil
}

func (cli *commandLine) session(ctx context.Context, fs *flag.FlagSet, args []string, update bool) (interface{}, error) {
	id := fs.String("id", "", "session id")
	course := fs.String("course", "", "course id")
	teacher := fs.String("teacher", "", "teacher id")
	start := fs.String("start", "", "start date YYYY-MM-DD")
	end := fs.String("end", "", "end date YYYY-MM-DD")
	period := fs.String("period", "", "day period M or S")
	capacity := fs.Int("capacity", 0, "maximum active enrollments")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if update {
		if err := required(fs, *id); err != nil {
			return nil, err
		}
	}
	req := service.SessionRequest{CourseID: *course, StartDate: *start, EndDate: *end, DayPeriod: *period, CapacityMax: *capacity}
	if *teacher != "" {
		req.TeacherID = teacher
	}
	if update {
		return cli.sessions.Update(ctx, *id, req)
	}
	return cli.sessions.Create(ctx, req)
}

func (cli *commandLine) enroll(ctx context.Context, fs *flag.FlagSet, args []string) (interface{}, error) {
	student := fs.String("student", "", "student id")
	session := fs.String("session", "", "session id")
	enrolledOn := fs.String("enrolled-on", "", "enrollment date YYYY-MM-DD, defaults to today")
	fee := fs.Int64("fee", 0, "registration fee in cents")
	pre := fs.Bool("pre", false, "pre-registration")
	goal := fs.String("goal", "", "learning goal")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if err := required(fs, *student, *session); err != nil {
		return nil, err
	}
	req := service.EnrollRequest{StudentID: *student, SessionID: *session, EnrolledOn: *enrolledOn, PreRegistration: *pre, RegistrationFeeCents: *fee}
	if *goal != "" {
		req.Goal = goal
	}
	return cli.enrollments.Enroll(ctx, req)
}

func (cli *commandLine) updateEnrollment(ctx context.Context, fs *flag.FlagSet, args []string) (interface{}, error) {
	id := fs.String("id", "", "enrollment id")
	session := fs.String("session", "", "move to session id")
	fee := fs.Int64("fee", 0, "registration fee in cents")
	pre := fs.Bool("pre", false, "pre-registration")
	goal := fs.String("goal", "", "learning goal")
	exitDate := fs.String("exit-date", "", "exit date YYYY-MM-DD")
	exitReason := fs.String("exit-reason", "", "exit reason")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if err := required(fs, *id); err != nil {
		return nil, err
	}

	var req service.UpdateEnrollmentRequest
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "session":
			req.SessionID = session
		case "fee":
			req.RegistrationFeeCents = fee
		case "pre":
			req.PreRegistration = pre
		case "goal":
			req.Goal = goal
		case "exit-date":
			req.ExitDate = exitDate
		case "exit-reason":
			req.ExitReason = exitReason
		}
	})
	return cli.enrollments.Update(ctx, *id, req)
}

func (cli *commandLine) withdraw(ctx context.Context, fs *flag.FlagSet, args []string) (interface{}, error) {
	id := fs.String("id", "", "enrollment id")
	exitDate := fs.String("exit-date", "", "exit date YYYY-MM-DD")
	reason := fs.String("reason", "", "exit reason")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if err := required(fs, *id, *exitDate); err != nil {
		return nil, err
	}
	return cli.enrollments.Withdraw(ctx, *id, service.WithdrawRequest{ExitDate: *exitDate, Reason: *reason})
}

func (cli *commandLine) deleteEnrollment(ctx context.Context, fs *flag.FlagSet, args []string) (interface{}, error) {
	id := fs.String("id", "", "enrollment id")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if err := required(fs, *id); err != nil {
		return nil, err
	}
	if err := cli.enrollments.Delete(ctx, *id); err != nil {
		return nil, err
	}
	return map[string]string{"deleted": *id}, nil
}

func (cli *commandLine) reconcile(ctx context.Context, fs *flag.FlagSet, args []string) (interface{}, error) {
	session := fs.String("session", "", "session id")
	enrollment := fs.String("enrollment", "", "enrollment id")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	switch {
	case *session != "" && *enrollment == "":
		return cli.reconciler.ReconcileSession(ctx, *session)
	case *enrollment != "" && *session == "":
		return cli.reconciler.ReconcileEnrollment(ctx, *enrollment)
	default:
		fs.Usage()
		return nil, errHelp
	}
}

func (cli *commandLine) roster(ctx context.Context, fs *flag.FlagSet, args []string) (interface{}, error) {
	session := fs.String("session", "", "session id")
	format := fs.String("format", "csv", "csv or pdf")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if err := required(fs, *session); err != nil {
		return nil, err
	}
	return cli.rosters.Export(ctx, *session, *format)
}

func (cli *commandLine) invoiceTotals(ctx context.Context, fs *flag.FlagSet, args []string) (interface{}, error) {
	id := fs.String("id", "", "invoice id")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if err := required(fs, *id); err != nil {
		return nil, err
	}
	return cli.invoices.Totals(ctx, *id)
}

func (cli *commandLine) pay(ctx context.Context, fs *flag.FlagSet, args []string) (interface{}, error) {
	invoice := fs.String("invoice", "", "invoice id")
	amount := fs.Int64("amount", 0, "amount in cents")
	mode := fs.String("mode", "", "payment mode")
	method := fs.String("method", "", "payment method")
	paidOn := fs.String("paid-on", "", "payment date YYYY-MM-DD, defaults to today")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if err := required(fs, *invoice); err != nil {
		return nil, err
	}
	return cli.invoices.RecordPayment(ctx, service.PaymentRequest{InvoiceID: *invoice, AmountCents: *amount, PaidOn: *paidOn, Mode: *mode, Method: *method})
}

func (cli *commandLine) deleteInvoice(ctx context.Context, fs *flag.FlagSet, args []string) (interface{}, error) {
	id := fs.String("id", "", "invoice id")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if err := required(fs, *id); err != nil {
		return nil, err
	}
	if err := cli.invoices.Delete(ctx, *id); err != nil {
		return nil, err
	}
	return map[string]string{"deleted": *id}, nil
}

func (cli *commandLine) token(fs *flag.FlagSet, args []string) (interface{}, error) {
	subject := fs.String("subject", "", "token subject")
	role := fs.String("role", string(models.RoleAdmin), "SUPERADMIN, ADMIN or STAFF")
	ttl := fs.Duration("ttl", 0, "token lifetime, defaults to JWT_EXPIRATION")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if err := required(fs, *subject); err != nil {
		return nil, err
	}
	switch models.UserRole(*role) {
	case models.RoleSuperAdmin, models.RoleAdmin, models.RoleStaff:
	default:
		return nil, appErrors.Field(appErrors.ErrValidation, "role", "must be one of [SUPERADMIN ADMIN STAFF]")
	}
	token, expires, err := cli.tokens.Issue(*subject, models.UserRole(*role), *ttl)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"token": token, "expires_at": expires}, nil
}

// describe renders err for the terminal, listing field messages when present.
func describe(err error) string {
	var appErr *appErrors.Error
	if !errors.As(err, &appErr) {
		return err.Error()
	}
	msg := fmt.Sprintf("%s: %s", appErr.Code, appErr.Error())
	keys := make([]string, 0, len(appErr.Fields))
	for k := range appErr.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		msg += fmt.Sprintf("\n  %s: %s", k, appErr.Fields[k])
	}
	return msg
}
