package models

// Transition records a status change written by the reconciler.
type Transition struct {
	Entity string `json:"entity"`
	ID     string `json:"id"`
	From   string `json:"from"`
	To     string `json:"to"`
}

const (
	EntitySession    = "session"
	EntityEnrollment = "enrollment"
)

// ReconcileReport lists the transitions produced by one reconciliation.
// An empty Transitions slice means the stored state was already current.
type ReconcileReport struct {
	SessionID   string       `json:"session_id"`
	Transitions []Transition `json:"transitions"`
}

// SweepReport summarises a sweep run. Enqueued and Coalesced count queue
// outcomes; Reconciled counts sessions reconciled inline when no queue is set.
type SweepReport struct {
	Due        int `json:"due"`
	Enqueued   int `json:"enqueued"`
	Coalesced  int `json:"coalesced"`
	Reconciled int `json:"reconciled"`
	Failed     int `json:"failed"`
}
