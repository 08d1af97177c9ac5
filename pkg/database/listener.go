package database

import (
	"context"
	"fmt"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

// Notification is a committed NOTIFY delivered on a subscribed channel.
type Notification struct {
	Channel string
	Payload string
}

// NotificationHandler consumes notifications. It must not block for long.
type NotificationHandler func(ctx context.Context, n Notification)

// ListenerConfig configures a Listener.
type ListenerConfig struct {
	Channels     []string
	MinReconnect time.Duration
	MaxReconnect time.Duration
	PingInterval time.Duration
	Logger       *zap.Logger
	OnReconnect  func(ctx context.Context)
}

// Listener subscribes to PostgreSQL LISTEN/NOTIFY channels. PostgreSQL only
// delivers a NOTIFY once the emitting transaction commits.
type Listener struct {
	dsn     string
	cfg     ListenerConfig
	handler NotificationHandler
	logger  *zap.Logger
}

// NewListener constructs a listener bound to the given DSN.
func NewListener(dsn string, cfg ListenerConfig, handler NotificationHandler) *Listener {
	if cfg.MinReconnect <= 0 {
		cfg.MinReconnect = 10 * time.Second
	}
	if cfg.MaxReconnect < cfg.MinReconnect {
		cfg.MaxReconnect = cfg.MinReconnect
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 90 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Listener{dsn: dsn, cfg: cfg, handler: handler, logger: logger}
}

// Run blocks until ctx is cancelled or the initial subscription fails.
func (l *Listener) Run(ctx context.Context) error {
	pl := pq.NewListener(l.dsn, l.cfg.MinReconnect, l.cfg.MaxReconnect, func(ev pq.ListenerEventType, err error) {
		switch ev {
		case pq.ListenerEventConnectionAttemptFailed, pq.ListenerEventDisconnected:
			l.logger.Warn("listener connection problem", zap.Int("event", int(ev)), zap.Error(err))
		case pq.ListenerEventReconnected:
			l.logger.Info("listener reconnected")
		}
	})
	defer pl.Close() //nolint:errcheck

	for _, ch := range l.cfg.Channels {
		if err := pl.Listen(ch); err != nil {
			return fmt.Errorf("listen %s: %w", ch, err)
		}
	}
	l.logger.Sugar().Infow("listener started", "channels", l.cfg.Channels)

	l.consume(ctx, pl.Notify, pl.Ping)
	l.logger.Info("listener stopped")
	return nil
}

func (l *Listener) consume(ctx context.Context, notify <-chan *pq.Notification, ping func() error) {
	ticker := time.NewTicker(l.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-notify:
			if !ok {
				return
			}
			// nil marks a re-established connection; anything sent meanwhile is lost.
			if n == nil {
				if l.cfg.OnReconnect != nil {
					l.cfg.OnReconnect(ctx)
				}
				continue
			}
			l.handler(ctx, Notification{Channel: n.Channel, Payload: n.Extra})
		case <-ticker.C:
			if err := ping(); err != nil {
				l.logger.Warn("listener ping failed", zap.Error(err))
			}
		}
	}
}
