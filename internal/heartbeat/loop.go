package heartbeat

import (
	"context"
	"log/slog"
	"time"

	"github.com/harunnryd/runit/internal/concurrency"
	"github.com/harunnryd/runit/internal/controlplane"
	runitErrors "github.com/harunnryd/runit/internal/errors"
	"github.com/harunnryd/runit/internal/metrics"
	"github.com/harunnryd/runit/internal/session"
)

// Pinger sends one liveness ping.
type Pinger interface {
	Heartbeat(ctx context.Context, sessionID string) (controlplane.Ack, error)
}

type Options struct {
	Interval       time.Duration
	RequestTimeout time.Duration
	Metrics        *metrics.Metrics
	// OnReregister is called with the record that replaced a lost session.
	OnReregister func(session.Record)
}

var errMapper = runitErrors.NewDefaultErrorMapper()

// Loop proves liveness for the session held in the cell and re-registers
// when the control plane forgets it.
type Loop struct {
	pinger    Pinger
	registrar session.Registerer
	cell      *session.Cell
	shutdown  *concurrency.Signal
	opts      Options
}

func New(pinger Pinger, registrar session.Registerer, cell *session.Cell, shutdown *concurrency.Signal, opts Options) *Loop {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Second
	}
	return &Loop{
		pinger:    pinger,
		registrar: registrar,
		cell:      cell,
		shutdown:  shutdown,
		opts:      opts,
	}
}

// Run ticks until the shutdown signal fires. No ping is started after the
// signal has been observed.
func (l *Loop) Run() {
	ticker := time.NewTicker(l.opts.Interval)
	defer ticker.Stop()

	slog.Info("Heartbeat loop started", "component", "heartbeat", "interval", l.opts.Interval)
	defer slog.Info("Heartbeat loop stopped", "component", "heartbeat")

	for {
		select {
		case <-l.shutdown.Done():
			return
		case <-ticker.C:
			if l.shutdown.Fired() {
				return
			}
			l.Tick()
		}
	}
}

// Tick performs one heartbeat and, on a lost session, one re-registration.
// It returns the classified failure of the ping, if any.
func (l *Loop) Tick() error {
	rec, gen := l.cell.Load()

	ctx, cancel := context.WithTimeout(context.Background(), l.opts.RequestTimeout)
	ack, err := l.pinger.Heartbeat(ctx, rec.SessionID)
	cancel()

	l.opts.Metrics.ObserveHeartbeat(ack.String())

	if err != nil {
		err = errMapper.MapError(err)
		slog.Warn("Heartbeat failed", "component", "heartbeat", "session_id", rec.SessionID,
			"category", errMapper.Category(err), "error", err)
		return err
	}

	switch ack {
	case controlplane.AckOK:
		slog.Debug("Heartbeat acknowledged", "component", "heartbeat", "session_id", rec.SessionID)
	case controlplane.AckNotFound:
		lost := runitErrors.SessionLost("session " + rec.SessionID)
		l.reregister(rec.SessionID, gen, lost)
		return lost
	default:
		slog.Warn("Heartbeat not acknowledged", "component", "heartbeat", "session_id", rec.SessionID, "ack", ack.String())
	}
	return nil
}

func (l *Loop) reregister(lostID string, gen uint64, lost error) {
	if _, current := l.cell.Load(); current != gen {
		slog.Info("Ignoring session loss for superseded id", "component", "heartbeat", "session_id", lostID)
		return
	}
	if l.shutdown.Fired() {
		return
	}
	if !l.cell.TryBeginReregister() {
		slog.Debug("Re-registration already in flight", "component", "heartbeat", "session_id", lostID)
		return
	}
	defer l.cell.EndReregister()

	slog.Warn("Session lost, re-registering", "component", "heartbeat", "session_id", lostID, "error", lost)

	ctx, cancel := context.WithTimeout(context.Background(), l.opts.RequestTimeout)
	rec, err := l.registrar.Register(ctx)
	cancel()

	l.opts.Metrics.ObserveRegistration("reregister", err)

	if err != nil {
		slog.Error("Re-registration failed, keeping previous id", "component", "heartbeat", "session_id", lostID, "error", err)
		return
	}

	if !l.cell.CompareAndSwap(gen, rec) {
		slog.Warn("Re-registration raced with a newer session, discarding", "component", "heartbeat", "discarded_session_id", rec.SessionID)
		return
	}
	slog.Info("Session re-registered", "component", "heartbeat", "previous_session_id", lostID, "session_id", rec.SessionID)
	if l.opts.OnReregister != nil {
		l.opts.OnReregister(rec)
	}
}
