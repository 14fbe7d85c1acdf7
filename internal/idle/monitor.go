package idle

import (
	"context"
	"log/slog"
	"time"

	"github.com/harunnryd/runit/internal/concurrency"
	"github.com/harunnryd/runit/internal/controlplane"
	"github.com/harunnryd/runit/internal/metrics"
	"github.com/harunnryd/runit/internal/session"
)

// Shutdown reasons fired by the monitor.
const (
	ReasonIdle  = "idle"
	ReasonCrash = "crash"
)

type StatusQuerier interface {
	SessionStatus(ctx context.Context, sessionID string) (controlplane.Status, error)
}

// ExitProbe reports whether the resource process has exited.
type ExitProbe interface {
	Exited() bool
}

type ActivitySource interface {
	Sample(ctx context.Context) bool
	LastActivity() time.Time
}

type Options struct {
	Interval       time.Duration
	IdleTimeout    time.Duration
	RequestTimeout time.Duration
	Now            func() time.Time
	Metrics        *metrics.Metrics
}

// Decision is the outcome of one monitor tick.
type Decision int

const (
	Continue Decision = iota
	DrainIdle
	DrainCrash
)

func (d Decision) String() string {
	switch d {
	case DrainIdle:
		return ReasonIdle
	case DrainCrash:
		return ReasonCrash
	default:
		return "continue"
	}
}

// Monitor decides when an unclaimed session has been idle long enough to
// tear down. A LOCKED session is never drained for idleness.
type Monitor struct {
	status   StatusQuerier
	resource ExitProbe
	activity ActivitySource
	cell     *session.Cell
	shutdown *concurrency.Signal
	opts     Options
}

func New(status StatusQuerier, resource ExitProbe, activity ActivitySource, cell *session.Cell, shutdown *concurrency.Signal, opts Options) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Monitor{
		status:   status,
		resource: resource,
		activity: activity,
		cell:     cell,
		shutdown: shutdown,
		opts:     opts,
	}
}

// Run ticks until a drain decision is made or the shutdown signal fires.
func (m *Monitor) Run() {
	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()

	slog.Info("Idle monitor started", "component", "idle", "interval", m.opts.Interval, "idle_timeout", m.opts.IdleTimeout)
	defer slog.Info("Idle monitor stopped", "component", "idle")

	for {
		select {
		case <-m.shutdown.Done():
			return
		case <-ticker.C:
			if m.shutdown.Fired() {
				return
			}
			if d := m.Tick(); d != Continue {
				m.shutdown.Fire(d.String())
				return
			}
		}
	}
}

// Tick evaluates the session once without firing the signal.
func (m *Monitor) Tick() Decision {
	if m.resource.Exited() {
		slog.Warn("Resource exited, requesting drain", "component", "idle")
		return DrainCrash
	}

	sessionID := m.cell.SessionID()

	ctx, cancel := context.WithTimeout(context.Background(), m.opts.RequestTimeout)
	status, err := m.status.SessionStatus(ctx, sessionID)
	cancel()

	if err != nil {
		m.opts.Metrics.ObserveStatusCheck("error")
		slog.Warn("Session status query failed, treating as unlocked", "component", "idle", "session_id", sessionID, "error", err)
	} else {
		m.opts.Metrics.ObserveStatusCheck(string(status))
	}

	if err == nil && status == controlplane.StatusLocked {
		sampleCtx, sampleCancel := context.WithTimeout(context.Background(), m.opts.RequestTimeout)
		if m.activity.Sample(sampleCtx) {
			m.opts.Metrics.ObserveActivity()
		}
		sampleCancel()
		m.opts.Metrics.SetIdle(m.opts.Now().Sub(m.activity.LastActivity()))
		return Continue
	}

	idleFor := m.opts.Now().Sub(m.activity.LastActivity())
	m.opts.Metrics.SetIdle(idleFor)
	if idleFor > m.opts.IdleTimeout {
		slog.Info("Session idle past timeout, requesting drain", "component", "idle", "session_id", sessionID, "idle_for", idleFor, "idle_timeout", m.opts.IdleTimeout)
		return DrainIdle
	}
	slog.Debug("Session unlocked", "component", "idle", "session_id", sessionID, "idle_for", idleFor)
	return Continue
}
