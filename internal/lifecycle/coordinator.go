package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/runit/internal/activity"
	"github.com/harunnryd/runit/internal/concurrency"
	runitErrors "github.com/harunnryd/runit/internal/errors"
	"github.com/harunnryd/runit/internal/heartbeat"
	"github.com/harunnryd/runit/internal/idle"
	"github.com/harunnryd/runit/internal/logger"
	"github.com/harunnryd/runit/internal/metrics"
	"github.com/harunnryd/runit/internal/resource"
	"github.com/harunnryd/runit/internal/session"
	"github.com/harunnryd/runit/internal/store"
	"github.com/harunnryd/runit/internal/tunnel"

	"github.com/google/uuid"
)

// ControlPlane is everything the lifecycle needs from the remote marketplace.
type ControlPlane interface {
	session.Client
	heartbeat.Pinger
	idle.StatusQuerier
}

// StateStore persists what the provider currently owns. *store.StateFile
// satisfies it.
type StateStore interface {
	Load() (store.State, error)
	Update(fn func(*store.State)) error
}

type Options struct {
	ProviderID        string
	Hardware          session.Hardware
	Pricing           session.Pricing
	IdleTimeout       time.Duration
	HeartbeatInterval time.Duration
	PollInterval      time.Duration
	RegisterBackoff   time.Duration
	RequestTimeout    time.Duration
	DrainTimeout      time.Duration
	Now               func() time.Time
	Metrics           *metrics.Metrics
}

// Coordinator drives one provider session from provisioning to teardown.
type Coordinator struct {
	provisioner resource.Provisioner
	tunnels     tunnel.Starter
	cp          ControlPlane
	store       StateStore
	opts        Options

	shutdown *concurrency.Signal
	loops    sync.WaitGroup

	// startMu is held by each startup step and by teardown.
	startMu sync.Mutex

	mu        sync.RWMutex
	state     State
	handle    resource.Handle
	tun       tunnel.Handle
	cell      *session.Cell
	tracker   *activity.Tracker
	startedAt time.Time
	cause     error

	teardownOnce sync.Once
	teardownErr  error
}

var errDraining = errors.New("session is draining")

func New(provisioner resource.Provisioner, tunnels tunnel.Starter, cp ControlPlane, stateStore StateStore, opts Options) (*Coordinator, error) {
	if provisioner == nil || tunnels == nil || cp == nil {
		return nil, runitErrors.InvalidInput("provisioner, tunnel starter and control plane are required")
	}
	if opts.IdleTimeout <= 0 {
		return nil, runitErrors.InvalidInput("idle timeout must be set")
	}
	if opts.ProviderID == "" {
		opts.ProviderID = uuid.NewString()
	}
	if opts.RegisterBackoff <= 0 {
		opts.RegisterBackoff = 5 * time.Second
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Second
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = 60 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Coordinator{
		provisioner: provisioner,
		tunnels:     tunnels,
		cp:          cp,
		store:       stateStore,
		opts:        opts,
		shutdown:    concurrency.NewSignal(),
		state:       StateIdle,
	}, nil
}

func (c *Coordinator) ProviderID() string {
	return c.opts.ProviderID
}

// Run executes the full lifecycle and returns the process exit code: 0 after
// a clean drain, 1 when the session could not be brought up.
func (c *Coordinator) Run(ctx context.Context) int {
	ctx = logger.WithProviderID(ctx, c.opts.ProviderID)
	c.sweepStale(ctx)

	// Startup work also stops when Teardown is called from outside Run.
	startCtx, cancel := withDone(ctx, c.shutdown.Done())
	defer cancel()

	var handle resource.Handle
	err := c.step(func() error {
		c.transition(StateProvisioning)
		h, err := c.provisioner.Provision(startCtx)
		if err != nil {
			return err
		}
		handle = h
		c.mu.Lock()
		c.handle = h
		c.mu.Unlock()
		c.persist(func(s *store.State) {
			s.ContainerID = h.ContainerID()
			s.VolumeName = h.VolumeName()
		})
		return nil
	})
	if err != nil {
		return c.abort(ctx, runitErrors.FatalStartup(err, "provision resource"))
	}

	var tun tunnel.Handle
	err = c.step(func() error {
		c.transition(StateTunneling)
		t, err := c.tunnels.Start(startCtx, handle.Port())
		if err != nil {
			return err
		}
		tun = t
		c.mu.Lock()
		c.tun = t
		c.mu.Unlock()
		c.persist(func(s *store.State) { s.PublicURL = t.PublicURL() })
		return nil
	})
	if err != nil {
		return c.abort(ctx, runitErrors.FatalStartup(err, "start tunnel"))
	}

	registrar, err := session.NewRegistrar(c.cp, session.Snapshot{
		ProviderID:   c.opts.ProviderID,
		PublicURL:    tun.PublicURL(),
		AccessSecret: handle.Token(),
		Hardware:     c.opts.Hardware,
		Pricing:      c.opts.Pricing,
	})
	if err != nil {
		return c.abort(ctx, runitErrors.FatalStartup(err, "build registration"))
	}

	// A resource that exits before registration completes ends the retries.
	regCtx, regCancel := withDone(startCtx, handle.Done())
	defer regCancel()

	c.transition(StateRegistering)
	rec, err := session.RegisterUntilSuccess(regCtx, registrar, c.opts.RegisterBackoff, func(err error) {
		c.opts.Metrics.ObserveRegistration("initial", err)
		if errors.Is(err, runitErrors.ErrRemoteRejected) {
			slog.Error("Control plane rejected registration", append(logger.Attrs(ctx), "component", "lifecycle", "error", err)...)
		}
	})
	if err != nil {
		reason := c.interruptReason(ctx, handle)
		slog.Info("Registration interrupted, draining", append(logger.Attrs(ctx), "component", "lifecycle", "reason", reason)...)
		c.Teardown(reason)
		return 0
	}

	if err := c.step(func() error {
		c.activate(ctx, registrar, rec)
		return nil
	}); err != nil {
		c.Teardown(c.interruptReason(ctx, handle))
		return 0
	}

	select {
	case <-ctx.Done():
		c.shutdown.Fire(ReasonOperator)
	case <-handle.Done():
		c.shutdown.Fire(idle.ReasonCrash)
	case <-c.shutdown.Done():
	}

	c.Teardown(c.shutdown.Reason())
	return 0
}

// step runs fn while holding startMu, so a concurrent teardown releases
// everything fn acquired. It returns errDraining without running fn once
// shutdown has fired.
func (c *Coordinator) step(fn func() error) error {
	c.startMu.Lock()
	defer c.startMu.Unlock()

	if c.shutdown.Fired() {
		return errDraining
	}
	return fn()
}

// withDone returns a child of parent that is also cancelled when done closes.
func withDone(parent context.Context, done <-chan struct{}) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		select {
		case <-done:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// interruptReason names what stopped startup early. A nil handle skips the
// resource exit check.
func (c *Coordinator) interruptReason(ctx context.Context, handle resource.Handle) string {
	switch {
	case c.shutdown.Fired():
		return c.shutdown.Reason()
	case handle != nil && handle.Exited():
		return idle.ReasonCrash
	default:
		return ReasonOperator
	}
}

func (c *Coordinator) activate(ctx context.Context, registrar *session.Registrar, rec session.Record) {
	c.mu.Lock()
	c.cell = session.NewCell(rec)
	c.tracker = activity.NewTracker(c.handle, c.opts.Now)
	c.startedAt = c.opts.Now()
	cell, tracker, handle := c.cell, c.tracker, c.handle
	c.mu.Unlock()

	c.persist(func(s *store.State) { s.SessionID = rec.SessionID })

	hb := heartbeat.New(c.cp, registrar, cell, c.shutdown, heartbeat.Options{
		Interval:       c.opts.HeartbeatInterval,
		RequestTimeout: c.opts.RequestTimeout,
		Metrics:        c.opts.Metrics,
		OnReregister: func(rec session.Record) {
			c.persist(func(s *store.State) { s.SessionID = rec.SessionID })
		},
	})
	mon := idle.New(c.cp, handle, tracker, cell, c.shutdown, idle.Options{
		Interval:       c.opts.PollInterval,
		IdleTimeout:    c.opts.IdleTimeout,
		RequestTimeout: c.opts.RequestTimeout,
		Now:            c.opts.Now,
		Metrics:        c.opts.Metrics,
	})

	concurrency.SafeGoWG(&c.loops, hb.Run, c.onLoopPanic("heartbeat"))
	concurrency.SafeGoWG(&c.loops, mon.Run, c.onLoopPanic("idle"))

	c.transition(StateActive)
	slog.Info("Session active", append(logger.Attrs(logger.WithSessionID(ctx, rec.SessionID)), "component", "lifecycle",
		"idle_timeout", c.opts.IdleTimeout)...)
}

func (c *Coordinator) onLoopPanic(loop string) func(interface{}) {
	return func(r interface{}) {
		slog.Error("Loop panicked, draining", "component", "lifecycle", "loop", loop, "panic", r)
		c.shutdown.Fire(ReasonPanic)
	}
}

// abort handles a failure before the session went active. An operator
// interrupt or an outside Teardown is a clean drain; anything else releases
// resources and fails.
func (c *Coordinator) abort(ctx context.Context, err error) int {
	if ctx.Err() != nil || c.shutdown.Fired() {
		reason := c.interruptReason(ctx, nil)
		slog.Info("Interrupted during startup, draining", append(logger.Attrs(ctx), "component", "lifecycle",
			"state", c.State(), "reason", reason, "error", err)...)
		c.Teardown(reason)
		return 0
	}

	slog.Error("Startup failed", append(logger.Attrs(ctx), "component", "lifecycle", "state", c.State(), "error", err)...)
	c.drain(ReasonStartup, StateFailed)
	return 1
}

// Teardown drains the session: the loops are stopped, then the tunnel, then
// the resource. Concurrent and repeated calls share one teardown. A startup
// step in flight finishes before anything is released.
func (c *Coordinator) Teardown(reason string) error {
	return c.drain(reason, StateTerminated)
}

func (c *Coordinator) drain(reason string, final State) error {
	c.teardownOnce.Do(func() {
		c.teardownErr = c.teardown(reason, final)
	})
	return c.teardownErr
}

func (c *Coordinator) teardown(reason string, final State) error {
	started := time.Now()
	prev := c.State()
	if final == StateTerminated {
		c.transition(StateDraining)
	}
	c.shutdown.Fire(reason)
	reason = c.shutdown.Reason()

	c.startMu.Lock()
	defer c.startMu.Unlock()

	c.mu.RLock()
	tun, handle := c.tun, c.handle
	c.mu.RUnlock()

	if reason == idle.ReasonCrash && handle != nil {
		cause := runitErrors.ResourceCrash("container " + handle.ContainerID())
		c.mu.Lock()
		c.cause = cause
		c.mu.Unlock()
		slog.Warn("Resource exited on its own", "component", "lifecycle", "error", cause)
	}
	slog.Info("Draining session", "component", "lifecycle", "reason", reason, "from", prev, "before_active", prev.PreActive())

	c.loops.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), c.opts.DrainTimeout)
	defer cancel()

	var errs []error
	if tun != nil {
		if err := tun.Stop(ctx); err != nil {
			slog.Error("Tunnel stop failed", "component", "lifecycle", "error", err)
			errs = append(errs, fmt.Errorf("stop tunnel: %w", err))
		}
	}
	if handle != nil {
		if err := handle.Destroy(ctx); err != nil {
			slog.Error("Resource destroy failed, leaving record for next start", "component", "lifecycle",
				"container_id", handle.ContainerID(), "volume", handle.VolumeName(), "error", err)
			errs = append(errs, fmt.Errorf("destroy resource: %w", err))
		} else {
			c.persist(func(s *store.State) {
				s.ContainerID = ""
				s.VolumeName = ""
				s.SessionID = ""
				s.PublicURL = ""
			})
		}
	}

	c.transition(final)
	elapsed := time.Since(started)
	c.opts.Metrics.ObserveTeardown(elapsed)
	slog.Info("Session drained", "component", "lifecycle", "state", final, "duration", elapsed)
	return errors.Join(errs...)
}

// sweepStale removes a container and volume recorded by a run that did not
// finish its teardown.
func (c *Coordinator) sweepStale(ctx context.Context) {
	if c.store == nil {
		return
	}
	prev, err := c.store.Load()
	if err != nil {
		slog.Warn("Could not read previous state", "component", "lifecycle", "error", err)
		return
	}
	if !prev.Owned() {
		return
	}

	slog.Warn("Sweeping resources left by a previous run", "component", "lifecycle",
		"previous_provider_id", prev.ProviderID, "container_id", prev.ContainerID, "volume", prev.VolumeName)
	if err := c.provisioner.Sweep(ctx, prev.ContainerID, prev.VolumeName); err != nil {
		slog.Error("Stale sweep failed", "component", "lifecycle", "error", err)
		return
	}
	c.persist(func(s *store.State) {
		s.ContainerID = ""
		s.VolumeName = ""
	})
}

// transition moves to next. A terminal state is never left, and DRAINING
// only moves on to a terminal state.
func (c *Coordinator) transition(next State) {
	c.mu.Lock()
	prev := c.state
	if prev.Terminal() || (prev == StateDraining && !next.Terminal()) {
		c.mu.Unlock()
		slog.Debug("Ignoring lifecycle transition", "component", "lifecycle", "from", prev, "to", next)
		return
	}
	c.state = next
	c.mu.Unlock()

	c.opts.Metrics.SetState(string(next), KnownStates())
	c.persist(func(s *store.State) { s.State = string(next) })
	slog.Info("Lifecycle transition", "component", "lifecycle", "provider_id", c.opts.ProviderID, "from", prev, "to", next)
}

func (c *Coordinator) persist(fn func(*store.State)) {
	if c.store == nil {
		return
	}
	err := c.store.Update(func(s *store.State) {
		s.ProviderID = c.opts.ProviderID
		fn(s)
	})
	if err != nil {
		slog.Warn("State persist failed", "component", "lifecycle", "error", err)
	}
}

func (c *Coordinator) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Done is closed once teardown has started.
func (c *Coordinator) Done() <-chan struct{} {
	return c.shutdown.Done()
}

// Status is a point-in-time view of the session. It never carries the
// control-plane access token.
type Status struct {
	ProviderID   string           `json:"providerId"`
	State        State            `json:"state"`
	SessionID    string           `json:"sessionId,omitempty"`
	PublicURL    string           `json:"publicUrl,omitempty"`
	ContainerID  string           `json:"containerId,omitempty"`
	Hardware     session.Hardware `json:"hardware"`
	Pricing      session.Pricing  `json:"pricing"`
	ActiveSince  *time.Time       `json:"activeSince,omitempty"`
	LastActivity *time.Time       `json:"lastActivity,omitempty"`
	IdleSeconds  float64          `json:"idleSeconds"`
	IdleTimeout  string           `json:"idleTimeout"`
	DrainReason  string           `json:"drainReason,omitempty"`
	DrainCause   string           `json:"drainCause,omitempty"`
}

func (c *Coordinator) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	st := Status{
		ProviderID:  c.opts.ProviderID,
		State:       c.state,
		Hardware:    c.opts.Hardware,
		Pricing:     c.opts.Pricing,
		IdleTimeout: c.opts.IdleTimeout.String(),
		DrainReason: c.shutdown.Reason(),
	}
	if c.cause != nil {
		st.DrainCause = c.cause.Error()
	}
	if c.handle != nil {
		st.ContainerID = c.handle.ContainerID()
	}
	if c.tun != nil {
		st.PublicURL = c.tun.PublicURL()
	}
	if c.cell != nil {
		st.SessionID = c.cell.SessionID()
	}
	if !c.startedAt.IsZero() {
		since := c.startedAt
		st.ActiveSince = &since
	}
	if c.tracker != nil {
		last := c.tracker.LastActivity()
		st.LastActivity = &last
		st.IdleSeconds = c.tracker.IdleFor().Seconds()
	}
	return st
}
