package idle

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/harunnryd/runit/internal/concurrency"
	"github.com/harunnryd/runit/internal/controlplane"
	"github.com/harunnryd/runit/internal/session"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStatus struct {
	mu      sync.Mutex
	status  controlplane.Status
	err     error
	queried []string
}

func (f *fakeStatus) SessionStatus(ctx context.Context, sessionID string) (controlplane.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queried = append(f.queried, sessionID)
	return f.status, f.err
}

type fakeResource struct{ exited atomic.Bool }

func (f *fakeResource) Exited() bool { return f.exited.Load() }

type fakeActivity struct {
	last    time.Time
	samples atomic.Int32
}

func (f *fakeActivity) Sample(ctx context.Context) bool {
	f.samples.Add(1)
	return false
}

func (f *fakeActivity) LastActivity() time.Time { return f.last }

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newMonitor(status *fakeStatus, res *fakeResource, act *fakeActivity, clock *fakeClock, timeout time.Duration) *Monitor {
	cell := session.NewCell(session.Record{SessionID: "S1"})
	return New(status, res, act, cell, concurrency.NewSignal(), Options{
		Interval:    5 * time.Millisecond,
		IdleTimeout: timeout,
		Now:         clock.Now,
	})
}

func TestLockedSessionNeverIdlesOut(t *testing.T) {
	clock := &fakeClock{t: t0}
	act := &fakeActivity{last: t0}
	m := newMonitor(&fakeStatus{status: controlplane.StatusLocked}, &fakeResource{}, act, clock, time.Minute)

	for i := 1; i <= 100; i++ {
		clock.Set(t0.Add(time.Duration(i) * time.Hour))
		assert.Equal(t, Continue, m.Tick())
	}
	assert.Equal(t, int32(100), act.samples.Load())
}

func TestIdleThresholdBoundary(t *testing.T) {
	const timeout = 10 * time.Minute
	clock := &fakeClock{t: t0}
	act := &fakeActivity{last: t0}
	m := newMonitor(&fakeStatus{status: controlplane.StatusReady}, &fakeResource{}, act, clock, timeout)

	clock.Set(t0.Add(timeout - time.Millisecond))
	assert.Equal(t, Continue, m.Tick())

	clock.Set(t0.Add(timeout))
	assert.Equal(t, Continue, m.Tick(), "elapsed equal to the timeout is not idle")

	clock.Set(t0.Add(timeout + time.Millisecond))
	assert.Equal(t, DrainIdle, m.Tick())
	assert.Zero(t, act.samples.Load(), "unlocked sessions are not sampled")
}

func TestStatusErrorTreatedAsUnlocked(t *testing.T) {
	clock := &fakeClock{t: t0.Add(2 * time.Minute)}
	act := &fakeActivity{last: t0}
	m := newMonitor(&fakeStatus{err: errors.New("connection refused")}, &fakeResource{}, act, clock, time.Minute)

	assert.Equal(t, DrainIdle, m.Tick())
}

func TestExitedResourceDrainsBeforeQuery(t *testing.T) {
	status := &fakeStatus{status: controlplane.StatusLocked}
	res := &fakeResource{}
	res.exited.Store(true)
	m := newMonitor(status, res, &fakeActivity{last: t0}, &fakeClock{t: t0}, time.Hour)

	assert.Equal(t, DrainCrash, m.Tick())
	assert.Empty(t, status.queried)
}

func TestQueriesUseCurrentSessionID(t *testing.T) {
	status := &fakeStatus{status: controlplane.StatusLocked}
	cell := session.NewCell(session.Record{SessionID: "S1"})
	m := New(status, &fakeResource{}, &fakeActivity{last: t0}, cell, concurrency.NewSignal(), Options{IdleTimeout: time.Minute})

	m.Tick()
	_, gen := cell.Load()
	require.True(t, cell.CompareAndSwap(gen, session.Record{SessionID: "S2"}))
	m.Tick()

	assert.Equal(t, []string{"S1", "S2"}, status.queried)
}

func TestRunFiresSignalOnCrash(t *testing.T) {
	res := &fakeResource{}
	status := &fakeStatus{status: controlplane.StatusLocked}
	cell := session.NewCell(session.Record{SessionID: "S1"})
	sig := concurrency.NewSignal()
	m := New(status, res, &fakeActivity{last: t0}, cell, sig, Options{
		Interval:    5 * time.Millisecond,
		IdleTimeout: time.Hour,
	})

	done := make(chan struct{})
	go func() {
		m.Run()
		close(done)
	}()

	res.exited.Store(true)

	select {
	case <-sig.Done():
	case <-time.After(time.Second):
		t.Fatal("signal not fired after resource exit")
	}
	<-done
	assert.Equal(t, ReasonCrash, sig.Reason())
}

func TestRunStopsOnExternalSignal(t *testing.T) {
	sig := concurrency.NewSignal()
	cell := session.NewCell(session.Record{SessionID: "S1"})
	m := New(&fakeStatus{status: controlplane.StatusLocked}, &fakeResource{}, &fakeActivity{last: t0}, cell, sig, Options{
		Interval:    time.Hour,
		IdleTimeout: time.Hour,
	})

	done := make(chan struct{})
	go func() {
		m.Run()
		close(done)
	}()

	require.True(t, sig.Fire("operator"))
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop")
	}
	assert.Equal(t, "operator", sig.Reason())
}
