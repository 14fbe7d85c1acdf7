package activity

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"time"

	runitErrors "github.com/harunnryd/runit/internal/errors"
)

var errMapper = runitErrors.NewDefaultErrorMapper()

// Sampler reads a point-in-time I/O counter from the resource. Only byte
// equality between consecutive samples matters.
type Sampler interface {
	IOSample(ctx context.Context) ([]byte, error)
}

// Tracker turns I/O samples into a last-activity timestamp.
type Tracker struct {
	sampler Sampler
	now     func() time.Time

	mu           sync.RWMutex
	lastActivity time.Time
	lastSample   []byte
	hasSample    bool
}

// NewTracker starts the activity clock at now(). A nil now uses time.Now.
func NewTracker(sampler Sampler, now func() time.Time) *Tracker {
	if now == nil {
		now = time.Now
	}
	return &Tracker{
		sampler:      sampler,
		now:          now,
		lastActivity: now(),
	}
}

// Sample reports whether the I/O counter moved since the previous sample.
// The first successful sample only records a baseline. Read errors report no
// activity and leave the state untouched.
func (t *Tracker) Sample(ctx context.Context) bool {
	current, err := t.sampler.IOSample(ctx)
	if err != nil {
		err = errMapper.MapError(err)
		slog.Warn("Activity sample failed", "component", "activity", "category", errMapper.Category(err), "error", err)
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.hasSample {
		t.lastSample = append([]byte(nil), current...)
		t.hasSample = true
		return false
	}
	if bytes.Equal(t.lastSample, current) {
		return false
	}

	t.lastSample = append(t.lastSample[:0], current...)
	t.lastActivity = t.now()
	slog.Debug("Activity observed", "component", "activity", "at", t.lastActivity)
	return true
}

func (t *Tracker) LastActivity() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lastActivity
}

// IdleFor returns how long it has been since the last observed activity.
func (t *Tracker) IdleFor() time.Duration {
	return t.now().Sub(t.LastActivity())
}
