package session

import (
	"sync"
	"sync/atomic"
)

// Cell holds the current session record shared by the heartbeat and idle
// loops. Every successful write bumps the generation.
type Cell struct {
	mu  sync.RWMutex
	rec Record
	gen uint64

	reregistering atomic.Bool
}

func NewCell(rec Record) *Cell {
	return &Cell{rec: rec, gen: 1}
}

// Load returns the current record and its generation.
func (c *Cell) Load() (Record, uint64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rec, c.gen
}

func (c *Cell) SessionID() string {
	rec, _ := c.Load()
	return rec.SessionID
}

// CompareAndSwap replaces the record only if the generation is still gen.
func (c *Cell) CompareAndSwap(gen uint64, rec Record) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return false
	}
	c.rec = rec
	c.gen++
	return true
}

// TryBeginReregister claims the single re-registration slot.
func (c *Cell) TryBeginReregister() bool {
	return c.reregistering.CompareAndSwap(false, true)
}

func (c *Cell) EndReregister() {
	c.reregistering.Store(false)
}
