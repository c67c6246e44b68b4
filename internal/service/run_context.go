package service

import (
	"sync"
	"time"

	"github.com/prn-tf/alexander-lifecycle/internal/domain"
)

// RunContext carries the state of one idle-archive run: the cutoff it uses
// and which blobs were already found in use. It is discarded with the run.
type RunContext struct {
	RunID  string
	Cutoff time.Time

	mu    sync.RWMutex
	inUse map[domain.BlobKey]struct{}
}

// NewRunContext creates the context of a run with the given access cutoff.
func NewRunContext(runID string, cutoff time.Time) *RunContext {
	return &RunContext{
		RunID:  runID,
		Cutoff: cutoff,
		inUse:  make(map[domain.BlobKey]struct{}),
	}
}

// InUse reports whether the blob was already found in use during this run.
func (c *RunContext) InUse(key domain.BlobKey) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.inUse[key]
	return ok
}

// MarkInUse remembers that the blob is in use for the rest of the run.
func (c *RunContext) MarkInUse(key domain.BlobKey) {
	c.mu.Lock()
	c.inUse[key] = struct{}{}
	c.mu.Unlock()
}

// InUseCount returns how many blobs were found in use.
func (c *RunContext) InUseCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.inUse)
}
