// ABOUTME: Per-Transport request/response correlation over JSON-RPC ids
// ABOUTME: Pending-call table with single-shot completion and deadline sweeping

package correlator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/2389/mcp-router/internal/mcpwire"
)

// Sentinel errors a PendingCall's result channel may be completed with.
// These map directly onto the router's ErrorKind taxonomy.
var (
	ErrTimeout      = errors.New("timeout")
	ErrTransportGone = errors.New("transport gone")
)

// Result is what a waiter receives: exactly one of Frame or Err is set.
type Result struct {
	Frame *mcpwire.Frame
	Err   error
}

type pendingEntry struct {
	deadline time.Time // zero value means no deadline
	resultCh chan Result
}

// Correlator matches outbound request ids to inbound response frames for
// one Transport. It is safe for concurrent use; the critical section that
// guards the pending map is kept short — delivering a result never blocks
// on the waiter because every result channel is buffered by one.
type Correlator struct {
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]*pendingEntry
	counter uint64
	drained bool
}

// New constructs a Correlator. logger is used to report dropped late
// responses and other anomalies that must never corrupt state.
func New(logger *slog.Logger) *Correlator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Correlator{
		logger:  logger,
		pending: make(map[string]*pendingEntry),
	}
}

// Issue allocates a fresh request id and registers a PendingCall for it.
// deadline is the absolute instant after which the call should be failed
// with ErrTimeout by the reaper; the zero Time means no deadline. The
// returned channel receives exactly one Result.
func (c *Correlator) Issue(deadline time.Time) (id string, resultCh <-chan Result) {
	ch := make(chan Result, 1)

	c.mu.Lock()
	c.counter++
	id = strconv.FormatUint(c.counter, 10)
	if c.drained {
		c.mu.Unlock()
		ch <- Result{Err: ErrTransportGone}
		return id, ch
	}
	c.pending[id] = &pendingEntry{deadline: deadline, resultCh: ch}
	c.mu.Unlock()

	return id, ch
}

// Complete delivers frame to the waiter registered under id and removes
// the entry. If id is not pending — because it already completed, timed
// out, or was never issued — the frame is logged and dropped; this is the
// normal shape of a late response arriving after its deadline fired.
func (c *Correlator) Complete(id string, frame *mcpwire.Frame) {
	c.mu.Lock()
	entry, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Warn("correlator: dropping response for unknown or expired id", "id", id)
		return
	}
	entry.resultCh <- Result{Frame: frame}
}

// ExpireNow sweeps every pending entry whose deadline has passed as of
// now and fails it with ErrTimeout. Call this periodically (the router
// runs a reaper task at least every 100ms); this method itself does not
// sleep.
func (c *Correlator) ExpireNow(now time.Time) {
	var expired []*pendingEntry

	c.mu.Lock()
	for id, entry := range c.pending {
		if entry.deadline.IsZero() {
			continue
		}
		if !now.Before(entry.deadline) {
			expired = append(expired, entry)
			delete(c.pending, id)
		}
	}
	c.mu.Unlock()

	for _, entry := range expired {
		entry.resultCh <- Result{Err: ErrTimeout}
	}
}

// RunReaper blocks, calling ExpireNow at the given interval, until ctx is
// done. Callers run this as the per-Transport reaper task.
func (c *Correlator) RunReaper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-ticker.C:
			c.ExpireNow(t)
		}
	}
}

// Drain fails every currently pending entry with err and marks the
// Correlator drained so that any future Issue fails immediately. Drain is
// idempotent: calling it again when already drained is a no-op beyond
// failing whatever (nothing, by construction) remains pending.
func (c *Correlator) Drain(err error) {
	if err == nil {
		err = ErrTransportGone
	}

	c.mu.Lock()
	c.drained = true
	pending := c.pending
	c.pending = make(map[string]*pendingEntry)
	c.mu.Unlock()

	for _, entry := range pending {
		entry.resultCh <- Result{Err: err}
	}
}

// Pending reports how many calls are currently outstanding. Used by
// status/introspection and by tests.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// WaitDescription formats a human-readable description of a pending call
// id for logging, without leaking frame contents.
func WaitDescription(id string) string {
	return fmt.Sprintf("pending call %s", id)
}
