// ABOUTME: Uniform interface to send a JSON-RPC request and get its response
// ABOUTME: Two concretions: local-stdio (stdio.go) and remote-SSE (sse.go)

package transport

import (
	"context"
	"sync"
	"time"

	"github.com/2389/mcp-router/internal/mcpwire"
)

// Transport is the narrow operation set every backend connection supports,
// modeled as a tagged variant behind one interface rather than a deep
// inheritance hierarchy (spec §9).
type Transport interface {
	// Send issues method/params as a JSON-RPC request and waits for its
	// matching response, or for deadline to elapse (zero deadline means no
	// timeout). The context governs cancellation of the *wait* only — per
	// spec §5, cancelling a caller's wait never cancels the backend's work.
	Send(ctx context.Context, method string, params any, deadline time.Time) (*mcpwire.Frame, error)

	// Notify sends a fire-and-forget JSON-RPC notification (no id, no
	// response expected).
	Notify(ctx context.Context, method string, params any) error

	// Close shuts the transport down: for stdio this tears down the child
	// process; for SSE it closes the HTTP client's stream. Close drains
	// the Correlator with ErrTransportGone.
	Close(ctx context.Context) error

	// RecentStderr returns the most recent captured stderr lines, for the
	// router_status builtin's diagnostic surface (a supplemented feature).
	// Remote transports have no stderr and return nil.
	RecentStderr() []string
}

// ringLog is a bounded, concurrency-safe log of the most recent N lines,
// used to capture a local backend's stderr without unbounded growth.
type ringLog struct {
	mu       sync.Mutex
	lines    []string
	capacity int
}

func newRingLog(capacity int) *ringLog {
	return &ringLog{capacity: capacity}
}

func (r *ringLog) Add(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, line)
	if len(r.lines) > r.capacity {
		r.lines = r.lines[len(r.lines)-r.capacity:]
	}
}

func (r *ringLog) Snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.lines))
	copy(out, r.lines)
	return out
}
