package correlator

import (
	"sync"
	"testing"
	"time"

	"github.com/2389/mcp-router/internal/mcpwire"
)

func TestIssueComplete(t *testing.T) {
	c := New(nil)

	id, resultCh := c.Issue(time.Time{})
	if c.Pending() != 1 {
		t.Fatalf("Pending() = %d, want 1", c.Pending())
	}

	frame := &mcpwire.Frame{JSONRPC: "2.0"}
	c.Complete(id, frame)

	res := <-resultCh
	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	if res.Frame != frame {
		t.Fatalf("got a different frame back")
	}
	if c.Pending() != 0 {
		t.Fatalf("Pending() = %d, want 0 after complete", c.Pending())
	}
}

func TestCompleteUnknownIDIsDropped(t *testing.T) {
	c := New(nil)
	// Should not panic and should not block.
	c.Complete("never-issued", &mcpwire.Frame{})
}

func TestExpireNow(t *testing.T) {
	c := New(nil)

	past := time.Now().Add(-time.Second)
	id, resultCh := c.Issue(past)

	c.ExpireNow(time.Now())

	res := <-resultCh
	if res.Err != ErrTimeout {
		t.Fatalf("err = %v, want ErrTimeout", res.Err)
	}
	if c.Pending() != 0 {
		t.Fatalf("Pending() = %d, want 0 after expiry", c.Pending())
	}

	// A late completion for the same id is a no-op, not a crash.
	c.Complete(id, &mcpwire.Frame{})
}

func TestExpireNow_NoDeadlineNeverExpires(t *testing.T) {
	c := New(nil)
	_, resultCh := c.Issue(time.Time{})

	c.ExpireNow(time.Now().Add(24 * time.Hour))

	select {
	case res := <-resultCh:
		t.Fatalf("expected no result yet, got %+v", res)
	default:
	}
}

func TestDrain(t *testing.T) {
	c := New(nil)

	_, ch1 := c.Issue(time.Time{})
	_, ch2 := c.Issue(time.Time{})

	c.Drain(ErrTransportGone)

	for _, ch := range []<-chan Result{ch1, ch2} {
		res := <-ch
		if res.Err != ErrTransportGone {
			t.Fatalf("err = %v, want ErrTransportGone", res.Err)
		}
	}

	// Idempotent: draining again must not panic or double-send.
	c.Drain(ErrTransportGone)

	// Issue after drain fails immediately.
	_, ch3 := c.Issue(time.Time{})
	res := <-ch3
	if res.Err != ErrTransportGone {
		t.Fatalf("post-drain issue err = %v, want ErrTransportGone", res.Err)
	}
}

func TestConcurrentCallersGetTheirOwnResponse(t *testing.T) {
	c := New(nil)

	const n = 50
	var wg sync.WaitGroup
	wg.Add(n)

	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			id, resultCh := c.Issue(time.Time{})
			frame := &mcpwire.Frame{ID: []byte(`"` + id + `"`)}
			c.Complete(id, frame)
			res := <-resultCh
			if res.Err != nil {
				t.Errorf("caller %d: unexpected error %v", i, res.Err)
				return
			}
			got, err := res.Frame.IDString()
			if err != nil {
				t.Errorf("caller %d: IDString error %v", i, err)
				return
			}
			if got != id {
				t.Errorf("caller %d: got response for id %q, want %q", i, got, id)
			}
		}(i)
	}

	wg.Wait()
}

func TestNoIDReuseWhilePending(t *testing.T) {
	c := New(nil)
	seen := make(map[string]bool)

	for i := 0; i < 1000; i++ {
		id, _ := c.Issue(time.Time{})
		if seen[id] {
			t.Fatalf("id %q reused while a prior instance may still be pending", id)
		}
		seen[id] = true
	}
}
