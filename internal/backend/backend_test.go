package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/2389/mcp-router/internal/correlator"
	"github.com/2389/mcp-router/internal/mcpwire"
	"github.com/2389/mcp-router/internal/routerconfig"
	"github.com/2389/mcp-router/internal/transport"
	"github.com/stretchr/testify/require"
)

// fakeTransport is an in-process stand-in for a real Transport, letting
// these tests drive the Supervisor's state machine deterministically.
type fakeTransport struct {
	mu          sync.Mutex
	closed      bool
	failCalls   bool
	failTimeout bool
	tools       []mcpwire.ToolDescriptor
}

func newFakeTransport(tools []mcpwire.ToolDescriptor) *fakeTransport {
	return &fakeTransport{tools: tools}
}

func (f *fakeTransport) Send(ctx context.Context, method string, params any, deadline time.Time) (*mcpwire.Frame, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failCalls {
		return nil, fmt.Errorf("fake transport: forced failure")
	}
	if f.failTimeout && method == mcpwire.MethodToolsCall {
		return nil, correlator.ErrTimeout
	}

	switch method {
	case mcpwire.MethodInitialize:
		return &mcpwire.Frame{JSONRPC: "2.0", ID: json.RawMessage(`"1"`), Result: json.RawMessage(`{}`)}, nil
	case mcpwire.MethodToolsList:
		result, _ := json.Marshal(mcpwire.ToolsListResult{Tools: f.tools})
		return &mcpwire.Frame{JSONRPC: "2.0", ID: json.RawMessage(`"1"`), Result: result}, nil
	case mcpwire.MethodToolsCall:
		return &mcpwire.Frame{JSONRPC: "2.0", ID: json.RawMessage(`"1"`), Result: json.RawMessage(`{"ok":true}`)}, nil
	default:
		return &mcpwire.Frame{JSONRPC: "2.0", ID: json.RawMessage(`"1"`), Result: json.RawMessage(`{}`)}, nil
	}
}

func (f *fakeTransport) Notify(ctx context.Context, method string, params any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCalls {
		return fmt.Errorf("fake transport: forced failure")
	}
	return nil
}

func (f *fakeTransport) Close(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) RecentStderr() []string { return nil }

func (f *fakeTransport) setFailCalls(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failCalls = v
}

func (f *fakeTransport) setFailTimeout(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failTimeout = v
}

func testConfig(id string) routerconfig.BackendConfig {
	return routerconfig.BackendConfig{
		ID:   id,
		Kind: routerconfig.KindLocal,
		Local: &routerconfig.LocalConfig{
			Command: "node",
		},
	}
}

func waitForState(t *testing.T, s *Supervisor, want State, within time.Duration) {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		if s.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("supervisor did not reach state %s within %s, last state %s", want, within, s.State())
}

func TestSupervisor_StartsToReady(t *testing.T) {
	tools := []mcpwire.ToolDescriptor{{Name: "fetch"}}
	ft := newFakeTransport(tools)

	s := New(testConfig("svc"), nil, nil, WithTransportFactory(func() (transport.Transport, error) {
		return ft, nil
	}))
	s.Start()
	defer s.Stop(context.Background())

	waitForState(t, s, StateReady, time.Second)
	require.Len(t, s.ListTools(), 1)
	require.Equal(t, "fetch", s.ListTools()[0].Name)
}

func TestSupervisor_CallToolWhenReady(t *testing.T) {
	ft := newFakeTransport(nil)
	s := newSupervisorWithFake(t, "svc", ft)
	s.Start()
	defer s.Stop(context.Background())

	waitForState(t, s, StateReady, time.Second)

	result, err := s.CallTool(context.Background(), "some_tool", nil, time.Time{})
	require.NoError(t, err)
	require.JSONEq(t, `{"ok":true}`, string(result))
}

func TestSupervisor_CallToolTimeoutLeavesBackendReady(t *testing.T) {
	ft := newFakeTransport(nil)
	s := newSupervisorWithFake(t, "svc", ft)
	s.Start()
	defer s.Stop(context.Background())

	waitForState(t, s, StateReady, time.Second)

	ft.setFailTimeout(true)
	_, err := s.CallTool(context.Background(), "some_tool", nil, time.Time{})
	require.ErrorIs(t, err, correlator.ErrTimeout)

	// A call timeout is returned to the caller; it must not degrade the
	// backend or trigger a restart.
	require.Equal(t, StateReady, s.State())
	require.Equal(t, 0, s.StatusSnapshot().RestartCount)
}

func TestSupervisor_CallToolFailsFastWhenNotReady(t *testing.T) {
	ft := newFakeTransport(nil)
	ft.setFailCalls(true)
	s := newSupervisorWithFake(t, "svc", ft)
	s.Start()
	defer s.Stop(context.Background())

	// Handshake will keep failing, so the Supervisor never reaches ready.
	_, err := s.CallTool(context.Background(), "some_tool", nil, time.Time{})
	require.Error(t, err)
	var unavailable *ErrBackendUnavailable
	require.ErrorAs(t, err, &unavailable)
}

func TestSupervisor_StatusSnapshot(t *testing.T) {
	ft := newFakeTransport([]mcpwire.ToolDescriptor{{Name: "a"}, {Name: "b"}})
	s := newSupervisorWithFake(t, "svc", ft)
	s.Start()
	defer s.Stop(context.Background())

	waitForState(t, s, StateReady, time.Second)

	status := s.StatusSnapshot()
	require.Equal(t, "svc", status.ID)
	require.Equal(t, StateReady, status.State)
	require.Equal(t, 2, status.ToolCount)
}

func TestSupervisor_StopTransitionsToStopped(t *testing.T) {
	ft := newFakeTransport(nil)
	s := newSupervisorWithFake(t, "svc", ft)
	s.Start()

	waitForState(t, s, StateReady, time.Second)
	s.Stop(context.Background())

	require.Equal(t, StateStopped, s.State())
}

// TestSupervisor_RemoteOAuthAppliesBearerToken drives a Supervisor through
// its real buildRemoteTransport path (no WithTransportFactory override) to
// confirm the oauth auth policy's client credentials actually produce a
// bearer token on outbound requests, rather than the "no token source"
// error SSETransport returns when nothing supplies one.
func TestSupervisor_RemoteOAuthAppliesBearerToken(t *testing.T) {
	var sawBearer bool
	var mu sync.Mutex

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		if strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
			sawBearer = true
		}
		mu.Unlock()

		if r.Method == http.MethodGet {
			w.Header().Set("Content-Type", "text/event-stream")
			w.WriteHeader(http.StatusOK)
			flusher, _ := w.(http.Flusher)
			if flusher != nil {
				flusher.Flush()
			}
			<-r.Context().Done()
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	config := routerconfig.BackendConfig{
		ID:   "svc",
		Kind: routerconfig.KindRemote,
		Remote: &routerconfig.RemoteConfig{
			URL:       srv.URL,
			Transport: "sse",
			Auth: routerconfig.AuthPolicy{
				Kind:         routerconfig.AuthOAuth,
				Provider:     "internal",
				ClientID:     "router",
				ClientSecret: "shh",
			},
			Retry: routerconfig.RetryPolicy{MaxAttempts: 3, InitialBackoffMS: 10, MaxBackoffMS: 50},
			TLS:   routerconfig.TLSPolicy{VerifyCert: true},
		},
	}

	s := New(config, nil, nil)
	s.Start()
	defer s.Stop(context.Background())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return sawBearer
	}, time.Second, 10*time.Millisecond, "expected an outbound request carrying a Bearer token")
}

// newSupervisorWithFake wires ft in as the Supervisor's Transport via
// WithTransportFactory, so Start drives the real state machine against a
// deterministic in-process backend instead of spawning anything.
func newSupervisorWithFake(t *testing.T, id string, ft *fakeTransport) *Supervisor {
	t.Helper()
	return New(testConfig(id), nil, nil, WithTransportFactory(func() (transport.Transport, error) {
		return ft, nil
	}))
}
