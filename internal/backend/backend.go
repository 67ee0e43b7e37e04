// ABOUTME: Backend Supervisor (C3): one instance per configured backend
// ABOUTME: Owns a Transport, drives the handshake, and runs the state machine

package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/mcp-router/internal/auth"
	"github.com/2389/mcp-router/internal/correlator"
	"github.com/2389/mcp-router/internal/mcpwire"
	"github.com/2389/mcp-router/internal/routerconfig"
	"github.com/2389/mcp-router/internal/sandbox"
	"github.com/2389/mcp-router/internal/transport"
)

// State is one of the Supervisor's state machine states.
type State string

const (
	StateStarting State = "starting"
	StateReady    State = "ready"
	StateDegraded State = "degraded"
	StateFailed   State = "failed"
	StateStopped  State = "stopped"
)

const (
	refreshInterval   = 30 * time.Second
	backoffFloor      = 500 * time.Millisecond
	backoffCeiling    = 30 * time.Second
	defaultMaxRestart = 5
	handshakeTimeout  = 15 * time.Second
)

// HandshakeError wraps a failure during initialize/tools-list.
type HandshakeError struct {
	BackendID string
	Err       error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("backend %s: handshake failed: %v", e.BackendID, e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// TransportError wraps a failure communicating with an already-handshaken backend.
type TransportError struct {
	BackendID string
	Err       error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("backend %s: transport error: %v", e.BackendID, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ErrBackendUnavailable is returned by CallTool while the Supervisor is not
// in the ready state.
type ErrBackendUnavailable struct {
	BackendID string
	State     State
}

func (e *ErrBackendUnavailable) Error() string {
	return fmt.Sprintf("backend %s unavailable (state=%s)", e.BackendID, e.State)
}

// Status is the snapshot returned by router_status for one backend.
type Status struct {
	ID           string
	State        State
	ToolCount    int
	LastHealthAt time.Time
	RestartCount int
	RecentStderr []string
	Incarnation  string
}

type eventKind int

const (
	eventTransportErr eventKind = iota
	eventShutdown
)

// Supervisor owns one backend's Transport and its lifecycle state machine.
// Exactly one goroutine (runDriver) mutates state; all other access goes
// through its public methods, which read under a mutex or send on events.
type Supervisor struct {
	logger *slog.Logger
	config routerconfig.BackendConfig
	prober *sandbox.Prober

	mu            sync.RWMutex
	state         State
	tools         []mcpwire.ToolDescriptor
	lastHealthAt  time.Time
	restartCount  int
	consecutive   int // restarts since the backend last reached ready
	transport     transport.Transport
	failedRefresh int
	incarnation   string

	newTransport func() (transport.Transport, error)

	events chan eventKind
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option customizes a Supervisor built by New.
type Option func(*Supervisor)

// WithTransportFactory overrides how the Supervisor builds its Transport
// on each (re)start. Tests use this to inject an in-process fake instead
// of spawning a subprocess or dialing a URL.
func WithTransportFactory(factory func() (transport.Transport, error)) Option {
	return func(s *Supervisor) { s.newTransport = factory }
}

// New constructs a Supervisor for config. It does not start the backend;
// call Start for that.
func New(config routerconfig.BackendConfig, prober *sandbox.Prober, logger *slog.Logger, opts ...Option) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		logger: logger.With("backend_id", config.ID),
		config: config,
		prober: prober,
		state:  StateStarting,
		events: make(chan eventKind, 8),
		ctx:    ctx,
		cancel: cancel,
	}
	s.newTransport = s.buildTransport
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ID returns the backend's configured id.
func (s *Supervisor) ID() string { return s.config.ID }

// Config returns the backend's configuration snapshot.
func (s *Supervisor) Config() routerconfig.BackendConfig { return s.config }

// Start launches the state-machine driver task and the initial handshake.
func (s *Supervisor) Start() {
	s.wg.Add(1)
	go s.runDriver()
}

// State returns the current state.
func (s *Supervisor) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// ListTools returns the cached tool descriptors.
func (s *Supervisor) ListTools() []mcpwire.ToolDescriptor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]mcpwire.ToolDescriptor, len(s.tools))
	copy(out, s.tools)
	return out
}

// StatusSnapshot returns the counters exposed via router_status.
func (s *Supervisor) StatusSnapshot() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var stderr []string
	if s.transport != nil {
		stderr = s.transport.RecentStderr()
	}
	return Status{
		ID:           s.config.ID,
		State:        s.state,
		ToolCount:    len(s.tools),
		LastHealthAt: s.lastHealthAt,
		RestartCount: s.restartCount,
		RecentStderr: stderr,
		Incarnation:  s.incarnation,
	}
}

// CallTool issues tools/call against the backend's raw tool name and
// returns the result verbatim, or ErrBackendUnavailable / a transport error.
func (s *Supervisor) CallTool(ctx context.Context, rawName string, args json.RawMessage, deadline time.Time) (json.RawMessage, error) {
	s.mu.RLock()
	st := s.state
	tr := s.transport
	s.mu.RUnlock()

	if st != StateReady || tr == nil {
		return nil, &ErrBackendUnavailable{BackendID: s.config.ID, State: st}
	}

	params := mcpwire.ToolsCallParams{Name: rawName, Arguments: args}
	frame, err := tr.Send(ctx, mcpwire.MethodToolsCall, params, deadline)
	if err != nil {
		if errors.Is(err, correlator.ErrTimeout) {
			// Per spec: a call timeout is returned to the caller; the
			// backend remains ready, since nothing here indicates the
			// transport itself is broken.
			return nil, err
		}
		wrapped := &TransportError{BackendID: s.config.ID, Err: err}
		s.reportTransportErr(wrapped)
		return nil, wrapped
	}
	if frame.Error != nil {
		return nil, frame.Error
	}
	return frame.Result, nil
}

// Stop transitions the Supervisor to stopped and tears down its Transport.
// If ctx is done before the driver task exits, Stop returns anyway — the
// shutdown coordinator's global deadline takes priority — but cancellation
// has already been signaled so the task will still exit shortly after.
func (s *Supervisor) Stop(ctx context.Context) {
	select {
	case s.events <- eventShutdown:
	case <-s.ctx.Done():
	}
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("stop deadline exceeded, abandoning wait for shutdown")
	}
}

func (s *Supervisor) reportTransportErr(err error) {
	s.logger.Warn("transport error reported by caller", "error", err)
	select {
	case s.events <- eventTransportErr:
	default:
	}
}

func (s *Supervisor) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	s.logger.Info("state transition", "state", string(st))
}

// runDriver is the single task that mutates state. It starts in
// `starting` and loops: attempt handshake, then either run the ready-state
// refresh loop or back off and retry, until shutdown.
func (s *Supervisor) runDriver() {
	defer s.wg.Done()

	for {
		if s.ctx.Err() != nil {
			s.enterStopped()
			return
		}

		if err := s.attemptStart(); err != nil {
			s.logger.Error("handshake failed", "error", err)
			retry, shutdown := s.enterDegradedAndBackoff()
			switch {
			case shutdown:
				s.enterStopped()
				return
			case !retry:
				s.enterFailed()
				return
			}
			continue
		}

		s.setState(StateReady)
		s.mu.Lock()
		s.failedRefresh = 0
		s.consecutive = 0
		s.mu.Unlock()

		if stop := s.runReadyLoop(); stop {
			s.enterStopped()
			return
		}
		// runReadyLoop returned because of transport/refresh failure;
		// fall through to degrade and retry.
		retry, shutdown := s.enterDegradedAndBackoff()
		switch {
		case shutdown:
			s.enterStopped()
			return
		case !retry:
			s.enterFailed()
			return
		}
	}
}

// attemptStart performs the `starting` state's work: build the Transport
// (via C1 for local, directly for remote), run initialize +
// notifications/initialized + tools/list, and cache the result.
func (s *Supervisor) attemptStart() error {
	s.setState(StateStarting)

	incarnation := uuid.NewString()
	s.mu.Lock()
	s.incarnation = incarnation
	s.mu.Unlock()
	s.logger.Info("starting backend", "incarnation", incarnation)

	tr, err := s.newTransport()
	if err != nil {
		return &HandshakeError{BackendID: s.config.ID, Err: err}
	}

	ctx, cancel := context.WithTimeout(s.ctx, handshakeTimeout)
	defer cancel()

	if err := s.handshake(ctx, tr); err != nil {
		_ = tr.Close(context.Background())
		return &HandshakeError{BackendID: s.config.ID, Err: err}
	}

	s.mu.Lock()
	s.transport = tr
	s.lastHealthAt = time.Now()
	s.mu.Unlock()
	return nil
}

func (s *Supervisor) buildTransport() (transport.Transport, error) {
	if s.config.Kind == routerconfig.KindRemote {
		return s.buildRemoteTransport()
	}
	return s.buildLocalTransport()
}

func (s *Supervisor) buildLocalTransport() (transport.Transport, error) {
	local := s.config.Local
	if local == nil {
		return nil, fmt.Errorf("backend %s: kind local without local config", s.config.ID)
	}

	if s.prober != nil {
		if err := s.prober.Check(s.ctx, local.Sandbox); err != nil {
			return nil, err
		}
	}

	plan, err := sandbox.Plan(local.Command, local.Args, local.Env, local.EnvPassthrough, local.Sandbox, osLookupEnv)
	if err != nil {
		return nil, err
	}

	return transport.NewStdioTransport(s.ctx, transport.StdioOptions{
		Argv:   plan.Argv,
		Env:    plan.Env,
		Logger: s.logger,
	})
}

func osLookupEnv(name string) (string, bool) {
	return os.LookupEnv(name)
}

// oauthTokenTTL is how long a self-signed bearer token minted for a
// remote backend's oauth auth policy stays valid before SelfSignedTokenSource
// refreshes it.
const oauthTokenTTL = 5 * time.Minute

func (s *Supervisor) buildRemoteTransport() (transport.Transport, error) {
	remote := s.config.Remote
	if remote == nil {
		return nil, fmt.Errorf("backend %s: kind remote without remote config", s.config.ID)
	}

	var tokenSrc auth.TokenSource
	if remote.Auth.Kind == routerconfig.AuthOAuth {
		tokenSrc = auth.NewSelfSignedTokenSource([]byte(remote.Auth.ClientSecret), remote.Auth.ClientID, oauthTokenTTL)
	}

	return transport.NewSSETransport(transport.SSEOptions{
		URL:         remote.URL,
		Auth:        remote.Auth,
		Retry:       remote.Retry,
		TLS:         remote.TLS,
		TokenSource: tokenSrc,
		Logger:      s.logger,
		OnFailed: func() {
			select {
			case s.events <- eventTransportErr:
			default:
			}
		},
	})
}

// handshake runs initialize, notifications/initialized, tools/list.
func (s *Supervisor) handshake(ctx context.Context, tr transport.Transport) error {
	initParams := mcpwire.InitializeParams{
		ProtocolVersion: mcpwire.ProtocolVersion,
		Capabilities:    map[string]any{},
		ClientInfo:      mcpwire.ClientInfo{Name: "mcp-router", Version: "1.0"},
	}
	deadline := deadlineFromContext(ctx)

	if _, err := tr.Send(ctx, mcpwire.MethodInitialize, initParams, deadline); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	if err := tr.Notify(ctx, mcpwire.MethodNotificationsInit, nil); err != nil {
		return fmt.Errorf("notifications/initialized: %w", err)
	}

	frame, err := tr.Send(ctx, mcpwire.MethodToolsList, nil, deadline)
	if err != nil {
		return fmt.Errorf("tools/list: %w", err)
	}
	if frame.Error != nil {
		return fmt.Errorf("tools/list: %w", frame.Error)
	}

	var result mcpwire.ToolsListResult
	if err := json.Unmarshal(frame.Result, &result); err != nil {
		return fmt.Errorf("tools/list: decoding result: %w", err)
	}

	s.mu.Lock()
	s.tools = result.Tools
	s.mu.Unlock()
	return nil
}

func deadlineFromContext(ctx context.Context) time.Time {
	if dl, ok := ctx.Deadline(); ok {
		return dl
	}
	return time.Time{}
}

// runReadyLoop runs the `ready` state's periodic tools/list refresh until
// an event demands a transition. It returns true if the Supervisor should
// stop entirely (shutdown), false if it should degrade and retry.
func (s *Supervisor) runReadyLoop() bool {
	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return true
		case ev := <-s.events:
			switch ev {
			case eventShutdown:
				return true
			case eventTransportErr:
				return false
			}
		case <-ticker.C:
			if err := s.refreshTools(); err != nil {
				s.mu.Lock()
				s.failedRefresh++
				failed := s.failedRefresh
				s.mu.Unlock()
				s.logger.Warn("tools/list refresh failed", "error", err, "consecutive_failures", failed)
				if failed >= 2 {
					return false
				}
				continue
			}
			s.mu.Lock()
			s.failedRefresh = 0
			s.lastHealthAt = time.Now()
			s.mu.Unlock()
		}
	}
}

func (s *Supervisor) refreshTools() error {
	s.mu.RLock()
	tr := s.transport
	s.mu.RUnlock()
	if tr == nil {
		return fmt.Errorf("no transport")
	}

	ctx, cancel := context.WithTimeout(s.ctx, handshakeTimeout)
	defer cancel()

	frame, err := tr.Send(ctx, mcpwire.MethodToolsList, nil, deadlineFromContext(ctx))
	if err != nil {
		return err
	}
	if frame.Error != nil {
		return frame.Error
	}
	var result mcpwire.ToolsListResult
	if err := json.Unmarshal(frame.Result, &result); err != nil {
		return err
	}

	s.mu.Lock()
	s.tools = result.Tools
	s.mu.Unlock()
	return nil
}

// enterDegradedAndBackoff closes the current Transport and sleeps the
// exponential backoff. retry is true if the Supervisor should re-enter
// starting; if retry is false and shutdown is false, the configured
// maximum consecutive restarts has been exhausted and the caller should
// transition to failed; if shutdown is true the backoff sleep was
// interrupted by Stop and the caller should transition to stopped.
func (s *Supervisor) enterDegradedAndBackoff() (retry bool, shutdown bool) {
	s.setState(StateDegraded)

	s.mu.Lock()
	tr := s.transport
	s.transport = nil
	s.restartCount++
	s.consecutive++
	restarts := s.consecutive
	s.mu.Unlock()

	if tr != nil {
		_ = tr.Close(context.Background())
	}

	if restarts > defaultMaxRestart {
		return false, false
	}

	backoff := exponentialBackoff(restarts)
	select {
	case <-time.After(backoff):
		return true, false
	case <-s.ctx.Done():
		return false, true
	}
}

func exponentialBackoff(attempt int) time.Duration {
	d := backoffFloor
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= backoffCeiling {
			d = backoffCeiling
			break
		}
	}
	// jitter by up to 10% so many backends restarting together don't
	// thundering-herd their sandbox launcher.
	jitter := time.Duration(rand.Int63n(int64(d) / 10))
	return d + jitter
}

// enterStopped is the terminal transition on graceful shutdown.
func (s *Supervisor) enterStopped() {
	s.mu.Lock()
	tr := s.transport
	s.transport = nil
	s.mu.Unlock()

	if tr != nil {
		_ = tr.Close(context.Background())
	}

	s.setState(StateStopped)
}

// enterFailed is the terminal transition once restart attempts are
// exhausted; it persists until an explicit config reload rebuilds this
// Supervisor.
func (s *Supervisor) enterFailed() {
	s.mu.Lock()
	tr := s.transport
	s.transport = nil
	s.mu.Unlock()

	if tr != nil {
		_ = tr.Close(context.Background())
	}

	s.setState(StateFailed)
}
