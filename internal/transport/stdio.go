// ABOUTME: Local-stdio Transport: line-delimited JSON-RPC over a child process's pipes
// ABOUTME: Single-writer/single-reader discipline; stderr drained to a bounded ring log

package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/2389/mcp-router/internal/correlator"
	"github.com/2389/mcp-router/internal/mcpwire"
)

const (
	stdioShutdownGrace = 5 * time.Second
	stderrRingCapacity = 50
	reaperInterval     = 100 * time.Millisecond
	writeQueueDepth    = 64
)

type writeRequest struct {
	payload []byte
	errCh   chan error
}

// StdioTransport owns a child process's stdin/stdout/stderr and speaks
// newline-delimited JSON-RPC 2.0 over them.
type StdioTransport struct {
	logger     *slog.Logger
	correlator *correlator.Correlator

	cmd     *exec.Cmd
	stdin   writeCloser
	writeCh chan writeRequest
	stderr  *ringLog

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once

	exitedCh chan struct{}
	exitErr  error
}

type writeCloser interface {
	Write([]byte) (int, error)
	Close() error
}

// StdioOptions configures spawn of a local backend's transport.
type StdioOptions struct {
	Argv   []string
	Env    map[string]string
	Logger *slog.Logger
}

// NewStdioTransport spawns the child process described by opts and starts
// its reader, writer, stderr-drain, and reaper tasks. It does not perform
// the MCP handshake — that is the Backend Supervisor's job, issued as a
// normal Send call once the transport exists.
func NewStdioTransport(ctx context.Context, opts StdioOptions) (*StdioTransport, error) {
	if len(opts.Argv) == 0 {
		return nil, fmt.Errorf("stdio transport: empty argv")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	cmd := exec.Command(opts.Argv[0], opts.Argv[1:]...)
	cmd.Env = envSlice(opts.Env)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdio transport: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdio transport: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stdio transport: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("stdio transport: start: %w", err)
	}

	transportCtx, cancel := context.WithCancel(context.Background())

	t := &StdioTransport{
		logger:     logger,
		correlator: correlator.New(logger),
		cmd:        cmd,
		stdin:      stdin,
		writeCh:    make(chan writeRequest, writeQueueDepth),
		stderr:     newRingLog(stderrRingCapacity),
		ctx:        transportCtx,
		cancel:     cancel,
		exitedCh:   make(chan struct{}),
	}

	t.wg.Add(4)
	go t.runWriter()
	go t.runReader(stdout)
	go t.runStderrDrain(stderr)
	go t.runReaper()

	go func() {
		t.exitErr = cmd.Wait()
		close(t.exitedCh)
	}()

	return t, nil
}

func envSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

func (t *StdioTransport) runReaper() {
	defer t.wg.Done()
	t.correlator.RunReaper(t.ctx, reaperInterval)
}

// runWriter is the single writer of the outbound byte stream: every Send
// funnels through writeCh so frames never interleave.
func (t *StdioTransport) runWriter() {
	defer t.wg.Done()
	for {
		select {
		case <-t.ctx.Done():
			return
		case req := <-t.writeCh:
			_, err := t.stdin.Write(req.payload)
			req.errCh <- err
		}
	}
}

// runReader is the only reader of the inbound byte stream. Frames with an
// id are responses, handed to the Correlator; frames without are
// notifications, which this router does not subscribe to but still logs.
func (t *StdioTransport) runReader(stdout readCloser) {
	defer t.wg.Done()
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var frame mcpwire.Frame
		if err := json.Unmarshal(line, &frame); err != nil {
			t.logger.Warn("stdio transport: malformed frame", "error", err)
			continue
		}
		if frame.IsResponse() {
			id, err := frame.IDString()
			if err != nil {
				t.logger.Warn("stdio transport: response with non-string id", "error", err)
				continue
			}
			t.correlator.Complete(id, &frame)
		} else {
			t.logger.Debug("stdio transport: notification from backend", "method", frame.Method)
		}
	}
}

type readCloser interface {
	Read([]byte) (int, error)
}

func (t *StdioTransport) runStderrDrain(stderr readCloser) {
	defer t.wg.Done()
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		t.stderr.Add(scanner.Text())
	}
}

// Send implements Transport.
func (t *StdioTransport) Send(ctx context.Context, method string, params any, deadline time.Time) (*mcpwire.Frame, error) {
	id, resultCh := t.correlator.Issue(deadline)

	req, err := mcpwire.NewRequest(id, method, params)
	if err != nil {
		return nil, fmt.Errorf("stdio transport: building request: %w", err)
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("stdio transport: marshaling request: %w", err)
	}
	payload = append(payload, '\n')

	errCh := make(chan error, 1)
	select {
	case t.writeCh <- writeRequest{payload: payload, errCh: errCh}:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.ctx.Done():
		return nil, correlator.ErrTransportGone
	}

	select {
	case err := <-errCh:
		if err != nil {
			return nil, fmt.Errorf("stdio transport: write: %w", err)
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.ctx.Done():
		return nil, correlator.ErrTransportGone
	}

	select {
	case res := <-resultCh:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Frame, nil
	case <-ctx.Done():
		// The PendingCall remains registered; it is resolved later by
		// expiry or drain, per spec §5 cancellation semantics.
		return nil, ctx.Err()
	}
}

// Notify implements Transport.
func (t *StdioTransport) Notify(ctx context.Context, method string, params any) error {
	req, err := mcpwire.NewNotification(method, params)
	if err != nil {
		return fmt.Errorf("stdio transport: building notification: %w", err)
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("stdio transport: marshaling notification: %w", err)
	}
	payload = append(payload, '\n')

	errCh := make(chan error, 1)
	select {
	case t.writeCh <- writeRequest{payload: payload, errCh: errCh}:
	case <-ctx.Done():
		return ctx.Err()
	case <-t.ctx.Done():
		return correlator.ErrTransportGone
	}
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RecentStderr implements Transport.
func (t *StdioTransport) RecentStderr() []string {
	return t.stderr.Snapshot()
}

// Close implements Transport: drop stdin to signal EOF, wait a grace
// period for the child to exit, then SIGTERM, then after a second grace
// SIGKILL. The Correlator is drained with ErrTransportGone throughout.
func (t *StdioTransport) Close(ctx context.Context) error {
	t.closeOnce.Do(func() {
		t.correlator.Drain(correlator.ErrTransportGone)
		_ = t.stdin.Close()

		if t.waitForExit(stdioShutdownGrace) {
			t.finish()
			return
		}

		if t.cmd.Process != nil {
			_ = t.cmd.Process.Signal(syscall.SIGTERM)
		}
		if t.waitForExit(stdioShutdownGrace) {
			t.finish()
			return
		}

		if t.cmd.Process != nil {
			_ = t.cmd.Process.Kill()
		}
		t.waitForExit(stdioShutdownGrace)
		t.finish()
	})
	return nil
}

func (t *StdioTransport) waitForExit(grace time.Duration) bool {
	select {
	case <-t.exitedCh:
		return true
	case <-time.After(grace):
		return false
	}
}

func (t *StdioTransport) finish() {
	t.cancel()
	t.wg.Wait()
}
