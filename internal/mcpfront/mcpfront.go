// ABOUTME: Thin stdio JSON-RPC adapter exposing the Router Engine to an MCP client
// ABOUTME: Reads one request per line, dispatches concurrently, writes responses as they complete

package mcpfront

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/2389/mcp-router/internal/backend"
	"github.com/2389/mcp-router/internal/correlator"
	"github.com/2389/mcp-router/internal/mcpwire"
	"github.com/2389/mcp-router/internal/router"
)

const serverName = "mcp-router"

// version is set by the caller; cmd/mcp-router sets it from build info.
var version = "dev"

// SetVersion overrides the serverInfo.version field reported during
// initialize. Call once at startup.
func SetVersion(v string) { version = v }

type inboundMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type outboundResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *mcpwire.Error  `json:"error,omitempty"`
}

// Adapter is the stdio-facing MCP server. It owns no state of its own
// beyond the in/out streams — all routing logic lives in the Engine.
type Adapter struct {
	engine *router.Engine
	logger *slog.Logger
	in     io.Reader
	out    io.Writer

	writeMu sync.Mutex
	wg      sync.WaitGroup
}

// New constructs an Adapter reading from in and writing to out. Typical
// callers pass os.Stdin and os.Stdout.
func New(engine *router.Engine, logger *slog.Logger, in io.Reader, out io.Writer) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{engine: engine, logger: logger, in: in, out: out}
}

// Run reads newline-delimited JSON-RPC requests until ctx is done or the
// input stream reaches EOF, dispatching each concurrently and writing its
// response as soon as it completes. It returns once every in-flight
// request has been answered.
func (a *Adapter) Run(ctx context.Context) error {
	scanner := bufio.NewScanner(a.in)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		close(done)
	}()

	for scanner.Scan() {
		select {
		case <-done:
			a.wg.Wait()
			return ctx.Err()
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		msg := make([]byte, len(line))
		copy(msg, line)

		var in inboundMessage
		if err := json.Unmarshal(msg, &in); err != nil {
			a.logger.Warn("mcpfront: malformed request", "error", err)
			continue
		}

		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.handle(ctx, in)
		}()
	}

	a.wg.Wait()
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("mcpfront: reading stdin: %w", err)
	}
	return nil
}

func (a *Adapter) isNotification(in inboundMessage) bool {
	return len(in.ID) == 0 || string(in.ID) == "null"
}

func (a *Adapter) handle(ctx context.Context, in inboundMessage) {
	if a.isNotification(in) {
		a.handleNotification(in)
		return
	}

	result, err := a.dispatch(ctx, in)
	resp := outboundResponse{JSONRPC: "2.0", ID: in.ID}
	if err != nil {
		resp.Error = toRPCError(err)
	} else {
		resp.Result = result
	}
	a.write(resp)
}

func (a *Adapter) handleNotification(in inboundMessage) {
	switch in.Method {
	case mcpwire.MethodNotificationsInit:
		// The client has acknowledged initialize; nothing to do.
	default:
		a.logger.Debug("mcpfront: unhandled notification", "method", in.Method)
	}
}

func (a *Adapter) dispatch(ctx context.Context, in inboundMessage) (json.RawMessage, error) {
	switch in.Method {
	case mcpwire.MethodInitialize:
		return a.handleInitialize()
	case mcpwire.MethodToolsList:
		return a.handleToolsList()
	case mcpwire.MethodToolsCall:
		return a.handleToolsCall(ctx, in.Params)
	default:
		return nil, &mcpwire.Error{Code: mcpwire.ErrCodeMethodNotFound, Message: fmt.Sprintf("method not found: %s", in.Method)}
	}
}

func (a *Adapter) handleInitialize() (json.RawMessage, error) {
	result := map[string]any{
		"protocolVersion": mcpwire.ProtocolVersion,
		"capabilities":    map[string]any{"tools": map[string]any{}},
		"serverInfo":      mcpwire.ClientInfo{Name: serverName, Version: version},
	}
	return json.Marshal(result)
}

func (a *Adapter) handleToolsList() (json.RawMessage, error) {
	tools := a.engine.ListTools()
	return json.Marshal(mcpwire.ToolsListResult{Tools: tools})
}

func (a *Adapter) handleToolsCall(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	var call mcpwire.ToolsCallParams
	if err := json.Unmarshal(params, &call); err != nil {
		return nil, &mcpwire.Error{Code: mcpwire.ErrCodeInvalidParams, Message: "tools/call: invalid params"}
	}

	result, err := a.engine.CallTool(ctx, call.Name, call.Arguments)
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (a *Adapter) write(resp outboundResponse) {
	payload, err := json.Marshal(resp)
	if err != nil {
		a.logger.Error("mcpfront: failed to marshal response", "error", err)
		return
	}
	payload = append(payload, '\n')

	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	if _, err := a.out.Write(payload); err != nil {
		a.logger.Error("mcpfront: failed to write response", "error", err)
	}
}

// toRPCError maps the router's internal error taxonomy onto JSON-RPC
// error objects. A passthrough mcpwire.Error (the backend's own error)
// is forwarded verbatim; everything else gets a taxonomy-appropriate code.
func toRPCError(err error) *mcpwire.Error {
	var passthrough *mcpwire.Error
	if errors.As(err, &passthrough) {
		return passthrough
	}

	var unknown *router.ErrUnknownTool
	if errors.As(err, &unknown) {
		return &mcpwire.Error{Code: mcpwire.ErrCodeMethodNotFound, Message: err.Error()}
	}

	var unavailable *backend.ErrBackendUnavailable
	if errors.As(err, &unavailable) {
		return &mcpwire.Error{
			Code:    mcpwire.ErrCodeInternalError,
			Message: fmt.Sprintf("backend %s is unavailable (state=%s)", unavailable.BackendID, unavailable.State),
		}
	}

	if errors.Is(err, correlator.ErrTimeout) {
		return &mcpwire.Error{
			Code:    mcpwire.ErrCodeInternalError,
			Message: "call timed out; override with arguments.__timeout (ms, or \"*\" for none)",
		}
	}

	if errors.Is(err, correlator.ErrTransportGone) {
		return &mcpwire.Error{Code: mcpwire.ErrCodeInternalError, Message: "backend transport is gone"}
	}

	return &mcpwire.Error{Code: mcpwire.ErrCodeInternalError, Message: err.Error()}
}
