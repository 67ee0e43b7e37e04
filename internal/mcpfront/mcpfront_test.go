package mcpfront

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/2389/mcp-router/internal/backend"
	"github.com/2389/mcp-router/internal/mcpwire"
	"github.com/2389/mcp-router/internal/router"
	"github.com/2389/mcp-router/internal/routerconfig"
	"github.com/2389/mcp-router/internal/transport"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	tools []mcpwire.ToolDescriptor
}

func (f *fakeTransport) Send(ctx context.Context, method string, params any, deadline time.Time) (*mcpwire.Frame, error) {
	switch method {
	case mcpwire.MethodToolsList:
		result, _ := json.Marshal(mcpwire.ToolsListResult{Tools: f.tools})
		return &mcpwire.Frame{JSONRPC: "2.0", ID: json.RawMessage(`"1"`), Result: result}, nil
	case mcpwire.MethodToolsCall:
		return &mcpwire.Frame{JSONRPC: "2.0", ID: json.RawMessage(`"1"`), Result: json.RawMessage(`{"echo":true}`)}, nil
	default:
		return &mcpwire.Frame{JSONRPC: "2.0", ID: json.RawMessage(`"1"`), Result: json.RawMessage(`{}`)}, nil
	}
}

func (f *fakeTransport) Notify(ctx context.Context, method string, params any) error { return nil }
func (f *fakeTransport) Close(ctx context.Context) error                             { return nil }
func (f *fakeTransport) RecentStderr() []string                                      { return nil }

func readyEngine(t *testing.T) *router.Engine {
	t.Helper()
	ft := &fakeTransport{tools: []mcpwire.ToolDescriptor{{Name: "echo"}}}
	s := backend.New(
		routerconfig.BackendConfig{ID: "local1", Kind: routerconfig.KindLocal, Local: &routerconfig.LocalConfig{Command: "node"}},
		nil, nil,
		backend.WithTransportFactory(func() (transport.Transport, error) { return ft, nil }),
	)
	s.Start()
	t.Cleanup(func() { s.Stop(context.Background()) })

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if s.State() == backend.StateReady {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.Equal(t, backend.StateReady, s.State())

	doc := &routerconfig.Document{Servers: []routerconfig.BackendConfig{s.Config()}, TimeoutMS: 1000}
	e := router.New(doc, []*backend.Supervisor{s}, nil, nil)
	e.Rebuild()
	return e
}

// runLines drives the Adapter with the given request lines and returns
// the responses keyed by their string-formatted id. Requests are
// dispatched concurrently, so callers must not rely on response order.
func runLines(t *testing.T, e *router.Engine, lines ...string) map[string]outboundResponse {
	t.Helper()
	in := strings.NewReader(strings.Join(lines, "\n") + "\n")
	var out bytes.Buffer
	a := New(e, nil, in, &out)

	require.NoError(t, a.Run(context.Background()))

	responses := make(map[string]outboundResponse)
	scanner := bufio.NewScanner(&out)
	for scanner.Scan() {
		var resp outboundResponse
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &resp))
		responses[string(resp.ID)] = resp
	}
	return responses
}

func TestAdapter_InitializeAndToolsList(t *testing.T) {
	e := readyEngine(t)

	responses := runLines(t, e,
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`,
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`,
	)

	require.Len(t, responses, 2)
	initResp := responses["1"]
	require.Nil(t, initResp.Error)
	require.Contains(t, string(initResp.Result), mcpwire.ProtocolVersion)

	listResp := responses["2"]
	require.Nil(t, listResp.Error)
	var listResult mcpwire.ToolsListResult
	require.NoError(t, json.Unmarshal(listResp.Result, &listResult))
	var names []string
	for _, td := range listResult.Tools {
		names = append(names, td.Name)
	}
	require.Equal(t, []string{"local1_echo", "router_list_servers", "router_status"}, names)
}

func TestAdapter_ToolsCallRoundTrip(t *testing.T) {
	e := readyEngine(t)

	responses := runLines(t, e,
		`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"local1_echo","arguments":{"message":"hi"}}}`,
	)

	require.Len(t, responses, 1)
	require.Nil(t, responses["1"].Error)
	require.JSONEq(t, `{"echo":true}`, string(responses["1"].Result))
}

func TestAdapter_ToolsCallUnknownToolReturnsError(t *testing.T) {
	e := readyEngine(t)

	responses := runLines(t, e,
		`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"does_not_exist","arguments":{}}}`,
	)

	require.Len(t, responses, 1)
	require.Nil(t, responses["1"].Result)
	require.NotNil(t, responses["1"].Error)
	require.Equal(t, mcpwire.ErrCodeMethodNotFound, responses["1"].Error.Code)
}

func TestAdapter_UnknownMethodReturnsError(t *testing.T) {
	e := readyEngine(t)

	responses := runLines(t, e,
		`{"jsonrpc":"2.0","id":1,"method":"does/not/exist"}`,
	)

	require.Len(t, responses, 1)
	require.NotNil(t, responses["1"].Error)
	require.Equal(t, mcpwire.ErrCodeMethodNotFound, responses["1"].Error.Code)
}

func TestAdapter_RouterStatusBuiltin(t *testing.T) {
	e := readyEngine(t)

	responses := runLines(t, e,
		`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"router_status","arguments":{}}}`,
	)

	require.Len(t, responses, 1)
	require.Nil(t, responses["1"].Error)
	require.Contains(t, string(responses["1"].Result), "local1")
}
