package transport

import (
	"context"
	"testing"
	"time"

	"github.com/2389/mcp-router/internal/mcpwire"
	"github.com/stretchr/testify/require"
)

// catScript is a tiny Python echo server: for every JSON-RPC request line
// it reads, it replies with a canned success response on stdout and writes
// a line to stderr, so both the reader and the stderr-drain path get
// exercised by one real subprocess rather than a mock.
const catScript = `
import sys, json

for line in sys.stdin:
    line = line.strip()
    if not line:
        continue
    req = json.loads(line)
    sys.stderr.write("handled " + req.get("method", "") + "\n")
    sys.stderr.flush()
    if "id" in req:
        resp = {"jsonrpc": "2.0", "id": req["id"], "result": {"echo": req.get("method")}}
        sys.stdout.write(json.dumps(resp) + "\n")
        sys.stdout.flush()
`

func spawnPython(t *testing.T) *StdioTransport {
	t.Helper()
	transport, err := NewStdioTransport(context.Background(), StdioOptions{
		Argv: []string{"python3", "-c", catScript},
	})
	require.NoError(t, err)
	return transport
}

func TestStdioTransport_SendRoundTrip(t *testing.T) {
	transport := spawnPython(t)
	defer transport.Close(context.Background())

	deadline := time.Now().Add(3 * time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	frame, err := transport.Send(ctx, mcpwire.MethodToolsList, nil, deadline)
	require.NoError(t, err)
	require.NotNil(t, frame)
	require.True(t, frame.IsResponse())
}

func TestStdioTransport_Notify(t *testing.T) {
	transport := spawnPython(t)
	defer transport.Close(context.Background())

	err := transport.Notify(context.Background(), "notifications/initialized", nil)
	require.NoError(t, err)
}

func TestStdioTransport_RecentStderrCapturesChildOutput(t *testing.T) {
	transport := spawnPython(t)
	defer transport.Close(context.Background())

	deadline := time.Now().Add(3 * time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, err := transport.Send(ctx, mcpwire.MethodToolsList, nil, deadline)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		for _, line := range transport.RecentStderr() {
			if line == "handled tools/list" {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
}

func TestStdioTransport_CloseIsIdempotentAndGraceful(t *testing.T) {
	transport := spawnPython(t)

	require.NoError(t, transport.Close(context.Background()))
	require.NoError(t, transport.Close(context.Background()))
}

func TestStdioTransport_SendAfterCloseReturnsTransportGone(t *testing.T) {
	transport := spawnPython(t)
	require.NoError(t, transport.Close(context.Background()))

	deadline := time.Now().Add(time.Second)
	_, err := transport.Send(context.Background(), mcpwire.MethodToolsList, nil, deadline)
	require.Error(t, err)
}
