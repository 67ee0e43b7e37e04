// Package mcpfront exposes a router.Engine over a newline-delimited
// JSON-RPC stdio transport — the surface an MCP client actually talks
// to. Each request is handled in its own goroutine so a slow backend
// call never blocks unrelated requests; responses are written as they
// complete, in whatever order they finish.
package mcpfront
