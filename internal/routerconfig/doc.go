// Package routerconfig is the C6 Config Schema & Validator: it parses the
// on-disk JSON servers[] document into the typed, frozen BackendConfig
// list the Router Engine consumes at startup and on reload.
//
// # Schema
//
//	{
//	  "servers": [
//	    {"id": "fs", "command": "npx", "args": ["-y", "@modelcontextprotocol/server-filesystem"],
//	     "sandbox": {"strategy": "none"}},
//	    {"id": "search", "type": "remote", "url": "https://example.com/mcp",
//	     "transport": "sse", "auth": {"type": "bearer", "token": "${SEARCH_TOKEN}"}}
//	  ],
//	  "timeout_ms": 30000,
//	  "cache_tools": true
//	}
//
// Every validation failure is reported with the offending server's id;
// Load/Parse collect and return all of them via errors.Join rather than
// stopping at the first.
package routerconfig
