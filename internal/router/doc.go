// Package router implements the Router Engine (C5): the aggregated
// list_tools/call_tool surface the MCP-facing adapter drives. The
// RoutingTable is held as an atomic pointer — every rebuild constructs a
// fresh, immutable snapshot and swaps it in, so readers never observe a
// partially-updated table and never take a lock across a backend call.
package router
