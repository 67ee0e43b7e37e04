// ABOUTME: Router Engine (C5): aggregated tool list, dispatch, and built-ins
// ABOUTME: RoutingTable is rebuilt on any Supervisor's tool-list change and swapped atomically

package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/2389/mcp-router/internal/backend"
	"github.com/2389/mcp-router/internal/mcpwire"
	"github.com/2389/mcp-router/internal/routerconfig"
	"github.com/2389/mcp-router/internal/secretmask"
)

// Built-in tool names, reserved across every namespace.
const (
	ToolRouterStatus      = "router_status"
	ToolRouterListServers = "router_list_servers"
)

// ErrUnknownTool is returned by CallTool when the namespaced name does not
// resolve to any backend tool or built-in.
type ErrUnknownTool struct {
	Name string
}

func (e *ErrUnknownTool) Error() string {
	return fmt.Sprintf("unknown tool %q", e.Name)
}

// ToolNameCollision is logged (never returned to the caller) when two
// backends' namespaced tool names coincide.
type ToolNameCollision struct {
	Name        string
	KeptBackend string
	DroppedBackend string
}

func (e *ToolNameCollision) Error() string {
	return fmt.Sprintf("tool name collision on %q: kept %s, dropped %s", e.Name, e.KeptBackend, e.DroppedBackend)
}

type routeEntry struct {
	backendID string
	rawName   string
}

// routingTable is the immutable snapshot swapped in on every rebuild.
// Readers take it once via Engine.table.Load and never observe a partial
// update.
type routingTable struct {
	routes map[string]routeEntry
	tools  []mcpwire.ToolDescriptor
}

// Engine owns the collection of Supervisors and the RoutingTable built
// from their cached tool lists.
type Engine struct {
	logger      *slog.Logger
	supervisors []*backend.Supervisor
	byID        map[string]*backend.Supervisor
	document    *routerconfig.Document
	secretNames map[string]bool

	table atomic.Pointer[routingTable]
}

// New constructs an Engine over the given Supervisors, one per backend in
// document. It does not start them — call Start for that.
func New(document *routerconfig.Document, supervisors []*backend.Supervisor, secretNames map[string]bool, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	byID := make(map[string]*backend.Supervisor, len(supervisors))
	for _, s := range supervisors {
		byID[s.ID()] = s
	}
	e := &Engine{
		logger:      logger,
		supervisors: supervisors,
		byID:        byID,
		document:    document,
		secretNames: secretNames,
	}
	e.table.Store(&routingTable{routes: map[string]routeEntry{}})
	return e
}

// Start launches every Supervisor and the engine's own background
// rebuild-on-change poll. The poll exists because Supervisors expose no
// change notification; it is cheap since ListTools is a lock-guarded copy.
func (e *Engine) Start(ctx context.Context) {
	for _, s := range e.supervisors {
		s.Start()
	}
	go e.runRebuildLoop(ctx)
}

// Stop asks every Supervisor to stop concurrently, all bounded by ctx's
// deadline. Fanning out rather than stopping one at a time means the
// total shutdown time is the slowest single Supervisor, not their sum.
func (e *Engine) Stop(ctx context.Context) {
	var g errgroup.Group
	for _, s := range e.supervisors {
		s := s
		g.Go(func() error {
			s.Stop(ctx)
			return nil
		})
	}
	_ = g.Wait()
}

const rebuildPollInterval = 500 * time.Millisecond

func (e *Engine) runRebuildLoop(ctx context.Context) {
	ticker := time.NewTicker(rebuildPollInterval)
	defer ticker.Stop()

	e.Rebuild()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Rebuild()
		}
	}
}

// Rebuild recomputes the RoutingTable from every ready Supervisor's
// currently cached tool descriptors and swaps it in atomically. Ordering
// is deterministic: Supervisors sorted by id, tools within each sorted by
// raw name. On a namespaced-name collision the first entry in that sort
// order wins and the collision is logged.
func (e *Engine) Rebuild() {
	ids := make([]string, 0, len(e.supervisors))
	for id := range e.byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	routes := make(map[string]routeEntry)
	var tools []mcpwire.ToolDescriptor

	for _, id := range ids {
		s := e.byID[id]
		if s.State() != backend.StateReady {
			continue
		}
		backendTools := s.ListTools()
		sort.Slice(backendTools, func(i, j int) bool { return backendTools[i].Name < backendTools[j].Name })

		for _, td := range backendTools {
			namespaced := namespace(id, td.Name)
			if existing, ok := routes[namespaced]; ok {
				collision := &ToolNameCollision{Name: namespaced, KeptBackend: existing.backendID, DroppedBackend: id}
				e.logger.Warn(collision.Error())
				continue
			}
			routes[namespaced] = routeEntry{backendID: id, rawName: td.Name}
			tools = append(tools, mcpwire.ToolDescriptor{
				Name:        namespaced,
				Description: td.Description,
				InputSchema: td.InputSchema,
			})
		}
	}

	e.table.Store(&routingTable{routes: routes, tools: tools})
}

// namespace computes the external tool identity for a backend's raw tool
// name: "<backend_id>_<raw, colons replaced by underscores>".
func namespace(backendID, rawName string) string {
	return backendID + "_" + strings.ReplaceAll(rawName, ":", "_")
}

// builtinDescriptors are appended to every aggregated list_tools result.
func builtinDescriptors() []mcpwire.ToolDescriptor {
	return []mcpwire.ToolDescriptor{
		{Name: ToolRouterListServers, Description: "List configured backends with secrets masked."},
		{Name: ToolRouterStatus, Description: "Report each backend's health and tool count."},
	}
}

// ListTools returns the deterministic aggregated tool list: ready
// backends' namespaced tools in Rebuild's order (backend id, then raw tool
// name), followed by the two built-ins in fixed order.
func (e *Engine) ListTools() []mcpwire.ToolDescriptor {
	table := e.table.Load()
	out := make([]mcpwire.ToolDescriptor, 0, len(table.tools)+2)
	out = append(out, table.tools...)
	out = append(out, builtinDescriptors()...)
	return out
}

// CallOptions carries per-call overrides extracted before dispatch.
type CallOptions struct {
	Deadline time.Time
}

// CallTool resolves namespacedName, strips any __timeout override from
// args, and dispatches to the owning Supervisor — or handles a built-in
// locally. args and the returned payload are opaque JSON; only the
// __timeout key is ever inspected.
func (e *Engine) CallTool(ctx context.Context, namespacedName string, args json.RawMessage) (json.RawMessage, error) {
	switch namespacedName {
	case ToolRouterStatus:
		return e.routerStatus()
	case ToolRouterListServers:
		return e.routerListServers()
	}

	table := e.table.Load()
	route, ok := table.routes[namespacedName]
	if !ok {
		return nil, &ErrUnknownTool{Name: namespacedName}
	}

	s, ok := e.byID[route.backendID]
	if !ok {
		return nil, &ErrUnknownTool{Name: namespacedName}
	}

	strippedArgs, deadline, err := extractTimeoutOverride(args, e.defaultDeadlineFor(s))
	if err != nil {
		return nil, err
	}

	return s.CallTool(ctx, route.rawName, strippedArgs, deadline)
}

func (e *Engine) defaultDeadlineFor(s *backend.Supervisor) time.Time {
	timeoutMS := s.Config().TimeoutMS
	if timeoutMS == 0 {
		timeoutMS = e.document.TimeoutMS
	}
	if timeoutMS <= 0 {
		return time.Time{}
	}
	return time.Now().Add(time.Duration(timeoutMS) * time.Millisecond)
}

// extractTimeoutOverride pops "__timeout" from args if present and
// computes the deadline it implies, falling back to defaultDeadline when
// the key is absent or its value doesn't match one of the accepted
// shapes (positive integer ms, numeric string, or "*" for none).
func extractTimeoutOverride(args json.RawMessage, defaultDeadline time.Time) (json.RawMessage, time.Time, error) {
	if len(args) == 0 {
		return args, defaultDeadline, nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(args, &fields); err != nil {
		// Not a JSON object — pass through untouched, no override possible.
		return args, defaultDeadline, nil
	}

	raw, present := fields["__timeout"]
	if !present {
		return args, defaultDeadline, nil
	}
	delete(fields, "__timeout")

	stripped, err := json.Marshal(fields)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("re-marshaling args after stripping __timeout: %w", err)
	}

	deadline := defaultDeadline

	var asString string
	var asNumber json.Number
	switch {
	case json.Unmarshal(raw, &asString) == nil:
		if asString == "*" {
			deadline = time.Time{}
		} else if ms, err := strconv.ParseInt(asString, 10, 64); err == nil && ms > 0 {
			deadline = time.Now().Add(time.Duration(ms) * time.Millisecond)
		}
	case json.Unmarshal(raw, &asNumber) == nil:
		if ms, err := asNumber.Int64(); err == nil && ms > 0 {
			deadline = time.Now().Add(time.Duration(ms) * time.Millisecond)
		}
	}

	return stripped, deadline, nil
}

// statusResponse is the router_status payload shape.
type statusResponse struct {
	Backends []backendStatus `json:"backends"`
}

type backendStatus struct {
	ID           string    `json:"id"`
	State        string    `json:"state"`
	ToolCount    int       `json:"tool_count"`
	LastHealthAt time.Time `json:"last_health_at"`
	RestartCount int       `json:"restart_count"`
	RecentStderr []string  `json:"recent_stderr,omitempty"`
	Incarnation  string    `json:"incarnation,omitempty"`
}

func (e *Engine) routerStatus() (json.RawMessage, error) {
	resp := statusResponse{}
	for _, id := range e.sortedIDs() {
		snap := e.byID[id].StatusSnapshot()
		resp.Backends = append(resp.Backends, backendStatus{
			ID:           snap.ID,
			State:        string(snap.State),
			ToolCount:    snap.ToolCount,
			LastHealthAt: snap.LastHealthAt,
			RestartCount: snap.RestartCount,
			RecentStderr: snap.RecentStderr,
			Incarnation:  snap.Incarnation,
		})
	}
	return json.Marshal(resp)
}

// listServersResponse is the router_list_servers payload shape: the
// loaded BackendConfig set with every secret-bearing field masked.
type listServersResponse struct {
	Servers []maskedServer `json:"servers"`
}

type maskedServer struct {
	ID           string   `json:"id"`
	DisplayName  string   `json:"display_name,omitempty"`
	Kind         string   `json:"kind"`
	RequiresAuth bool     `json:"requires_auth"`
	AllowedUsers []string `json:"allowed_users,omitempty"`
	TimeoutMS    int      `json:"timeout_ms,omitempty"`

	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`

	URL   string `json:"url,omitempty"`
	Auth  string `json:"auth_kind,omitempty"`
	Token string `json:"token,omitempty"`
}

func (e *Engine) routerListServers() (json.RawMessage, error) {
	resp := listServersResponse{}
	for _, cfg := range e.document.Servers {
		m := maskedServer{
			ID:           cfg.ID,
			DisplayName:  cfg.DisplayName,
			Kind:         string(cfg.Kind),
			RequiresAuth: cfg.RequiresAuth,
			AllowedUsers: cfg.AllowedUsers,
			TimeoutMS:    cfg.TimeoutMS,
		}
		if cfg.Local != nil {
			m.Command = cfg.Local.Command
			m.Args = cfg.Local.Args
			m.Env = secretmask.MaskEnv(cfg.Local.Env, e.secretNames)
		}
		if cfg.Remote != nil {
			m.URL = cfg.Remote.URL
			m.Auth = string(cfg.Remote.Auth.Kind)
			m.Token = secretmask.MaskIfSecret("token", cfg.Remote.Auth.Token, e.secretNames)
		}
		resp.Servers = append(resp.Servers, m)
	}
	return json.Marshal(resp)
}

func (e *Engine) sortedIDs() []string {
	ids := make([]string, 0, len(e.byID))
	for id := range e.byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
