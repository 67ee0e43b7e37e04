// ABOUTME: Typed, validated view of the router's servers[] document (C6)
// ABOUTME: Parses the on-disk JSON config and enforces the schema's validation rules

package routerconfig

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/2389/mcp-router/internal/sandbox"
)

// Kind distinguishes a local (subprocess) backend from a remote one.
type Kind string

const (
	KindLocal  Kind = "local"
	KindRemote Kind = "remote"
)

// AuthKind is the tag of the remote auth subobject.
type AuthKind string

const (
	AuthNone   AuthKind = "none"
	AuthBearer AuthKind = "bearer"
	AuthBasic  AuthKind = "basic"
	AuthOAuth  AuthKind = "oauth"
	AuthCustom AuthKind = "custom"
)

// AuthPolicy is the tagged-variant auth subobject for a remote backend.
type AuthPolicy struct {
	Kind AuthKind

	Token string // bearer

	Username string // basic
	Password string

	Provider     string // oauth
	ClientID     string
	ClientSecret string
	Scopes       []string

	Headers map[string]string // custom
}

// RetryPolicy controls the SSE reconnect backoff for a remote backend.
type RetryPolicy struct {
	MaxAttempts      int
	InitialBackoffMS int
	MaxBackoffMS     int
}

// DefaultRetryPolicy matches the original implementation's defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 5, InitialBackoffMS: 500, MaxBackoffMS: 30000}
}

// TLSPolicy controls certificate handling for a remote backend.
type TLSPolicy struct {
	VerifyCert bool
	CACert     string
	ClientCert string
	ClientKey  string
}

// LocalConfig holds the local-kind fields of a BackendConfig.
type LocalConfig struct {
	Command        string
	Args           []string
	Env            map[string]string
	EnvPassthrough []string
	Sandbox        sandbox.Policy
}

// RemoteConfig holds the remote-kind fields of a BackendConfig.
type RemoteConfig struct {
	URL           string
	Transport     string
	Auth          AuthPolicy
	Retry         RetryPolicy
	TLS           TLSPolicy
	AllowInsecure bool
}

// BackendConfig is one configured backend, per spec §3.
type BackendConfig struct {
	ID           string
	DisplayName  string
	Kind         Kind
	RequiresAuth bool
	AllowedUsers []string
	TimeoutMS    int // 0 means "use the document default"

	Local  *LocalConfig
	Remote *RemoteConfig
}

// Document is the parsed, validated top-level config.
type Document struct {
	Servers    []BackendConfig
	TimeoutMS  int
	CacheTools bool
	Warnings   []string
}

var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)

// Load reads and validates the router config document at path.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading router config: %w", err)
	}
	return Parse(data)
}

// Parse validates and converts raw JSON bytes into a Document. Every
// validation failure is reported with the offending server id; Parse
// collects all of them rather than stopping at the first.
func Parse(data []byte) (*Document, error) {
	var raw rawDocument
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing router config: %w", err)
	}

	doc := &Document{CacheTools: true}
	if raw.TimeoutMS != nil {
		doc.TimeoutMS = *raw.TimeoutMS
	} else {
		doc.TimeoutMS = 30000
	}
	if raw.CacheTools != nil {
		doc.CacheTools = *raw.CacheTools
	}
	if doc.TimeoutMS < 1 {
		return nil, fmt.Errorf("timeout_ms must be >= 1")
	}

	var errs []error
	seenIDs := make(map[string]bool)

	for i, entry := range raw.Servers {
		cfg, warnings, entryErrs := convertEntry(entry)
		id := entry.ID
		if id == "" {
			id = fmt.Sprintf("#%d", i)
		}
		for _, e := range entryErrs {
			errs = append(errs, fmt.Errorf("server %q: %w", id, e))
		}
		if len(entryErrs) > 0 {
			continue
		}
		for _, w := range warnings {
			doc.Warnings = append(doc.Warnings, fmt.Sprintf("server %q: %s", id, w))
		}
		if seenIDs[cfg.ID] {
			errs = append(errs, fmt.Errorf("server %q: duplicate id", cfg.ID))
			continue
		}
		seenIDs[cfg.ID] = true
		doc.Servers = append(doc.Servers, *cfg)
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	sort.Slice(doc.Servers, func(i, j int) bool { return doc.Servers[i].ID < doc.Servers[j].ID })

	return doc, nil
}

func convertEntry(entry rawServerEntry) (*BackendConfig, []string, []error) {
	var errs []error
	var warnings []string

	if !idPattern.MatchString(entry.ID) {
		errs = append(errs, fmt.Errorf("id must match %s", idPattern.String()))
	}
	if strings.Contains(entry.ID, ":") {
		errs = append(errs, fmt.Errorf("id must not contain ':'"))
	}

	kind := KindLocal
	if entry.Type != "" {
		kind = Kind(entry.Type)
	}
	if kind != KindLocal && kind != KindRemote {
		errs = append(errs, fmt.Errorf("type must be %q or %q", KindLocal, KindRemote))
	}

	cfg := &BackendConfig{
		ID:           entry.ID,
		DisplayName:  entry.Name,
		Kind:         kind,
		RequiresAuth: entry.RequiresAuth,
		AllowedUsers: entry.AllowedUsers,
	}
	if entry.TimeoutMS != nil {
		if *entry.TimeoutMS < 1 {
			errs = append(errs, fmt.Errorf("timeout_ms must be >= 1"))
		}
		cfg.TimeoutMS = *entry.TimeoutMS
	}

	switch kind {
	case KindLocal:
		local, localWarnings, localErrs := convertLocal(entry)
		errs = append(errs, localErrs...)
		warnings = append(warnings, localWarnings...)
		cfg.Local = local
	case KindRemote:
		remote, remoteErrs := convertRemote(entry)
		errs = append(errs, remoteErrs...)
		cfg.Remote = remote
	}

	if len(errs) > 0 {
		return nil, nil, errs
	}
	return cfg, warnings, nil
}

func convertLocal(entry rawServerEntry) (*LocalConfig, []string, []error) {
	var errs []error
	var warnings []string

	if entry.Command == "" {
		errs = append(errs, fmt.Errorf("local backend requires command"))
	}
	if err := checkEnvRefSyntax(entry.Command); err != nil {
		errs = append(errs, err)
	}
	for _, a := range entry.Args {
		if err := checkEnvRefSyntax(a); err != nil {
			errs = append(errs, err)
		}
	}
	for k, v := range entry.Env {
		if err := checkEnvRefSyntax(v); err != nil {
			errs = append(errs, fmt.Errorf("env %q: %w", k, err))
		}
	}

	local := &LocalConfig{
		Command: entry.Command,
		Args:    entry.Args,
		Env:     entry.Env,
	}

	if entry.Sandbox == nil {
		errs = append(errs, fmt.Errorf("sandbox.strategy is required on local backends"))
	} else {
		local.EnvPassthrough = entry.Sandbox.EnvPassthrough
		policy, err := entry.Sandbox.toPolicy()
		if err != nil {
			errs = append(errs, err)
		} else {
			local.Sandbox = policy
			if policy.Kind == sandbox.PolicyNone {
				warnings = append(warnings, "sandbox.strategy is \"none\"; the backend runs unsandboxed")
			}
		}
	}

	if len(errs) > 0 {
		return nil, nil, errs
	}
	return local, warnings, nil
}

func convertRemote(entry rawServerEntry) (*RemoteConfig, []error) {
	var errs []error

	if entry.URL == "" {
		errs = append(errs, fmt.Errorf("remote backend requires url"))
	} else if !strings.HasPrefix(entry.URL, "https://") && !entry.AllowInsecure {
		errs = append(errs, fmt.Errorf("url must be https:// unless allow_insecure is set"))
	}
	if entry.Transport == "" {
		errs = append(errs, fmt.Errorf("remote backend requires transport"))
	} else if entry.Transport != "sse" {
		errs = append(errs, fmt.Errorf("unsupported transport %q (only \"sse\" is specified)", entry.Transport))
	}

	remote := &RemoteConfig{
		URL:           entry.URL,
		Transport:     entry.Transport,
		Retry:         DefaultRetryPolicy(),
		TLS:           TLSPolicy{VerifyCert: true},
		AllowInsecure: entry.AllowInsecure,
	}

	if entry.Auth != nil {
		auth, err := entry.Auth.toPolicy()
		if err != nil {
			errs = append(errs, err)
		} else {
			remote.Auth = auth
		}
	} else {
		remote.Auth = AuthPolicy{Kind: AuthNone}
	}

	if entry.Retry != nil {
		if entry.Retry.MaxAttempts > 0 {
			remote.Retry.MaxAttempts = entry.Retry.MaxAttempts
		}
		if entry.Retry.InitialBackoffMS > 0 {
			remote.Retry.InitialBackoffMS = entry.Retry.InitialBackoffMS
		}
		if entry.Retry.MaxBackoffMS > 0 {
			remote.Retry.MaxBackoffMS = entry.Retry.MaxBackoffMS
		}
	}

	if entry.TLS != nil {
		if entry.TLS.VerifyCert != nil {
			remote.TLS.VerifyCert = *entry.TLS.VerifyCert
		}
		remote.TLS.CACert = entry.TLS.CACert
		remote.TLS.ClientCert = entry.TLS.ClientCert
		remote.TLS.ClientKey = entry.TLS.ClientKey
	}

	if len(errs) > 0 {
		return nil, errs
	}
	return remote, nil
}

var envRefSyntax = regexp.MustCompile(`\$\{[A-Za-z_][A-Za-z0-9_]*\}|\$[A-Za-z_][A-Za-z0-9_]*|[^$]|\$\$`)

// checkEnvRefSyntax reports a syntax error if s contains a "$" that does
// not begin a well-formed $NAME or ${NAME} reference. It does not resolve
// references — that happens later, in internal/sandbox, against the
// router's actual environment at spawn time.
func checkEnvRefSyntax(s string) error {
	consumed := envRefSyntax.FindAllString(s, -1)
	var rebuilt strings.Builder
	for _, c := range consumed {
		rebuilt.WriteString(c)
	}
	if rebuilt.String() != s {
		return fmt.Errorf("malformed environment reference in %q", s)
	}
	return nil
}
