// ABOUTME: Raw JSON shapes for the router config document, mirroring spec §6
// ABOUTME: Converted into the typed BackendConfig model by routerconfig.go

package routerconfig

import (
	"encoding/json"
	"fmt"

	"github.com/2389/mcp-router/internal/sandbox"
)

type rawDocument struct {
	Servers    []rawServerEntry `json:"servers"`
	TimeoutMS  *int             `json:"timeout_ms"`
	CacheTools *bool            `json:"cache_tools"`
}

type rawServerEntry struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Type         string   `json:"type"`
	RequiresAuth bool     `json:"requires_auth"`
	AllowedUsers []string `json:"allowed_users"`
	TimeoutMS    *int     `json:"timeout_ms"`

	// local
	Command string            `json:"command"`
	Args    []string          `json:"args"`
	Env     map[string]string `json:"env"`
	Sandbox *rawSandboxBlock  `json:"sandbox"`

	// remote
	URL           string      `json:"url"`
	Transport     string      `json:"transport"`
	Auth          *rawAuth    `json:"auth"`
	Retry         *rawRetry   `json:"retry"`
	TLS           *rawTLS     `json:"tls"`
	AllowInsecure bool        `json:"allow_insecure"`
}

type rawSandboxBlock struct {
	Strategy       json.RawMessage `json:"strategy"`
	EnvPassthrough []string        `json:"env_passthrough"`
}

func (b *rawSandboxBlock) toPolicy() (sandbox.Policy, error) {
	var asString string
	if err := json.Unmarshal(b.Strategy, &asString); err == nil {
		if asString == "none" {
			return sandbox.Policy{Kind: sandbox.PolicyNone}, nil
		}
		return sandbox.Policy{}, fmt.Errorf("sandbox.strategy %q is not a recognized bare string (only \"none\" is)", asString)
	}

	var obj rawStrategyObj
	if err := json.Unmarshal(b.Strategy, &obj); err != nil {
		return sandbox.Policy{}, fmt.Errorf("sandbox.strategy: %w", err)
	}

	set := 0
	var policy sandbox.Policy
	if obj.Docker != nil {
		set++
		policy = sandbox.Policy{Kind: sandbox.PolicyDocker, Docker: obj.Docker.toOptions()}
	}
	if obj.Podman != nil {
		set++
		policy = sandbox.Policy{Kind: sandbox.PolicyPodman, Podman: obj.Podman.toOptions()}
	}
	if obj.Firejail != nil {
		set++
		policy = sandbox.Policy{Kind: sandbox.PolicyFirejail, Firejail: obj.Firejail.toOptions()}
	}
	if obj.Bubblewrap != nil {
		set++
		policy = sandbox.Policy{Kind: sandbox.PolicyBubblewrap, Bubblewrap: obj.Bubblewrap.toOptions()}
	}
	if set != 1 {
		return sandbox.Policy{}, fmt.Errorf("sandbox.strategy object must set exactly one of docker/podman/firejail/bubblewrap, got %d", set)
	}
	return policy, nil
}

type rawStrategyObj struct {
	Docker     *rawDockerOpts     `json:"docker"`
	Podman     *rawDockerOpts     `json:"podman"`
	Firejail   *rawFirejailOpts   `json:"firejail"`
	Bubblewrap *rawBubblewrapOpts `json:"bubblewrap"`
}

type rawDockerOpts struct {
	Image       string   `json:"image"`
	MemoryLimit string   `json:"memory_limit"`
	CPULimit    string   `json:"cpu_limit"`
	Network     bool     `json:"network"`
	ExtraFlags  []string `json:"extra_flags"`
	Mounts      []string `json:"mounts"`
}

func (o *rawDockerOpts) toOptions() *sandbox.DockerOptions {
	return &sandbox.DockerOptions{
		Image:       o.Image,
		MemoryLimit: o.MemoryLimit,
		CPULimit:    o.CPULimit,
		Network:     o.Network,
		ExtraFlags:  o.ExtraFlags,
		Mounts:      o.Mounts,
	}
}

type rawFirejailOpts struct {
	Profile        string   `json:"profile"`
	WhitelistPaths []string `json:"whitelist_paths"`
	ReadOnlyPaths  []string `json:"read_only_paths"`
	Net            bool     `json:"net"`
	Netfilter      string   `json:"netfilter"`
	NoRoot         bool     `json:"no_root"`
}

func (o *rawFirejailOpts) toOptions() *sandbox.FirejailOptions {
	return &sandbox.FirejailOptions{
		Profile:        o.Profile,
		WhitelistPaths: o.WhitelistPaths,
		ReadOnlyPaths:  o.ReadOnlyPaths,
		Net:            o.Net,
		Netfilter:      o.Netfilter,
		NoRoot:         o.NoRoot,
	}
}

type rawBubblewrapOpts struct {
	ROBinds  []string `json:"ro_binds"`
	RWBinds  []string `json:"rw_binds"`
	ShareNet bool     `json:"share_net"`
}

func (o *rawBubblewrapOpts) toOptions() *sandbox.BubblewrapOptions {
	return &sandbox.BubblewrapOptions{
		ROBinds:  o.ROBinds,
		RWBinds:  o.RWBinds,
		ShareNet: o.ShareNet,
	}
}

type rawAuth struct {
	Type         string            `json:"type"`
	Token        string            `json:"token"`
	Username     string            `json:"username"`
	Password     string            `json:"password"`
	Provider     string            `json:"provider"`
	ClientID     string            `json:"client_id"`
	ClientSecret string            `json:"client_secret"`
	Scopes       []string          `json:"scopes"`
	Headers      map[string]string `json:"headers"`
}

func (a *rawAuth) toPolicy() (AuthPolicy, error) {
	kind := AuthKind(a.Type)
	switch kind {
	case AuthNone, AuthBearer, AuthBasic, AuthOAuth, AuthCustom:
	default:
		return AuthPolicy{}, fmt.Errorf("auth.type %q is not one of none/bearer/basic/oauth/custom", a.Type)
	}
	if kind == AuthOAuth && (a.ClientID == "" || a.ClientSecret == "") {
		return AuthPolicy{}, fmt.Errorf("auth.type oauth requires client_id and client_secret")
	}
	return AuthPolicy{
		Kind:         kind,
		Token:        a.Token,
		Username:     a.Username,
		Password:     a.Password,
		Provider:     a.Provider,
		ClientID:     a.ClientID,
		ClientSecret: a.ClientSecret,
		Scopes:       a.Scopes,
		Headers:      a.Headers,
	}, nil
}

type rawRetry struct {
	MaxAttempts      int `json:"max_attempts"`
	InitialBackoffMS int `json:"initial_backoff_ms"`
	MaxBackoffMS     int `json:"max_backoff_ms"`
}

type rawTLS struct {
	VerifyCert *bool  `json:"verify_cert"`
	CACert     string `json:"ca_cert"`
	ClientCert string `json:"client_cert"`
	ClientKey  string `json:"client_key"`
}
