package sandbox

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lookupFrom(m map[string]string) LookupFunc {
	return func(name string) (string, bool) {
		v, ok := m[name]
		return v, ok
	}
}

func TestPlan_NoneAllowedCommand(t *testing.T) {
	plan, err := Plan("npx", []string{"-y", "some-server"}, nil, nil, Policy{Kind: PolicyNone}, lookupFrom(nil))
	require.NoError(t, err)
	assert.Equal(t, []string{"npx", "-y", "some-server"}, plan.Argv)
}

func TestPlan_DisallowedCommand(t *testing.T) {
	_, err := Plan("bash", []string{"-c", "echo hi"}, nil, nil, Policy{Kind: PolicyNone}, lookupFrom(nil))
	require.Error(t, err)

	var le *LaunchError
	require.True(t, errors.As(err, &le))
	assert.Equal(t, CommandNotAllowed, le.Kind)
	assert.Equal(t, "bash", le.Command)
}

func TestPlan_EnvRefExpansion(t *testing.T) {
	env := map[string]string{"MY_TOKEN": "${SECRET_TOKEN}"}
	lookup := lookupFrom(map[string]string{"SECRET_TOKEN": "abc123"})

	plan, err := Plan("node", nil, env, nil, Policy{Kind: PolicyNone}, lookup)
	require.NoError(t, err)
	assert.Equal(t, "abc123", plan.Env["MY_TOKEN"])
}

func TestPlan_UnresolvedEnvRef(t *testing.T) {
	_, err := Plan("$MISSING_CMD", nil, nil, nil, Policy{Kind: PolicyNone}, lookupFrom(nil))
	require.Error(t, err)

	var le *LaunchError
	require.True(t, errors.As(err, &le))
	assert.Equal(t, UnresolvedEnvRef, le.Kind)
	assert.Equal(t, "MISSING_CMD", le.RefName)
}

func TestPlan_IndirectionCannotBypassAllowlist(t *testing.T) {
	// Even though the name resolves via an env ref, the allowlist check runs
	// on the *resolved* value, so this must still be rejected.
	lookup := lookupFrom(map[string]string{"SNEAKY": "bash"})
	_, err := Plan("${SNEAKY}", nil, nil, nil, Policy{Kind: PolicyNone}, lookup)
	require.Error(t, err)

	var le *LaunchError
	require.True(t, errors.As(err, &le))
	assert.Equal(t, CommandNotAllowed, le.Kind)
}

func TestPlan_EnvPassthroughAndOverlay(t *testing.T) {
	lookup := lookupFrom(map[string]string{
		"PATH":   "/usr/bin",
		"HOME":   "/home/router",
		"SECRET": "shh",
	})

	plan, err := Plan("node", nil, map[string]string{"HOME": "/override"}, []string{"PATH", "HOME"}, Policy{Kind: PolicyNone}, lookup)
	require.NoError(t, err)

	assert.Equal(t, "/usr/bin", plan.Env["PATH"])
	// explicit env wins over passthrough
	assert.Equal(t, "/override", plan.Env["HOME"])
	// never inherits anything outside passthrough ∪ explicit
	_, leaked := plan.Env["SECRET"]
	assert.False(t, leaked)
}

func TestPlan_DockerPrefix(t *testing.T) {
	policy := Policy{Kind: PolicyDocker, Docker: &DockerOptions{
		Image:       "mcp/filesystem:latest",
		MemoryLimit: "512m",
		CPULimit:    "1.0",
		Network:     false,
	}}

	plan, err := Plan("node", []string{"server.js"}, nil, nil, policy, lookupFrom(nil))
	require.NoError(t, err)

	assert.Equal(t, "docker", plan.Argv[0])
	assert.Contains(t, plan.Argv, "--network")
	assert.Contains(t, plan.Argv, "none")
	assert.Contains(t, plan.Argv, "mcp/filesystem:latest")
	assert.Equal(t, "node", plan.Argv[len(plan.Argv)-2])
	assert.Equal(t, "server.js", plan.Argv[len(plan.Argv)-1])
}

func TestPlan_FirejailPrefix(t *testing.T) {
	policy := Policy{Kind: PolicyFirejail, Firejail: &FirejailOptions{
		WhitelistPaths: []string{"/home/router/work"},
		NoRoot:         true,
	}}

	plan, err := Plan("python3", []string{"server.py"}, nil, nil, policy, lookupFrom(nil))
	require.NoError(t, err)

	assert.Equal(t, "firejail", plan.Argv[0])
	assert.Contains(t, plan.Argv, "--noroot")
	assert.Contains(t, plan.Argv, "--whitelist=/home/router/work")
	assert.Contains(t, plan.Argv, "--net=none")
}

func TestPlan_DockerMissingImage(t *testing.T) {
	policy := Policy{Kind: PolicyDocker, Docker: &DockerOptions{}}
	_, err := Plan("node", nil, nil, nil, policy, lookupFrom(nil))
	require.Error(t, err)

	var le *LaunchError
	require.True(t, errors.As(err, &le))
	assert.Equal(t, InvalidPolicy, le.Kind)
}

func TestProber_UnknownToolUnavailable(t *testing.T) {
	p := NewProber()
	p.runVersion = func(ctx context.Context, tool string) error {
		return errors.New("not found")
	}
	assert.False(t, p.Available(context.Background(), PolicyDocker))
}

func TestProber_NoneAlwaysAvailable(t *testing.T) {
	p := NewProber()
	assert.True(t, p.Available(context.Background(), PolicyNone))
}

func TestProber_CachesResult(t *testing.T) {
	calls := 0
	p := NewProber()
	p.runVersion = func(ctx context.Context, tool string) error {
		calls++
		return nil
	}

	p.Available(context.Background(), PolicyFirejail)
	p.Available(context.Background(), PolicyFirejail)

	assert.Equal(t, 1, calls)
}
