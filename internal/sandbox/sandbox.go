// ABOUTME: Translates a sandbox policy and command into the exact argv/env to exec
// ABOUTME: Validates against a fixed command allowlist; never invokes a shell

package sandbox

import (
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// PolicyKind is the tag of the SandboxPolicy variant.
type PolicyKind string

const (
	PolicyNone       PolicyKind = "none"
	PolicyDocker     PolicyKind = "docker"
	PolicyPodman     PolicyKind = "podman"
	PolicyFirejail   PolicyKind = "firejail"
	PolicyBubblewrap PolicyKind = "bubblewrap"
)

// DockerOptions configures the docker/podman prefix. Podman reuses the same
// shape as docker — both are thin wrappers over the OCI CLI convention.
type DockerOptions struct {
	Image       string
	MemoryLimit string
	CPULimit    string
	Network     bool
	ExtraFlags  []string
	Mounts      []string // "host:container[:ro]"
}

// FirejailOptions configures the firejail prefix.
type FirejailOptions struct {
	Profile        string
	WhitelistPaths []string
	ReadOnlyPaths  []string
	Net            bool
	NoRoot         bool
	Netfilter      string
}

// BubblewrapOptions configures the bubblewrap prefix.
type BubblewrapOptions struct {
	ROBinds  []string // "host:container"
	RWBinds  []string // "host:container"
	ShareNet bool
}

// Policy is the tagged-variant SandboxPolicy from the config schema. Kind
// selects which of the options fields is meaningful; the others are nil.
type Policy struct {
	Kind       PolicyKind
	Docker     *DockerOptions
	Podman     *DockerOptions
	Firejail   *FirejailOptions
	Bubblewrap *BubblewrapOptions
}

// LaunchPlan is the concrete argv/env the caller should hand to an
// exec-family call. Argv[0] is always the sandbox tool or, for PolicyNone,
// the resolved command itself — never a shell.
type LaunchPlan struct {
	Argv []string
	Env  map[string]string
}

// ErrorKind distinguishes LaunchError variants, per spec §4.1.
type ErrorKind string

const (
	CommandNotAllowed ErrorKind = "command_not_allowed"
	UnresolvedEnvRef  ErrorKind = "unresolved_env_ref"
	SandboxUnavailable ErrorKind = "sandbox_unavailable"
	InvalidPolicy     ErrorKind = "invalid_policy"
)

// LaunchError is returned by Plan when a backend cannot be safely launched.
type LaunchError struct {
	Kind    ErrorKind
	Command string // the rejected command, for CommandNotAllowed
	RefName string // the unresolved reference name, for UnresolvedEnvRef
	Sandbox string // the unavailable sandbox tool, for SandboxUnavailable
	Reason  string // free-text detail, for InvalidPolicy
}

func (e *LaunchError) Error() string {
	switch e.Kind {
	case CommandNotAllowed:
		return fmt.Sprintf("command %q is not in the allowlist (%s)", e.Command, strings.Join(allowlistNames(), ", "))
	case UnresolvedEnvRef:
		return fmt.Sprintf("unresolved environment reference %q", e.RefName)
	case SandboxUnavailable:
		return fmt.Sprintf("sandbox tool %q is not available on this host", e.Sandbox)
	case InvalidPolicy:
		return fmt.Sprintf("invalid sandbox policy: %s", e.Reason)
	default:
		return "sandbox launch error"
	}
}

// allowedCommands is the fixed allowlist of executable basenames a local
// backend's resolved command may use, plus the sandbox tools themselves
// (so a configured sandbox prefix can always exec its own binary).
var allowedCommands = map[string]bool{
	"node":     true,
	"npx":      true,
	"python":   true,
	"python3":  true,
	"deno":     true,
	"bun":      true,
	"docker":   true,
	"podman":   true,
	"firejail": true,
	"bwrap":    true,
}

func allowlistNames() []string {
	names := make([]string, 0, len(allowedCommands))
	for n := range allowedCommands {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

var envRefPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// LookupFunc resolves an environment variable name to its value, as the
// router's own process environment would (os.LookupEnv has this shape).
type LookupFunc func(name string) (string, bool)

// expandEnvRefs resolves every $NAME / ${NAME} reference in s against
// lookup. An unresolved reference is a config error, never silently
// dropped — unlike appconfig's ${VAR} expansion, which is a convenience
// default-to-empty.
func expandEnvRefs(s string, lookup LookupFunc) (string, error) {
	var firstErr error
	result := envRefPattern.ReplaceAllStringFunc(s, func(match string) string {
		sub := envRefPattern.FindStringSubmatch(match)
		name := sub[1]
		if name == "" {
			name = sub[2]
		}
		val, ok := lookup(name)
		if !ok && firstErr == nil {
			firstErr = &LaunchError{Kind: UnresolvedEnvRef, RefName: name}
		}
		return val
	})
	if firstErr != nil {
		return "", firstErr
	}
	return result, nil
}

// Plan implements the C1 algorithm: resolve env references, check the
// command allowlist, build the sandbox prefix, and compute the filtered
// child environment. No shell is ever invoked; no string is ever
// concatenated into a shell command line — argv is built as a slice
// throughout.
func Plan(cmd string, args []string, env map[string]string, passthrough []string, policy Policy, lookup LookupFunc) (*LaunchPlan, error) {
	resolvedCmd, err := expandEnvRefs(cmd, lookup)
	if err != nil {
		return nil, err
	}

	resolvedArgs := make([]string, len(args))
	for i, a := range args {
		ra, err := expandEnvRefs(a, lookup)
		if err != nil {
			return nil, err
		}
		resolvedArgs[i] = ra
	}

	resolvedEnv := make(map[string]string, len(env))
	for k, v := range env {
		rv, err := expandEnvRefs(v, lookup)
		if err != nil {
			return nil, err
		}
		resolvedEnv[k] = rv
	}

	// Allowlist check happens after expansion, on the basename, so that
	// indirection through an env-sourced command name cannot defeat it.
	if !allowedCommands[filepath.Base(resolvedCmd)] {
		return nil, &LaunchError{Kind: CommandNotAllowed, Command: resolvedCmd}
	}

	prefix, err := buildPrefix(policy)
	if err != nil {
		return nil, err
	}

	argv := make([]string, 0, len(prefix)+1+len(resolvedArgs))
	argv = append(argv, prefix...)
	argv = append(argv, resolvedCmd)
	argv = append(argv, resolvedArgs...)

	childEnv := make(map[string]string)
	for _, name := range passthrough {
		if v, ok := lookup(name); ok {
			childEnv[name] = v
		}
	}
	for k, v := range resolvedEnv {
		childEnv[k] = v
	}

	return &LaunchPlan{Argv: argv, Env: childEnv}, nil
}

// buildPrefix builds the sandbox-tool prefix for the chosen policy. For
// PolicyNone it is empty — the command execs directly.
func buildPrefix(policy Policy) ([]string, error) {
	switch policy.Kind {
	case "", PolicyNone:
		return nil, nil

	case PolicyDocker:
		o := policy.Docker
		if o == nil {
			return nil, &LaunchError{Kind: InvalidPolicy, Reason: "docker policy missing options"}
		}
		if o.Image == "" {
			return nil, &LaunchError{Kind: InvalidPolicy, Reason: "docker policy requires an image"}
		}
		argv := []string{"docker", "run", "--rm", "-i",
			"--security-opt", "no-new-privileges",
			"--cap-drop", "ALL",
			"--read-only"}
		if o.MemoryLimit != "" {
			argv = append(argv, "--memory", o.MemoryLimit)
		}
		if o.CPULimit != "" {
			argv = append(argv, "--cpus", o.CPULimit)
		}
		if !o.Network {
			argv = append(argv, "--network", "none")
		}
		for _, m := range o.Mounts {
			argv = append(argv, "-v", m)
		}
		argv = append(argv, o.ExtraFlags...)
		argv = append(argv, o.Image)
		return argv, nil

	case PolicyPodman:
		o := policy.Podman
		if o == nil {
			return nil, &LaunchError{Kind: InvalidPolicy, Reason: "podman policy missing options"}
		}
		if o.Image == "" {
			return nil, &LaunchError{Kind: InvalidPolicy, Reason: "podman policy requires an image"}
		}
		argv := []string{"podman", "run", "--rm", "-i",
			"--security-opt", "no-new-privileges",
			"--cap-drop", "ALL",
			"--read-only"}
		if o.MemoryLimit != "" {
			argv = append(argv, "--memory", o.MemoryLimit)
		}
		if o.CPULimit != "" {
			argv = append(argv, "--cpus", o.CPULimit)
		}
		if !o.Network {
			argv = append(argv, "--network", "none")
		}
		for _, m := range o.Mounts {
			argv = append(argv, "-v", m)
		}
		argv = append(argv, o.ExtraFlags...)
		argv = append(argv, o.Image)
		return argv, nil

	case PolicyFirejail:
		o := policy.Firejail
		if o == nil {
			o = &FirejailOptions{}
		}
		argv := []string{"firejail", "--quiet",
			"--caps.drop=all", "--nonewprivs", "--nosound", "--no3d",
			"--private-tmp", "--private-dev", "--nodbus"}
		if o.NoRoot {
			argv = append(argv, "--noroot")
		}
		if !o.Net {
			argv = append(argv, "--net=none")
		}
		if o.Profile != "" {
			argv = append(argv, "--profile="+o.Profile)
		} else {
			argv = append(argv, "--noprofile")
		}
		for _, p := range o.WhitelistPaths {
			argv = append(argv, "--whitelist="+p)
		}
		for _, p := range o.ReadOnlyPaths {
			argv = append(argv, "--read-only="+p)
		}
		if o.Netfilter != "" {
			argv = append(argv, "--netfilter="+o.Netfilter)
		}
		argv = append(argv, "--")
		return argv, nil

	case PolicyBubblewrap:
		o := policy.Bubblewrap
		if o == nil {
			o = &BubblewrapOptions{}
		}
		argv := []string{"bwrap", "--unshare-all", "--die-with-parent", "--new-session"}
		if o.ShareNet {
			argv = append(argv, "--share-net")
		}
		argv = append(argv, "--proc", "/proc", "--dev", "/dev", "--tmpfs", "/tmp")
		for _, b := range o.ROBinds {
			parts := strings.SplitN(b, ":", 2)
			if len(parts) == 2 {
				argv = append(argv, "--ro-bind", parts[0], parts[1])
			}
		}
		for _, b := range o.RWBinds {
			parts := strings.SplitN(b, ":", 2)
			if len(parts) == 2 {
				argv = append(argv, "--bind", parts[0], parts[1])
			}
		}
		argv = append(argv, "--")
		return argv, nil

	default:
		return nil, &LaunchError{Kind: InvalidPolicy, Reason: fmt.Sprintf("unknown sandbox kind %q", policy.Kind)}
	}
}
