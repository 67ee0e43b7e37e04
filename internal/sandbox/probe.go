// ABOUTME: Probes whether a sandbox policy's backing tool is actually present
// ABOUTME: Supplements the distilled spec with the original's availability check

package sandbox

import (
	"context"
	"os/exec"
	"sync"
	"time"
)

// toolForPolicy returns the executable the policy kind shells out to.
// PolicyNone needs nothing.
func toolForPolicy(kind PolicyKind) string {
	switch kind {
	case PolicyDocker:
		return "docker"
	case PolicyPodman:
		return "podman"
	case PolicyFirejail:
		return "firejail"
	case PolicyBubblewrap:
		return "bwrap"
	default:
		return ""
	}
}

// Prober checks, and caches, whether a sandbox tool is available on this
// host. Grounded on the original implementation's detect_available_strategies:
// it runs "<tool> --version" and treats success as available. The Backend
// Supervisor consults this at startup so a missing sandbox tool surfaces as
// SandboxUnavailable before a child is ever spawned, not as a confusing
// exec failure.
type Prober struct {
	mu        sync.Mutex
	cache     map[string]bool
	runVersion func(ctx context.Context, tool string) error
}

// NewProber constructs a Prober that shells out to "<tool> --version".
func NewProber() *Prober {
	return &Prober{
		cache: make(map[string]bool),
		runVersion: func(ctx context.Context, tool string) error {
			cmd := exec.CommandContext(ctx, tool, "--version")
			return cmd.Run()
		},
	}
}

// Available reports whether policy's tool responds to --version. PolicyNone
// is always available. Results are cached for the life of the Prober since
// sandbox tool availability does not change during a router's run.
func (p *Prober) Available(ctx context.Context, kind PolicyKind) bool {
	tool := toolForPolicy(kind)
	if tool == "" {
		return true
	}

	p.mu.Lock()
	if v, ok := p.cache[tool]; ok {
		p.mu.Unlock()
		return v
	}
	p.mu.Unlock()

	probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	available := p.runVersion(probeCtx, tool) == nil

	p.mu.Lock()
	p.cache[tool] = available
	p.mu.Unlock()

	return available
}

// Check validates that policy's backing tool is available, returning a
// SandboxUnavailable LaunchError if not.
func (p *Prober) Check(ctx context.Context, policy Policy) error {
	if !p.Available(ctx, policy.Kind) {
		return &LaunchError{Kind: SandboxUnavailable, Sandbox: toolForPolicy(policy.Kind)}
	}
	return nil
}
