// Package sandbox translates a SandboxPolicy and a command into the exact
// argv and environment an exec-family call should use.
//
// # Security invariants
//
// No shell is ever invoked. Arguments are built and passed as a []string
// throughout; nothing is concatenated into a single command string. The
// command allowlist check happens after environment-reference expansion,
// so a reference like ${ATTACKER_CONTROLLED} cannot be used to smuggle an
// otherwise-disallowed command past the check.
//
// # Usage
//
//	plan, err := sandbox.Plan(cmd, args, env, passthrough, policy, os.LookupEnv)
//	if err != nil {
//	    var le *sandbox.LaunchError
//	    if errors.As(err, &le) { ... }
//	}
package sandbox
