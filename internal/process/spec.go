package process

import (
	"context"
	"os/exec"
	"strings"
)

// Spec describes how to launch one command string.
type Spec struct {
	Command string   // command line as registered
	Shell   string   // optional shell override, e.g. "/bin/bash"; default is the platform shell
	WorkDir string   // optional working dir
	Env     []string // optional full environment; nil inherits the service's
}

// BuildCommand constructs an *exec.Cmd bound to ctx. The command is always run
// through a shell so that pipes, redirections and builtins behave as typed.
// An explicit shell invocation already present in the command string
// (e.g., "sh -c 'echo hi'") is honored without double-wrapping.
// Cancelling ctx kills the whole process group of the child.
func (s Spec) BuildCommand(ctx context.Context) *exec.Cmd {
	cmdStr := strings.TrimSpace(s.Command)
	var cmd *exec.Cmd
	if sh, afterC, ok := parseExplicitShell(cmdStr); ok && s.Shell == "" {
		// #nosec G204
		cmd = exec.CommandContext(ctx, sh, "-c", afterC)
	} else {
		name, flag := defaultShell()
		if s.Shell != "" {
			name, flag = s.Shell, shellFlag(s.Shell)
		}
		// ok: intentional execution, input is validated by the registry policy
		// #nosec G204
		cmd = exec.CommandContext(ctx, name, flag, cmdStr)
	}
	if s.WorkDir != "" {
		cmd.Dir = s.WorkDir
	}
	if s.Env != nil {
		cmd.Env = s.Env
	}
	configureSysProcAttr(cmd)
	return cmd
}

// parseExplicitShell detects patterns like "sh -c <ARG>" or "/bin/sh -c <ARG>" at the
// beginning of cmdStr. It returns (shellPath, afterCArg, true) when matched.
// It preserves the substring after "-c " verbatim to avoid breaking quoting.
func parseExplicitShell(cmdStr string) (string, string, bool) {
	trim := strings.TrimLeft(cmdStr, " \t")
	candidates := []string{"sh -c ", "/bin/sh -c ", "/usr/bin/sh -c ", "bash -c ", "/bin/bash -c "}
	for _, p := range candidates {
		if strings.HasPrefix(trim, p) {
			after := trim[len(p):]
			// A remainder that starts with a quote is unwrapped only when one
			// quoted span covers all of it; anything else, e.g. 'a' 'b', is
			// left to the default shell, which understands the quoting.
			if n := len(after); n > 0 && (after[0] == '\'' || after[0] == '"') {
				q := after[0]
				if n < 2 || after[n-1] != q || strings.IndexByte(after[1:n-1], q) >= 0 {
					return "", "", false
				}
				after = after[1 : n-1]
			}
			return strings.Fields(p)[0], after, true
		}
	}
	return "", "", false
}

func shellFlag(shell string) string {
	base := strings.ToLower(shell)
	if i := strings.LastIndexAny(base, `/\`); i >= 0 {
		base = base[i+1:]
	}
	switch strings.TrimSuffix(base, ".exe") {
	case "cmd":
		return "/c"
	case "powershell", "pwsh":
		return "-Command"
	}
	return "-c"
}
