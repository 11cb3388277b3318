package supervisor

import (
	"errors"
	"os"
	"os/exec"
	"strings"
	"syscall"
)

// promptPlaceholder in a one-shot argument list is replaced by the prompt.
const promptPlaceholder = "{prompt}"

// buildArgs substitutes the prompt into args, or appends it when no
// placeholder is present.
func buildArgs(args []string, prompt string) []string {
	out := make([]string, 0, len(args)+1)
	replaced := false
	for _, a := range args {
		if strings.Contains(a, promptPlaceholder) {
			a = strings.ReplaceAll(a, promptPlaceholder, prompt)
			replaced = true
		}
		out = append(out, a)
	}
	if !replaced && prompt != "" {
		out = append(out, prompt)
	}
	return out
}

// buildCommand creates the exec.Cmd for a request. In shell mode the
// command string runs under sh -c with args as positional parameters.
func buildCommand(req SpawnRequest, args []string) *exec.Cmd {
	var cmd *exec.Cmd
	if req.Shell {
		shellArgs := append([]string{"-c", req.Command, "colony-agent"}, args...)
		cmd = exec.Command("sh", shellArgs...)
	} else {
		cmd = exec.Command(req.Command, args...)
	}
	cmd.Dir = req.WorkDir
	setupEnv(cmd, req.Env)
	setupProcessGroup(cmd)
	return cmd
}

// setupEnv inherits the current environment and overlays extra variables.
func setupEnv(cmd *exec.Cmd, env map[string]string) {
	cmd.Env = os.Environ()
	for k, v := range env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
}

// setupProcessGroup starts the command in its own process group so a kill
// reaches every descendant. Agent CLIs spawn helpers that otherwise hold
// the pipes open after the parent dies.
func setupProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// signalGroup signals the process group led by pid.
func signalGroup(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return nil
	}
	return syscall.Kill(-pid, sig)
}

// extractExitCode interprets a wait error as an exit code.
// Returns (0, nil) for a clean exit, (code, nil) for an ExitError,
// or (-1, err) for any other error.
func extractExitCode(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}
