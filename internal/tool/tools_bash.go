package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"syscall"
	"time"

	"github.com/klaus-code/agentd/internal/errs"
	"github.com/klaus-code/agentd/internal/workspace"
)

const (
	defaultBashTimeout = 120 * time.Second
	maxBashTimeout     = 10 * time.Minute
	maxBashOutput      = 30000
)

// BashDefinition runs a shell command in the session's workspace. Grounded
// on the teacher's bash.go (timeout handling, process-group kill, output
// truncation) with its permission-prompt subsystem replaced: rather than
// asking an operator about every dangerous command, a dangerous command
// (rm/cp/mv/mkdir/...) whose path arguments resolve outside the workspace
// is refused outright per spec §4.3's containment invariant — bash has no
// patch-approval counterpart in spec.md, so there is nothing to route an
// "ask" through.
func BashDefinition() Definition {
	shell := detectShell()
	return Definition{
		Name:        "run_shell",
		Description: "Executes a shell command in the session workspace and returns its combined output.",
		ReadOnly:    false,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"command": {"type": "string"},
				"timeoutMs": {"type": "integer", "minimum": 1}
			},
			"required": ["command"]
		}`),
		Handler: func(ctx context.Context, toolCtx *Context, input json.RawMessage) (*Result, error) {
			var params struct {
				Command   string `json:"command"`
				TimeoutMs int    `json:"timeoutMs"`
			}
			if err := json.Unmarshal(input, &params); err != nil {
				return nil, fmt.Errorf("invalid input: %w", err)
			}

			if err := checkBashCommand(params.Command, toolCtx.WorkDir); err != nil {
				return &Result{Title: "blocked", Output: err.Error(), IsError: true}, nil
			}

			timeout := defaultBashTimeout
			if params.TimeoutMs > 0 {
				timeout = time.Duration(params.TimeoutMs) * time.Millisecond
				if timeout > maxBashTimeout {
					timeout = maxBashTimeout
				}
			}
			cmdCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			var cmd *exec.Cmd
			if runtime.GOOS == "windows" {
				cmd = exec.CommandContext(cmdCtx, shell, "/c", params.Command)
			} else {
				cmd = exec.CommandContext(cmdCtx, shell, "-c", params.Command)
			}
			cmd.Dir = toolCtx.WorkDir
			cmd.Env = os.Environ()
			if runtime.GOOS != "windows" {
				cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
			}

			output, runErr := cmd.CombinedOutput()
			timedOut := cmdCtx.Err() == context.DeadlineExceeded

			result := string(output)
			if len(result) > maxBashOutput {
				result = result[:maxBashOutput] + "\n\n(Output truncated)"
			}
			if timedOut {
				result += fmt.Sprintf("\n\n(Command timed out after %v)", timeout)
				killProcessGroup(cmd)
			}

			exitCode := 0
			if cmd.ProcessState != nil {
				exitCode = cmd.ProcessState.ExitCode()
			}
			if runErr != nil && !timedOut {
				if exitErr, ok := runErr.(*exec.ExitError); ok {
					exitCode = exitErr.ExitCode()
				} else {
					result += fmt.Sprintf("\n\nError: %v", runErr)
				}
			}

			return &Result{
				Title:    params.Command,
				Output:   result,
				IsError:  exitCode != 0,
				Metadata: map[string]any{"exitCode": exitCode, "timedOut": timedOut},
			}, nil
		},
	}
}

// checkBashCommand rejects a command whose dangerous-operation path
// arguments escape the workspace, per spec §4.3.
func checkBashCommand(command, workDir string) error {
	commands, err := workspace.ParseCommand(command)
	if err != nil {
		return errs.New(errs.Validation, fmt.Sprintf("could not parse command: %v", err))
	}
	for _, cmd := range commands {
		if !workspace.IsDangerous(cmd.Name) {
			continue
		}
		for _, p := range workspace.ExtractPaths(cmd) {
			resolved, err := workspace.Resolve(p, workDir)
			if err != nil {
				return errs.New(errs.Validation, fmt.Sprintf("command %q references a path outside the workspace: %s", cmd.Name, p))
			}
			_ = resolved
		}
	}
	return nil
}

func detectShell() string {
	if s := os.Getenv("SHELL"); s != "" && s != "/bin/fish" && s != "/usr/bin/fish" && s != "/bin/nu" && s != "/usr/bin/nu" {
		return s
	}
	if runtime.GOOS == "darwin" {
		return "/bin/zsh"
	}
	if runtime.GOOS == "windows" {
		if comspec := os.Getenv("COMSPEC"); comspec != "" {
			return comspec
		}
		return "cmd.exe"
	}
	if bash, err := exec.LookPath("bash"); err == nil {
		return bash
	}
	return "/bin/sh"
}

func killProcessGroup(cmd *exec.Cmd) {
	if cmd.Process == nil || runtime.GOOS == "windows" {
		return
	}
	pid := cmd.Process.Pid
	syscall.Kill(-pid, syscall.SIGTERM)
	time.Sleep(200 * time.Millisecond)
	if cmd.ProcessState == nil {
		syscall.Kill(-pid, syscall.SIGKILL)
	}
}
