// Package workspace implements the path-resolution and shell-command safety
// invariants every filesystem-touching tool must honor (spec §4.3): user
// paths are resolved against the workspace directory after stripping
// leading separators, and any resolved path that escapes the workspace must
// fail. It also parses bash command lines into argument vectors so the bash
// tool can reject shell-string interpretation and flag dangerous commands.
//
// Grounded on the teacher's internal/permission/bash_parser.go, trimmed to
// the pieces spec.md actually names: path resolution/containment and
// command parsing. The teacher's ask/allow/deny permission-prompt system
// (Checker, Request/Response, AgentPermissions, wildcard pattern matching,
// doom-loop detection) has no counterpart in spec.md — the only
// human-in-the-loop gate spec describes is the Approval Broker
// (internal/approval), which this module defers to. ResolvePath no longer
// shells out to the `realpath` binary as the teacher's did (a subprocess
// per path resolution is both slower and a needless external dependency);
// resolution here is pure filepath arithmetic.
package workspace

import (
	"fmt"
	"path/filepath"
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

// ErrOutsideWorkspace is returned (wrapped) when a resolved path escapes dir.
type ErrOutsideWorkspace struct {
	Path string
	Dir  string
}

func (e *ErrOutsideWorkspace) Error() string {
	return fmt.Sprintf("path %q is outside the workspace %q", e.Path, e.Dir)
}

// Resolve resolves a user-supplied path against dir per spec §4.3: leading
// path separators are stripped (a path beginning with "/" is treated as
// workspace-relative, not filesystem-absolute) before joining, and the
// result must be dir itself or a descendant of it.
func Resolve(path, dir string) (string, error) {
	dir = filepath.Clean(dir)
	trimmed := strings.TrimLeft(filepath.ToSlash(path), "/")
	resolved := filepath.Clean(filepath.Join(dir, trimmed))
	if !Contains(dir, resolved) {
		return "", &ErrOutsideWorkspace{Path: resolved, Dir: dir}
	}
	return resolved, nil
}

// Contains reports whether path is dir itself or a descendant of dir.
func Contains(dir, path string) bool {
	dir = filepath.Clean(dir)
	path = filepath.Clean(path)
	if dir == path {
		return true
	}
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// Command is a single parsed shell call: a name and its argument vector.
type Command struct {
	Name       string
	Args       []string
	Subcommand string
}

// ParseCommand splits a bash command line into its constituent calls using a
// real POSIX/bash-dialect parser rather than naive string splitting, so
// compound commands ("a && b", "a | b", "a; b") are each inspected
// individually for dangerous operations. The returned Args are always used
// as an argument vector by callers — never reassembled into a string for
// shell re-interpretation.
func ParseCommand(command string) ([]Command, error) {
	parser := syntax.NewParser(syntax.Variant(syntax.LangBash), syntax.KeepComments(false))
	file, err := parser.Parse(strings.NewReader(command), "")
	if err != nil {
		return nil, fmt.Errorf("parse command: %w", err)
	}

	var commands []Command
	syntax.Walk(file, func(node syntax.Node) bool {
		if call, ok := node.(*syntax.CallExpr); ok {
			if cmd := extractCommand(call); cmd != nil {
				commands = append(commands, *cmd)
			}
		}
		return true
	})
	return commands, nil
}

func extractCommand(call *syntax.CallExpr) *Command {
	if len(call.Args) == 0 {
		return nil
	}
	cmd := &Command{Name: wordToString(call.Args[0])}
	if cmd.Name == "" {
		return nil
	}
	for _, arg := range call.Args[1:] {
		s := wordToString(arg)
		cmd.Args = append(cmd.Args, s)
		if cmd.Subcommand == "" && !strings.HasPrefix(s, "-") {
			cmd.Subcommand = s
		}
	}
	return cmd
}

func wordToString(word *syntax.Word) string {
	var sb strings.Builder
	for _, part := range word.Parts {
		switch p := part.(type) {
		case *syntax.Lit:
			sb.WriteString(p.Value)
		case *syntax.SglQuoted:
			sb.WriteString(p.Value)
		case *syntax.DblQuoted:
			for _, qp := range p.Parts {
				if lit, ok := qp.(*syntax.Lit); ok {
					sb.WriteString(lit.Value)
				}
			}
		case *syntax.ParamExp:
			sb.WriteString("$" + p.Param.Value)
		case *syntax.CmdSubst:
			sb.WriteString("$()")
		}
	}
	return sb.String()
}

// DangerousCommands modify the filesystem and require path-containment
// checks on every extracted path argument before execution.
var DangerousCommands = map[string]bool{
	"rm": true, "cp": true, "mv": true, "mkdir": true, "touch": true,
	"chmod": true, "chown": true, "rmdir": true, "dd": true, "cd": true,
}

// IsDangerous reports whether name is a filesystem-mutating command.
func IsDangerous(name string) bool {
	return DangerousCommands[name]
}

// ExtractPaths pulls likely file-path arguments out of a parsed command,
// skipping flags and (for chmod) mode operands.
func ExtractPaths(cmd Command) []string {
	var paths []string
	for _, arg := range cmd.Args {
		if strings.HasPrefix(arg, "-") {
			continue
		}
		if cmd.Name == "chmod" && len(arg) > 0 {
			c := arg[0]
			if (c >= '0' && c <= '9') || c == 'u' || c == 'g' || c == 'o' || c == 'a' || c == '+' || c == '=' {
				continue
			}
		}
		paths = append(paths, arg)
	}
	return paths
}
