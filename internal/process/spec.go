package process

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/loykin/svisor/internal/logger"
)

// Spec describes one launch of a managed service.
type Spec struct {
	Name    string            `json:"name"`
	Command string            `json:"command"`  // command line, parsed like a shell command
	Target  string            `json:"target"`   // optional file that must exist before launch
	WorkDir string            `json:"work_dir"` // optional working dir
	Env     []string          `json:"env"`      // optional extra env (KEY=VALUE)
	Log     logger.FileConfig `json:"log"`
}

// Validate performs the checks that do not touch the filesystem.
func (s *Spec) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return errors.New("process name is required")
	}
	if strings.TrimSpace(s.Command) == "" {
		return fmt.Errorf("process %s: command is required", s.Name)
	}
	for _, kv := range s.Env {
		if !strings.Contains(kv, "=") {
			return fmt.Errorf("process %s: invalid env entry %q", s.Name, kv)
		}
	}
	return nil
}

// BuildCommand constructs an *exec.Cmd for the given spec.Command.
// It avoids invoking a shell when not necessary, and it also respects
// an explicit shell invocation already present in the command string
// (e.g., "sh -c 'echo hi'"), avoiding double-wrapping with another shell.
func (s *Spec) BuildCommand() *exec.Cmd {
	cmdStr := strings.TrimSpace(s.Command)
	if cmdStr == "" {
		// #nosec G204
		return exec.Command("/bin/true")
	}
	if _, afterC, ok := parseExplicitShell(cmdStr); ok {
		// #nosec G204
		return exec.Command("/bin/sh", "-c", afterC)
	}
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		// #nosec G204
		return exec.Command("/bin/sh", "-c", cmdStr)
	}
	parts := strings.Fields(cmdStr)
	// #nosec G204
	return exec.Command(parts[0], parts[1:]...)
}

// Verify checks that the launch target exists. With an explicit Target the
// file is checked; otherwise the command's executable is resolved the way
// exec would resolve it.
func (s *Spec) Verify() error {
	if s.Target != "" {
		if _, err := os.Stat(s.resolve(s.Target)); err != nil {
			return fmt.Errorf("%w: %s: target %s", ErrExecutableNotFound, s.Name, s.Target)
		}
		return nil
	}
	return s.verifyCmd(s.BuildCommand())
}

func (s *Spec) verifyCmd(cmd *exec.Cmd) error {
	if cmd.Err != nil {
		return fmt.Errorf("%w: %s: %w", ErrExecutableNotFound, s.Name, cmd.Err)
	}
	// exec.Command only resolves bare names; paths are taken relative to Dir.
	if filepath.Base(cmd.Path) == cmd.Path {
		return nil
	}
	path := s.resolve(cmd.Path)
	fi, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: %s: %s", ErrExecutableNotFound, s.Name, path)
	}
	if fi.IsDir() || fi.Mode()&0o111 == 0 {
		return fmt.Errorf("%w: %s: %s is not executable", ErrExecutableNotFound, s.Name, path)
	}
	return nil
}

func (s *Spec) resolve(path string) string {
	if filepath.IsAbs(path) || s.WorkDir == "" {
		return path
	}
	return filepath.Join(s.WorkDir, path)
}

// parseExplicitShell detects patterns like "sh -c <ARG>" or "/bin/sh -c <ARG>" at the
// beginning of cmdStr. It returns (shellPath, afterCArg, true) when matched.
// The substring after "-c " is preserved verbatim apart from one pair of
// surrounding quotes.
func parseExplicitShell(cmdStr string) (string, string, bool) {
	trim := strings.TrimLeft(cmdStr, " \t")
	candidates := []string{"sh -c ", "/bin/sh -c ", "/usr/bin/sh -c "}
	for _, p := range candidates {
		if strings.HasPrefix(trim, p) {
			after := trim[len(p):]
			if n := len(after); n >= 2 {
				if (after[0] == '\'' && after[n-1] == '\'') || (after[0] == '"' && after[n-1] == '"') {
					after = after[1 : n-1]
				}
			}
			return strings.Fields(p)[0], after, true
		}
	}
	return "", "", false
}
