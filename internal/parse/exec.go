package parse

import (
	"os/exec"
	"strings"
)

// ExecFunc runs a command in a working directory and returns its stdout.
// The git probes take this as an injected capability so tests can supply
// canned output instead of a real git binary.
type ExecFunc func(cwd, name string, args ...string) (string, error)

// CommandExec is the production ExecFunc backed by os/exec.
func CommandExec(cwd, name string, args ...string) (string, error) {
	cmd := exec.Command(name, args...)
	cmd.Dir = cwd
	out, err := cmd.Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
