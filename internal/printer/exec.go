package printer

import (
	"context"
	"os/exec"
	"strings"

	"github.com/cockroachdb/errors"
)

// CommandRunner runs an OS command and returns its combined output
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands with os/exec
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return out, errors.Wrapf(ctx.Err(), "%s timed out", name)
		}
		msg := strings.TrimSpace(string(out))
		if msg == "" {
			return out, errors.Wrapf(err, "run %s", name)
		}
		return out, errors.Wrapf(err, "run %s: %s", name, msg)
	}
	return out, nil
}
