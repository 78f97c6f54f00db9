package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/user/gopherchef/internal/action"
	"github.com/user/gopherchef/internal/types"
)

// ExitError reports a command that ran but exited non-zero.
type ExitError struct {
	Command string
	Code    int
	Output  string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("command %q exited with code %d", e.Command, e.Code)
}

func (e *Executor) run(ctx context.Context, command string, timeout time.Duration) (string, error) {
	if strings.TrimSpace(command) == "" {
		return "", fmt.Errorf("command is required")
	}
	res, err := e.Sandbox.Spawn(ctx, types.ProcessSpec{Command: command, Timeout: timeout})
	if err != nil {
		if res != nil {
			return res.Output, fmt.Errorf("command failed: %w", err)
		}
		return "", fmt.Errorf("command failed: %w", err)
	}
	if res.ExitCode != 0 {
		return res.Output, &ExitError{Command: command, Code: res.ExitCode, Output: res.Output}
	}
	return res.Output, nil
}

func (e *Executor) npmInstall(ctx context.Context, p action.NpmInstall) (string, error) {
	if len(p.Packages) == 0 {
		return "", fmt.Errorf("no packages to install")
	}
	return e.run(ctx, "npm install "+strings.Join(p.Packages, " "), e.installTimeout())
}
