// Package tools executes action payloads against a workspace sandbox.
package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/user/gopherchef/internal/action"
	"github.com/user/gopherchef/internal/types"
)

const (
	defaultShellTimeout   = 120 * time.Second
	defaultInstallTimeout = 10 * time.Minute
	defaultDeployCommand  = "npm run build"
)

// Executor runs payloads. It holds no per-action state and may be shared by
// all runners of a session.
type Executor struct {
	Sandbox        types.Sandbox
	ShellTimeout   time.Duration
	InstallTimeout time.Duration
	DeployCommand  string

	// OnWrite is called after the executor changed a file's content.
	OnWrite func(path, content string)
}

// Execute runs the payload and returns its textual output.
func (e *Executor) Execute(ctx context.Context, p action.Payload) (string, error) {
	if e.Sandbox == nil {
		return "", fmt.Errorf("no sandbox configured")
	}
	switch v := p.(type) {
	case action.File:
		return e.writeFile(ctx, v)
	case action.Shell:
		return e.run(ctx, v.Command, e.shellTimeout())
	case action.NpmInstall:
		return e.npmInstall(ctx, v)
	case action.Deploy:
		cmd := e.DeployCommand
		if cmd == "" {
			cmd = defaultDeployCommand
		}
		return e.run(ctx, cmd, e.installTimeout())
	case action.Edit:
		return e.edit(ctx, v)
	case action.View:
		return e.view(ctx, v)
	default:
		panic(fmt.Sprintf("tools: unhandled payload %T", p))
	}
}

func (e *Executor) shellTimeout() time.Duration {
	if e.ShellTimeout > 0 {
		return e.ShellTimeout
	}
	return defaultShellTimeout
}

func (e *Executor) installTimeout() time.Duration {
	if e.InstallTimeout > 0 {
		return e.InstallTimeout
	}
	return defaultInstallTimeout
}

func (e *Executor) written(path, content string) {
	if e.OnWrite != nil {
		e.OnWrite(path, content)
	}
}
