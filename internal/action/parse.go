package action

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownTool is returned for tool names that do not map to an action.
var ErrUnknownTool = errors.New("unknown tool")

// ToolArgumentError reports malformed arguments for a known tool.
type ToolArgumentError struct {
	Tool   string
	Reason string
	Err    error
}

func (e *ToolArgumentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid arguments for %s: %s: %v", e.Tool, e.Reason, e.Err)
	}
	return fmt.Sprintf("invalid arguments for %s: %s", e.Tool, e.Reason)
}

func (e *ToolArgumentError) Unwrap() error { return e.Err }

// shellMeta are characters rejected in package names because the install
// command runs through a shell.
const shellMeta = ";&|$`'\"\\<>(){}\n\r"

// Parse converts a final tool call into a payload.
func Parse(toolName string, args json.RawMessage) (Payload, error) {
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	argErr := func(reason string, err error) error {
		return &ToolArgumentError{Tool: toolName, Reason: reason, Err: err}
	}

	switch Kind(toolName) {
	case KindFile:
		var p File
		if err := json.Unmarshal(args, &p); err != nil {
			return nil, argErr("decode", err)
		}
		if strings.TrimSpace(p.Path) == "" {
			return nil, argErr("path is required", nil)
		}
		return p, nil

	case KindShell:
		var p Shell
		if err := json.Unmarshal(args, &p); err != nil {
			return nil, argErr("decode", err)
		}
		if strings.TrimSpace(p.Command) == "" {
			return nil, argErr("command is required", nil)
		}
		return p, nil

	case KindNpmInstall:
		var raw struct {
			Packages string `json:"packages"`
		}
		if err := json.Unmarshal(args, &raw); err != nil {
			return nil, argErr("decode", err)
		}
		pkgs := strings.Fields(raw.Packages)
		if len(pkgs) == 0 {
			return nil, argErr("packages is required", nil)
		}
		for _, pkg := range pkgs {
			if strings.ContainsAny(pkg, shellMeta) {
				return nil, argErr(fmt.Sprintf("invalid package name %q", pkg), nil)
			}
		}
		return NpmInstall{Packages: pkgs}, nil

	case KindDeploy:
		return Deploy{}, nil

	case KindEdit:
		var p Edit
		if err := json.Unmarshal(args, &p); err != nil {
			return nil, argErr("decode", err)
		}
		if strings.TrimSpace(p.Path) == "" {
			return nil, argErr("path is required", nil)
		}
		if p.Old == "" {
			return nil, argErr("old is required", nil)
		}
		return p, nil

	case KindView:
		var raw struct {
			Path      string `json:"path"`
			ViewRange []int  `json:"view_range"`
		}
		if err := json.Unmarshal(args, &raw); err != nil {
			return nil, argErr("decode", err)
		}
		if strings.TrimSpace(raw.Path) == "" {
			return nil, argErr("path is required", nil)
		}
		p := View{Path: raw.Path}
		switch len(raw.ViewRange) {
		case 0:
		case 2:
			p.Start, p.End = raw.ViewRange[0], raw.ViewRange[1]
			if p.Start < 1 || (p.End != -1 && p.End < p.Start) {
				return nil, argErr("view_range out of order", nil)
			}
		default:
			return nil, argErr("view_range must have two elements", nil)
		}
		return p, nil

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, toolName)
	}
}

// ParsePartial extracts what it can from a still-streaming tool call. Only
// file writes have a useful partial form.
func ParsePartial(toolName string, args json.RawMessage) (Payload, bool) {
	if Kind(toolName) != KindFile || len(args) == 0 {
		return nil, false
	}
	var p File
	if err := json.Unmarshal(args, &p); err != nil {
		return nil, false
	}
	if strings.TrimSpace(p.Path) == "" {
		return nil, false
	}
	return p, true
}
