package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/user/gopherchef/internal/action"
)

func (e *Executor) writeFile(ctx context.Context, p action.File) (string, error) {
	if err := e.Sandbox.WriteFile(ctx, p.Path, []byte(p.Content)); err != nil {
		return "", fmt.Errorf("write %s: %w", p.Path, err)
	}
	e.written(p.Path, p.Content)
	return fmt.Sprintf("Wrote %d bytes to %s", len(p.Content), p.Path), nil
}

// edit replaces exactly one occurrence of p.Old.
func (e *Executor) edit(ctx context.Context, p action.Edit) (string, error) {
	data, err := e.Sandbox.ReadFile(ctx, p.Path)
	if err != nil {
		return "", err
	}
	content := string(data)
	switch n := strings.Count(content, p.Old); n {
	case 0:
		return "", fmt.Errorf("edit %s: text to replace not found", p.Path)
	case 1:
	default:
		return "", fmt.Errorf("edit %s: text to replace matches %d times, expected exactly one", p.Path, n)
	}

	updated := strings.Replace(content, p.Old, p.New, 1)
	if err := e.Sandbox.WriteFile(ctx, p.Path, []byte(updated)); err != nil {
		return "", fmt.Errorf("write %s: %w", p.Path, err)
	}
	e.written(p.Path, updated)
	return fmt.Sprintf("Edited %s", p.Path), nil
}

// view renders the file with 1-based line numbers, limited to [Start, End]
// when a range is given. End -1 means through the last line.
func (e *Executor) view(ctx context.Context, p action.View) (string, error) {
	data, err := e.Sandbox.ReadFile(ctx, p.Path)
	if err != nil {
		return "", err
	}
	lines := strings.Split(string(data), "\n")
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}

	start, end := 1, len(lines)
	if p.Start > 0 {
		start = p.Start
		if p.End != -1 && p.End < end {
			end = p.End
		}
	}
	if start > len(lines) && len(lines) > 0 {
		return "", fmt.Errorf("view %s: start line %d beyond end of file (%d lines)", p.Path, start, len(lines))
	}

	var b strings.Builder
	for i := start; i <= end; i++ {
		fmt.Fprintf(&b, "%6d\t%s\n", i, lines[i-1])
	}
	return b.String(), nil
}
