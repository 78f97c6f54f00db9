// Package sandbox provides a host-directory implementation of the workspace
// sandbox.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/user/gopherchef/internal/types"
)

const defaultSpawnTimeout = 120 * time.Second

// ErrOutsideRoot is returned for paths that escape the workspace root.
var ErrOutsideRoot = errors.New("path outside workspace root")

// tempMarker names the temp files WriteFile renames into place.
const tempMarker = ".gopherchef-tmp-"

// Local runs everything inside a directory on the host.
type Local struct {
	root     string
	shell    string
	excludes []string
}

// NewLocal creates a sandbox rooted at dir. excludes lists glob patterns
// that are never watched and that Import leaves in place.
func NewLocal(dir, shell string, excludes []string) (*Local, error) {
	abs, err := filepath.Abs(strings.TrimSpace(dir))
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	if shell == "" {
		shell = "bash"
	}
	return &Local{root: filepath.Clean(abs), shell: shell, excludes: excludes}, nil
}

// Root returns the absolute workspace root.
func (l *Local) Root() string {
	return l.root
}

// resolve maps a workspace-relative (or absolute, in-root) path to an
// absolute host path.
func (l *Local) resolve(p string) (string, error) {
	p = strings.TrimSpace(p)
	if p == "" {
		return "", errors.New("empty path")
	}
	target := p
	if !filepath.IsAbs(target) {
		target = filepath.Join(l.root, filepath.FromSlash(p))
	}
	target = filepath.Clean(target)
	if target == l.root {
		return target, nil
	}
	if !strings.HasPrefix(target, l.root+string(os.PathSeparator)) {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, p)
	}
	return target, nil
}

func (l *Local) rel(abs string) string {
	rel, err := filepath.Rel(l.root, abs)
	if err != nil {
		return ""
	}
	return filepath.ToSlash(rel)
}

// ReadFile returns the contents of a workspace file.
func (l *Local) ReadFile(_ context.Context, path string) ([]byte, error) {
	target, err := l.resolve(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(target)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}

// WriteFile writes a workspace file, creating parent directories.
func (l *Local) WriteFile(_ context.Context, path string, data []byte) error {
	target, err := l.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create parent dir: %w", err)
	}

	// Atomic write via temp file + rename
	f, err := os.CreateTemp(filepath.Dir(target), "."+filepath.Base(target)+tempMarker+"*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmp := f.Name()
	_, err = f.Write(data)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Chmod(tmp, 0o644)
	}
	if err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// isTempFile reports whether rel names a WriteFile temp file.
func isTempFile(rel string) bool {
	base := path.Base(rel)
	return strings.HasPrefix(base, ".") && strings.Contains(base, tempMarker)
}

// Spawn runs a shell command in the workspace and captures its combined
// output. A non-zero exit is reported through ExitCode, not as an error.
func (l *Local) Spawn(ctx context.Context, spec types.ProcessSpec) (*types.ProcessResult, error) {
	if strings.TrimSpace(spec.Command) == "" {
		return nil, errors.New("command is required")
	}
	dir := l.root
	if spec.Dir != "" {
		d, err := l.resolve(spec.Dir)
		if err != nil {
			return nil, err
		}
		dir = d
	}

	timeout := defaultSpawnTimeout
	if spec.Timeout > 0 {
		timeout = spec.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, l.shell, "-c", spec.Command)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), spec.Env...)
	output, err := cmd.CombinedOutput()

	if ctx.Err() == context.DeadlineExceeded {
		return &types.ProcessResult{ExitCode: -1, Output: string(output)}, fmt.Errorf("command timed out after %s", timeout)
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return &types.ProcessResult{ExitCode: exitErr.ExitCode(), Output: string(output)}, nil
		}
		return nil, fmt.Errorf("spawn %q: %w", spec.Command, err)
	}
	return &types.ProcessResult{ExitCode: 0, Output: string(output)}, nil
}

var _ types.Sandbox = (*Local)(nil)
