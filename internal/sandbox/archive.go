package sandbox

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Export serialises the workspace tree (minus excluded paths) as a gzipped
// tar archive.
func (l *Local) Export(ctx context.Context, excludes []string) ([]byte, error) {
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gw)

	walkErr := filepath.WalkDir(l.root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if errors.Is(walkErr, fs.ErrNotExist) {
				return nil
			}
			return walkErr
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if filepath.Clean(path) == l.root {
			return nil
		}
		rel := l.rel(path)
		if rel == "" {
			return nil
		}
		if Ignored(excludes, rel) {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}

		info, err := os.Lstat(path)
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if err != nil {
			return err
		}
		mode := info.Mode()

		switch {
		case mode.IsDir():
			return tw.WriteHeader(&tar.Header{
				Name:     rel + "/",
				Typeflag: tar.TypeDir,
				Mode:     int64(mode.Perm()),
				ModTime:  info.ModTime(),
			})
		case mode&os.ModeSymlink != 0:
			target, err := os.Readlink(path)
			if err != nil {
				return err
			}
			if l.checkLink(path, target) != nil {
				slog.Debug("snapshot skips symlink leaving the workspace", "path", rel, "target", target)
				return nil
			}
			return tw.WriteHeader(&tar.Header{
				Name:     rel,
				Typeflag: tar.TypeSymlink,
				Linkname: target,
				Mode:     int64(mode.Perm()),
				ModTime:  info.ModTime(),
			})
		case mode.IsRegular():
			if isTempFile(rel) {
				return nil
			}
			hdr := &tar.Header{
				Name:    rel,
				Mode:    int64(mode.Perm()),
				Size:    info.Size(),
				ModTime: info.ModTime(),
			}
			r, err := os.Open(path)
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			if err != nil {
				return err
			}
			if err := tw.WriteHeader(hdr); err != nil {
				_ = r.Close()
				return err
			}
			_, copyErr := io.Copy(tw, r)
			_ = r.Close()
			return copyErr
		default:
			// Skip sockets, devices and pipes.
			return nil
		}
	})
	if walkErr != nil {
		return nil, fmt.Errorf("walk workspace: %w", walkErr)
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("close tar: %w", err)
	}
	if err := gw.Close(); err != nil {
		return nil, fmt.Errorf("close gzip: %w", err)
	}
	return buf.Bytes(), nil
}

// Import replaces the workspace tree with an archive produced by Export.
// Paths matching the sandbox's exclude patterns are left as they are. The
// whole archive is checked before anything is removed: entries that leave
// the root, directly or through a symlink, fail the import.
func (l *Local) Import(ctx context.Context, blob []byte) error {
	if err := l.walkArchive(ctx, blob, l.checkEntry()); err != nil {
		return err
	}
	if err := l.clearTree(); err != nil {
		return fmt.Errorf("clear workspace: %w", err)
	}
	return l.walkArchive(ctx, blob, l.extractEntry)
}

// walkArchive calls fn for every archive entry outside the excluded paths.
func (l *Local) walkArchive(ctx context.Context, blob []byte, fn func(hdr *tar.Header, target string, r io.Reader) error) error {
	gr, err := gzip.NewReader(bytes.NewReader(blob))
	if err != nil {
		return fmt.Errorf("open gzip: %w", err)
	}
	defer func() { _ = gr.Close() }()
	tr := tar.NewReader(gr)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read tar: %w", err)
		}
		name := strings.TrimSpace(hdr.Name)
		if name == "" {
			continue
		}
		target, err := l.resolve(name)
		if err != nil {
			return err
		}
		if target == l.root || Ignored(l.excludes, l.rel(target)) {
			continue
		}
		if err := fn(hdr, target, tr); err != nil {
			return err
		}
	}
}

// checkEntry returns a validator that rejects symlinks pointing outside the
// root and entries placed below a symlink of the same archive.
func (l *Local) checkEntry() func(*tar.Header, string, io.Reader) error {
	links := make(map[string]bool)
	return func(hdr *tar.Header, target string, _ io.Reader) error {
		for dir := filepath.Dir(target); dir != l.root && len(dir) > len(l.root); dir = filepath.Dir(dir) {
			if links[dir] {
				return fmt.Errorf("%w: %s is below symlink %s", ErrOutsideRoot, hdr.Name, l.rel(dir))
			}
		}
		if hdr.Typeflag == tar.TypeSymlink {
			if err := l.checkLink(target, hdr.Linkname); err != nil {
				return err
			}
			links[target] = true
		}
		return nil
	}
}

// checkLink rejects a symlink at target whose destination is absolute or
// resolves outside the root.
func (l *Local) checkLink(target, link string) error {
	if link == "" || filepath.IsAbs(link) {
		return fmt.Errorf("%w: symlink %s -> %s", ErrOutsideRoot, l.rel(target), link)
	}
	dest := filepath.Clean(filepath.Join(filepath.Dir(target), filepath.FromSlash(link)))
	if dest != l.root && !strings.HasPrefix(dest, l.root+string(os.PathSeparator)) {
		return fmt.Errorf("%w: symlink %s -> %s", ErrOutsideRoot, l.rel(target), link)
	}
	return nil
}

// checkParents refuses to write below a symlinked directory.
func (l *Local) checkParents(target string) error {
	rel, err := filepath.Rel(l.root, filepath.Dir(target))
	if err != nil || rel == "." {
		return err
	}
	dir := l.root
	for _, part := range strings.Split(rel, string(os.PathSeparator)) {
		dir = filepath.Join(dir, part)
		info, err := os.Lstat(dir)
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if err != nil {
			return err
		}
		if info.Mode()&os.ModeSymlink != 0 {
			return fmt.Errorf("%w: %s is below symlink %s", ErrOutsideRoot, l.rel(target), l.rel(dir))
		}
	}
	return nil
}

// clearTree removes everything under the root except excluded paths.
// Directories that still hold excluded entries stay.
func (l *Local) clearTree() error {
	var dirs []string
	err := filepath.WalkDir(l.root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if path == l.root {
			return nil
		}
		if Ignored(l.excludes, l.rel(path)) {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			dirs = append(dirs, path)
			return nil
		}
		return os.Remove(path)
	})
	if err != nil {
		return err
	}
	for i := len(dirs) - 1; i >= 0; i-- {
		_ = os.Remove(dirs[i])
	}
	return nil
}

func (l *Local) extractEntry(hdr *tar.Header, target string, r io.Reader) error {
	if err := l.checkParents(target); err != nil {
		return err
	}
	switch hdr.Typeflag {
	case tar.TypeDir:
		return os.MkdirAll(target, fs.FileMode(hdr.Mode)&0o777|0o700)
	case tar.TypeSymlink:
		if err := l.checkLink(target, hdr.Linkname); err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		_ = os.Remove(target)
		return os.Symlink(hdr.Linkname, target)
	case tar.TypeReg:
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		if info, err := os.Lstat(target); err == nil && info.Mode()&os.ModeSymlink != 0 {
			if err := os.Remove(target); err != nil {
				return err
			}
		}
		f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, fs.FileMode(hdr.Mode)&0o777)
		if err != nil {
			return err
		}
		if _, err := io.Copy(f, r); err != nil {
			_ = f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
		_ = os.Chtimes(target, time.Now(), hdr.ModTime)
	}
	return nil
}
