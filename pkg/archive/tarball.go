package archive

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Summary describes a written archive.
type Summary struct {
	Files   int   `json:"files"`
	Dirs    int   `json:"dirs"`
	Skipped int   `json:"skipped"`
	Bytes   int64 `json:"bytes"`
}

func compileExcludes(patterns []string) ([]string, error) {
	out := make([]string, 0, len(patterns))
	for _, raw := range patterns {
		p := strings.TrimPrefix(filepath.ToSlash(strings.TrimSpace(raw)), "./")
		if p == "" {
			continue
		}
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid exclude pattern %q", raw)
		}
		out = append(out, p)
	}
	return out, nil
}

func excluded(patterns []string, rel string) bool {
	for _, p := range patterns {
		if ok, err := doublestar.Match(p, rel); err == nil && ok {
			return true
		}
	}
	return false
}

// WriteTarGz writes the tree under root to w as a gzip-compressed tar stream.
// Entry names are slash-separated and relative to root. Paths matching an
// exclude pattern are skipped; an excluded directory is skipped whole.
// Symlinks are stored as links and never followed.
func WriteTarGz(ctx context.Context, w io.Writer, root string, excludes []string) (Summary, error) {
	var sum Summary

	patterns, err := compileExcludes(excludes)
	if err != nil {
		return sum, err
	}
	st, err := os.Stat(root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return sum, fmt.Errorf("%s: %w", root, ErrWorkspaceNotFound)
		}
		return sum, err
	}
	if !st.IsDir() {
		return sum, fmt.Errorf("%s is not a directory: %w", root, ErrWorkspaceNotFound)
	}

	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)

	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if excluded(patterns, rel) {
			sum.Skipped++
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		link := ""
		if info.Mode()&fs.ModeSymlink != 0 {
			if link, err = os.Readlink(path); err != nil {
				return err
			}
		} else if !info.Mode().IsRegular() && !info.IsDir() {
			// Sockets, devices and pipes have no place in a workspace archive.
			sum.Skipped++
			return nil
		}

		hdr, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return err
		}
		hdr.Name = rel
		if info.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}

		switch {
		case info.IsDir():
			sum.Dirs++
		case info.Mode().IsRegular():
			n, err := copyFile(tw, path)
			if err != nil {
				return err
			}
			sum.Files++
			sum.Bytes += n
		}
		return nil
	})
	if walkErr != nil {
		_ = tw.Close()
		_ = gz.Close()
		return sum, fmt.Errorf("archive %s: %w", root, walkErr)
	}
	if err := tw.Close(); err != nil {
		return sum, err
	}
	if err := gz.Close(); err != nil {
		return sum, err
	}
	return sum, nil
}

func copyFile(w io.Writer, path string) (int64, error) {
	f, err := os.Open(path) // #nosec G304 -- path comes from walking the workspace root
	if err != nil {
		return 0, err
	}
	defer func() { _ = f.Close() }()
	return io.Copy(w, f)
}
