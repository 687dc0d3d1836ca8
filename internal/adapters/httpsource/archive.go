package httpsource

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
)

// unpack expands .zip and .gz downloads in place and returns the paths that
// should be staged instead of the archive. Other files are returned as is.
func unpack(path string) ([]string, error) {
	lower := strings.ToLower(path)
	switch {
	case strings.HasSuffix(lower, ".zip"):
		return unzip(path, filepath.Dir(path))
	case strings.HasSuffix(lower, ".gz") && !strings.HasSuffix(lower, ".tar.gz"):
		out, err := gunzip(path)
		if err != nil {
			return nil, err
		}
		return []string{out}, nil
	default:
		return []string{path}, nil
	}
}

// unzip extracts archive into dir and returns its top-level entries.
func unzip(archive, dir string) ([]string, error) {
	r, err := zip.OpenReader(archive)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", archive, err)
	}
	defer r.Close()

	var top []string
	for _, f := range r.File {
		target, err := safeJoin(dir, f.Name)
		if err != nil {
			return nil, fmt.Errorf("extract %s: %w", archive, err)
		}
		if first := topLevel(dir, target); !slices.Contains(top, first) {
			top = append(top, first)
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return nil, fmt.Errorf("extract %s: %w", archive, err)
			}
			continue
		}
		if err := extractFile(f, target); err != nil {
			return nil, fmt.Errorf("extract %s from %s: %w", f.Name, archive, err)
		}
	}
	return top, nil
}

func extractFile(f *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	src, err := f.Open()
	if err != nil {
		return err
	}
	defer src.Close()
	return writeAtomic(target, src)
}

func gunzip(path string) (string, error) {
	in, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer in.Close()

	zr, err := gzip.NewReader(in)
	if err != nil {
		return "", fmt.Errorf("gunzip %s: %w", path, err)
	}
	defer zr.Close()

	out := path[:len(path)-len(".gz")]
	if err := writeAtomic(out, zr); err != nil {
		return "", fmt.Errorf("gunzip %s: %w", path, err)
	}
	return out, nil
}

// writeAtomic copies r to a temporary file next to target and renames it.
func writeAtomic(target string, r io.Reader) error {
	tmp, err := os.CreateTemp(filepath.Dir(target), ".part-*")
	if err != nil {
		return err
	}
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}

func safeJoin(dir, name string) (string, error) {
	target := filepath.Join(dir, filepath.FromSlash(name))
	rel, err := filepath.Rel(dir, target)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("entry %q escapes the staging directory", name)
	}
	return target, nil
}

func topLevel(dir, target string) string {
	rel, _ := filepath.Rel(dir, target)
	first, _, _ := strings.Cut(rel, string(filepath.Separator))
	return filepath.Join(dir, first)
}
