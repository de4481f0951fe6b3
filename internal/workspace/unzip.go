package workspace

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// unzip extracts archive into dest, rejecting entries that would land outside it.
func unzip(ctx context.Context, archive, dest string) (int, error) {
	r, err := zip.OpenReader(archive)
	if err != nil {
		return 0, err
	}
	defer r.Close()

	if err := os.MkdirAll(dest, 0755); err != nil {
		return 0, err
	}
	destClean := filepath.Clean(dest) + string(os.PathSeparator)

	count := 0
	for _, f := range r.File {
		if err := ctx.Err(); err != nil {
			return count, err
		}
		target := filepath.Join(dest, f.Name)
		if !strings.HasPrefix(target+string(os.PathSeparator), destClean) {
			return count, fmt.Errorf("entry %q escapes the extraction directory", f.Name)
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0755); err != nil {
				return count, err
			}
			continue
		}
		if !f.Mode().IsRegular() {
			// Symlinks and devices have no place in a photo archive.
			continue
		}
		if err := extractFile(f, target); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

func extractFile(f *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
