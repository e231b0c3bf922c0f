package browser

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// maxProfileEntry bounds a single file restored from a stored profile.
const maxProfileEntry = 256 << 20

// skipDirs are browser caches that are never needed to resume a session.
var skipDirs = map[string]bool{
	"Cache":               true,
	"Code Cache":          true,
	"GPUCache":            true,
	"GrShaderCache":       true,
	"ShaderCache":         true,
	"CacheStorage":        true,
	"Crashpad":            true,
	"DawnCache":           true,
	"component_crx_cache": true,
}

// skipFiles are lock and socket files owned by a running browser.
var skipFiles = map[string]bool{
	"SingletonLock":   true,
	"SingletonSocket": true,
	"SingletonCookie": true,
	"LOCK":            true,
}

// packProfile archives the browser user-data directory as a gzip'd tar.
func packProfile(dir string) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Files vanish while the browser runs.
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if path == dir {
			return nil
		}
		if d.IsDir() {
			if skipDirs[d.Name()] {
				return filepath.SkipDir
			}
		} else if skipFiles[d.Name()] || !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		return copyFile(tw, path)
	})
	if err != nil {
		return nil, fmt.Errorf("pack profile: %w", err)
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("pack profile: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("pack profile: %w", err)
	}
	return buf.Bytes(), nil
}

func copyFile(w io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(w, f)
	return err
}

// unpackProfile restores an archive written by packProfile into dir.
func unpackProfile(blob []byte, dir string) error {
	gz, err := gzip.NewReader(bytes.NewReader(blob))
	if err != nil {
		return fmt.Errorf("unpack profile: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("unpack profile: %w", err)
		}

		target, err := safeJoin(dir, hdr.Name)
		if err != nil {
			return fmt.Errorf("unpack profile: %w", err)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o700); err != nil {
				return fmt.Errorf("unpack profile: %w", err)
			}
		case tar.TypeReg:
			if hdr.Size > maxProfileEntry {
				return fmt.Errorf("unpack profile: %s exceeds %d bytes", hdr.Name, maxProfileEntry)
			}
			if err := writeFile(target, tr, hdr.Size); err != nil {
				return fmt.Errorf("unpack profile: %w", err)
			}
		}
	}
}

func writeFile(path string, r io.Reader, size int64) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.CopyN(f, r, size); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func safeJoin(dir, name string) (string, error) {
	target := filepath.Join(dir, filepath.FromSlash(name))
	if target != dir && !strings.HasPrefix(target, filepath.Clean(dir)+string(os.PathSeparator)) {
		return "", fmt.Errorf("entry %q escapes profile directory", name)
	}
	return target, nil
}
