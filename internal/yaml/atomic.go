// Package yaml keeps dispatchd's file-backed state crash-safe: documents are
// replaced atomically with the previous generation kept alongside, and
// documents that no longer parse are quarantined.
package yaml

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	yamlv3 "gopkg.in/yaml.v3"
)

const backupSuffix = ".bak"

// ErrEmpty reports a document without any YAML content, the usual remains of
// a crash between creating and writing a file.
var ErrEmpty = errors.New("yaml: empty document")

// AtomicWrite replaces path with the YAML encoding of v. A crash at any point
// leaves either the old or the new document in place; the old one stays
// readable as path.bak until the next write.
func AtomicWrite(path string, v any) error {
	var buf bytes.Buffer
	enc := yamlv3.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("yaml: encode %s: %w", filepath.Base(path), err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("yaml: encode %s: %w", filepath.Base(path), err)
	}

	if err := keepBackup(path); err != nil {
		return err
	}
	return replace(path, buf.Bytes())
}

// ReadFile decodes path into v. A missing file reports os.ErrNotExist and a
// file without content ErrEmpty.
func ReadFile(path string, v any) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	if err := yamlv3.NewDecoder(f).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%s: %w", filepath.Base(path), ErrEmpty)
		}
		return fmt.Errorf("yaml: parse %s: %w", filepath.Base(path), err)
	}
	return nil
}

// keepBackup hard-links the current generation of path to path.bak. Nothing
// happens when path does not exist yet.
func keepBackup(path string) error {
	if _, err := os.Lstat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	bak := path + backupSuffix
	if err := os.Remove(bak); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("yaml: drop old backup: %w", err)
	}
	if err := os.Link(path, bak); err != nil {
		return fmt.Errorf("yaml: backup %s: %w", filepath.Base(path), err)
	}
	return nil
}

// replace writes content to a temporary sibling of path and renames it into
// place, syncing both the file and the directory.
func replace(path string, content []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("yaml: create temp file: %w", err)
	}
	renamed := false
	defer func() {
		if !renamed {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	if _, err := tmp.Write(content); err != nil {
		return fmt.Errorf("yaml: write %s: %w", tmp.Name(), err)
	}
	if err := tmp.Chmod(0644); err != nil {
		return fmt.Errorf("yaml: chmod %s: %w", tmp.Name(), err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("yaml: sync %s: %w", tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("yaml: close %s: %w", tmp.Name(), err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("yaml: rename into %s: %w", path, err)
	}
	renamed = true
	return syncDir(dir)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("yaml: open dir: %w", err)
	}
	defer func() { _ = d.Close() }()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("yaml: sync dir: %w", err)
	}
	return nil
}
