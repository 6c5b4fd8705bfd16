package yaml

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	yamlv3 "gopkg.in/yaml.v3"
)

// Quarantine moves a corrupted file into <baseDir>/quarantine and returns its
// new path.
func Quarantine(baseDir, filePath string) (string, error) {
	quarantineDir := filepath.Join(baseDir, "quarantine")
	if err := os.MkdirAll(quarantineDir, 0755); err != nil {
		return "", fmt.Errorf("create quarantine dir: %w", err)
	}

	name := fmt.Sprintf("%s.%s.corrupt", filepath.Base(filePath), time.Now().Format("20060102T150405"))
	dst := filepath.Join(quarantineDir, name)
	if err := os.Rename(filePath, dst); err != nil {
		return "", fmt.Errorf("move to quarantine: %w", err)
	}
	return dst, nil
}

// RestoreFromBackup puts the well-formed path.bak generation back in place of
// path.
func RestoreFromBackup(filePath string) error {
	content, err := os.ReadFile(filePath + backupSuffix)
	if err != nil {
		return fmt.Errorf("read backup: %w", err)
	}
	if err := wellFormed(content); err != nil {
		return fmt.Errorf("backup is unusable too: %w", err)
	}
	return replace(filePath, content)
}

// wellFormed reports whether content holds a parseable, non-empty document.
func wellFormed(content []byte) error {
	var doc yamlv3.Node
	if err := yamlv3.Unmarshal(content, &doc); err != nil {
		return err
	}
	if doc.Kind == 0 {
		return ErrEmpty
	}
	return nil
}

// Recovery describes what RecoverCorruptedFile did.
type Recovery struct {
	QuarantinedTo string
	FromBackup    bool
}

// RecoverCorruptedFile quarantines filePath, then restores it from its .bak
// copy or, failing that, writes skeleton in its place.
func RecoverCorruptedFile(baseDir, filePath string, skeleton any) (Recovery, error) {
	var r Recovery
	dst, err := Quarantine(baseDir, filePath)
	if err != nil {
		return r, fmt.Errorf("quarantine failed: %w", err)
	}
	r.QuarantinedTo = dst

	if err := RestoreFromBackup(filePath); err == nil {
		r.FromBackup = true
		return r, nil
	}

	if err := AtomicWrite(filePath, skeleton); err != nil {
		return r, fmt.Errorf("skeleton generation failed: %w", err)
	}
	return r, nil
}
