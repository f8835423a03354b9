// Package filestore keeps cached media in one directory per tenant.
package filestore

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const dirMode = 0o777

type Local struct {
	root string
}

func NewLocal(root string) *Local {
	return &Local{root: root}
}

// Dir is the folder holding a tenant's files.
func (l *Local) Dir(tenantID string) string {
	return filepath.Join(l.root, tenantID)
}

func (l *Local) path(tenantID, filename string) (string, error) {
	if tenantID == "" || strings.ContainsAny(tenantID, `/\`) || tenantID == ".." {
		return "", fmt.Errorf("invalid tenant id %q", tenantID)
	}
	if filename == "" || filename != filepath.Base(filename) || filename == ".." {
		return "", fmt.Errorf("invalid filename %q", filename)
	}
	return filepath.Join(l.Dir(tenantID), filename), nil
}

// Exists reports whether filename is present in the tenant folder.
func (l *Local) Exists(tenantID, filename string) bool {
	p, err := l.path(tenantID, filename)
	if err != nil {
		return false
	}
	info, err := os.Stat(p)
	return err == nil && !info.IsDir()
}

// Save writes data to the tenant folder, creating it when missing.
func (l *Local) Save(tenantID, filename string, data []byte) error {
	p, err := l.path(tenantID, filename)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), dirMode); err != nil {
		return fmt.Errorf("failed to create media folder: %w", err)
	}
	if err := os.WriteFile(p, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", filename, err)
	}
	return nil
}
