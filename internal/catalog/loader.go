// Package catalog loads tenant catalogs of pipelines, blueprints,
// calculations and transition rules, validates them, and serves them through
// a registry with optional in-process and Redis caching.
package catalog

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/dealflow/model"
)

// Source resolves the catalog of a tenant.
type Source interface {
	Load(ctx context.Context, tenantID string) (*model.TenantCatalog, error)
}

// Invalidator drops any cached catalog of a tenant.
type Invalidator interface {
	Invalidate(ctx context.Context, tenantID string) error
}

// Loader scans directories for YAML catalog files, one tenant per file, and
// computes SHA-256 checksums.
type Loader struct{}

// NewLoader creates a new catalog Loader.
func NewLoader() *Loader {
	return &Loader{}
}

// LoadAll recursively scans directories for *.yaml and *.yml files and parses
// each into a TenantCatalog.
func (l *Loader) LoadAll(directories []string) ([]*model.TenantCatalog, error) {
	var cats []*model.TenantCatalog

	for _, dir := range directories {
		err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			ext := strings.ToLower(filepath.Ext(path))
			if ext != ".yaml" && ext != ".yml" {
				return nil
			}

			cat, err := l.LoadFile(path)
			if err != nil {
				return fmt.Errorf("loading %s: %w", path, err)
			}
			cats = append(cats, cat)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scanning directory %s: %w", dir, err)
		}
	}

	return cats, nil
}

// LoadFile loads and parses a single catalog file, records its checksum and
// source path, and normalizes the result.
func (l *Loader) LoadFile(path string) (*model.TenantCatalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	cat, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	cat.SourceFile = path
	return cat, nil
}

// Parse decodes a YAML catalog document.
func Parse(data []byte) (*model.TenantCatalog, error) {
	var cat model.TenantCatalog
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return nil, err
	}
	cat.Checksum = fmt.Sprintf("%x", sha256.Sum256(data))
	cat.Normalize()
	return &cat, nil
}
