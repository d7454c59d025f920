package catalog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/imagingdatacommons/idc-client-go/internal/table"
)

// MainIndexTable is the series-level table every client ships with.
const MainIndexTable = "index"

// TableDescriptor is the static metadata for one catalog table. Bundled
// tables ship with the data distribution; the rest are fetched from the
// release server on first use.
type TableDescriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Bundled     bool           `json:"bundled"`
	RemoteURL   string         `json:"url,omitempty"`
	LocalPath   string         `json:"file_path,omitempty"`
	Installed   bool           `json:"installed"`
	Schema      []table.Column `json:"columns,omitempty"`
}

// Manifest is the catalog metadata manifest (catalog.json) of one release.
type Manifest struct {
	CatalogVersion   string            `json:"catalog_version"`
	AssetEndpointURL string            `json:"asset_endpoint_url"`
	Tables           []TableDescriptor `json:"tables"`
}

// LoadManifest reads a catalog metadata manifest from disk.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse catalog manifest %s: %w", path, err)
	}
	if m.CatalogVersion == "" {
		return nil, fmt.Errorf("catalog manifest %s has no catalog_version", path)
	}
	seen := make(map[string]bool, len(m.Tables))
	for _, t := range m.Tables {
		if t.Name == "" {
			return nil, fmt.Errorf("catalog manifest %s has a table with no name", path)
		}
		if seen[t.Name] {
			return nil, fmt.Errorf("catalog manifest %s lists table %q twice", path, t.Name)
		}
		seen[t.Name] = true
	}
	return &m, nil
}

// LoadBundledManifest reads catalog.json from the bundled data directory and
// resolves bundled table files against that directory.
func LoadBundledManifest(bundledDir string) (*Manifest, error) {
	m, err := LoadManifest(filepath.Join(bundledDir, "catalog.json"))
	if err != nil {
		return nil, err
	}
	for i := range m.Tables {
		t := &m.Tables[i]
		if !t.Bundled {
			continue
		}
		if t.LocalPath == "" {
			t.LocalPath = filepath.Join(bundledDir, t.Name+".csv")
		} else if !filepath.IsAbs(t.LocalPath) {
			t.LocalPath = filepath.Join(bundledDir, t.LocalPath)
		}
		if _, err := os.Stat(t.LocalPath); err != nil {
			return nil, fmt.Errorf("bundled table %q missing snapshot file %s: %w", t.Name, t.LocalPath, err)
		}
		t.Installed = true
	}
	return m, nil
}

// Save writes the manifest, typically into the versioned cache directory so
// discovered tables survive process restarts.
func (m *Manifest) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create catalog cache directory: %w", err)
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode catalog manifest: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write catalog manifest: %w", err)
	}
	return nil
}
