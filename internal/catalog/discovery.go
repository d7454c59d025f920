package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/imagingdatacommons/idc-client-go/internal/log"
	"github.com/imagingdatacommons/idc-client-go/internal/table"
)

// releaseListing is the release server's description of the assets
// published for one catalog version.
type releaseListing struct {
	CatalogVersion string         `json:"catalog_version"`
	Assets         []listingAsset `json:"assets"`
}

type listingAsset struct {
	Name        string          `json:"name"`
	Description string          `json:"table_description"`
	Columns     []listingColumn `json:"columns"`
}

type listingColumn struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Nullable bool   `json:"nullable"`
	Repeated bool   `json:"repeated"`
}

var discoveryClient = &http.Client{Timeout: 30 * time.Second}

// DiscoverRemoteTables asks the release server which tables exist for this
// catalog version and merges any previously unknown ones into the
// descriptor store. The merged manifest is cached under the versioned cache
// directory so discovery survives restarts. Failures leave the store
// unchanged.
func (r *Registry) DiscoverRemoteTables(ctx context.Context, assetEndpointURL string) error {
	url := fmt.Sprintf("%s/catalog-%s.json", assetEndpointURL, r.version)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to build discovery request: %w", err)
	}
	resp, err := discoveryClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to query release server: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("release server returned %s for %s", resp.Status, url)
	}

	var listing releaseListing
	if err := json.NewDecoder(resp.Body).Decode(&listing); err != nil {
		return fmt.Errorf("failed to parse release listing: %w", err)
	}
	if listing.CatalogVersion != "" && listing.CatalogVersion != r.version {
		return fmt.Errorf("release server lists catalog %s, client is pinned to %s",
			listing.CatalogVersion, r.version)
	}

	added := r.mergeListing(&listing, assetEndpointURL)
	if added > 0 {
		log.Logger.Infof("Discovered %d additional catalog tables", added)
	}

	return r.saveCatalogCache(assetEndpointURL)
}

func (r *Registry) mergeListing(listing *releaseListing, assetEndpointURL string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	added := 0
	for _, asset := range listing.Assets {
		d, known := r.descriptors[asset.Name]
		if known {
			// Existing descriptors only pick up richer schema metadata.
			if d.Description == "" {
				d.Description = asset.Description
			}
			if len(d.Schema) == 0 {
				d.Schema = columnsFromListing(asset.Columns)
			}
			continue
		}
		desc := asset.Description
		if desc == "" {
			desc = fmt.Sprintf("Catalog table: %s", asset.Name)
		}
		r.descriptors[asset.Name] = &TableDescriptor{
			Name:        asset.Name,
			Description: desc,
			Bundled:     false,
			RemoteURL:   fmt.Sprintf("%s/%s.csv", assetEndpointURL, asset.Name),
			LocalPath:   r.store.PathFor(asset.Name),
			Installed:   r.store.Installed(r.store.PathFor(asset.Name)),
			Schema:      columnsFromListing(asset.Columns),
		}
		added++
	}
	return added
}

func columnsFromListing(cols []listingColumn) []table.Column {
	out := make([]table.Column, 0, len(cols))
	for _, c := range cols {
		t := table.ColumnType(c.Type)
		switch t {
		case table.TypeString, table.TypeInt64, table.TypeFloat64:
		default:
			t = table.TypeString
		}
		out = append(out, table.Column{Name: c.Name, Type: t, Nullable: c.Nullable, Repeated: c.Repeated})
	}
	return out
}

func (r *Registry) saveCatalogCache(assetEndpointURL string) error {
	m := &Manifest{
		CatalogVersion:   r.version,
		AssetEndpointURL: assetEndpointURL,
	}
	r.mu.RLock()
	for _, d := range r.descriptors {
		m.Tables = append(m.Tables, *d)
	}
	r.mu.RUnlock()
	return m.Save(filepath.Join(r.store.Dir(), "catalog.json"))
}
