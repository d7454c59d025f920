package catalog

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imagingdatacommons/idc-client-go/internal/table"
)

const listingJSON = `{
	"catalog_version": "v1",
	"assets": [
		{"name": "index", "table_description": "Main series-level index"},
		{
			"name": "sm_index",
			"table_description": "Slide microscopy extension",
			"columns": [
				{"name": "SeriesInstanceUID", "type": "string"},
				{"name": "series_size_MB", "type": "float64"},
				{"name": "mystery", "type": "decimal"}
			]
		}
	]
}`

func newReleaseServer(t *testing.T, listing string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/catalog-v1.json", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(listing))
	})
	mux.HandleFunc("/sm_index.csv", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(indexCSV))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestDiscoverRemoteTables(t *testing.T) {
	srv := newReleaseServer(t, listingJSON)
	m, store := bundledFixture(t)
	r := NewRegistry(m, store)

	require.NoError(t, r.DiscoverRemoteTables(context.Background(), srv.URL))

	tables := r.DescribeTables()
	require.Contains(t, tables, "sm_index")
	d := tables["sm_index"]
	assert.Equal(t, srv.URL+"/sm_index.csv", d.RemoteURL)
	assert.False(t, d.Bundled)
	assert.False(t, d.Installed)
	require.Len(t, d.Schema, 3)
	assert.Equal(t, table.TypeFloat64, d.Schema[1].Type)
	assert.Equal(t, table.TypeString, d.Schema[2].Type, "unrecognized column types fall back to string")

	// The discovered table is fetchable right away.
	tbl, err := r.EnsureLoaded(context.Background(), "sm_index")
	require.NoError(t, err)
	assert.Equal(t, 2, tbl.NumRows())

	// The merged manifest is cached for later sessions.
	cached, err := LoadManifest(filepath.Join(store.Dir(), "catalog.json"))
	require.NoError(t, err)
	assert.Equal(t, "v1", cached.CatalogVersion)
	assert.Equal(t, srv.URL, cached.AssetEndpointURL)
	names := make([]string, 0, len(cached.Tables))
	for _, ct := range cached.Tables {
		names = append(names, ct.Name)
	}
	assert.ElementsMatch(t, []string{"index", "sm_index"}, names)
}

func TestDiscoverRemoteTables_EnrichesKnownDescriptors(t *testing.T) {
	srv := newReleaseServer(t, listingJSON)
	m, store := bundledFixture(t)
	m.Tables[0].Description = ""
	r := NewRegistry(m, store)

	require.NoError(t, r.DiscoverRemoteTables(context.Background(), srv.URL))
	d := r.DescribeTables()["index"]
	assert.Equal(t, "Main series-level index", d.Description)
	assert.True(t, d.Bundled, "discovery never demotes a bundled table")
}

func TestDiscoverRemoteTables_VersionMismatch(t *testing.T) {
	srv := newReleaseServer(t, `{"catalog_version": "v9", "assets": []}`)
	m, store := bundledFixture(t)
	r := NewRegistry(m, store)

	err := r.DiscoverRemoteTables(context.Background(), srv.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "v9")
	assert.Len(t, r.DescribeTables(), 1, "a failed discovery leaves the store unchanged")
}

func TestDiscoverRemoteTables_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	m, store := bundledFixture(t)
	r := NewRegistry(m, store)
	err := r.DiscoverRemoteTables(context.Background(), srv.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}
