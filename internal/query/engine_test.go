package query

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imagingdatacommons/idc-client-go/internal/cache"
	"github.com/imagingdatacommons/idc-client-go/internal/catalog"
	"github.com/imagingdatacommons/idc-client-go/internal/table"
)

// newTestRegistry builds a registry whose tables are bundled CSV snapshots
// written to a temp dir, one per entry in csvs.
func newTestRegistry(t *testing.T, csvs map[string]string) *catalog.Registry {
	t.Helper()
	dir := t.TempDir()

	m := &catalog.Manifest{CatalogVersion: "v1"}
	for name, content := range csvs {
		path := filepath.Join(dir, name+".csv")
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
		m.Tables = append(m.Tables, catalog.TableDescriptor{
			Name:      name,
			Bundled:   true,
			LocalPath: path,
			Installed: true,
			Schema: []table.Column{
				{Name: "id", Type: table.TypeString},
				{Name: "size", Type: table.TypeFloat64},
			},
		})
	}
	return catalog.NewRegistry(m, cache.NewStore(t.TempDir(), "v1"))
}

func TestEngine_UnmaterializedTableIsUnknown(t *testing.T) {
	reg := newTestRegistry(t, map[string]string{"series": "id,size\na,1.0\n"})
	e, err := NewEngine(reg)
	require.NoError(t, err)
	defer e.Close()

	_, err = e.Execute(context.Background(), `SELECT * FROM "series"`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no such table")
}

func TestEngine_QueriesMaterializedTables(t *testing.T) {
	reg := newTestRegistry(t, map[string]string{
		"series":   "id,size\na,1.5\nb,2.5\n",
		"segments": "id,size\na,0.5\n",
	})
	e, err := NewEngine(reg)
	require.NoError(t, err)
	defer e.Close()
	ctx := context.Background()

	_, err = reg.EnsureLoaded(ctx, "series")
	require.NoError(t, err)
	_, err = reg.EnsureLoaded(ctx, "segments")
	require.NoError(t, err)

	res, err := e.Execute(ctx, `SELECT id, size FROM "series" ORDER BY id`)
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "size"}, res.Columns)
	require.Equal(t, 2, res.Count)
	assert.Equal(t, "a", res.Rows[0][0])
	assert.Equal(t, 1.5, res.Rows[0][1])

	res, err = e.Execute(ctx, `
		SELECT s.id FROM "series" s JOIN "segments" g ON s.id = g.id`)
	require.NoError(t, err)
	require.Equal(t, 1, res.Count)
	assert.Equal(t, "a", res.Rows[0][0])
}

func TestEngine_AggregateQuery(t *testing.T) {
	reg := newTestRegistry(t, map[string]string{"series": "id,size\na,1.5\nb,2.5\n"})
	e, err := NewEngine(reg)
	require.NoError(t, err)
	defer e.Close()
	ctx := context.Background()

	_, err = reg.EnsureLoaded(ctx, "series")
	require.NoError(t, err)

	res, err := e.Execute(ctx, `SELECT COUNT(*), SUM(size) FROM "series"`)
	require.NoError(t, err)
	require.Equal(t, 1, res.Count)
	assert.Equal(t, int64(2), res.Rows[0][0])
	assert.Equal(t, 4.0, res.Rows[0][1])
}

func TestEngine_RebindsAfterInvalidation(t *testing.T) {
	reg := newTestRegistry(t, map[string]string{"series": "id,size\na,1.5\n"})
	e, err := NewEngine(reg)
	require.NoError(t, err)
	defer e.Close()
	ctx := context.Background()

	_, err = reg.EnsureLoaded(ctx, "series")
	require.NoError(t, err)

	res, err := e.Execute(ctx, `SELECT COUNT(*) FROM "series"`)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Rows[0][0])

	// Swap the snapshot on disk and invalidate; the next query must see the
	// new rows, not a stale binding or a stale cached result.
	path := reg.DescribeTables()["series"].LocalPath
	require.NoError(t, os.WriteFile(path, []byte("id,size\na,1.5\nb,2.5\nc,3.5\n"), 0644))
	reg.Invalidate("series")
	_, err = reg.EnsureLoaded(ctx, "series")
	require.NoError(t, err)

	res, err = e.Execute(ctx, `SELECT COUNT(*) FROM "series"`)
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.Rows[0][0])
}

func TestEngine_ResultsAreIsolatedFromTheCache(t *testing.T) {
	reg := newTestRegistry(t, map[string]string{"series": "id,size\na,1.5\n"})
	e, err := NewEngine(reg)
	require.NoError(t, err)
	defer e.Close()
	ctx := context.Background()

	_, err = reg.EnsureLoaded(ctx, "series")
	require.NoError(t, err)

	first, err := e.Execute(ctx, `SELECT id FROM "series"`)
	require.NoError(t, err)
	first.Rows[0][0] = "mangled"

	// Ristretto admits writes asynchronously; a second execution lands the
	// entry even if the first Set was dropped.
	second, err := e.Execute(ctx, `SELECT id FROM "series"`)
	require.NoError(t, err)
	assert.Equal(t, "a", second.Rows[0][0])
	second.Rows[0][0] = "mangled"

	third, err := e.Execute(ctx, `SELECT id FROM "series"`)
	require.NoError(t, err)
	assert.Equal(t, "a", third.Rows[0][0], "mutating a returned result must not change later results")
}

func TestEngine_CacheDisabled(t *testing.T) {
	reg := newTestRegistry(t, map[string]string{"series": "id,size\na,1.5\n"})
	e, err := NewEngine(reg)
	require.NoError(t, err)
	defer e.Close()
	ctx := context.Background()
	e.SetCacheEnabled(false)

	_, err = reg.EnsureLoaded(ctx, "series")
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		res, err := e.Execute(ctx, `SELECT id FROM "series"`)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Count)
	}
}

func TestEngine_BadStatement(t *testing.T) {
	reg := newTestRegistry(t, nil)
	e, err := NewEngine(reg)
	require.NoError(t, err)
	defer e.Close()

	_, err = e.Execute(context.Background(), "SELECT FROM WHERE")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "query failed")
}
