package selection

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imagingdatacommons/idc-client-go/internal/cache"
	"github.com/imagingdatacommons/idc-client-go/internal/catalog"
	"github.com/imagingdatacommons/idc-client-go/internal/query"
	"github.com/imagingdatacommons/idc-client-go/internal/table"
)

const mainIndexCSV = `collection_id,PatientID,StudyInstanceUID,SeriesInstanceUID,Modality,series_size_MB,series_aws_url
tcga_luad,P1,ST1,S1,CT,1.5,s3://bucket/u1
tcga_luad,P1,ST1,S2,MR,2.5,s3://bucket/u2
tcga_luad,P2,ST2,S3,CT,3.5,s3://bucket/u3
nlst,P3,ST3,S4,CT,4.5,s3://bucket/u4
`

func mainIndexSchema() []table.Column {
	return []table.Column{
		{Name: "collection_id", Type: table.TypeString},
		{Name: "PatientID", Type: table.TypeString},
		{Name: "StudyInstanceUID", Type: table.TypeString},
		{Name: "SeriesInstanceUID", Type: table.TypeString},
		{Name: "Modality", Type: table.TypeString},
		{Name: "series_size_MB", Type: table.TypeFloat64},
		{Name: "series_aws_url", Type: table.TypeString},
	}
}

func newTestResolver(t *testing.T) *Resolver {
	t.Helper()
	path := filepath.Join(t.TempDir(), "index.csv")
	require.NoError(t, os.WriteFile(path, []byte(mainIndexCSV), 0644))

	m := &catalog.Manifest{
		CatalogVersion: "v1",
		Tables: []catalog.TableDescriptor{{
			Name:      catalog.MainIndexTable,
			Bundled:   true,
			LocalPath: path,
			Installed: true,
			Schema:    mainIndexSchema(),
		}},
	}
	reg := catalog.NewRegistry(m, cache.NewStore(t.TempDir(), "v1"))
	eng, err := query.NewEngine(reg)
	require.NoError(t, err)
	t.Cleanup(func() { eng.Close() })
	return NewResolver(reg, eng)
}

func seriesUIDs(rows []SeriesRow) []string {
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = r.SeriesInstanceUID
	}
	return out
}

func TestResolve_CollectionsDeterministicOrder(t *testing.T) {
	r := newTestResolver(t)

	res, err := r.Resolve(context.Background(), Collections("tcga_luad", "nlst"))
	require.NoError(t, err)
	assert.Empty(t, res.NotFound)
	assert.Equal(t, []string{"S4", "S1", "S2", "S3"}, seriesUIDs(res.Rows))

	// Input order must not change the result.
	again, err := r.Resolve(context.Background(), Collections("nlst", "tcga_luad", "nlst"))
	require.NoError(t, err)
	assert.Equal(t, res.Rows, again.Rows)
}

func TestResolve_PatientExpandsToAllSeries(t *testing.T) {
	r := newTestResolver(t)

	res, err := r.Resolve(context.Background(), Patients("P1"))
	require.NoError(t, err)
	assert.Equal(t, []string{"S1", "S2"}, seriesUIDs(res.Rows))
	assert.Equal(t, "CT", res.Rows[0].Modality)
	assert.Equal(t, "s3://bucket/u1", res.Rows[0].SeriesAWSURL)
	assert.InDelta(t, 4.0, res.TotalSizeMB(), 1e-9)
}

func TestResolve_UnknownIDsGoToNotFound(t *testing.T) {
	r := newTestResolver(t)

	res, err := r.Resolve(context.Background(), Series("S3", "ghost-b", "ghost-a"))
	require.NoError(t, err)
	assert.Equal(t, []string{"S3"}, seriesUIDs(res.Rows))
	assert.Equal(t, []string{"ghost-a", "ghost-b"}, res.NotFound)
}

func TestResolve_AllUnknownIsNotAnError(t *testing.T) {
	r := newTestResolver(t)

	res, err := r.Resolve(context.Background(), Studies("no-such-study"))
	require.NoError(t, err)
	assert.Empty(t, res.Rows)
	assert.Equal(t, []string{"no-such-study"}, res.NotFound)
}

func TestResolve_EmptySelection(t *testing.T) {
	r := newTestResolver(t)

	res, err := r.Resolve(context.Background(), Series())
	require.NoError(t, err)
	assert.Empty(t, res.Rows)
	assert.Empty(t, res.NotFound)
}

func TestResolve_RowsDeduplicatedAndSorted(t *testing.T) {
	r := newTestResolver(t)
	rows := []SeriesRow{
		{CollectionID: "b", PatientID: "P", StudyInstanceUID: "ST", SeriesInstanceUID: "S2"},
		{CollectionID: "a", PatientID: "P", StudyInstanceUID: "ST", SeriesInstanceUID: "S1"},
		{CollectionID: "b", PatientID: "P", StudyInstanceUID: "ST", SeriesInstanceUID: "S2"},
	}

	res, err := r.Resolve(context.Background(), FromRows(rows))
	require.NoError(t, err)
	assert.Equal(t, []string{"S1", "S2"}, seriesUIDs(res.Rows))
}

func TestFromInput_ExactlyOneKind(t *testing.T) {
	sel, err := FromInput(Input{PatientIDs: []string{"P1"}})
	require.NoError(t, err)
	assert.Equal(t, KindPatient, sel.Kind())

	_, err = FromInput(Input{})
	var ase *AmbiguousSelectionError
	require.ErrorAs(t, err, &ase)
	assert.Empty(t, ase.Provided)

	_, err = FromInput(Input{
		CollectionIDs:      []string{"c"},
		SeriesInstanceUIDs: []string{"s"},
	})
	require.ErrorAs(t, err, &ase)
	assert.Equal(t, []string{"collection_id", "SeriesInstanceUID"}, ase.Provided)
}
