package manifest

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imagingdatacommons/idc-client-go/internal/selection"
)

func sampleRows() []selection.SeriesRow {
	return []selection.SeriesRow{
		{
			CollectionID:      "tcga_luad",
			PatientID:         "P1",
			StudyInstanceUID:  "ST1",
			SeriesInstanceUID: "S1",
			Modality:          "CT",
			SeriesSizeMB:      1.5,
			SeriesAWSURL:      "s3://bucket/u1",
		},
		{
			CollectionID:      "tcga_luad",
			PatientID:         "P1",
			StudyInstanceUID:  "ST1",
			SeriesInstanceUID: "S2",
			Modality:          "MR",
			SeriesSizeMB:      2.5,
			SeriesAWSURL:      "s3://bucket/u2/",
		},
	}
}

func TestValidateTemplate(t *testing.T) {
	assert.NoError(t, ValidateTemplate(""))
	assert.NoError(t, ValidateTemplate(DefaultHierarchy))
	assert.NoError(t, ValidateTemplate("%collection_id/%Modality_%SeriesInstanceUID"))

	err := ValidateTemplate("%collection_id/%BogusAttr")
	var ite *InvalidTemplateError
	require.ErrorAs(t, err, &ite)
	assert.Contains(t, ite.Residual, "%BogusAttr")

	// Plain text between separators is rejected too.
	require.ErrorAs(t, ValidateTemplate("data/%PatientID"), &ite)
}

func TestBuild_WildcardAndHierarchy(t *testing.T) {
	m, err := Build(sampleRows(), "/data", DefaultHierarchy)
	require.NoError(t, err)
	require.Len(t, m.Entries, 2)

	assert.Equal(t, "s3://bucket/u1/*", m.Entries[0].RemoteURL)
	assert.Equal(t, filepath.Join("/data", "tcga_luad", "P1", "ST1", "CT_S1"), m.Entries[0].DestPath)
	assert.Equal(t, int64(1_500_000), m.Entries[0].SizeBytes)

	assert.Equal(t, "s3://bucket/u2/*", m.Entries[1].RemoteURL)
	assert.Equal(t, int64(4_000_000), m.TotalBytes)
}

func TestBuild_FlatTemplate(t *testing.T) {
	m, err := Build(sampleRows(), "/data", "")
	require.NoError(t, err)
	assert.Equal(t, "/data", m.Entries[0].DestPath)
	assert.Equal(t, "/data", m.Entries[1].DestPath)
}

func TestBuild_DeduplicatesBySeries(t *testing.T) {
	rows := append(sampleRows(), sampleRows()...)
	m, err := Build(rows, "/data", "")
	require.NoError(t, err)
	assert.Len(t, m.Entries, 2)
	assert.Equal(t, int64(4_000_000), m.TotalBytes)
}

func TestBuild_MissingRemoteURL(t *testing.T) {
	rows := sampleRows()
	rows[0].SeriesAWSURL = ""
	_, err := Build(rows, "/data", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "S1")
}

func TestBuild_InvalidTemplate(t *testing.T) {
	_, err := Build(sampleRows(), "/data", "%Nope")
	var ite *InvalidTemplateError
	require.ErrorAs(t, err, &ite)
}

func TestWrite_RunFileFormat(t *testing.T) {
	m, err := Build(sampleRows(), "/data", "")
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, Write(m, &buf))
	assert.Equal(t,
		"cp s3://bucket/u1/* \"/data\"\ncp s3://bucket/u2/* \"/data\"\n",
		buf.String())
}

func TestWriteFile_RoundTrip(t *testing.T) {
	m, err := Build(sampleRows(), "/data dir", DefaultHierarchy)
	require.NoError(t, err)

	path, err := WriteFile(m, t.TempDir())
	require.NoError(t, err)
	defer os.Remove(path)

	parsed, err := Parse(path)
	require.NoError(t, err)
	require.Len(t, parsed.Entries, 2)
	assert.Equal(t, m.Entries[0].RemoteURL, parsed.Entries[0].RemoteURL)
	assert.Equal(t, m.Entries[0].DestPath, parsed.Entries[0].DestPath)
}

func TestParse_SyntaxAndDedupe(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest.txt")
	content := `# downloads for the demo
s3://bucket/u1/*

cp s3://bucket/u2/* "/data/with space"
sync s3://bucket/u3/* /data/plain
s3://bucket/u1/*
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	m, err := Parse(path)
	require.NoError(t, err)
	require.Len(t, m.Entries, 3)
	assert.Equal(t, "s3://bucket/u1/*", m.Entries[0].RemoteURL)
	assert.Equal(t, "", m.Entries[0].DestPath)
	assert.Equal(t, "/data/with space", m.Entries[1].DestPath)
	assert.Equal(t, "/data/plain", m.Entries[2].DestPath)
}

func TestParse_RejectsBadLines(t *testing.T) {
	dir := t.TempDir()

	path := filepath.Join(dir, "bad1.txt")
	require.NoError(t, os.WriteFile(path, []byte("https://example.com/file\n"), 0644))
	_, err := Parse(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 1")

	path = filepath.Join(dir, "bad2.txt")
	require.NoError(t, os.WriteFile(path, []byte("rm s3://bucket/u1/* /data\n"), 0644))
	_, err = Parse(path)
	require.Error(t, err)
}
