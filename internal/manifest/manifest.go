package manifest

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/imagingdatacommons/idc-client-go/internal/selection"
)

// DefaultHierarchy organizes downloads as
// collection/patient/study/modality_series under the destination root.
const DefaultHierarchy = "%collection_id/%PatientID/%StudyInstanceUID/%Modality_%SeriesInstanceUID"

var templateAttributes = []string{
	"PatientID",
	"collection_id",
	"Modality",
	"StudyInstanceUID",
	"SeriesInstanceUID",
}

var templateSeparators = []string{"_", "-", "/"}

// InvalidTemplateError reports a destination-path template containing
// anything other than the recognized placeholders and separators.
type InvalidTemplateError struct {
	Template string
	Residual string
}

func (e *InvalidTemplateError) Error() string {
	return fmt.Sprintf("invalid directory template %q: unrecognized fragment %q (valid attributes: %%%s; valid separators: %s)",
		e.Template, e.Residual,
		strings.Join(templateAttributes, ", %"),
		strings.Join(templateSeparators, " "))
}

// Entry is one bulk-copy line: a series-level wildcard address and where it
// lands. Size is informational only.
type Entry struct {
	RemoteURL string
	DestPath  string
	SizeBytes int64
}

// Manifest is a deduplicated list of entries ready for the bulk-copy tool.
type Manifest struct {
	Entries    []Entry
	TotalBytes int64
}

// ValidateTemplate rejects a template before any network activity. The
// empty template is valid and means "no subdirectories".
func ValidateTemplate(template string) error {
	residual := template
	for _, attr := range templateAttributes {
		residual = strings.ReplaceAll(residual, "%"+attr, "")
	}
	for _, sep := range templateSeparators {
		residual = strings.ReplaceAll(residual, sep, "")
	}
	if residual != "" {
		return &InvalidTemplateError{Template: template, Residual: residual}
	}
	return nil
}

// Build converts resolved series rows into manifest entries. One wildcard
// address covers an entire series; a series referenced twice yields one
// line. Row order is preserved, so a deterministic input produces a
// byte-identical manifest.
func Build(rows []selection.SeriesRow, destRoot, dirTemplate string) (*Manifest, error) {
	if err := ValidateTemplate(dirTemplate); err != nil {
		return nil, err
	}

	m := &Manifest{}
	seen := make(map[string]bool, len(rows))
	for _, row := range rows {
		url := seriesWildcardURL(row.SeriesAWSURL)
		if url == "" {
			return nil, fmt.Errorf("series %s has no remote address in the index", row.SeriesInstanceUID)
		}
		if seen[url] {
			continue
		}
		seen[url] = true
		m.Entries = append(m.Entries, Entry{
			RemoteURL: url,
			DestPath:  expandTemplate(row, destRoot, dirTemplate),
			SizeBytes: int64(row.SeriesSizeMB * 1e6),
		})
		m.TotalBytes += int64(row.SeriesSizeMB * 1e6)
	}
	return m, nil
}

// Parse reads a hand-written manifest file. Only line syntax is validated;
// the index is not consulted. Lines are either a full copy command
// (`cp s3://… "dest"`) or a bare address; `#` comments and blank lines are
// ignored.
func Parse(path string) (*Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open manifest file: %w", err)
	}
	defer f.Close()

	m := &Manifest{}
	seen := make(map[string]bool)
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		entry, err := parseLine(line)
		if err != nil {
			return nil, fmt.Errorf("manifest line %d: %w", lineNo, err)
		}
		if seen[entry.RemoteURL] {
			continue
		}
		seen[entry.RemoteURL] = true
		m.Entries = append(m.Entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read manifest file: %w", err)
	}
	return m, nil
}

func parseLine(line string) (Entry, error) {
	fields := strings.Fields(line)
	switch {
	case len(fields) == 1:
		if !strings.HasPrefix(fields[0], "s3://") {
			return Entry{}, fmt.Errorf("expected an s3:// address, got %q", fields[0])
		}
		return Entry{RemoteURL: fields[0]}, nil
	case len(fields) >= 3 && (fields[0] == "cp" || fields[0] == "sync"):
		url := fields[1]
		if !strings.HasPrefix(url, "s3://") {
			return Entry{}, fmt.Errorf("expected an s3:// address, got %q", url)
		}
		dest := strings.TrimSpace(strings.TrimPrefix(line, fields[0]+" "+url))
		dest = strings.Trim(dest, `"`)
		return Entry{RemoteURL: url, DestPath: dest}, nil
	default:
		return Entry{}, fmt.Errorf("unrecognized manifest line %q", line)
	}
}

// Write emits the manifest in the bulk-copy tool's `run` file format.
func Write(m *Manifest, w io.Writer) error {
	bw := bufio.NewWriter(w)
	for _, e := range m.Entries {
		if _, err := fmt.Fprintf(bw, "cp %s \"%s\"\n", e.RemoteURL, e.DestPath); err != nil {
			return fmt.Errorf("failed to write manifest line: %w", err)
		}
	}
	return bw.Flush()
}

// WriteFile persists the manifest to a temporary file and returns its path.
func WriteFile(m *Manifest, dir string) (string, error) {
	f, err := os.CreateTemp(dir, "manifest-*.txt")
	if err != nil {
		return "", fmt.Errorf("failed to create manifest file: %w", err)
	}
	if err := Write(m, f); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("failed to close manifest file: %w", err)
	}
	return f.Name(), nil
}

// seriesWildcardURL turns the index's series prefix URL into the wildcard
// address covering every object of the series.
func seriesWildcardURL(seriesURL string) string {
	if seriesURL == "" {
		return ""
	}
	if strings.HasSuffix(seriesURL, "/*") {
		return seriesURL
	}
	return strings.TrimSuffix(seriesURL, "/") + "/*"
}

func expandTemplate(row selection.SeriesRow, destRoot, dirTemplate string) string {
	if dirTemplate == "" {
		return destRoot
	}
	expanded := dirTemplate
	expanded = strings.ReplaceAll(expanded, "%collection_id", row.CollectionID)
	expanded = strings.ReplaceAll(expanded, "%PatientID", row.PatientID)
	expanded = strings.ReplaceAll(expanded, "%StudyInstanceUID", row.StudyInstanceUID)
	expanded = strings.ReplaceAll(expanded, "%SeriesInstanceUID", row.SeriesInstanceUID)
	expanded = strings.ReplaceAll(expanded, "%Modality", row.Modality)
	return filepath.Join(destRoot, filepath.FromSlash(expanded))
}
