package selection

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/imagingdatacommons/idc-client-go/internal/catalog"
	"github.com/imagingdatacommons/idc-client-go/internal/log"
	"github.com/imagingdatacommons/idc-client-go/internal/query"
)

// Resolved is the outcome of resolving a selection against the main index:
// the maximal matching set of series rows in deterministic order, plus the
// requested ids that had no match in the loaded index.
type Resolved struct {
	Rows     []SeriesRow
	NotFound []string
}

// TotalSizeMB sums the declared series sizes; informational only.
func (r *Resolved) TotalSizeMB() float64 {
	var total float64
	for _, row := range r.Rows {
		total += row.SeriesSizeMB
	}
	return total
}

// Resolver maps selections to series rows using the main index through the
// query federation engine.
type Resolver struct {
	registry *catalog.Registry
	engine   *query.Engine
}

func NewResolver(registry *catalog.Registry, engine *query.Engine) *Resolver {
	return &Resolver{registry: registry, engine: engine}
}

// Resolve materializes the main index if needed and returns every series
// row matching the selection, sorted by (collection_id, PatientID,
// StudyInstanceUID, SeriesInstanceUID). Ids absent from the index are
// collected into NotFound, never an error.
func (r *Resolver) Resolve(ctx context.Context, sel Selection) (*Resolved, error) {
	if sel.Kind() == KindRows {
		return resolveRows(sel.Rows()), nil
	}

	if _, err := r.registry.EnsureLoaded(ctx, catalog.MainIndexTable); err != nil {
		return nil, err
	}

	ids := uniqueStrings(sel.IDs())
	if len(ids) == 0 {
		return &Resolved{}, nil
	}

	keyColumn := sel.Kind().String()
	sql := fmt.Sprintf(`
		SELECT collection_id, PatientID, StudyInstanceUID, SeriesInstanceUID,
		       Modality, series_size_MB, series_aws_url
		FROM "index"
		WHERE %q IN (%s)
		ORDER BY collection_id, PatientID, StudyInstanceUID, SeriesInstanceUID`,
		keyColumn, quoteStringList(ids))

	res, err := r.engine.Execute(ctx, sql)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve selection by %s: %w", keyColumn, err)
	}

	resolved := &Resolved{Rows: rowsFromResult(res)}

	found := make(map[string]bool, len(ids))
	keyIdx := keyIndex(sel.Kind())
	for _, row := range resolved.Rows {
		found[row.keyValue(keyIdx)] = true
	}
	for _, id := range ids {
		if !found[id] {
			resolved.NotFound = append(resolved.NotFound, id)
		}
	}
	sort.Strings(resolved.NotFound)
	if len(resolved.NotFound) > 0 {
		log.Logger.Warnf("%d requested %s value(s) not present in the index: %s",
			len(resolved.NotFound), keyColumn, strings.Join(resolved.NotFound, ", "))
	}

	return resolved, nil
}

// resolveRows sorts and deduplicates a precomputed row set so downstream
// manifests stay byte-identical across runs.
func resolveRows(rows []SeriesRow) *Resolved {
	seen := make(map[string]bool, len(rows))
	out := make([]SeriesRow, 0, len(rows))
	for _, row := range rows {
		if seen[row.SeriesInstanceUID] {
			continue
		}
		seen[row.SeriesInstanceUID] = true
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.CollectionID != b.CollectionID {
			return a.CollectionID < b.CollectionID
		}
		if a.PatientID != b.PatientID {
			return a.PatientID < b.PatientID
		}
		if a.StudyInstanceUID != b.StudyInstanceUID {
			return a.StudyInstanceUID < b.StudyInstanceUID
		}
		return a.SeriesInstanceUID < b.SeriesInstanceUID
	})
	return &Resolved{Rows: out}
}

func rowsFromResult(res *query.Result) []SeriesRow {
	rows := make([]SeriesRow, 0, res.Count)
	for _, raw := range res.Rows {
		rows = append(rows, SeriesRow{
			CollectionID:      asString(raw[0]),
			PatientID:         asString(raw[1]),
			StudyInstanceUID:  asString(raw[2]),
			SeriesInstanceUID: asString(raw[3]),
			Modality:          asString(raw[4]),
			SeriesSizeMB:      asFloat(raw[5]),
			SeriesAWSURL:      asString(raw[6]),
		})
	}
	return rows
}

func (row SeriesRow) keyValue(idx int) string {
	switch idx {
	case 0:
		return row.CollectionID
	case 1:
		return row.PatientID
	case 2:
		return row.StudyInstanceUID
	default:
		return row.SeriesInstanceUID
	}
}

func keyIndex(k Kind) int {
	switch k {
	case KindCollection:
		return 0
	case KindPatient:
		return 1
	case KindStudy:
		return 2
	default:
		return 3
	}
}

func uniqueStrings(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func quoteStringList(ids []string) string {
	quoted := make([]string, len(ids))
	for i, id := range ids {
		quoted[i] = "'" + strings.ReplaceAll(id, "'", "''") + "'"
	}
	return strings.Join(quoted, ", ")
}

func asString(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", s)
	}
}

func asFloat(v interface{}) float64 {
	switch f := v.(type) {
	case float64:
		return f
	case int64:
		return float64(f)
	default:
		return 0
	}
}
