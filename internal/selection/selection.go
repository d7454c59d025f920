package selection

import (
	"fmt"
	"strings"
)

// Kind identifies which identifier family a Selection carries.
type Kind int

const (
	KindCollection Kind = iota
	KindPatient
	KindStudy
	KindSeries
	KindRows
)

func (k Kind) String() string {
	switch k {
	case KindCollection:
		return "collection_id"
	case KindPatient:
		return "PatientID"
	case KindStudy:
		return "StudyInstanceUID"
	case KindSeries:
		return "SeriesInstanceUID"
	case KindRows:
		return "rows"
	default:
		return "unknown"
	}
}

// AmbiguousSelectionError reports an input that supplied zero or more than
// one selection kind.
type AmbiguousSelectionError struct {
	Provided []string
}

func (e *AmbiguousSelectionError) Error() string {
	if len(e.Provided) == 0 {
		return "no selection provided: supply exactly one of collection_id, PatientID, StudyInstanceUID, SeriesInstanceUID or rows"
	}
	return fmt.Sprintf("ambiguous selection: got %s; supply exactly one kind", strings.Join(e.Provided, ", "))
}

// SeriesRow is one series-level row of the main index, carrying the
// attributes needed for directory templating and manifest building.
type SeriesRow struct {
	CollectionID      string
	PatientID         string
	StudyInstanceUID  string
	SeriesInstanceUID string
	Modality          string
	SeriesSizeMB      float64
	SeriesAWSURL      string
}

// Selection is a tagged union with exactly one active case. Values are
// transient; they are consumed immediately by the resolver.
type Selection struct {
	kind Kind
	ids  []string
	rows []SeriesRow
}

func (s Selection) Kind() Kind        { return s.kind }
func (s Selection) IDs() []string     { return s.ids }
func (s Selection) Rows() []SeriesRow { return s.rows }

func Collections(ids ...string) Selection {
	return Selection{kind: KindCollection, ids: ids}
}

func Patients(ids ...string) Selection {
	return Selection{kind: KindPatient, ids: ids}
}

func Studies(ids ...string) Selection {
	return Selection{kind: KindStudy, ids: ids}
}

func Series(ids ...string) Selection {
	return Selection{kind: KindSeries, ids: ids}
}

// FromRows wraps a precomputed row set, e.g. a prior query result.
func FromRows(rows []SeriesRow) Selection {
	return Selection{kind: KindRows, rows: rows}
}

// Input is the loose, CLI-shaped form where every kind is optional.
type Input struct {
	CollectionIDs      []string
	PatientIDs         []string
	StudyInstanceUIDs  []string
	SeriesInstanceUIDs []string
	Rows               []SeriesRow
}

// FromInput validates that exactly one kind was supplied and returns the
// corresponding Selection.
func FromInput(in Input) (Selection, error) {
	var provided []string
	var sel Selection
	if len(in.CollectionIDs) > 0 {
		provided = append(provided, "collection_id")
		sel = Collections(in.CollectionIDs...)
	}
	if len(in.PatientIDs) > 0 {
		provided = append(provided, "PatientID")
		sel = Patients(in.PatientIDs...)
	}
	if len(in.StudyInstanceUIDs) > 0 {
		provided = append(provided, "StudyInstanceUID")
		sel = Studies(in.StudyInstanceUIDs...)
	}
	if len(in.SeriesInstanceUIDs) > 0 {
		provided = append(provided, "SeriesInstanceUID")
		sel = Series(in.SeriesInstanceUIDs...)
	}
	if len(in.Rows) > 0 {
		provided = append(provided, "rows")
		sel = FromRows(in.Rows)
	}
	if len(provided) != 1 {
		return Selection{}, &AmbiguousSelectionError{Provided: provided}
	}
	return sel, nil
}
