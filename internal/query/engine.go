package query

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	_ "github.com/mattn/go-sqlite3"

	"github.com/imagingdatacommons/idc-client-go/internal/catalog"
	"github.com/imagingdatacommons/idc-client-go/internal/log"
	"github.com/imagingdatacommons/idc-client-go/internal/table"
)

// Result is the outcome of one ad hoc query. Row order is whatever the
// query asked for; column names are inferred from the statement.
type Result struct {
	Columns  []string
	Rows     [][]interface{}
	Count    int
	Duration time.Duration
}

// Engine exposes every currently materialized catalog table, by name, to a
// single reusable SQL context. The engine is created once per client and
// reused; each Execute call re-syncs the relation namespace to exactly the
// set of materialized tables before running the statement.
type Engine struct {
	mu       sync.Mutex
	db       *sql.DB
	registry *catalog.Registry
	bound    map[string]uint64

	cache       *ristretto.Cache[string, *Result]
	enableCache bool
}

// NewEngine opens the in-memory SQL context backing the federation layer.
func NewEngine(registry *catalog.Registry) (*Engine, error) {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to open query context: %w", err)
	}
	// A second connection would see an empty in-memory database.
	db.SetMaxOpenConns(1)

	cache, err := ristretto.NewCache(&ristretto.Config[string, *Result]{
		NumCounters: 10_000,
		MaxCost:     64 << 20,
		BufferItems: 64,
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create query cache: %w", err)
	}

	return &Engine{
		db:          db,
		registry:    registry,
		bound:       make(map[string]uint64),
		cache:       cache,
		enableCache: true,
	}, nil
}

// Close releases the SQL context and the result cache.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cache.Close()
	return e.db.Close()
}

// SetCacheEnabled toggles the query-result cache.
func (e *Engine) SetCacheEnabled(enabled bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.enableCache = enabled
}

// Execute runs one SQL statement against the materialized tables. A
// statement that references a table the registry has not materialized fails
// with the engine's own unknown-relation error; the caller must
// EnsureLoaded first.
func (e *Engine) Execute(ctx context.Context, sqlText string) (*Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.syncBindings(ctx); err != nil {
		return nil, err
	}

	cacheKey := fmt.Sprintf("%d\x00%s", e.registry.Generation(), sqlText)
	if e.enableCache {
		if res, found := e.cache.Get(cacheKey); found {
			log.Logger.Debugf("Query served from cache (%d rows)", res.Count)
			return cloneResult(res), nil
		}
	}

	start := time.Now()
	rows, err := e.db.QueryContext(ctx, sqlText)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read result columns: %w", err)
	}

	res := &Result{Columns: cols}
	for rows.Next() {
		values := make([]interface{}, len(cols))
		scan := make([]interface{}, len(cols))
		for i := range values {
			scan[i] = &values[i]
		}
		if err := rows.Scan(scan...); err != nil {
			return nil, fmt.Errorf("failed to scan result row: %w", err)
		}
		for i, v := range values {
			if b, ok := v.([]byte); ok {
				values[i] = string(b)
			}
		}
		res.Rows = append(res.Rows, values)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	res.Count = len(res.Rows)
	res.Duration = time.Since(start)

	if e.enableCache {
		// The cached rows are shared across calls; every caller gets its own
		// copy so mutating a result cannot poison later queries.
		e.cache.Set(cacheKey, res, int64(res.Count)+1)
		return cloneResult(res), nil
	}
	return res, nil
}

func cloneResult(res *Result) *Result {
	out := &Result{
		Columns:  append([]string(nil), res.Columns...),
		Rows:     make([][]interface{}, len(res.Rows)),
		Count:    res.Count,
		Duration: res.Duration,
	}
	for i, row := range res.Rows {
		out.Rows[i] = append([]interface{}(nil), row...)
	}
	return out
}

// syncBindings makes the SQL namespace match the registry's materialized
// set exactly: stale relations are dropped, new or swapped handles are
// (re)bound. Binding an unchanged table is a no-op.
func (e *Engine) syncBindings(ctx context.Context) error {
	current := e.registry.Materialized()

	for name := range e.bound {
		if _, ok := current[name]; !ok {
			if err := e.dropRelation(ctx, name); err != nil {
				return err
			}
			delete(e.bound, name)
		}
	}

	for name, binding := range current {
		if gen, ok := e.bound[name]; ok && gen == binding.Generation {
			continue
		}
		if err := e.bindRelation(ctx, binding.Table); err != nil {
			return err
		}
		e.bound[name] = binding.Generation
	}
	return nil
}

func (e *Engine) dropRelation(ctx context.Context, name string) error {
	if _, err := e.db.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, quoteIdent(name))); err != nil {
		return fmt.Errorf("failed to unbind relation %q: %w", name, err)
	}
	return nil
}

// bindRelation loads one materialized table into the SQL context inside a
// transaction, so a relation is either fully swapped or unchanged.
func (e *Engine) bindRelation(ctx context.Context, t *table.Table) error {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin binding transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, quoteIdent(t.Name))); err != nil {
		return fmt.Errorf("failed to rebind relation %q: %w", t.Name, err)
	}

	colDefs := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		colDefs[i] = quoteIdent(c.Name) + " " + sqlType(c.Type)
	}
	create := fmt.Sprintf(`CREATE TABLE %s (%s)`, quoteIdent(t.Name), strings.Join(colDefs, ", "))
	if _, err := tx.ExecContext(ctx, create); err != nil {
		return fmt.Errorf("failed to bind relation %q: %w", t.Name, err)
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(t.Columns)), ",")
	insert := fmt.Sprintf(`INSERT INTO %s VALUES (%s)`, quoteIdent(t.Name), placeholders)
	stmt, err := tx.PrepareContext(ctx, insert)
	if err != nil {
		return fmt.Errorf("failed to prepare binding insert for %q: %w", t.Name, err)
	}
	defer stmt.Close()

	for _, row := range t.Rows {
		if _, err := stmt.ExecContext(ctx, row...); err != nil {
			return fmt.Errorf("failed to load row into relation %q: %w", t.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit binding for %q: %w", t.Name, err)
	}
	log.WithTable(t.Name).Debugf("Bound relation (%d rows)", t.NumRows())
	return nil
}

func sqlType(t table.ColumnType) string {
	switch t {
	case table.TypeInt64:
		return "INTEGER"
	case table.TypeFloat64:
		return "REAL"
	default:
		return "TEXT"
	}
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
