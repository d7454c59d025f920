package catalog

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/imagingdatacommons/idc-client-go/internal/cache"
	"github.com/imagingdatacommons/idc-client-go/internal/log"
	"github.com/imagingdatacommons/idc-client-go/internal/table"
)

// UnknownTableError reports a table name absent from the descriptor store.
type UnknownTableError struct {
	Name string
}

func (e *UnknownTableError) Error() string {
	return fmt.Sprintf("unknown table: %s", e.Name)
}

// Binding is one materialized table handle plus the generation it was
// swapped in at. The query engine uses the generation to skip re-binding
// unchanged tables.
type Binding struct {
	Table      *table.Table
	Generation uint64
}

// Registry owns the descriptor store and the materialization state of every
// catalog table. Materialization is idempotent and monotonic: a table goes
// unloaded -> loaded once, and its handle only changes through an explicit
// Invalidate followed by a reload.
type Registry struct {
	mu          sync.RWMutex
	descriptors map[string]*TableDescriptor
	bindings    map[string]Binding
	generation  uint64
	version     string

	store *cache.Store
	group singleflight.Group
}

// NewRegistry builds a registry from a catalog metadata manifest. The cache
// store must be versioned with the same catalog release.
func NewRegistry(m *Manifest, store *cache.Store) *Registry {
	r := &Registry{
		descriptors: make(map[string]*TableDescriptor, len(m.Tables)),
		bindings:    make(map[string]Binding),
		version:     m.CatalogVersion,
		store:       store,
	}
	for i := range m.Tables {
		d := m.Tables[i]
		if !d.Bundled && d.LocalPath == "" {
			d.LocalPath = store.PathFor(d.Name)
		}
		if !d.Installed {
			d.Installed = store.Installed(d.LocalPath)
		}
		r.descriptors[d.Name] = &d
	}
	return r
}

// Version returns the catalog release identifier.
func (r *Registry) Version() string {
	return r.version
}

// DescribeTables returns a copy of every descriptor, materialized or not.
func (r *Registry) DescribeTables() map[string]TableDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]TableDescriptor, len(r.descriptors))
	for name, d := range r.descriptors {
		out[name] = *d
	}
	return out
}

// TableNames returns the known table names in sorted order.
func (r *Registry) TableNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.descriptors))
	for name := range r.descriptors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// EnsureLoaded materializes a table and returns its handle. An already
// materialized table is returned as-is with no fetch and no re-parse.
// Concurrent callers for the same table share one load.
func (r *Registry) EnsureLoaded(ctx context.Context, name string) (*table.Table, error) {
	r.mu.RLock()
	if b, ok := r.bindings[name]; ok {
		r.mu.RUnlock()
		return b.Table, nil
	}
	d, known := r.descriptors[name]
	r.mu.RUnlock()
	if !known {
		return nil, &UnknownTableError{Name: name}
	}

	v, err, _ := r.group.Do(name, func() (interface{}, error) {
		return r.load(ctx, d)
	})
	if err != nil {
		return nil, err
	}
	return v.(*table.Table), nil
}

func (r *Registry) load(ctx context.Context, d *TableDescriptor) (*table.Table, error) {
	// A racing caller may have finished the load between the fast-path
	// check and the singleflight slot.
	r.mu.RLock()
	if b, ok := r.bindings[d.Name]; ok {
		r.mu.RUnlock()
		return b.Table, nil
	}
	localPath, installed := d.LocalPath, d.Installed
	r.mu.RUnlock()

	if !installed {
		if d.RemoteURL == "" {
			return nil, fmt.Errorf("table %q is not bundled and has no remote URL", d.Name)
		}
		log.WithTable(d.Name).Infof("Fetching from %s", d.RemoteURL)
		p, err := r.store.Fetch(ctx, d.RemoteURL, localPath)
		if err != nil {
			return nil, err
		}
		localPath = p
	}

	log.WithTable(d.Name).Debugf("Materializing from %s", localPath)
	t, err := table.LoadCSV(localPath, d.Name, d.Schema)
	if err != nil {
		return nil, fmt.Errorf("failed to materialize table %q: %w", d.Name, err)
	}

	r.mu.Lock()
	r.generation++
	r.bindings[d.Name] = Binding{Table: t, Generation: r.generation}
	d.Installed = true
	d.LocalPath = localPath
	r.mu.Unlock()

	log.WithTable(d.Name).Debugf("Materialized %d rows", t.NumRows())
	return t, nil
}

// EnsureLoadedAll materializes several tables concurrently. Failures are
// collected per table; tables that loaded stay loaded.
func (r *Registry) EnsureLoadedAll(ctx context.Context, names ...string) map[string]error {
	var (
		mu     sync.Mutex
		failed = make(map[string]error)
	)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, name := range names {
		g.Go(func() error {
			if _, err := r.EnsureLoaded(ctx, name); err != nil {
				mu.Lock()
				failed[name] = err
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()
	return failed
}

// Invalidate drops the in-memory handle. The on-disk cache is kept; the
// next EnsureLoaded reloads from disk.
func (r *Registry) Invalidate(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.bindings[name]; ok {
		delete(r.bindings, name)
		r.generation++
		log.WithTable(name).Debug("Invalidated in-memory handle")
	}
}

// Refetch drops both the in-memory handle and the cached file, then
// materializes the table again from the network.
func (r *Registry) Refetch(ctx context.Context, name string) (*table.Table, error) {
	r.mu.Lock()
	d, known := r.descriptors[name]
	if !known {
		r.mu.Unlock()
		return nil, &UnknownTableError{Name: name}
	}
	if d.Bundled {
		r.mu.Unlock()
		return nil, fmt.Errorf("table %q is bundled and cannot be re-fetched", name)
	}
	if _, ok := r.bindings[name]; ok {
		delete(r.bindings, name)
		r.generation++
	}
	d.Installed = false
	path := d.LocalPath
	r.mu.Unlock()

	if err := r.store.Remove(path); err != nil {
		return nil, fmt.Errorf("failed to drop cached file for %q: %w", name, err)
	}
	return r.EnsureLoaded(ctx, name)
}

// Materialized returns the current name -> handle bindings. The handles are
// borrowed per call; a later Invalidate+reload changes what subsequent
// calls observe without tearing any returned handle.
func (r *Registry) Materialized() map[string]Binding {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Binding, len(r.bindings))
	for name, b := range r.bindings {
		out[name] = b
	}
	return out
}

// Generation increases whenever any binding changes.
func (r *Registry) Generation() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.generation
}
