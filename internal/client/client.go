package client

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/imagingdatacommons/idc-client-go/internal/cache"
	"github.com/imagingdatacommons/idc-client-go/internal/catalog"
	"github.com/imagingdatacommons/idc-client-go/internal/download"
	"github.com/imagingdatacommons/idc-client-go/internal/log"
	"github.com/imagingdatacommons/idc-client-go/internal/manifest"
	"github.com/imagingdatacommons/idc-client-go/internal/query"
	"github.com/imagingdatacommons/idc-client-go/internal/selection"
	"github.com/imagingdatacommons/idc-client-go/internal/table"
)

// Options configure a Client. Zero values fall back to sensible defaults;
// BundledDataPath is required.
type Options struct {
	BundledDataPath string
	CachePath       string
	ToolPath        string // bulk-copy tool; empty means look up s5cmd in PATH
	AWSEndpointURL  string
	GCPEndpointURL  string
	Concurrency     int
	EagerLoad       bool // materialize bundled tables at construction
}

// Client is the top-level handle over the catalog: one registry, one query
// federation engine and one resolver per instance, wired explicitly.
type Client struct {
	registry *catalog.Registry
	engine   *query.Engine
	resolver *selection.Resolver
	store    *cache.Store
	opts     Options

	executor *download.Executor // created on first download
}

// New builds a client from the bundled catalog distribution. The cached
// catalog metadata of the same release, when present, contributes tables
// discovered in earlier sessions.
func New(ctx context.Context, opts Options) (*Client, error) {
	if opts.BundledDataPath == "" {
		return nil, fmt.Errorf("bundled data path is required")
	}
	if opts.AWSEndpointURL == "" {
		opts.AWSEndpointURL = "https://s3.amazonaws.com"
	}
	if opts.GCPEndpointURL == "" {
		opts.GCPEndpointURL = "https://storage.googleapis.com"
	}
	if opts.CachePath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to determine cache path: %w", err)
		}
		opts.CachePath = filepath.Join(home, ".idc", "cache")
	}

	m, err := catalog.LoadBundledManifest(opts.BundledDataPath)
	if err != nil {
		return nil, err
	}
	store := cache.NewStore(opts.CachePath, m.CatalogVersion)
	mergeCachedCatalog(m, store)

	registry := catalog.NewRegistry(m, store)
	engine, err := query.NewEngine(registry)
	if err != nil {
		return nil, err
	}

	c := &Client{
		registry: registry,
		engine:   engine,
		resolver: selection.NewResolver(registry, engine),
		store:    store,
		opts:     opts,
	}
	log.Logger.Debugf("Catalog release %s with %d known tables",
		m.CatalogVersion, len(registry.DescribeTables()))

	if opts.EagerLoad {
		var bundled []string
		for name, d := range registry.DescribeTables() {
			if d.Bundled {
				bundled = append(bundled, name)
			}
		}
		if failed := registry.EnsureLoadedAll(ctx, bundled...); len(failed) > 0 {
			engine.Close()
			for name, lerr := range failed {
				return nil, fmt.Errorf("failed to load bundled table %q: %w", name, lerr)
			}
		}
	}
	return c, nil
}

// mergeCachedCatalog appends tables recorded by an earlier discovery run,
// provided the cached metadata belongs to the same catalog release.
func mergeCachedCatalog(m *catalog.Manifest, store *cache.Store) {
	cached, err := catalog.LoadManifest(filepath.Join(store.Dir(), "catalog.json"))
	if err != nil || cached.CatalogVersion != m.CatalogVersion {
		return
	}
	known := make(map[string]bool, len(m.Tables))
	for _, t := range m.Tables {
		known[t.Name] = true
	}
	for _, t := range cached.Tables {
		if !known[t.Name] && !t.Bundled {
			m.Tables = append(m.Tables, t)
		}
	}
}

func (c *Client) Close() error {
	return c.engine.Close()
}

// Registry exposes the index registry for table lifecycle operations.
func (c *Client) Registry() *catalog.Registry { return c.registry }

// Version returns the catalog release identifier.
func (c *Client) Version() string { return c.registry.Version() }

// DescribeTables lists every known table, materialized or not.
func (c *Client) DescribeTables() map[string]catalog.TableDescriptor {
	return c.registry.DescribeTables()
}

// EnsureLoaded materializes one table.
func (c *Client) EnsureLoaded(ctx context.Context, name string) (*table.Table, error) {
	return c.registry.EnsureLoaded(ctx, name)
}

// Query runs ad hoc SQL over the materialized tables.
func (c *Client) Query(ctx context.Context, sql string) (*query.Result, error) {
	return c.engine.Execute(ctx, sql)
}

// DiscoverRemoteTables refreshes the descriptor store from the release
// server using the bundled manifest's asset endpoint.
func (c *Client) DiscoverRemoteTables(ctx context.Context, assetEndpointURL string) error {
	return c.registry.DiscoverRemoteTables(ctx, assetEndpointURL)
}

// Collections lists the distinct collection ids of the main index.
func (c *Client) Collections(ctx context.Context) ([]string, error) {
	if _, err := c.registry.EnsureLoaded(ctx, catalog.MainIndexTable); err != nil {
		return nil, err
	}
	res, err := c.engine.Execute(ctx, `SELECT DISTINCT collection_id FROM "index" ORDER BY collection_id`)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, res.Count)
	for _, row := range res.Rows {
		if s, ok := row[0].(string); ok {
			out = append(out, s)
		}
	}
	return out, nil
}

// Patients summarizes the patients of one or more collections.
func (c *Client) Patients(ctx context.Context, collectionIDs ...string) (*query.Result, error) {
	resolved, err := c.resolver.Resolve(ctx, selection.Collections(collectionIDs...))
	if err != nil {
		return nil, err
	}
	if len(resolved.Rows) == 0 {
		return nil, fmt.Errorf("no data found for collection_id values %v", collectionIDs)
	}
	sql := fmt.Sprintf(`
		SELECT PatientID,
		       GROUP_CONCAT(DISTINCT PatientSex) AS PatientSex,
		       GROUP_CONCAT(DISTINCT PatientAge) AS PatientAge
		FROM "index"
		WHERE collection_id IN (%s)
		GROUP BY PatientID
		ORDER BY PatientID`, quoteList(collectionIDs))
	return c.engine.Execute(ctx, sql)
}

// Studies summarizes the studies of one or more patients.
func (c *Client) Studies(ctx context.Context, patientIDs ...string) (*query.Result, error) {
	resolved, err := c.resolver.Resolve(ctx, selection.Patients(patientIDs...))
	if err != nil {
		return nil, err
	}
	if len(resolved.Rows) == 0 {
		return nil, fmt.Errorf("no data found for PatientID values %v", patientIDs)
	}
	sql := fmt.Sprintf(`
		SELECT StudyInstanceUID,
		       GROUP_CONCAT(DISTINCT StudyDate) AS StudyDate,
		       GROUP_CONCAT(DISTINCT StudyDescription) AS StudyDescription,
		       COUNT(SeriesInstanceUID) AS SeriesCount
		FROM "index"
		WHERE PatientID IN (%s)
		GROUP BY StudyInstanceUID
		ORDER BY StudyInstanceUID`, quoteList(patientIDs))
	return c.engine.Execute(ctx, sql)
}

// Series lists the series of one or more studies.
func (c *Client) Series(ctx context.Context, studyUIDs ...string) (*query.Result, error) {
	resolved, err := c.resolver.Resolve(ctx, selection.Studies(studyUIDs...))
	if err != nil {
		return nil, err
	}
	if len(resolved.Rows) == 0 {
		return nil, fmt.Errorf("no data found for StudyInstanceUID values %v", studyUIDs)
	}
	sql := fmt.Sprintf(`
		SELECT StudyInstanceUID, SeriesInstanceUID, Modality, SeriesDate,
		       collection_id AS Collection, SeriesDescription, series_size_MB
		FROM "index"
		WHERE StudyInstanceUID IN (%s)
		ORDER BY Modality, SeriesDate, SeriesDescription`, quoteList(studyUIDs))
	return c.engine.Execute(ctx, sql)
}

// DownloadRequest describes one download call.
type DownloadRequest struct {
	Selection    selection.Input
	ManifestPath string // hand-written manifest mode; bypasses resolution
	DestDir      string
	DirTemplate  string // defaults to manifest.DefaultHierarchy
	Flat         bool   // no subdirectories
	Source       string // "aws" (default) or "gcp" object-store mirror
	DryRun       bool
	Quiet        bool
	MaxRetries   int // 0 means the executor default, negative disables retries
	Timeout      time.Duration
}

// DownloadSummary reports what a download call resolved, built and did.
type DownloadSummary struct {
	Resolved *selection.Resolved // nil in manifest mode
	Manifest *manifest.Manifest
	Result   *download.Result // nil on dry run
}

// DownloadFromSelection resolves identifiers to series rows, builds the
// deduplicated manifest, and drives the bulk-copy tool against it.
func (c *Client) DownloadFromSelection(ctx context.Context, req DownloadRequest) (*DownloadSummary, error) {
	destDir, err := checkDestDir(req.DestDir)
	if err != nil {
		return nil, err
	}
	endpoint, err := c.endpointFor(req.Source)
	if err != nil {
		return nil, err
	}
	template := c.templateFor(req)
	if err := manifest.ValidateTemplate(template); err != nil {
		return nil, err
	}

	sel, err := selection.FromInput(req.Selection)
	if err != nil {
		return nil, err
	}
	resolved, err := c.resolver.Resolve(ctx, sel)
	if err != nil {
		return nil, err
	}

	m, err := manifest.Build(resolved.Rows, destDir, template)
	if err != nil {
		return nil, err
	}
	summary := &DownloadSummary{Resolved: resolved, Manifest: m}

	log.Logger.Infof("Total size of files to download: %s",
		humanize.Bytes(uint64(m.TotalBytes)))
	if req.DryRun {
		log.Logger.Info("Dry run requested, not downloading")
		return summary, nil
	}

	result, err := c.runExecutor(ctx, m, destDir, req, endpoint)
	if err != nil {
		return nil, err
	}
	summary.Result = result
	return summary, nil
}

// DownloadFromManifest realizes a hand-written manifest. Only line syntax
// is validated; the index is not consulted.
func (c *Client) DownloadFromManifest(ctx context.Context, req DownloadRequest) (*DownloadSummary, error) {
	destDir, err := checkDestDir(req.DestDir)
	if err != nil {
		return nil, err
	}
	endpoint, err := c.endpointFor(req.Source)
	if err != nil {
		return nil, err
	}
	m, err := manifest.Parse(req.ManifestPath)
	if err != nil {
		return nil, err
	}
	summary := &DownloadSummary{Manifest: m}
	if req.DryRun {
		return summary, nil
	}
	result, err := c.runExecutor(ctx, m, destDir, req, endpoint)
	if err != nil {
		return nil, err
	}
	summary.Result = result
	return summary, nil
}

func (c *Client) runExecutor(ctx context.Context, m *manifest.Manifest, destDir string, req DownloadRequest, endpoint string) (*download.Result, error) {
	if c.executor == nil {
		ex, err := download.NewExecutor(c.opts.ToolPath)
		if err != nil {
			return nil, err
		}
		c.executor = ex
	}
	return c.executor.Run(ctx, m, destDir, download.Options{
		EndpointURL: endpoint,
		Concurrency: c.opts.Concurrency,
		MaxRetries:  req.MaxRetries,
		Timeout:     req.Timeout,
		Quiet:       req.Quiet,
	})
}

// endpointFor maps a source name to the matching object-store endpoint. Both
// mirrors speak the same copy protocol, so only the endpoint URL changes.
func (c *Client) endpointFor(source string) (string, error) {
	switch source {
	case "", "aws":
		return c.opts.AWSEndpointURL, nil
	case "gcp":
		return c.opts.GCPEndpointURL, nil
	default:
		return "", fmt.Errorf("unknown download source %q: must be aws or gcp", source)
	}
}

func (c *Client) templateFor(req DownloadRequest) string {
	if req.Flat {
		return ""
	}
	if req.DirTemplate == "" {
		return manifest.DefaultHierarchy
	}
	return req.DirTemplate
}

func checkDestDir(dir string) (string, error) {
	if dir == "" {
		return "", fmt.Errorf("download directory is required")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("invalid download directory: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil || !info.IsDir() {
		return "", fmt.Errorf("download directory %s does not exist", abs)
	}
	return abs, nil
}

func quoteList(ids []string) string {
	quoted := make([]string, len(ids))
	for i, id := range ids {
		quoted[i] = "'" + strings.ReplaceAll(id, "'", "''") + "'"
	}
	return strings.Join(quoted, ", ")
}
