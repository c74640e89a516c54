// Package restore loads a dump into the server: schema first, then one
// independent import per data file.
package restore

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ryabkov82/rdbrestore/internal/catalog"
	"github.com/ryabkov82/rdbrestore/internal/dump"
	"github.com/ryabkov82/rdbrestore/internal/schema"
	"github.com/ryabkov82/rdbrestore/internal/unit"
)

// Options configure a restore run.
type Options struct {
	BatchSize    int
	DecodeErrors DecodePolicy
	// MaxParallelFiles caps concurrently running units; zero or less means
	// one goroutine per data file.
	MaxParallelFiles int
	DropExisting     bool
}

// Restorer drives a whole restore.
type Restorer struct {
	pool    Pool
	opts    Options
	store   *unit.Store
	timings *Timings
	logger  *slog.Logger
}

// NewRestorer creates a restorer. Units are registered in store so that they
// can be observed while the run is in progress.
func NewRestorer(pool Pool, store *unit.Store, opts Options, logger *slog.Logger) *Restorer {
	if store == nil {
		store = unit.NewStore()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Restorer{
		pool:    pool,
		opts:    opts,
		store:   store,
		timings: NewTimings(),
		logger:  logger,
	}
}

// Timings returns the stage timings collected by the importers.
func (r *Restorer) Timings() *Timings {
	return r.timings
}

// Run restores the dump under root. The returned error is fatal (bad root,
// unreadable metadata, failed discovery); schema and unit failures are
// collected in the report instead.
func (r *Restorer) Run(ctx context.Context, root string) (*Report, error) {
	start := time.Now()

	if err := dump.ValidateRoot(root); err != nil {
		return nil, err
	}

	cat, err := catalog.Load(root)
	if err != nil {
		return nil, err
	}
	r.logger.Info("catalog loaded", "databases", len(cat.Databases()), "tables", cat.Len())

	schemaRes := schema.NewReconciler(r.pool, schema.Options{DropExisting: r.opts.DropExisting}, r.logger).
		Reconcile(ctx, cat)
	r.logger.Info("schema reconciled",
		"databases", schemaRes.Databases, "tables", schemaRes.Tables, "indexes", schemaRes.Indexes,
		"existing", schemaRes.Existing, "failures", len(schemaRes.Failures))

	files, err := dump.Discover(root)
	if err != nil {
		return nil, fmt.Errorf("discover data files: %w", err)
	}

	known := make(map[[2]string]bool)
	for _, db := range cat.Databases() {
		for _, t := range cat.Tables(db) {
			known[[2]string{db.Name, t.Name}] = true
		}
	}

	units := make([]*unit.Unit, 0, len(files))
	for _, f := range files {
		u := unit.FromDataFile(f)
		r.store.Register(u)
		units = append(units, u)
		if !known[[2]string{f.Database, f.Table}] {
			r.logger.Warn("data file has no table metadata", "db", f.Database, "table", f.Table, "path", f.Path)
		}
	}
	r.logger.Info("data files discovered", "units", len(units))

	importer := NewImporter(r.pool, ImportConfig{
		BatchSize:    r.opts.BatchSize,
		DecodeErrors: r.opts.DecodeErrors,
	}, r.store, r.timings, r.logger)

	var (
		mu       sync.Mutex
		failures []error
	)

	// Units never return errors to the group: one unit failing must not
	// cancel the others.
	var g errgroup.Group
	if r.opts.MaxParallelFiles > 0 {
		g.SetLimit(r.opts.MaxParallelFiles)
	}
	for _, u := range units {
		u := u
		g.Go(func() error {
			if err := importer.Import(ctx, u); err != nil {
				mu.Lock()
				failures = append(failures, fmt.Errorf("%s.%s: %w", u.Database, u.Table, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	report := &Report{
		Schema:   schemaRes,
		Units:    r.store.List(),
		Summary:  r.store.Summary(),
		Failures: failures,
		Duration: time.Since(start),
	}
	r.logger.Info("restore finished",
		"units", report.Summary.Total, "succeeded", report.Summary.Succeeded,
		"failed", report.Summary.Failed, "truncated", report.Summary.Truncated,
		"duration", report.Duration)
	return report, nil
}
