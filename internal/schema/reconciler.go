// Package schema recreates databases, tables and secondary indexes from a catalog.
package schema

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/ryabkov82/rdbrestore/internal/catalog"
	"github.com/ryabkov82/rdbrestore/internal/rdb"
)

// ErrSchemaOperationFailed is wrapped by every failed create or drop.
var ErrSchemaOperationFailed = errors.New("schema operation failed")

// Pool is where the reconciler gets its sessions from.
type Pool interface {
	Acquire(ctx context.Context) (*rdb.Session, error)
}

// Options tune reconciliation.
type Options struct {
	// DropExisting drops every table before creating it.
	DropExisting bool
}

// Result summarizes one reconciliation.
type Result struct {
	Databases int
	Tables    int
	Indexes   int
	// Existing counts create requests answered with "already exists".
	Existing int
	Failures []error
}

// Err joins all failures, or returns nil.
func (r *Result) Err() error {
	return errors.Join(r.Failures...)
}

// Reconciler issues schema operations. Each entity is handled on its own:
// a failure is logged and recorded, and its siblings still proceed.
type Reconciler struct {
	pool   Pool
	opts   Options
	logger *slog.Logger
}

// NewReconciler creates a reconciler.
func NewReconciler(pool Pool, opts Options, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		pool:   pool,
		opts:   opts,
		logger: logger.With("component", "schema"),
	}
}

// Reconcile creates everything in cat. Databases are handled concurrently;
// the tables of a database are created concurrently once the database
// create has been issued.
func (rc *Reconciler) Reconcile(ctx context.Context, cat *catalog.Catalog) *Result {
	res := &result{}

	var g errgroup.Group
	for _, db := range cat.Databases() {
		db := db
		tables := cat.Tables(db)
		g.Go(func() error {
			rc.reconcileDatabase(ctx, db, tables, res)
			return nil
		})
	}
	_ = g.Wait()

	return &res.Result
}

func (rc *Reconciler) reconcileDatabase(ctx context.Context, db catalog.DatabaseDescriptor, tables []catalog.TableDescriptor, res *result) {
	logger := rc.logger.With("db", db.Name)

	res.count(func(r *Result) { r.Databases++ })
	s, err := rc.pool.Acquire(ctx)
	if err == nil {
		err = s.CreateDatabase(ctx, db.Name)
		if rdb.IsConnectionError(err) {
			s.MarkBroken()
		}
		s.Release()
	}
	res.observe(logger, "create database", err)

	var g errgroup.Group
	for _, t := range tables {
		t := t
		g.Go(func() error {
			rc.reconcileTable(ctx, t, res)
			return nil
		})
	}
	_ = g.Wait()
}

// reconcileTable creates one table and then its indexes in declared order,
// all on one session.
func (rc *Reconciler) reconcileTable(ctx context.Context, t catalog.TableDescriptor, res *result) {
	logger := rc.logger.With("db", t.Database.Name, "table", t.Name)

	res.count(func(r *Result) { r.Tables++ })
	s, err := rc.pool.Acquire(ctx)
	if err != nil {
		res.observe(logger, "create table", err)
		return
	}
	defer s.Release()

	if rc.opts.DropExisting {
		if err := s.DropTable(ctx, t.Database.Name, t.Name); err != nil {
			logger.Debug("drop table skipped", "error", err)
		} else {
			logger.Info("table dropped")
		}
	}

	err = s.CreateTable(ctx, t.Database.Name, t.Name, t.PrimaryKey)
	res.observe(logger.With("primary_key", t.PrimaryKey), "create table", err)
	if rdb.IsConnectionError(err) {
		s.MarkBroken()
		return
	}
	if err != nil && !errors.Is(err, rdb.ErrAlreadyExists) {
		return
	}

	for _, idx := range t.Indexes {
		res.count(func(r *Result) { r.Indexes++ })
		err := s.CreateIndex(ctx, t.Database.Name, t.Name, idx.Name, idx.Definition)
		res.observe(logger.With("index", idx.Name), "create index", err)
		if rdb.IsConnectionError(err) {
			s.MarkBroken()
			return
		}
	}
}

type result struct {
	mu sync.Mutex
	Result
}

func (r *result) count(fn func(*Result)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(&r.Result)
}

func (r *result) observe(logger *slog.Logger, op string, err error) {
	switch {
	case err == nil:
		logger.Info(op + " done")
	case errors.Is(err, rdb.ErrAlreadyExists):
		logger.Info(op+": already exists", "error", err)
		r.count(func(res *Result) { res.Existing++ })
	default:
		logger.Error(op+" failed", "error", err)
		failure := fmt.Errorf("%w: %s: %w", ErrSchemaOperationFailed, op, err)
		r.count(func(res *Result) { res.Failures = append(res.Failures, failure) })
	}
}
