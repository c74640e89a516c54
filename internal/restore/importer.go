package restore

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"golang.org/x/sync/errgroup"

	"github.com/ryabkov82/rdbrestore/internal/dump"
	"github.com/ryabkov82/rdbrestore/internal/jsonarray"
	"github.com/ryabkov82/rdbrestore/internal/rdb"
	"github.com/ryabkov82/rdbrestore/internal/unit"
)

// Pool hands out server sessions.
type Pool interface {
	Acquire(ctx context.Context) (*rdb.Session, error)
}

// ImportConfig tunes the batch pipeline.
type ImportConfig struct {
	BatchSize    int
	DecodeErrors DecodePolicy
}

// Importer loads data files into their tables, one batch at a time.
type Importer struct {
	pool    Pool
	cfg     ImportConfig
	store   *unit.Store
	timings *Timings
	logger  *slog.Logger
}

// NewImporter creates an importer. Progress goes to store, stage durations to timings.
func NewImporter(pool Pool, cfg ImportConfig, store *unit.Store, timings *Timings, logger *slog.Logger) *Importer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.DecodeErrors == "" {
		cfg.DecodeErrors = DecodeTruncate
	}
	if store == nil {
		store = unit.NewStore()
	}
	if timings == nil {
		timings = NewTimings()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Importer{
		pool:    pool,
		cfg:     cfg,
		store:   store,
		timings: timings,
		logger:  logger.With("component", "importer"),
	}
}

type progress struct {
	read    atomic.Int64
	batches atomic.Int64
	written atomic.Int64
}

func (im *Importer) publish(id string, p *progress) {
	im.store.UpdateProgress(id, p.read.Load(), p.batches.Load(), p.written.Load())
}

// Import runs one unit to completion and records its terminal status.
// u must already be registered in the importer's store. A returned error
// concerns this unit only.
func (im *Importer) Import(ctx context.Context, u *unit.Unit) error {
	logger := im.logger.With("unit", u.ID, "db", u.Database, "table", u.Table)

	if err := im.store.UpdateStatus(u.ID, unit.StatusRunning); err != nil {
		return err
	}
	logger.Debug("import started", "path", u.Path, "format", u.Format)

	var p progress
	err := im.run(ctx, u, &p, logger)
	im.publish(u.ID, &p)

	if err != nil {
		kind := KindOf(err)
		im.store.UpdateError(u.ID, string(kind), err)
		im.store.UpdateStatus(u.ID, unit.StatusFailed)
		logger.Error("import failed", "kind", kind, "error", err,
			"batches", p.batches.Load(), "records", p.written.Load())
		return err
	}

	im.store.UpdateStatus(u.ID, unit.StatusSucceeded)
	logger.Info("import finished", "batches", p.batches.Load(), "records", p.written.Load())
	return nil
}

// run decodes in one goroutine and writes in another. The channel between
// them holds two batches, so decoding runs at most that far ahead of the
// writes; session acquisition throttles both.
func (im *Importer) run(ctx context.Context, u *unit.Unit, p *progress, logger *slog.Logger) error {
	src, err := dump.Open(u.DataFile())
	if err != nil {
		return err
	}
	defer src.Close()

	dec := jsonarray.NewDecoder(src.Reader)
	batches := make(chan Batch, 2)
	var decodeErr error

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(batches)
		return im.produce(gctx, dec, batches, p, &decodeErr)
	})
	g.Go(func() error {
		for b := range batches {
			if err := im.write(gctx, u, b, logger); err != nil {
				return err
			}
			p.batches.Add(1)
			p.written.Add(int64(len(b.Records)))
			im.publish(u.ID, p)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	if decodeErr != nil {
		if im.cfg.DecodeErrors == DecodeFail {
			return fmt.Errorf("%s: %w", u.Path, decodeErr)
		}
		im.store.MarkTruncated(u.ID)
		im.store.UpdateError(u.ID, string(KindMalformedInput), decodeErr)
		logger.Error("data file truncated at malformed input",
			"offset", dec.Offset(), "records", p.read.Load(), "error", decodeErr)
	}
	return nil
}

// produce cuts the decoded records into batches. A decode error ends the
// sequence; it is stored in decodeErr and the records decoded so far are
// still sent unless the policy is to fail.
func (im *Importer) produce(ctx context.Context, dec *jsonarray.Decoder, out chan<- Batch, p *progress, decodeErr *error) error {
	size := im.cfg.BatchSize
	records := make([]json.RawMessage, 0, size)
	var no int64
	start := time.Now()

	send := func() error {
		no++
		im.timings.ObserveDecode(time.Since(start))
		select {
		case out <- Batch{No: no, Records: records}:
		case <-ctx.Done():
			return ctx.Err()
		}
		records = make([]json.RawMessage, 0, size)
		start = time.Now()
		return nil
	}

	for {
		rec, err := dec.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			*decodeErr = err
			if im.cfg.DecodeErrors == DecodeFail {
				return nil
			}
			break
		}

		p.read.Add(1)
		records = append(records, rec)
		if len(records) == size {
			if err := send(); err != nil {
				return err
			}
		}
	}

	if len(records) > 0 {
		return send()
	}
	return nil
}

// write inserts one batch on a pooled session and checks the outcome.
func (im *Importer) write(ctx context.Context, u *unit.Unit, b Batch, logger *slog.Logger) error {
	start := time.Now()
	sess, err := im.pool.Acquire(ctx)
	im.timings.ObserveAcquire(time.Since(start))
	if err != nil {
		return fmt.Errorf("batch %d: %w", b.No, err)
	}
	defer sess.Release()

	start = time.Now()
	out, err := sess.InsertBatch(ctx, u.Database, u.Table, b.Records)
	im.timings.ObserveInsert(time.Since(start))
	if err != nil {
		if rdb.IsConnectionError(err) {
			sess.MarkBroken()
			return fmt.Errorf("batch %d: %w: %w", b.No, rdb.ErrConnectionUnavailable, err)
		}
		return fmt.Errorf("batch %d: insert: %w", b.No, err)
	}

	if err := out.Verify(len(b.Records)); err != nil {
		return fmt.Errorf("batch %d: %w: %w", b.No, ErrWriteVerificationFailed, err)
	}

	logger.Debug("batch written", "batch", b.No, "records", len(b.Records),
		"inserted", out.Inserted, "replaced", out.Replaced, "unchanged", out.Unchanged)
	return nil
}
