package restore

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"
	rethinkdb "gopkg.in/rethinkdb/rethinkdb-go.v6"

	"github.com/ryabkov82/rdbrestore/internal/catalog"
	"github.com/ryabkov82/rdbrestore/internal/rdb"
	"github.com/ryabkov82/rdbrestore/internal/rdb/rdbtest"
	"github.com/ryabkov82/rdbrestore/internal/unit"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeFile(t *testing.T, path string, content []byte) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, content, 0o644))
}

func writeTable(t *testing.T, root, db, table, ext string, data []byte) {
	t.Helper()
	info := fmt.Sprintf(`{"name":%q,"db":{"name":%q},"primary_key":"id","indexes":[]}`, table, db)
	writeFile(t, filepath.Join(root, db, table+".info"), []byte(info))
	writeFile(t, filepath.Join(root, db, table+ext), data)
}

func records(n int) []byte {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf(`{"id":%d}`, i+1)
	}
	return []byte("[" + strings.Join(parts, ",") + "]")
}

func gzipMembers(t *testing.T, parts ...[]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	for _, p := range parts {
		gz := gzip.NewWriter(&buf)
		_, err := gz.Write(p)
		require.NoError(t, err)
		require.NoError(t, gz.Close())
	}
	return buf.Bytes()
}

func newRestorer(server *rdbtest.Server, poolSize int, opts Options) (*Restorer, *unit.Store) {
	pool := rdb.NewPool(server.Dial, rdb.PoolConfig{Size: poolSize}, discardLogger())
	store := unit.NewStore()
	return NewRestorer(pool, store, opts, discardLogger()), store
}

func TestRunPlainJSON(t *testing.T) {
	root := t.TempDir()
	writeTable(t, root, "db1", "t1", ".json", []byte(`[{"id":1},{"id":2}]`))

	server := rdbtest.NewServer()
	r, _ := newRestorer(server, 4, Options{})

	report, err := r.Run(context.Background(), root)
	require.NoError(t, err)
	require.NoError(t, report.Err())
	require.Equal(t, ExitOK, report.ExitCode())

	require.Equal(t, 1, server.Calls("CreateDatabase"))
	require.Equal(t, 1, server.Calls("CreateTable"))
	require.Equal(t, []rdbtest.Insert{{Database: "db1", Table: "t1", Size: 2}}, server.Inserts())

	tbl, ok := server.Table("db1", "t1")
	require.True(t, ok)
	require.Equal(t, "id", tbl.PrimaryKey)
	require.Equal(t, []json.RawMessage{json.RawMessage(`{"id":1}`), json.RawMessage(`{"id":2}`)}, tbl.Records)

	require.Len(t, report.Units, 1)
	u := report.Units[0]
	require.Equal(t, unit.StatusSucceeded, u.Status)
	require.EqualValues(t, 2, u.RecordsRead)
	require.EqualValues(t, 2, u.RecordsWritten)
	require.EqualValues(t, 1, u.BatchesWritten)
	require.False(t, u.Truncated)
}

func TestRunGzipMatchesPlain(t *testing.T) {
	root := t.TempDir()
	data := []byte(`[{"id":1},{"id":2}]`)
	writeTable(t, root, "db1", "t1", ".jsongz", gzipMembers(t, data[:7], data[7:]))

	server := rdbtest.NewServer()
	r, _ := newRestorer(server, 4, Options{})

	report, err := r.Run(context.Background(), root)
	require.NoError(t, err)
	require.NoError(t, report.Err())

	require.Equal(t, 1, server.Calls("CreateDatabase"))
	require.Equal(t, 1, server.Calls("CreateTable"))
	require.Equal(t, []rdbtest.Insert{{Database: "db1", Table: "t1", Size: 2}}, server.Inserts())
	tbl, _ := server.Table("db1", "t1")
	require.Equal(t, []json.RawMessage{json.RawMessage(`{"id":1}`), json.RawMessage(`{"id":2}`)}, tbl.Records)
}

func TestRunSplitsIntoBatches(t *testing.T) {
	root := t.TempDir()
	writeTable(t, root, "db1", "t1", ".json", records(250))

	server := rdbtest.NewServer()
	r, _ := newRestorer(server, 4, Options{})

	report, err := r.Run(context.Background(), root)
	require.NoError(t, err)
	require.NoError(t, report.Err())

	require.Equal(t, []rdbtest.Insert{
		{Database: "db1", Table: "t1", Size: 200},
		{Database: "db1", Table: "t1", Size: 50},
	}, server.Inserts())

	tbl, _ := server.Table("db1", "t1")
	require.Len(t, tbl.Records, 250)
	for i, rec := range tbl.Records {
		require.Equal(t, fmt.Sprintf(`{"id":%d}`, i+1), string(rec))
	}
}

func TestRunVerificationFailureStopsOnlyThatUnit(t *testing.T) {
	root := t.TempDir()
	writeTable(t, root, "db1", "t1", ".json", records(6))
	writeTable(t, root, "db1", "t2", ".json", records(6))
	writeTable(t, root, "db2", "t3", ".jsongz", gzipMembers(t, records(5)))

	server := rdbtest.NewServer()
	server.Outcome = func(db, table string, n int, recs []json.RawMessage) (rdb.WriteOutcome, error) {
		if table == "t1" && n == 1 {
			return rdb.WriteOutcome{Inserted: uint(len(recs) - 1), Errors: []string{"duplicate primary key"}}, nil
		}
		return rdb.WriteOutcome{Inserted: uint(len(recs))}, nil
	}
	r, store := newRestorer(server, 4, Options{BatchSize: 2})

	report, err := r.Run(context.Background(), root)
	require.NoError(t, err)
	require.ErrorIs(t, report.Err(), ErrWriteVerificationFailed)
	require.Equal(t, ExitPartial, report.ExitCode())
	require.Len(t, report.Failures, 1)

	require.Len(t, server.InsertsFor("db1", "t1"), 2)
	t1, _ := server.Table("db1", "t1")
	require.Len(t, t1.Records, 2)

	t2, _ := server.Table("db1", "t2")
	require.Len(t, t2.Records, 6)
	t3, _ := server.Table("db2", "t3")
	require.Len(t, t3.Records, 5)

	require.Equal(t, unit.Summary{Total: 3, Succeeded: 2, Failed: 1}, store.Summary())
	for _, u := range report.Units {
		if u.Table != "t1" {
			require.Equal(t, unit.StatusSucceeded, u.Status)
			continue
		}
		require.Equal(t, unit.StatusFailed, u.Status)
		require.Equal(t, string(KindWriteVerificationFailed), u.ErrorKind)
		require.Contains(t, u.LastError, "duplicate primary key")
		require.EqualValues(t, 1, u.BatchesWritten)
		require.EqualValues(t, 2, u.RecordsWritten)
	}
}

func TestRunEmptyArray(t *testing.T) {
	root := t.TempDir()
	writeTable(t, root, "db1", "t1", ".json", []byte("[ \n ]"))

	server := rdbtest.NewServer()
	r, _ := newRestorer(server, 2, Options{})

	report, err := r.Run(context.Background(), root)
	require.NoError(t, err)
	require.NoError(t, report.Err())
	require.Empty(t, server.Inserts())
	require.Equal(t, unit.StatusSucceeded, report.Units[0].Status)
}

func TestRunEmptyFilesAreTruncated(t *testing.T) {
	root := t.TempDir()
	writeTable(t, root, "db1", "t1", ".json", nil)
	writeTable(t, root, "db1", "t2", ".jsongz", nil)

	server := rdbtest.NewServer()
	r, _ := newRestorer(server, 2, Options{})

	report, err := r.Run(context.Background(), root)
	require.NoError(t, err)
	require.NoError(t, report.Err())
	require.Equal(t, ExitOK, report.ExitCode())
	require.Empty(t, server.Inserts())
	require.Len(t, report.Units, 2)
	for _, u := range report.Units {
		require.Equal(t, unit.StatusSucceeded, u.Status, u.Path)
		require.True(t, u.Truncated, u.Path)
		require.Equal(t, string(KindMalformedInput), u.ErrorKind, u.Path)
	}
}

func TestRunRecordsPassThroughUnchanged(t *testing.T) {
	root := t.TempDir()
	recs := []string{
		`{"id":1,"price":1.50,"big":12345678901234567890}`,
		`{"id":"x","blob":{"$reql_type$":"BINARY","data":"AAEC/w=="},"none":null}`,
		`{"id":3,"nested":{"a":[1,{"b":"c\"]"}],"e":"é"}}`,
	}
	writeTable(t, root, "db1", "t1", ".json", []byte("[\n  "+strings.Join(recs, ",\n  ")+"\n]\n"))

	server := rdbtest.NewServer()
	r, _ := newRestorer(server, 2, Options{})

	report, err := r.Run(context.Background(), root)
	require.NoError(t, err)
	require.NoError(t, report.Err())

	tbl, _ := server.Table("db1", "t1")
	require.Len(t, tbl.Records, len(recs))
	for i, rec := range tbl.Records {
		require.Equal(t, recs[i], string(rec))
	}
}

func TestRunTruncatesMalformedTail(t *testing.T) {
	root := t.TempDir()
	writeTable(t, root, "db1", "t1", ".json", []byte(`[{"id":1},{"id":2},{"id":3}, oops]`))

	server := rdbtest.NewServer()
	r, _ := newRestorer(server, 2, Options{BatchSize: 2})

	report, err := r.Run(context.Background(), root)
	require.NoError(t, err)
	require.NoError(t, report.Err())
	require.Equal(t, ExitOK, report.ExitCode())

	require.Equal(t, []rdbtest.Insert{
		{Database: "db1", Table: "t1", Size: 2},
		{Database: "db1", Table: "t1", Size: 1},
	}, server.Inserts())

	u := report.Units[0]
	require.Equal(t, unit.StatusSucceeded, u.Status)
	require.True(t, u.Truncated)
	require.Equal(t, string(KindMalformedInput), u.ErrorKind)
	require.EqualValues(t, 3, u.RecordsWritten)
	require.Equal(t, 1, report.Summary.Truncated)
}

func TestRunFailPolicyFailsUnit(t *testing.T) {
	root := t.TempDir()
	writeTable(t, root, "db1", "t1", ".json", []byte(`[{"id":1},{"id":2},{"id":3}, oops]`))
	writeTable(t, root, "db1", "t2", ".json", records(3))

	server := rdbtest.NewServer()
	r, _ := newRestorer(server, 2, Options{BatchSize: 2, DecodeErrors: DecodeFail})

	report, err := r.Run(context.Background(), root)
	require.NoError(t, err)
	require.Equal(t, ExitPartial, report.ExitCode())
	require.Len(t, report.Failures, 1)
	require.Equal(t, KindMalformedInput, KindOf(report.Failures[0]))

	// The full batch decoded before the bad byte is written, the partial one is not.
	require.Equal(t, []rdbtest.Insert{{Database: "db1", Table: "t1", Size: 2}}, server.InsertsFor("db1", "t1"))
	t2, _ := server.Table("db1", "t2")
	require.Len(t, t2.Records, 3)

	for _, u := range report.Units {
		if u.Table == "t1" {
			require.Equal(t, unit.StatusFailed, u.Status)
			require.False(t, u.Truncated)
		}
	}
}

func TestRunMalformedFirstPullWritesNothing(t *testing.T) {
	root := t.TempDir()
	writeTable(t, root, "db1", "t1", ".json", []byte(`{"id":1}`))

	server := rdbtest.NewServer()
	r, _ := newRestorer(server, 2, Options{})

	report, err := r.Run(context.Background(), root)
	require.NoError(t, err)
	require.Empty(t, server.Inserts())
	require.True(t, report.Units[0].Truncated)
	require.EqualValues(t, 0, report.Units[0].RecordsRead)
}

func TestRunMissingRoot(t *testing.T) {
	server := rdbtest.NewServer()
	r, _ := newRestorer(server, 2, Options{})

	report, err := r.Run(context.Background(), filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
	require.Nil(t, report)
	require.Zero(t, server.Dials())
}

func TestRunMetadataParseAborts(t *testing.T) {
	root := t.TempDir()
	writeTable(t, root, "db1", "t1", ".json", records(2))
	writeFile(t, filepath.Join(root, "db1", "broken.info"), []byte(`{"name":"broken"`))

	server := rdbtest.NewServer()
	r, _ := newRestorer(server, 2, Options{})

	_, err := r.Run(context.Background(), root)
	require.ErrorIs(t, err, catalog.ErrMetadataParse)
	require.Equal(t, KindMetadataParse, KindOf(err))
	require.Zero(t, server.Calls("CreateDatabase"))
	require.Empty(t, server.Inserts())
}

func TestRunSchemaFailureIsReported(t *testing.T) {
	root := t.TempDir()
	writeTable(t, root, "db1", "t1", ".json", records(2))

	server := rdbtest.NewServer()
	server.Fail = func(op, db, name string) error {
		if op == "CreateTable" {
			return fmt.Errorf("permission denied")
		}
		return nil
	}
	r, _ := newRestorer(server, 2, Options{})

	report, err := r.Run(context.Background(), root)
	require.NoError(t, err)
	require.Equal(t, ExitPartial, report.ExitCode())
	require.Len(t, report.Schema.Failures, 1)
	// The table was never created, so the server rejects the write.
	require.Len(t, report.Failures, 1)
	require.Equal(t, KindIO, KindOf(report.Failures[0]))
	require.Contains(t, report.Failures[0].Error(), "table db1.t1 does not exist")
	require.NotErrorIs(t, report.Failures[0], rdb.ErrConnectionUnavailable)
}

func TestRunBoundedByPool(t *testing.T) {
	root := t.TempDir()
	for i := 0; i < 8; i++ {
		writeTable(t, root, "db1", fmt.Sprintf("t%d", i), ".json", records(20))
	}

	server := rdbtest.NewServer()
	server.Outcome = func(db, table string, n int, recs []json.RawMessage) (rdb.WriteOutcome, error) {
		time.Sleep(2 * time.Millisecond)
		return rdb.WriteOutcome{Inserted: uint(len(recs))}, nil
	}
	r, _ := newRestorer(server, 2, Options{BatchSize: 5, MaxParallelFiles: 4})

	report, err := r.Run(context.Background(), root)
	require.NoError(t, err)
	require.NoError(t, report.Err())
	require.LessOrEqual(t, server.MaxConcurrent(), 2)
	require.LessOrEqual(t, server.Dials(), 2)
	require.Len(t, server.Inserts(), 8*4)
	require.Equal(t, 8, report.Summary.Succeeded)
}

func TestImportConnectionUnavailable(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "db1", "t1.json")
	writeFile(t, path, records(3))

	server := rdbtest.NewServer()
	server.DialErr = fmt.Errorf("connection refused")
	pool := rdb.NewPool(server.Dial, rdb.PoolConfig{Size: 1}, discardLogger())
	store := unit.NewStore()
	im := NewImporter(pool, ImportConfig{}, store, nil, discardLogger())

	u := &unit.Unit{Database: "db1", Table: "t1", Path: path, Format: "json"}
	store.Register(u)

	err := im.Import(context.Background(), u)
	require.ErrorIs(t, err, rdb.ErrConnectionUnavailable)

	got, _ := store.Get(u.ID)
	require.Equal(t, unit.StatusFailed, got.Status)
	require.Equal(t, string(KindConnectionUnavailable), got.ErrorKind)
	require.NotNil(t, got.FinishedAt)
}

func TestImportDiscardsBrokenSession(t *testing.T) {
	driverErrs := map[string]error{
		"connection closed": fmt.Errorf("%w: %w", rdb.ErrConnectionLost, rethinkdb.ErrConnectionClosed),
		"connection error":  fmt.Errorf("%w: %w", rdb.ErrConnectionLost, rethinkdb.RQLConnectionError{}),
		"unexpected eof":    io.ErrUnexpectedEOF,
	}
	for name, driverErr := range driverErrs {
		t.Run(name, func(t *testing.T) {
			root := t.TempDir()
			path := filepath.Join(root, "db1", "t1.json")
			writeFile(t, path, records(3))

			server := rdbtest.NewServer()
			server.Outcome = func(db, table string, n int, recs []json.RawMessage) (rdb.WriteOutcome, error) {
				return rdb.WriteOutcome{}, driverErr
			}
			pool := rdb.NewPool(server.Dial, rdb.PoolConfig{Size: 1}, discardLogger())
			store := unit.NewStore()
			im := NewImporter(pool, ImportConfig{}, store, nil, discardLogger())

			u := &unit.Unit{Database: "db1", Table: "t1", Path: path, Format: "json"}
			store.Register(u)

			err := im.Import(context.Background(), u)
			require.ErrorIs(t, err, rdb.ErrConnectionUnavailable)
			require.Equal(t, KindConnectionUnavailable, KindOf(err))
			require.Equal(t, 1, server.Closed())
			require.Zero(t, pool.Idle())
		})
	}
}

func TestImportMissingFile(t *testing.T) {
	server := rdbtest.NewServer()
	pool := rdb.NewPool(server.Dial, rdb.PoolConfig{Size: 1}, discardLogger())
	store := unit.NewStore()
	im := NewImporter(pool, ImportConfig{}, store, nil, discardLogger())

	u := &unit.Unit{Database: "db1", Table: "t1", Path: filepath.Join(t.TempDir(), "nope.json"), Format: "json"}
	store.Register(u)

	err := im.Import(context.Background(), u)
	require.Error(t, err)
	require.Equal(t, KindIO, KindOf(err))
	require.Zero(t, server.Dials())
}

func TestImportCanceledContext(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "db1", "t1.json")
	writeFile(t, path, records(3))

	server := rdbtest.NewServer()
	pool := rdb.NewPool(server.Dial, rdb.PoolConfig{Size: 1}, discardLogger())
	store := unit.NewStore()
	im := NewImporter(pool, ImportConfig{}, store, nil, discardLogger())

	u := &unit.Unit{Database: "db1", Table: "t1", Path: path, Format: "json"}
	store.Register(u)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := im.Import(ctx, u)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, KindCanceled, KindOf(err))
	require.Empty(t, server.Inserts())
}
