package rdb

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/pkg/errors"
	r "gopkg.in/rethinkdb/rethinkdb-go.v6"
)

// ConnectOptions locate and authenticate against the server.
type ConnectOptions struct {
	Address  string
	Username string
	Password string
	Timeout  time.Duration
}

// Dial returns a Dialer opening single-connection driver sessions.
// Pooling is done by Pool, not by the driver.
func Dial(opts ConnectOptions) Dialer {
	return func(ctx context.Context) (Conn, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		session, err := r.Connect(r.ConnectOpts{
			Address:    opts.Address,
			Username:   opts.Username,
			Password:   opts.Password,
			Timeout:    opts.Timeout,
			InitialCap: 1,
			MaxOpen:    1,
		})
		if err != nil {
			return nil, errors.Wrapf(err, "connect to %s", opts.Address)
		}
		return newReqlConn(session, func() error { return session.Close() }), nil
	}
}

type reqlConn struct {
	exec  r.QueryExecutor
	close func() error
}

func newReqlConn(exec r.QueryExecutor, closer func() error) *reqlConn {
	return &reqlConn{exec: exec, close: closer}
}

func (c *reqlConn) run(ctx context.Context, term r.Term) (r.WriteResponse, error) {
	resp, err := term.RunWrite(c.exec, r.RunOpts{Context: ctx})
	return resp, connectionLost(err)
}

// connectionLost marks the driver's transport failures with ErrConnectionLost
// so IsConnectionError recognizes them.
func connectionLost(err error) error {
	if err == nil {
		return nil
	}
	var connErr r.RQLConnectionError
	if errors.As(err, &connErr) ||
		errors.Is(err, r.ErrConnectionClosed) ||
		errors.Is(err, r.ErrNoConnections) {
		return fmt.Errorf("%w: %w", ErrConnectionLost, err)
	}
	return err
}

func (c *reqlConn) CreateDatabase(ctx context.Context, name string) error {
	_, err := c.run(ctx, r.DBCreate(name))
	return wrapSchemaError(err, "create database %s", name)
}

func (c *reqlConn) CreateTable(ctx context.Context, db, name, primaryKey string) error {
	_, err := c.run(ctx, r.DB(db).TableCreate(name, r.TableCreateOpts{PrimaryKey: primaryKey}))
	return wrapSchemaError(err, "create table %s.%s", db, name)
}

func (c *reqlConn) CreateIndex(ctx context.Context, db, table, name string, definition []byte) error {
	term := r.DB(db).Table(table).IndexCreateFunc(name, BinaryValue(definition))
	_, err := c.run(ctx, term)
	return wrapSchemaError(err, "create index %s on %s.%s", name, db, table)
}

// InsertBatch sends the records as one JSON array that the server parses
// itself, so the record bytes reach it untouched.
func (c *reqlConn) InsertBatch(ctx context.Context, db, table string, records []json.RawMessage) (WriteOutcome, error) {
	resp, err := c.run(ctx, r.DB(db).Table(table).Insert(r.JSON(joinRecords(records))))
	out := WriteOutcome{
		Inserted:  nonNegative(resp.Inserted),
		Replaced:  nonNegative(resp.Replaced),
		Unchanged: nonNegative(resp.Unchanged),
	}
	if resp.Errors > 0 {
		// The driver turns per-document errors into a call error; the
		// outcome carries them instead so the caller can verify counts.
		out.Errors = []string{resp.FirstError}
		return out, nil
	}
	if err != nil {
		return out, errors.Wrapf(err, "insert into %s.%s", db, table)
	}
	return out, nil
}

func (c *reqlConn) DropDatabase(ctx context.Context, name string) error {
	_, err := c.run(ctx, r.DBDrop(name))
	return errors.Wrapf(err, "drop database %s", name)
}

func (c *reqlConn) DropTable(ctx context.Context, db, name string) error {
	_, err := c.run(ctx, r.DB(db).TableDrop(name))
	return errors.Wrapf(err, "drop table %s.%s", db, name)
}

func (c *reqlConn) Close() error {
	if c.close == nil {
		return nil
	}
	return c.close()
}

func wrapSchemaError(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "already exists") {
		return errors.Wrapf(ErrAlreadyExists, format+": %v", append(args, err)...)
	}
	return errors.Wrapf(err, format, args...)
}

func joinRecords(records []json.RawMessage) string {
	n := 2
	for _, rec := range records {
		n += len(rec) + 1
	}
	var b bytes.Buffer
	b.Grow(n)
	b.WriteByte('[')
	for i, rec := range records {
		if i > 0 {
			b.WriteByte(',')
		}
		b.Write(rec)
	}
	b.WriteByte(']')
	return b.String()
}

func nonNegative(n int) uint {
	if n < 0 {
		return 0
	}
	return uint(n)
}
