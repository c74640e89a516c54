// Package rdbtest provides an in-memory stand-in for the database server.
package rdbtest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	json "github.com/goccy/go-json"
	"github.com/pkg/errors"

	"github.com/ryabkov82/rdbrestore/internal/rdb"
)

// Table is the recorded state of one table.
type Table struct {
	PrimaryKey string
	Indexes    map[string][]byte
	IndexOrder []string
	Records    []json.RawMessage
}

// Insert is one recorded InsertBatch call.
type Insert struct {
	Database string
	Table    string
	Size     int
}

// OutcomeFunc decides the outcome of the nth insert (0-based, per table).
type OutcomeFunc func(db, table string, n int, records []json.RawMessage) (rdb.WriteOutcome, error)

// Server records schema operations and inserts. It is safe for concurrent use.
type Server struct {
	// Outcome overrides the default all-inserted outcome when set.
	Outcome OutcomeFunc
	// DialErr, when set, is returned by Dial.
	DialErr error
	// Fail, when set, may reject a schema operation before it is applied.
	// name is the table for table operations and the index for CreateIndex.
	Fail func(op, db, name string) error

	mu        sync.Mutex
	databases map[string]map[string]*Table
	inserts   []Insert
	perTable  map[string]int
	calls     map[string]int

	dials    atomic.Int64
	inFlight atomic.Int64
	maxSeen  atomic.Int64
	closed   atomic.Int64
}

// NewServer returns an empty server.
func NewServer() *Server {
	return &Server{
		databases: make(map[string]map[string]*Table),
		perTable:  make(map[string]int),
		calls:     make(map[string]int),
	}
}

// Dial implements rdb.Dialer.
func (s *Server) Dial(ctx context.Context) (rdb.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.dials.Add(1)
	if s.DialErr != nil {
		return nil, s.DialErr
	}
	return &conn{server: s}, nil
}

// Dials returns the number of Dial calls.
func (s *Server) Dials() int { return int(s.dials.Load()) }

// Closed returns the number of closed connections.
func (s *Server) Closed() int { return int(s.closed.Load()) }

// MaxConcurrent returns the highest number of operations seen in flight at once.
func (s *Server) MaxConcurrent() int { return int(s.maxSeen.Load()) }

// Calls returns how many times the named operation was called.
func (s *Server) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// Inserts returns the recorded insert calls in call order.
func (s *Server) Inserts() []Insert {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Insert(nil), s.inserts...)
}

// InsertsFor returns the recorded insert calls for one table.
func (s *Server) InsertsFor(db, table string) []Insert {
	var out []Insert
	for _, in := range s.Inserts() {
		if in.Database == db && in.Table == table {
			out = append(out, in)
		}
	}
	return out
}

// Databases returns the names of existing databases.
func (s *Server) Databases() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for name := range s.databases {
		out = append(out, name)
	}
	return out
}

// Table returns a copy of the state of db.table.
func (s *Server) Table(db, table string) (Table, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.databases[db][table]
	if !ok {
		return Table{}, false
	}
	cp := Table{
		PrimaryKey: t.PrimaryKey,
		Indexes:    make(map[string][]byte, len(t.Indexes)),
		IndexOrder: append([]string(nil), t.IndexOrder...),
		Records:    append([]json.RawMessage(nil), t.Records...),
	}
	for k, v := range t.Indexes {
		cp.Indexes[k] = append([]byte(nil), v...)
	}
	return cp, true
}

func (s *Server) fail(op, db, name string) error {
	if s.Fail == nil {
		return nil
	}
	return s.Fail(op, db, name)
}

func (s *Server) enter(op string) func() {
	n := s.inFlight.Add(1)
	for {
		seen := s.maxSeen.Load()
		if n <= seen || s.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}
	s.mu.Lock()
	s.calls[op]++
	s.mu.Unlock()
	return func() { s.inFlight.Add(-1) }
}

type conn struct {
	server *Server
	closed bool
}

func (c *conn) CreateDatabase(ctx context.Context, name string) error {
	s := c.server
	defer s.enter("CreateDatabase")()
	if err := s.fail("CreateDatabase", name, ""); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.databases[name]; ok {
		return errors.Wrapf(rdb.ErrAlreadyExists, "database %s", name)
	}
	s.databases[name] = make(map[string]*Table)
	return nil
}

func (c *conn) CreateTable(ctx context.Context, db, name, primaryKey string) error {
	s := c.server
	defer s.enter("CreateTable")()
	if err := s.fail("CreateTable", db, name); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tables, ok := s.databases[db]
	if !ok {
		return fmt.Errorf("database %s does not exist", db)
	}
	if _, ok := tables[name]; ok {
		return errors.Wrapf(rdb.ErrAlreadyExists, "table %s.%s", db, name)
	}
	tables[name] = &Table{PrimaryKey: primaryKey, Indexes: make(map[string][]byte)}
	return nil
}

func (c *conn) CreateIndex(ctx context.Context, db, table, name string, definition []byte) error {
	s := c.server
	defer s.enter("CreateIndex")()
	if err := s.fail("CreateIndex", db, name); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.databases[db][table]
	if !ok {
		return fmt.Errorf("table %s.%s does not exist", db, table)
	}
	if _, ok := t.Indexes[name]; ok {
		return errors.Wrapf(rdb.ErrAlreadyExists, "index %s", name)
	}
	t.Indexes[name] = append([]byte(nil), definition...)
	t.IndexOrder = append(t.IndexOrder, name)
	return nil
}

func (c *conn) InsertBatch(ctx context.Context, db, table string, records []json.RawMessage) (rdb.WriteOutcome, error) {
	s := c.server
	defer s.enter("InsertBatch")()

	s.mu.Lock()
	key := db + "." + table
	n := s.perTable[key]
	s.perTable[key]++
	s.inserts = append(s.inserts, Insert{Database: db, Table: table, Size: len(records)})
	outcomeFn := s.Outcome
	s.mu.Unlock()

	if outcomeFn != nil {
		out, err := outcomeFn(db, table, n, records)
		if err != nil || out.Written() != uint(len(records)) {
			return out, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.databases[db][table]
	if !ok {
		return rdb.WriteOutcome{}, fmt.Errorf("table %s.%s does not exist", db, table)
	}
	t.Records = append(t.Records, records...)
	return rdb.WriteOutcome{Inserted: uint(len(records))}, nil
}

func (c *conn) DropDatabase(ctx context.Context, name string) error {
	s := c.server
	defer s.enter("DropDatabase")()
	if err := s.fail("DropDatabase", name, ""); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.databases[name]; !ok {
		return fmt.Errorf("database %s does not exist", name)
	}
	delete(s.databases, name)
	return nil
}

func (c *conn) DropTable(ctx context.Context, db, name string) error {
	s := c.server
	defer s.enter("DropTable")()
	if err := s.fail("DropTable", db, name); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tables, ok := s.databases[db]
	if !ok {
		return fmt.Errorf("database %s does not exist", db)
	}
	if _, ok := tables[name]; !ok {
		return fmt.Errorf("table %s.%s does not exist", db, name)
	}
	delete(tables, name)
	return nil
}

func (c *conn) Close() error {
	if !c.closed {
		c.closed = true
		c.server.closed.Add(1)
	}
	return nil
}
