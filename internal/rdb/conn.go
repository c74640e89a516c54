// Package rdb talks to the target database server: a bounded pool of
// sessions and the handful of schema and write operations a restore needs.
package rdb

import (
	"context"
	"fmt"
	"io"
	"net"

	json "github.com/goccy/go-json"
	"github.com/pkg/errors"
)

var (
	// ErrConnectionUnavailable is returned when no session could be obtained.
	ErrConnectionUnavailable = errors.New("connection unavailable")
	// ErrAlreadyExists is wrapped when a created database, table or index already exists.
	ErrAlreadyExists = errors.New("already exists")
	// ErrPoolClosed is returned by Acquire after Close.
	ErrPoolClosed = errors.New("session pool closed")
	// ErrConnectionLost is wrapped by driver errors that leave the connection unusable.
	ErrConnectionLost = errors.New("connection lost")
)

// binaryType is the pseudo-type tag of the server's binary values.
const binaryType = "BINARY"

// Conn is one server connection.
type Conn interface {
	CreateDatabase(ctx context.Context, name string) error
	CreateTable(ctx context.Context, db, name, primaryKey string) error
	CreateIndex(ctx context.Context, db, table, name string, definition []byte) error
	InsertBatch(ctx context.Context, db, table string, records []json.RawMessage) (WriteOutcome, error)
	DropDatabase(ctx context.Context, name string) error
	DropTable(ctx context.Context, db, name string) error
	Close() error
}

// WriteOutcome is the server's account of one batch write.
type WriteOutcome struct {
	Inserted  uint     `json:"inserted"`
	Replaced  uint     `json:"replaced"`
	Unchanged uint     `json:"unchanged"`
	Errors    []string `json:"errors,omitempty"`
}

// Written returns the number of records the server accounted for.
func (o WriteOutcome) Written() uint {
	return o.Inserted + o.Replaced + o.Unchanged
}

// Verify checks that the outcome accounts for exactly n records.
func (o WriteOutcome) Verify(n int) error {
	if n < 0 || o.Written() != uint(n) {
		msg := fmt.Sprintf("inserted=%d replaced=%d unchanged=%d, batch size %d",
			o.Inserted, o.Replaced, o.Unchanged, n)
		if len(o.Errors) > 0 {
			msg += fmt.Sprintf(" (errors: %v)", o.Errors)
		}
		return errors.New(msg)
	}
	return nil
}

// BinaryValue wraps opaque bytes in the server's binary envelope.
// The bytes are placed in the envelope as they are; they must already be
// transport-encoded.
func BinaryValue(data []byte) map[string]any {
	return map[string]any{
		"$reql_type$": binaryType,
		"data":        string(data),
	}
}

// IsConnectionError reports whether err means the connection itself is no
// longer usable, as opposed to the server rejecting a query.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrConnectionLost) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
