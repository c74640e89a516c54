package restore

import (
	"context"
	"errors"

	"github.com/ryabkov82/rdbrestore/internal/catalog"
	"github.com/ryabkov82/rdbrestore/internal/jsonarray"
	"github.com/ryabkov82/rdbrestore/internal/rdb"
	"github.com/ryabkov82/rdbrestore/internal/schema"
)

// ErrWriteVerificationFailed is returned when the server accounts for a
// different number of records than the batch held.
var ErrWriteVerificationFailed = errors.New("write verification failed")

// ErrorKind classifies a failure for reporting.
type ErrorKind string

const (
	KindMalformedInput          ErrorKind = "MalformedInput"
	KindMetadataParse           ErrorKind = "MetadataParse"
	KindWriteVerificationFailed ErrorKind = "WriteVerificationFailed"
	KindConnectionUnavailable   ErrorKind = "ConnectionUnavailable"
	KindSchemaOperationFailed   ErrorKind = "SchemaOperationFailed"
	KindCanceled                ErrorKind = "Canceled"
	KindIO                      ErrorKind = "IO"
)

// KindOf returns the kind of err, or "" for nil.
// Anything not produced by the restore pipeline itself is an I/O failure.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCanceled
	case errors.Is(err, jsonarray.ErrMalformedInput):
		return KindMalformedInput
	case errors.Is(err, ErrWriteVerificationFailed):
		return KindWriteVerificationFailed
	case errors.Is(err, rdb.ErrConnectionUnavailable):
		return KindConnectionUnavailable
	case errors.Is(err, catalog.ErrMetadataParse):
		return KindMetadataParse
	case errors.Is(err, schema.ErrSchemaOperationFailed):
		return KindSchemaOperationFailed
	default:
		return KindIO
	}
}
