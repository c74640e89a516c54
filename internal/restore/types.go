package restore

import (
	"fmt"
	"strings"

	json "github.com/goccy/go-json"
)

// DefaultBatchSize is the number of records written per insert request.
const DefaultBatchSize = 200

// Batch is a run of consecutive records of one data file
type Batch struct {
	No      int64
	Records []json.RawMessage
}

// DecodePolicy decides what happens to a unit whose data file turns out
// to be malformed part way through.
type DecodePolicy string

const (
	// DecodeTruncate keeps what was decoded before the bad input, writes it
	// and lets the unit succeed with the Truncated flag set.
	DecodeTruncate DecodePolicy = "truncate"
	// DecodeFail fails the unit. Batches already written stay written.
	DecodeFail DecodePolicy = "fail"
)

// ParseDecodePolicy parses a policy name; the empty string means truncate.
func ParseDecodePolicy(s string) (DecodePolicy, error) {
	switch p := DecodePolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return DecodeTruncate, nil
	case DecodeTruncate, DecodeFail:
		return p, nil
	default:
		return "", fmt.Errorf("invalid decode error policy %q (want %q or %q)", s, DecodeTruncate, DecodeFail)
	}
}
