package unit

import (
	"time"

	"github.com/ryabkov82/rdbrestore/internal/dump"
)

// Status represents the lifecycle state of a restore unit
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Finished reports whether the status is terminal
func (s Status) Finished() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// Unit is the import of one data file into one table
type Unit struct {
	ID       string      `json:"id"`
	Database string      `json:"db"`
	Table    string      `json:"table"`
	Path     string      `json:"path"`
	Format   dump.Format `json:"format"`

	Status     Status     `json:"status"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`

	RecordsRead    int64 `json:"recordsRead"`
	BatchesWritten int64 `json:"batchesWritten"`
	RecordsWritten int64 `json:"recordsWritten"`

	// Truncated is set when the data file ended in malformed input and
	// only the records decoded before it were written.
	Truncated bool   `json:"truncated"`
	LastError string `json:"lastError,omitempty"`
	ErrorKind string `json:"errorKind,omitempty"`
}

// FromDataFile builds a queued unit for a discovered data file
func FromDataFile(f dump.DataFile) *Unit {
	return &Unit{
		Database: f.Database,
		Table:    f.Table,
		Path:     f.Path,
		Format:   f.Format,
		Status:   StatusQueued,
	}
}

// DataFile returns the data file the unit reads from
func (u *Unit) DataFile() dump.DataFile {
	return dump.DataFile{Path: u.Path, Database: u.Database, Table: u.Table, Format: u.Format}
}

// Summary counts units by outcome
type Summary struct {
	Total     int `json:"total"`
	Queued    int `json:"queued"`
	Running   int `json:"running"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Truncated int `json:"truncated"`
}
