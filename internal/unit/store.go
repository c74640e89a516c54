package unit

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned for an unknown unit ID
var ErrNotFound = errors.New("unit not found")

// Store tracks restore units in memory. Readers get copies, so the status
// API can serve snapshots while importers keep updating.
type Store struct {
	mu    sync.RWMutex
	units map[string]*Unit
	order []string
}

// NewStore creates an empty unit store
func NewStore() *Store {
	return &Store{units: make(map[string]*Unit)}
}

// Register assigns an ID to u, marks it queued and returns the ID
func (s *Store) Register(u *Unit) string {
	u.ID = uuid.New().String()
	u.Status = StatusQueued

	s.mu.Lock()
	s.units[u.ID] = u
	s.order = append(s.order, u.ID)
	s.mu.Unlock()
	return u.ID
}

// Get returns a snapshot of a unit
func (s *Store) Get(id string) (Unit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.units[id]
	if !ok {
		return Unit{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return *u, nil
}

// List returns snapshots of all units in registration order
func (s *Store) List() []Unit {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Unit, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.units[id])
	}
	return out
}

// UpdateStatus moves a unit to status and stamps start/finish times
func (s *Store) UpdateStatus(id string, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.units[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	u.Status = status
	now := time.Now()

	switch status {
	case StatusRunning:
		if u.StartedAt == nil {
			u.StartedAt = &now
		}
	case StatusSucceeded, StatusFailed:
		if u.FinishedAt == nil {
			u.FinishedAt = &now
		}
	}
	return nil
}

// UpdateProgress sets the unit counters
func (s *Store) UpdateProgress(id string, recordsRead, batchesWritten, recordsWritten int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.units[id]
	if !ok {
		return
	}

	u.RecordsRead = recordsRead
	u.BatchesWritten = batchesWritten
	u.RecordsWritten = recordsWritten
}

// UpdateError records the last error and its kind; a nil err clears both
func (s *Store) UpdateError(id, kind string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.units[id]
	if !ok {
		return
	}

	if err != nil {
		u.LastError = err.Error()
		u.ErrorKind = kind
	} else {
		u.LastError = ""
		u.ErrorKind = ""
	}
}

// MarkTruncated flags the unit as stopped early by malformed input
func (s *Store) MarkTruncated(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if u, ok := s.units[id]; ok {
		u.Truncated = true
	}
}

// Summary counts units by status
func (s *Store) Summary() Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sum := Summary{Total: len(s.units)}
	for _, u := range s.units {
		switch u.Status {
		case StatusQueued:
			sum.Queued++
		case StatusRunning:
			sum.Running++
		case StatusSucceeded:
			sum.Succeeded++
		case StatusFailed:
			sum.Failed++
		}
		if u.Truncated {
			sum.Truncated++
		}
	}
	return sum
}
