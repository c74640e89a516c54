package restore

import (
	"fmt"
	"sync"
	"time"
)

// Timings tracks timing metrics for the stages of the batch pipeline
type Timings struct {
	mu sync.Mutex

	// Decoding records until a batch is full
	DecodeTotal time.Duration
	DecodeCount int64

	// Waiting for a pooled session
	AcquireTotal time.Duration
	AcquireCount int64

	// Insert round trips
	InsertTotal time.Duration
	InsertCount int64
}

// NewTimings creates a new Timings instance
func NewTimings() *Timings {
	return &Timings{}
}

// ObserveDecode records the time spent decoding one batch
func (t *Timings) ObserveDecode(duration time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.DecodeTotal += duration
	t.DecodeCount++
}

// ObserveAcquire records the time spent waiting for a session
func (t *Timings) ObserveAcquire(duration time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.AcquireTotal += duration
	t.AcquireCount++
}

// ObserveInsert records an insert round trip
func (t *Timings) ObserveInsert(duration time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.InsertTotal += duration
	t.InsertCount++
}

// String returns a formatted summary of all timings
func (t *Timings) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var result string
	add := func(name string, total time.Duration, count int64) {
		if count > 0 {
			avg := total / time.Duration(count)
			result += fmt.Sprintf("%s: total=%v count=%d avg=%v; ", name, total, count, avg)
		}
	}
	add("Decode", t.DecodeTotal, t.DecodeCount)
	add("Session acquire", t.AcquireTotal, t.AcquireCount)
	add("Insert", t.InsertTotal, t.InsertCount)

	if result == "" {
		return "No timings recorded"
	}

	// Remove trailing "; "
	return result[:len(result)-2]
}
