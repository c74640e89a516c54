package restore

import (
	"errors"
	"time"

	"github.com/ryabkov82/rdbrestore/internal/schema"
	"github.com/ryabkov82/rdbrestore/internal/unit"
)

const (
	// ExitOK means every schema operation and every unit succeeded.
	ExitOK = 0
	// ExitFatal means the run could not start or finish.
	ExitFatal = 1
	// ExitPartial means the run finished but something in it failed.
	ExitPartial = 2
)

// Report is the aggregate result of a restore run.
type Report struct {
	Schema   *schema.Result
	Units    []unit.Unit
	Summary  unit.Summary
	Failures []error
	Duration time.Duration
}

// Failed reports whether any schema operation or unit failed.
func (r *Report) Failed() bool {
	return len(r.Failures) > 0 || (r.Schema != nil && len(r.Schema.Failures) > 0)
}

// Err joins schema and unit failures, or returns nil.
func (r *Report) Err() error {
	var errs []error
	if r.Schema != nil {
		errs = append(errs, r.Schema.Failures...)
	}
	errs = append(errs, r.Failures...)
	return errors.Join(errs...)
}

// ExitCode maps the report to a process exit status.
func (r *Report) ExitCode() int {
	if r.Failed() {
		return ExitPartial
	}
	return ExitOK
}
