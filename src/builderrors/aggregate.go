package builderrors

import (
	"github.com/hashicorp/go-multierror"
)

// Aggregate collects independently-failed targets under resilient scheduling
// (§4.6, §7): rather than surfacing only the first failure, every recoverable
// per-target failure is appended so the final BuildReport can list all of
// them. Grounded on the teacher's use of hashicorp/go-multierror to combine
// concurrent worker errors in its build step fan-out.
type Aggregate struct {
	merr *multierror.Error
}

// NewAggregate returns an empty Aggregate ready to accumulate failures.
func NewAggregate() *Aggregate {
	return &Aggregate{merr: &multierror.Error{
		ErrorFormat: formatAggregate,
	}}
}

// Add appends err to the aggregate. A nil err is a no-op, matching
// multierror.Append's own convention so call sites don't need a nil check.
func (a *Aggregate) Add(err error) {
	if err == nil {
		return
	}
	a.merr = multierror.Append(a.merr, err)
}

// Len returns the number of errors accumulated so far.
func (a *Aggregate) Len() int {
	if a.merr == nil {
		return 0
	}
	return len(a.merr.Errors)
}

// Errors returns the individual underlying errors in the order they were added.
func (a *Aggregate) Errors() []error {
	if a.merr == nil {
		return nil
	}
	return a.merr.Errors
}

// ErrorOrNil returns nil if no errors were added, or the aggregate error
// otherwise (matching multierror.ErrorOrNil's standard convention of being
// safe to return directly from a function's error result).
func (a *Aggregate) ErrorOrNil() error {
	if a.Len() == 0 {
		return nil
	}
	return a.merr.ErrorOrNil()
}

func formatAggregate(errs []error) string {
	if len(errs) == 1 {
		return errs[0].Error()
	}
	msg := "multiple targets failed:"
	for _, e := range errs {
		msg += "\n  - " + e.Error()
	}
	return msg
}
