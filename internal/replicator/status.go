package replicator

import (
	"errors"
	"fmt"

	"replicanet/server/internal/replica"
)

// Status accumulates the outcome of sending one command over several links.
type Status struct {
	targeted  int
	succeeded int
	errs      []error
}

func (s *Status) record(id replica.ReplicatorID, err error) {
	s.targeted++
	if err == nil {
		s.succeeded++
		return
	}
	s.errs = append(s.errs, fmt.Errorf("link %d: %w", id, err))
}

// Succeeded reports whether at least one targeted link accepted the
// command. A route that targeted no link succeeds.
func (s Status) Succeeded() bool {
	return s.targeted == 0 || s.succeeded > 0
}

func (s Status) Targeted() int  { return s.targeted }
func (s Status) Delivered() int { return s.succeeded }
func (s Status) Failed() int    { return len(s.errs) }

// Err joins every per-link failure.
func (s Status) Err() error {
	return errors.Join(s.errs...)
}
