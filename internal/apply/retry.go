package apply

import (
	"errors"
	"time"

	"regionsync/internal/domain"
)

// Scheduler runs deferred retries. The default wraps time.AfterFunc; tests drive it by hand.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type Timer interface {
	Stop() bool
}

type realScheduler struct{}

func (realScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// attempt is one queue head moving through the write state machine:
// convert -> write -> (done | retry after delay | wait for schema | drop | fail).
type attempt struct {
	op         domain.StreamOperation
	tries      int
	dispatched time.Time
}

type outcome int

const (
	outcomeDone outcome = iota
	outcomeRetry
	outcomeRefresh
	outcomeDropped
	outcomeFatal
)

func (o outcome) String() string {
	switch o {
	case outcomeDone:
		return "done"
	case outcomeRetry:
		return "retry"
	case outcomeRefresh:
		return "refresh"
	case outcomeDropped:
		return "dropped"
	default:
		return "fatal"
	}
}

// classify maps a store error to the next state of the attempt.
func classify(err error) outcome {
	switch {
	case err == nil:
		return outcomeDone
	case domain.IsTransient(err):
		return outcomeRetry
	case domain.IsDropped(err):
		return outcomeDropped
	case errors.Is(err, domain.ErrSchemaMismatch):
		return outcomeRefresh
	default:
		return outcomeFatal
	}
}
