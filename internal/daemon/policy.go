package daemon

import (
	"time"

	"github.com/msageha/dispatchd/internal/model"
)

// Decision is the outcome of a consistency check.
type Decision int

const (
	DecisionNone Decision = iota
	DecisionRetry
	DecisionTrash
)

func (d Decision) String() string {
	switch d {
	case DecisionRetry:
		return "retry"
	case DecisionTrash:
		return "trash"
	default:
		return "none"
	}
}

// RetryPolicy decides what happens to a command that has not made progress.
type RetryPolicy struct {
	MaxRetries int
	MaxWait    time.Duration
}

func NewRetryPolicy(cfg model.Config) RetryPolicy {
	return RetryPolicy{MaxRetries: cfg.Retry.MaxRetries, MaxWait: cfg.MaxWait()}
}

// Decide applies the retry budget first: a command that used every retry is
// trashed regardless of its age.
func (p RetryPolicy) Decide(cmd *model.Command, now time.Time) Decision {
	if cmd.Retry() >= p.MaxRetries {
		return DecisionTrash
	}
	if cmd.Lifetime(now) > p.MaxWait {
		return DecisionRetry
	}
	return DecisionNone
}
