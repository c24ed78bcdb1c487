package engine

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// =============================================================================
// OUTCOMES - Result of one sub-transaction in a batch or bulk operation
// =============================================================================

type OutcomeStatus string

const (
	OutcomeOK      OutcomeStatus = "ok"
	OutcomeSkipped OutcomeStatus = "skipped" // nothing to change, or a benign repeat
	OutcomeFailed  OutcomeStatus = "failed"
)

type Outcome struct {
	ID     int64
	Status OutcomeStatus
	Err    error
}

func outcomeOf(id int64, changed bool, err error) Outcome {
	switch {
	case err != nil && IsBenign(err):
		return Outcome{ID: id, Status: OutcomeSkipped}
	case err != nil:
		return Outcome{ID: id, Status: OutcomeFailed, Err: err}
	case !changed:
		return Outcome{ID: id, Status: OutcomeSkipped}
	}
	return Outcome{ID: id, Status: OutcomeOK}
}

type BatchFailure struct {
	ID    int64
	Error string
	Err   error
}

// BatchReport aggregates independent outcomes. A failed ID implies no state
// change for that ID.
type BatchReport struct {
	BatchID    string
	UpdatedIDs []int64
	SkippedIDs []int64
	Failed     []BatchFailure
}

func (r BatchReport) UpdatedCount() int  { return len(r.UpdatedIDs) }
func (r BatchReport) FailedCount() int   { return len(r.Failed) }
func (r BatchReport) TotalAffected() int { return len(r.UpdatedIDs) + len(r.SkippedIDs) + len(r.Failed) }

func (r *BatchReport) add(outcomes []Outcome) {
	for _, o := range outcomes {
		switch o.Status {
		case OutcomeOK:
			r.UpdatedIDs = append(r.UpdatedIDs, o.ID)
		case OutcomeSkipped:
			r.SkippedIDs = append(r.SkippedIDs, o.ID)
		default:
			r.Failed = append(r.Failed, BatchFailure{ID: o.ID, Error: o.Err.Error(), Err: o.Err})
		}
	}
}

// =============================================================================
// CONCURRENCY HELPERS
// =============================================================================

// withRetry runs fn, retrying exactly once when it reports a version
// conflict. A second conflict is surfaced as ErrConcurrentModification.
func withRetry(ctx context.Context, op string, fn func() error) error {
	err := fn()
	if !errors.Is(err, ErrConcurrentModification) {
		return err
	}
	conflictRetries.WithLabelValues(op).Inc()
	zap.L().Debug("version conflict, retrying", zap.String("op", op))
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	err = fn()
	if errors.Is(err, ErrConcurrentModification) {
		return fmt.Errorf("%s: %w", op, ErrConcurrentModification)
	}
	return err
}

// fanOut runs fn for every index with at most limit in flight. fn reports
// per-index outcomes itself; one index failing never stops the others.
func fanOut(ctx context.Context, limit, n int, fn func(ctx context.Context, i int)) {
	if limit < 1 {
		limit = 1
	}
	var g errgroup.Group
	g.SetLimit(limit)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			fn(ctx, i)
			return nil
		})
	}
	_ = g.Wait()
}

// =============================================================================
// PAGINATION
// =============================================================================

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
	scanPageSize    = 100 // internal enumeration page
)

// PageRequest is a 1-based page number and size as sent by clients.
type PageRequest struct {
	Page     int
	PageSize int
}

// Normalize clamps the page to >= 1 and the size to [1, MaxPageSize].
func (p PageRequest) Normalize() PageRequest {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.PageSize < 1 {
		p.PageSize = DefaultPageSize
	}
	if p.PageSize > MaxPageSize {
		p.PageSize = MaxPageSize
	}
	return p
}

func (p PageRequest) Options() ListOptions {
	p = p.Normalize()
	return ListOptions{Offset: (p.Page - 1) * p.PageSize, Limit: p.PageSize}
}
