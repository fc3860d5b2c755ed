package schedule

import (
	"context"
	"time"

	"github.com/filaflow/queue-engine/internal/domain"
	"github.com/filaflow/queue-engine/pkg/logger"
)

// Resolver answers open/closed questions for a queue against its
// weekday schedule. Lookups use the local calendar day of the supplied
// timestamp so operating hours match wall clocks, not UTC. Missing or
// malformed rows resolve to closed.
type Resolver struct {
	l logger.Logger
}

func NewResolver(l logger.Logger) *Resolver {
	return &Resolver{l: l}
}

func (r *Resolver) IsOpen(ctx context.Context, q *domain.Queue, at time.Time) bool {
	_, _, ok := r.CurrentWindow(ctx, q, at)
	return ok
}

// CurrentWindow returns the operating window covering at, or ok=false
// when the queue is closed at that instant.
func (r *Resolver) CurrentWindow(ctx context.Context, q *domain.Queue, at time.Time) (opensAt, closesAt time.Time, ok bool) {
	row := q.ScheduleFor(at.Weekday())
	if row == nil || row.IsClosed {
		return time.Time{}, time.Time{}, false
	}

	if !row.Valid() {
		r.l.Warnf(ctx, "malformed schedule row for queue %s on %s, treating as closed", q.ID, at.Weekday())
		return time.Time{}, time.Time{}, false
	}

	tod := domain.TimeOfDay{Hour: at.Hour(), Minute: at.Minute()}
	if tod.Before(*row.OpenTime) || tod.After(*row.EndTime) {
		return time.Time{}, time.Time{}, false
	}

	return row.OpenTime.At(at), row.EndTime.At(at), true
}

// NextOpening returns the start of the next operating window at or
// after at, looking up to a week ahead. ok=false when the queue has no
// open days at all.
func (r *Resolver) NextOpening(ctx context.Context, q *domain.Queue, at time.Time) (time.Time, bool) {
	for d := 0; d < 7; d++ {
		day := at.AddDate(0, 0, d)
		row := q.ScheduleFor(day.Weekday())
		if row == nil || row.IsClosed {
			continue
		}
		if !row.Valid() {
			r.l.Warnf(ctx, "malformed schedule row for queue %s on %s, skipping", q.ID, day.Weekday())
			continue
		}

		opens := row.OpenTime.At(day)
		if d == 0 && !opens.After(at) {
			// Today's window already started; it only counts if still ahead.
			continue
		}
		return opens, true
	}

	return time.Time{}, false
}
