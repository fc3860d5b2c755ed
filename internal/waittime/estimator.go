package waittime

import (
	"context"
	"math"
	"time"

	"github.com/filaflow/queue-engine/internal/domain"
	"github.com/filaflow/queue-engine/internal/schedule"
	"github.com/filaflow/queue-engine/pkg/logger"
)

// Unknown is returned when no estimate can be produced, e.g. the queue
// is closed.
const Unknown = -1

// Predictor is the external wait-time model. It is consumed as an
// oracle; its implementation (and failures) stay outside the engine.
type Predictor interface {
	PredictWait(ctx context.Context, queueID string, position, priority, hourOfDay int) (minutes int, err error)
}

// Estimator wraps the predictor with the engine's fallback chain. It
// never mutates queue or ticket state.
type Estimator struct {
	pred        Predictor
	resolver    *schedule.Resolver
	defaultWait time.Duration
	l           logger.Logger
}

func NewEstimator(pred Predictor, resolver *schedule.Resolver, defaultWait time.Duration, l logger.Logger) *Estimator {
	return &Estimator{
		pred:        pred,
		resolver:    resolver,
		defaultWait: defaultWait,
		l:           l,
	}
}

// Estimate returns the expected wait in minutes for a ticket at the
// given position in line, or Unknown when the queue is closed.
// Position 0 (next to be called) is always 0 minutes and skips the
// predictor entirely.
func (e *Estimator) Estimate(ctx context.Context, q *domain.Queue, position, priority int, at time.Time) int {
	if !e.resolver.IsOpen(ctx, q, at) {
		return Unknown
	}

	if position <= 0 {
		return 0
	}

	if e.pred != nil {
		minutes, err := e.pred.PredictWait(ctx, q.ID, position, priority, at.Hour())
		if err == nil && minutes >= 0 {
			return minutes
		}
		if err != nil {
			e.l.Warnf(ctx, "wait-time predictor failed for queue %s: %v", q.ID, err)
		}
	}

	if q.AvgWaitTimeMin > 0 {
		return int(math.Round(q.AvgWaitTimeMin))
	}

	return int(e.defaultWait.Minutes())
}
