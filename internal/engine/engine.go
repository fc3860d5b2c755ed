package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/filaflow/queue-engine/config"
	"github.com/filaflow/queue-engine/internal/domain"
	apperrors "github.com/filaflow/queue-engine/internal/errors"
	"github.com/filaflow/queue-engine/internal/kafka"
	"github.com/filaflow/queue-engine/internal/metrics"
	"github.com/filaflow/queue-engine/internal/notify"
	"github.com/filaflow/queue-engine/internal/schedule"
	"github.com/filaflow/queue-engine/internal/store"
	"github.com/filaflow/queue-engine/internal/waittime"
	"github.com/filaflow/queue-engine/pkg/logger"
)

// Engine runs the ticket lifecycle: issuance, dispatch to counters,
// completion, cancellation and trading. All mutations happen inside
// the store's per-queue exclusive section; event publication and
// notifications happen after it is released so brokers never extend
// the critical section.
type Engine struct {
	store     *store.Store
	resolver  *schedule.Resolver
	estimator *waittime.Estimator
	prod      kafka.Producer
	notifier  notify.Notifier
	metrics   *metrics.Metrics
	cfg       config.DispatchConfig
	jwtSecret []byte
	l         logger.Logger

	now func() time.Time
}

func New(
	st *store.Store,
	resolver *schedule.Resolver,
	estimator *waittime.Estimator,
	prod kafka.Producer,
	notifier notify.Notifier,
	m *metrics.Metrics,
	cfg config.DispatchConfig,
	jwtSecret []byte,
	l logger.Logger,
) *Engine {
	return &Engine{
		store:     st,
		resolver:  resolver,
		estimator: estimator,
		prod:      prod,
		notifier:  notifier,
		metrics:   m,
		cfg:       cfg,
		jwtSecret: jwtSecret,
		l:         l,
		now:       time.Now,
	}
}

// SetClock overrides the engine's clock. Test hook.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

type IssueInput struct {
	QueueID    string
	UserID     string
	Priority   int
	IsPhysical bool
}

// IssueTicket admits a new pending ticket. Fails with ErrQueueClosed,
// ErrQueueFull or ErrDuplicateActiveTicket; failures mutate nothing.
func (e *Engine) IssueTicket(ctx context.Context, in IssueInput) (domain.Ticket, error) {
	now := e.now()
	ticketID := uuid.New().String()

	// Sign the QR token before entering the critical section.
	qrCode, err := e.signQRToken(ticketID, in.QueueID, now)
	if err != nil {
		return domain.Ticket{}, fmt.Errorf("failed to sign qr token: %w", err)
	}

	var (
		issued domain.Ticket
		prefix string
	)
	err = e.store.Update(in.QueueID, func(txn *store.Txn) error {
		if txn.Queue.IsPaused() || !e.resolver.IsOpen(ctx, txn.Queue, now) {
			return apperrors.ErrQueueClosed
		}
		if txn.Queue.ActiveTickets >= txn.Queue.DailyLimit {
			return apperrors.ErrQueueFull
		}
		if existing := txn.PendingByUser(in.UserID); existing != nil {
			return apperrors.ErrDuplicateActiveTicket
		}

		t := &domain.Ticket{
			ID:         ticketID,
			QueueID:    in.QueueID,
			UserID:     in.UserID,
			Number:     txn.Queue.NextNumber,
			Priority:   in.Priority,
			Status:     domain.TicketStatusPending,
			IssuedAt:   now,
			QRCode:     qrCode,
			IsPhysical: in.IsPhysical,
		}

		txn.Queue.NextNumber++
		txn.Queue.ActiveTickets++
		txn.InsertTicket(t)

		issued = *t
		prefix = txn.Queue.Prefix
		return nil
	})
	if err != nil {
		return domain.Ticket{}, err
	}

	e.metrics.TicketsIssued.WithLabelValues(in.QueueID).Inc()
	e.publishIssued(ctx, &issued, prefix)

	e.l.Infof(ctx, "ticket issued queue=%s ticket=%s number=%d user=%s",
		in.QueueID, issued.ID, issued.Number, in.UserID)

	return issued, nil
}

// CallNext dispatches the highest-priority, lowest-number pending
// ticket to the next counter in rotation. The selection is a single
// linearizable step per queue: concurrent calls never pick the same
// ticket.
func (e *Engine) CallNext(ctx context.Context, queueID string) (domain.Ticket, error) {
	now := e.now()

	var (
		called domain.Ticket
		prefix string
	)
	err := e.store.Update(queueID, func(txn *store.Txn) error {
		if !e.resolver.IsOpen(ctx, txn.Queue, now) {
			return apperrors.ErrQueueClosed
		}

		next := txn.NextPending()
		if next == nil || txn.Queue.ActiveTickets == 0 {
			return apperrors.ErrQueueEmpty
		}

		counter := (txn.Queue.LastCounter % txn.Queue.NumCounters) + 1
		expiresAt := now.Add(e.cfg.CallTimeout)

		next.Status = domain.TicketStatusCalled
		next.Counter = counter
		next.CalledAt = &now
		next.ExpiresAt = &expiresAt

		txn.Queue.LastCounter = counter
		txn.Queue.CurrentTicket = next.Number
		txn.Queue.ActiveTickets--

		called = *next
		prefix = txn.Queue.Prefix
		return nil
	})
	if err != nil {
		return domain.Ticket{}, err
	}

	e.metrics.TicketsCalled.WithLabelValues(queueID).Inc()
	e.publishCalled(ctx, &called, prefix, false)
	e.notifyCalled(ctx, &called, prefix)

	e.l.Infof(ctx, "ticket called queue=%s ticket=%s number=%d counter=%d",
		queueID, called.ID, called.Number, called.Counter)

	return called, nil
}

// RecallTicket re-announces a Called ticket and refreshes its call
// window. The ticket's state, counter and position do not change.
func (e *Engine) RecallTicket(ctx context.Context, ticketID string) (domain.Ticket, error) {
	now := e.now()

	var (
		recalled domain.Ticket
		prefix   string
	)
	err := e.store.UpdateTicket(ticketID, func(txn *store.Txn, t *domain.Ticket) error {
		if t.Status != domain.TicketStatusCalled {
			return apperrors.ErrInvalidState
		}

		expiresAt := now.Add(e.cfg.CallTimeout)
		t.ExpiresAt = &expiresAt

		recalled = *t
		prefix = txn.Queue.Prefix
		return nil
	})
	if err != nil {
		return domain.Ticket{}, err
	}

	e.publishCalled(ctx, &recalled, prefix, true)
	e.notifyCalled(ctx, &recalled, prefix)

	return recalled, nil
}

// CompleteTicket marks a Called ticket as attended. Attendant path:
// same transition as ValidatePresence, minus the location check.
func (e *Engine) CompleteTicket(ctx context.Context, ticketID string) (domain.Ticket, error) {
	return e.attend(ctx, ticketID)
}

// CancelTicket cancels a pending ticket on behalf of its owner.
func (e *Engine) CancelTicket(ctx context.Context, ticketID, requestingUserID string) (domain.Ticket, error) {
	now := e.now()

	var (
		cancelled domain.Ticket
		prefix    string
	)
	err := e.store.UpdateTicket(ticketID, func(txn *store.Txn, t *domain.Ticket) error {
		if t.UserID != requestingUserID {
			return apperrors.ErrNotOwner
		}
		if t.Status != domain.TicketStatusPending {
			return apperrors.ErrInvalidState
		}

		t.Status = domain.TicketStatusCancelled
		t.CancelledAt = &now
		txn.Queue.ActiveTickets--

		cancelled = *t
		prefix = txn.Queue.Prefix
		return nil
	})
	if err != nil {
		return domain.Ticket{}, err
	}

	e.metrics.TicketsCancelled.WithLabelValues(cancelled.QueueID, kafka.ReasonUserCancelled).Inc()
	e.publishCancelled(ctx, &cancelled, prefix, kafka.ReasonUserCancelled)

	e.l.Infof(ctx, "ticket cancelled queue=%s ticket=%s user=%s",
		cancelled.QueueID, cancelled.ID, requestingUserID)

	return cancelled, nil
}

// EstimateWait returns the expected wait in minutes for the given
// pending ticket number, or waittime.Unknown when the queue is closed.
func (e *Engine) EstimateWait(ctx context.Context, queueID string, ticketNumber, priority int) (int, error) {
	now := e.now()

	var (
		queueCopy domain.Queue
		position  int
	)
	err := e.store.Update(queueID, func(txn *store.Txn) error {
		if txn.TicketByNumber(ticketNumber) == nil {
			return apperrors.ErrTicketNotFound
		}
		queueCopy = *txn.Queue
		position = txn.PendingPosition(ticketNumber)
		return nil
	})
	if err != nil {
		return waittime.Unknown, err
	}

	if position < 0 {
		// Already called or being served: next up.
		position = 0
	}

	// Oracle call stays outside the queue's exclusive section.
	est := e.estimator.Estimate(ctx, &queueCopy, position, priority, now)

	if est != waittime.Unknown {
		// Record the latest estimate on the aggregate for display
		// boards; a failure here never fails the read.
		if uerr := e.store.Update(queueID, func(txn *store.Txn) error {
			txn.Queue.EstimatedWaitMin = est
			return nil
		}); uerr != nil {
			e.l.Warnf(ctx, "failed to record estimate for queue %s: %v", queueID, uerr)
		}
	}

	return est, nil
}

// QueueSnapshot exposes a consistent read-only view for display boards.
func (e *Engine) QueueSnapshot(queueID string) (store.QueueSnapshot, error) {
	return e.store.Snapshot(queueID)
}

func (e *Engine) attend(ctx context.Context, ticketID string) (domain.Ticket, error) {
	now := e.now()

	var (
		attended domain.Ticket
		prefix   string
	)
	err := e.store.UpdateTicket(ticketID, func(txn *store.Txn, t *domain.Ticket) error {
		if t.Status != domain.TicketStatusCalled {
			return apperrors.ErrInvalidState
		}
		if !e.resolver.IsOpen(ctx, txn.Queue, now) {
			return apperrors.ErrQueueClosed
		}

		t.Status = domain.TicketStatusAttended
		t.AttendedAt = &now

		// Service time is measured from the previous attended ticket.
		if txn.Queue.LastAttendedAt != nil {
			t.ServiceTimeMin = now.Sub(*txn.Queue.LastAttendedAt).Minutes()
			txn.Queue.LastServiceTimeMin = t.ServiceTimeMin
		}
		txn.Queue.LastAttendedAt = &now

		attended = *t
		prefix = txn.Queue.Prefix
		return nil
	})
	if err != nil {
		return domain.Ticket{}, err
	}

	e.metrics.TicketsAttended.WithLabelValues(attended.QueueID).Inc()
	e.publishAttended(ctx, &attended, prefix)

	e.l.Infof(ctx, "ticket attended queue=%s ticket=%s counter=%d",
		attended.QueueID, attended.ID, attended.Counter)

	return attended, nil
}

func (e *Engine) publishIssued(ctx context.Context, t *domain.Ticket, prefix string) {
	if e.prod == nil {
		return
	}

	if err := e.prod.PublishTicketIssued(ctx, kafka.TicketIssuedEvent{
		QueueID:       t.QueueID,
		TicketID:      t.ID,
		UserID:        t.UserID,
		DisplayNumber: t.DisplayNumber(prefix),
		Priority:      t.Priority,
		IssuedAt:      t.IssuedAt,
	}); err != nil {
		// Log error but don't fail the request
		e.l.Errorf(ctx, "failed to publish ticket issued event ticket=%s: %v", t.ID, err)
	}
}

func (e *Engine) publishCalled(ctx context.Context, t *domain.Ticket, prefix string, recall bool) {
	if e.prod == nil {
		return
	}

	var expiresAt time.Time
	if t.ExpiresAt != nil {
		expiresAt = *t.ExpiresAt
	}

	if err := e.prod.PublishTicketCalled(ctx, kafka.TicketCalledEvent{
		QueueID:       t.QueueID,
		TicketID:      t.ID,
		UserID:        t.UserID,
		DisplayNumber: t.DisplayNumber(prefix),
		Counter:       t.Counter,
		Recall:        recall,
		ExpiresAt:     expiresAt,
	}); err != nil {
		e.l.Errorf(ctx, "failed to publish ticket called event ticket=%s: %v", t.ID, err)
	}
}

func (e *Engine) publishAttended(ctx context.Context, t *domain.Ticket, prefix string) {
	if e.prod == nil {
		return
	}

	var attendedAt time.Time
	if t.AttendedAt != nil {
		attendedAt = *t.AttendedAt
	}

	if err := e.prod.PublishTicketAttended(ctx, kafka.TicketAttendedEvent{
		QueueID:        t.QueueID,
		TicketID:       t.ID,
		UserID:         t.UserID,
		DisplayNumber:  t.DisplayNumber(prefix),
		Counter:        t.Counter,
		ServiceTimeMin: t.ServiceTimeMin,
		AttendedAt:     attendedAt,
	}); err != nil {
		e.l.Errorf(ctx, "failed to publish ticket attended event ticket=%s: %v", t.ID, err)
	}
}

func (e *Engine) publishCancelled(ctx context.Context, t *domain.Ticket, prefix, reason string) {
	if e.prod == nil {
		return
	}

	if err := e.prod.PublishTicketCancelled(ctx, kafka.TicketCancelledEvent{
		QueueID:       t.QueueID,
		TicketID:      t.ID,
		UserID:        t.UserID,
		DisplayNumber: t.DisplayNumber(prefix),
		Reason:        reason,
	}); err != nil {
		e.l.Errorf(ctx, "failed to publish ticket cancelled event ticket=%s: %v", t.ID, err)
	}
}

func (e *Engine) notifyCalled(ctx context.Context, t *domain.Ticket, prefix string) {
	if e.notifier == nil || t.UserID == domain.WalkInUserID {
		return
	}

	if err := e.notifier.Notify(ctx, notify.Notification{
		Kind:          notify.KindCalled,
		UserID:        t.UserID,
		QueueID:       t.QueueID,
		TicketID:      t.ID,
		DisplayNumber: t.DisplayNumber(prefix),
		Message:       fmt.Sprintf("Ticket %s: proceed to counter %d", t.DisplayNumber(prefix), t.Counter),
		At:            e.now(),
	}); err != nil {
		e.l.Warnf(ctx, "failed to notify called ticket=%s: %v", t.ID, err)
	}
}
