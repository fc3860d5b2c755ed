package engine

import (
	"context"
	"fmt"

	"github.com/filaflow/queue-engine/internal/domain"
	apperrors "github.com/filaflow/queue-engine/internal/errors"
	"github.com/filaflow/queue-engine/internal/kafka"
	"github.com/filaflow/queue-engine/internal/notify"
	"github.com/filaflow/queue-engine/internal/store"
)

// OfferTrade marks the user's pending ticket as available for trade
// and notifies the oldest-issued eligible pending holders on the same
// queue.
func (e *Engine) OfferTrade(ctx context.Context, ticketID, userID string) (domain.Ticket, error) {
	var (
		offered    domain.Ticket
		prefix     string
		candidates []domain.Ticket
	)
	err := e.store.UpdateTicket(ticketID, func(txn *store.Txn, t *domain.Ticket) error {
		if t.UserID != userID {
			return apperrors.ErrNotOwner
		}
		if t.Status != domain.TicketStatusPending {
			return apperrors.ErrInvalidState
		}
		if t.TradeAvailable {
			return apperrors.ErrInvalidState
		}

		t.TradeAvailable = true

		offered = *t
		prefix = txn.Queue.Prefix
		for _, c := range txn.OldestPendingExcept(userID, e.cfg.TradeOfferFanout) {
			candidates = append(candidates, *c)
		}
		return nil
	})
	if err != nil {
		return domain.Ticket{}, err
	}

	for i := range candidates {
		e.notifyTradeOffer(ctx, &offered, &candidates[i], prefix)
	}

	e.l.Infof(ctx, "trade offered queue=%s ticket=%s number=%d notified=%d",
		offered.QueueID, offered.ID, offered.Number, len(candidates))

	return offered, nil
}

// AcceptTrade executes the swap: the requester must own the from
// ticket and trades into to's slot, which must have been offered.
// Both tickets must be pending on the same queue. user_id and
// ticket_number are exchanged and both trade flags cleared in one
// atomic two-ticket update under the queue lock.
func (e *Engine) AcceptTrade(ctx context.Context, fromID, toID, requestingUserID string) (domain.Ticket, domain.Ticket, error) {
	var (
		fromOut domain.Ticket
		toOut   domain.Ticket
		prefix  string
	)
	err := e.store.UpdateTicket(fromID, func(txn *store.Txn, from *domain.Ticket) error {
		to, err := txn.Ticket(toID)
		if err != nil {
			return err
		}
		if from.ID == to.ID {
			return apperrors.ErrInvalidState
		}
		if from.UserID != requestingUserID {
			return apperrors.ErrNotOwner
		}
		if from.UserID == to.UserID {
			return apperrors.ErrInvalidState
		}
		if from.Status != domain.TicketStatusPending || to.Status != domain.TicketStatusPending {
			return apperrors.ErrInvalidState
		}
		if !to.TradeAvailable {
			return apperrors.ErrNotOfferable
		}

		from.UserID, to.UserID = to.UserID, from.UserID
		from.Number, to.Number = to.Number, from.Number
		from.TradeAvailable = false
		to.TradeAvailable = false

		fromOut = *from
		toOut = *to
		prefix = txn.Queue.Prefix
		return nil
	})
	if err != nil {
		return domain.Ticket{}, domain.Ticket{}, err
	}

	e.metrics.TicketsTraded.WithLabelValues(fromOut.QueueID).Inc()
	e.publishTraded(ctx, &fromOut, &toOut, prefix)

	e.l.Infof(ctx, "trade accepted queue=%s from=%s to=%s",
		fromOut.QueueID, fromOut.ID, toOut.ID)

	return fromOut, toOut, nil
}

func (e *Engine) publishTraded(ctx context.Context, from, to *domain.Ticket, prefix string) {
	if e.prod == nil {
		return
	}

	if err := e.prod.PublishTicketTraded(ctx, kafka.TicketTradedEvent{
		QueueID:           from.QueueID,
		FromTicketID:      from.ID,
		ToTicketID:        to.ID,
		FromDisplayNumber: from.DisplayNumber(prefix),
		ToDisplayNumber:   to.DisplayNumber(prefix),
	}); err != nil {
		e.l.Errorf(ctx, "failed to publish ticket traded event from=%s to=%s: %v", from.ID, to.ID, err)
	}
}

func (e *Engine) notifyTradeOffer(ctx context.Context, offered, candidate *domain.Ticket, prefix string) {
	if e.notifier == nil || candidate.UserID == domain.WalkInUserID {
		return
	}

	if err := e.notifier.Notify(ctx, notify.Notification{
		Kind:          notify.KindTradeOffer,
		UserID:        candidate.UserID,
		QueueID:       offered.QueueID,
		TicketID:      offered.ID,
		DisplayNumber: offered.DisplayNumber(prefix),
		Message:       fmt.Sprintf("Ticket %s is available for trade", offered.DisplayNumber(prefix)),
		At:            e.now(),
	}); err != nil {
		e.l.Warnf(ctx, "failed to notify trade offer ticket=%s user=%s: %v", offered.ID, candidate.UserID, err)
	}
}
