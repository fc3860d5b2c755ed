package store

import (
	"sort"

	"github.com/filaflow/queue-engine/internal/domain"
	apperrors "github.com/filaflow/queue-engine/internal/errors"
)

// Txn is the view handed to a critical section. It is only valid for
// the duration of the Update callback; pointers obtained through it
// must not escape.
type Txn struct {
	Queue *domain.Queue

	store *Store
	entry *queueEntry
}

func (txn *Txn) Ticket(id string) (*domain.Ticket, error) {
	t, ok := txn.entry.tickets[id]
	if !ok {
		return nil, apperrors.ErrTicketNotFound
	}
	return t, nil
}

// TicketByNumber returns the ticket holding the given number in the
// current admission window, regardless of status, or nil.
func (txn *Txn) TicketByNumber(number int) *domain.Ticket {
	for _, t := range txn.entry.tickets {
		if t.Number == number {
			return t
		}
	}
	return nil
}

// InsertTicket adds a freshly issued ticket and indexes it for
// ticket-keyed lookups.
func (txn *Txn) InsertTicket(t *domain.Ticket) {
	txn.entry.tickets[t.ID] = t

	txn.store.mu.Lock()
	txn.store.ticketIndex[t.ID] = t.QueueID
	txn.store.mu.Unlock()
}

// PendingByUser returns the user's pending ticket on this queue, if
// any. The walk-in sentinel always returns nil: kiosk tickets are not
// subject to the one-per-user rule.
func (txn *Txn) PendingByUser(userID string) *domain.Ticket {
	if userID == domain.WalkInUserID {
		return nil
	}
	for _, t := range txn.entry.tickets {
		if t.UserID == userID && t.Status == domain.TicketStatusPending {
			return t
		}
	}
	return nil
}

// NextPending selects the ticket CallNext would dispatch: highest
// priority first, lowest number breaking ties.
func (txn *Txn) NextPending() *domain.Ticket {
	var best *domain.Ticket
	for _, t := range txn.entry.tickets {
		if t.Status != domain.TicketStatusPending {
			continue
		}
		if best == nil || t.Priority > best.Priority ||
			(t.Priority == best.Priority && t.Number < best.Number) {
			best = t
		}
	}
	return best
}

func (txn *Txn) pendingOrdered() []*domain.Ticket {
	var out []*domain.Ticket
	for _, t := range txn.entry.tickets {
		if t.Status == domain.TicketStatusPending {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].Number < out[j].Number
	})
	return out
}

// PendingOrdered returns pending tickets in dispatch order.
func (txn *Txn) PendingOrdered() []*domain.Ticket {
	return txn.pendingOrdered()
}

// PendingPosition returns the zero-based dispatch position of the
// given pending ticket number, or -1 when it is not pending.
func (txn *Txn) PendingPosition(number int) int {
	for i, t := range txn.pendingOrdered() {
		if t.Number == number {
			return i
		}
	}
	return -1
}

// OldestPendingExcept returns up to limit pending tickets issued
// earliest, skipping tickets owned by exclude. Used for trade-offer
// fan-out.
func (txn *Txn) OldestPendingExcept(exclude string, limit int) []*domain.Ticket {
	var out []*domain.Ticket
	for _, t := range txn.entry.tickets {
		if t.Status == domain.TicketStatusPending && t.UserID != exclude {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IssuedAt.Before(out[j].IssuedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}
