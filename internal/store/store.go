package store

import (
	"sort"
	"sync"

	"github.com/filaflow/queue-engine/internal/domain"
	apperrors "github.com/filaflow/queue-engine/internal/errors"
)

// Store is the authoritative in-memory collection of queues and their
// tickets. Every mutating access to a queue's state goes through
// Update, which serializes callers per queue id: ticket numbering,
// active-ticket arithmetic and counter rotation are race-free while
// operations on different queues run fully in parallel.
//
// The persistent storage engine behind this process is an external
// concern; the store is the single writer for the aggregates it owns.
type Store struct {
	mu          sync.RWMutex
	queues      map[string]*queueEntry
	ticketIndex map[string]string // ticket id -> queue id
	branches    map[string]*domain.Branch
}

type queueEntry struct {
	mu      sync.Mutex
	queue   *domain.Queue
	tickets map[string]*domain.Ticket
}

func New() *Store {
	return &Store{
		queues:      make(map[string]*queueEntry),
		ticketIndex: make(map[string]string),
		branches:    make(map[string]*domain.Branch),
	}
}

// RegisterQueue adds a queue aggregate. Numbering starts at 1 for the
// admission window in effect.
func (s *Store) RegisterQueue(q *domain.Queue) {
	if q.NextNumber == 0 {
		q.NextNumber = 1
	}
	if q.NumCounters < 1 {
		q.NumCounters = 1
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.queues[q.ID] = &queueEntry{
		queue:   q,
		tickets: make(map[string]*domain.Ticket),
	}
}

func (s *Store) RegisterBranch(b *domain.Branch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.branches[b.ID] = b
}

func (s *Store) Branch(id string) (*domain.Branch, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.branches[id]
	return b, ok
}

func (s *Store) Branches() []*domain.Branch {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.Branch, 0, len(s.branches))
	for _, b := range s.branches {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// QueueIDs returns the ids of all registered queues, sorted for stable
// sweep order.
func (s *Store) QueueIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.queues))
	for id := range s.queues {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *Store) entry(queueID string) (*queueEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.queues[queueID]
	if !ok {
		return nil, apperrors.ErrQueueNotFound
	}
	return e, nil
}

// Update runs fn inside the queue's exclusive section. fn must not
// block on I/O; callers validate fully before mutating so a returned
// error implies no state change.
func (s *Store) Update(queueID string, fn func(txn *Txn) error) error {
	e, err := s.entry(queueID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	return fn(&Txn{store: s, entry: e, Queue: e.queue})
}

// UpdateTicket resolves the ticket's queue and runs fn under that
// queue's exclusive section.
func (s *Store) UpdateTicket(ticketID string, fn func(txn *Txn, t *domain.Ticket) error) error {
	s.mu.RLock()
	queueID, ok := s.ticketIndex[ticketID]
	s.mu.RUnlock()
	if !ok {
		return apperrors.ErrTicketNotFound
	}

	return s.Update(queueID, func(txn *Txn) error {
		t, ok := txn.entry.tickets[ticketID]
		if !ok {
			return apperrors.ErrTicketNotFound
		}
		return fn(txn, t)
	})
}

// TicketSnapshot returns a copy of the ticket, safe to use outside any
// lock.
func (s *Store) TicketSnapshot(ticketID string) (domain.Ticket, error) {
	var out domain.Ticket
	err := s.UpdateTicket(ticketID, func(_ *Txn, t *domain.Ticket) error {
		out = *t
		return nil
	})
	return out, err
}

// QueueSnapshot is a consistent read-only view for display boards and
// the sweep, taken under the queue lock and copied out.
type QueueSnapshot struct {
	Queue   domain.Queue
	Pending []domain.Ticket
	Called  []domain.Ticket
}

func (s *Store) Snapshot(queueID string) (QueueSnapshot, error) {
	var snap QueueSnapshot
	err := s.Update(queueID, func(txn *Txn) error {
		snap.Queue = *txn.Queue
		for _, t := range txn.pendingOrdered() {
			snap.Pending = append(snap.Pending, *t)
		}
		for _, t := range txn.entry.tickets {
			if t.Status == domain.TicketStatusCalled {
				snap.Called = append(snap.Called, *t)
			}
		}
		sort.Slice(snap.Called, func(i, j int) bool {
			return snap.Called[i].Number < snap.Called[j].Number
		})
		return nil
	})
	return snap, err
}

// ResetAdmissionWindow restarts numbering at 1. Invoked by the
// operator layer at day rollover, never by the engine mid-window.
// Tickets from the previous window stay readable but no longer count
// toward uniqueness guarantees.
func (s *Store) ResetAdmissionWindow(queueID string) error {
	return s.Update(queueID, func(txn *Txn) error {
		txn.Queue.NextNumber = 1
		txn.Queue.CurrentTicket = 0
		return nil
	})
}
