package sweep

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/filaflow/queue-engine/config"
	"github.com/filaflow/queue-engine/internal/domain"
	"github.com/filaflow/queue-engine/internal/kafka"
	"github.com/filaflow/queue-engine/internal/metrics"
	"github.com/filaflow/queue-engine/internal/notify"
	repo "github.com/filaflow/queue-engine/internal/repository/redis"
	"github.com/filaflow/queue-engine/internal/schedule"
	"github.com/filaflow/queue-engine/internal/store"
	"github.com/filaflow/queue-engine/internal/waittime"
	"github.com/filaflow/queue-engine/pkg/logger"
)

// prepareNotifyTTL bounds how long a near-turn notification stays
// deduplicated. Long enough to cover any realistic wait.
const prepareNotifyTTL = 12 * time.Hour

type EventKind string

const (
	EventTicketExpired     EventKind = "ticket_expired"
	EventScheduleClosed    EventKind = "schedule_closed"
	EventPrepareNotified   EventKind = "prepare_notified"
	EventProximityNotified EventKind = "proximity_notified"
)

// Event records one action the sweep took. A sweep over unchanged
// state produces no events.
type Event struct {
	Kind     EventKind `json:"kind"`
	QueueID  string    `json:"queue_id,omitempty"`
	BranchID string    `json:"branch_id,omitempty"`
	TicketID string    `json:"ticket_id,omitempty"`
	UserID   string    `json:"user_id,omitempty"`
	At       time.Time `json:"at"`
}

// Sweeper is the periodic background pass over all queues: it expires
// stale Called tickets, cancels tickets on queues that closed, and
// emits near-turn and proximity notifications. It is the sole
// authority for timeout-driven cancellation. Expiry and close checks
// are pure state-read guards, so double-running a sweep causes no
// double side effects.
type Sweeper struct {
	store     *store.Store
	resolver  *schedule.Resolver
	estimator *waittime.Estimator
	cache     repo.NotificationCache
	notifier  notify.Notifier
	prod      kafka.Producer
	metrics   *metrics.Metrics
	cfg       config.DispatchConfig
	l         logger.Logger

	now func() time.Time

	mu         sync.RWMutex
	isRunning  bool
	startedAt  time.Time
	lastRun    time.Time
	errorCount int64
	stopCh     chan struct{}
	ticker     *time.Ticker
	wg         sync.WaitGroup
}

type Status struct {
	IsRunning  bool      `json:"is_running"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	LastRun    time.Time `json:"last_run,omitempty"`
	ErrorCount int64     `json:"error_count"`
}

func New(
	st *store.Store,
	resolver *schedule.Resolver,
	estimator *waittime.Estimator,
	cache repo.NotificationCache,
	notifier notify.Notifier,
	prod kafka.Producer,
	m *metrics.Metrics,
	cfg config.DispatchConfig,
	l logger.Logger,
) *Sweeper {
	return &Sweeper{
		store:     st,
		resolver:  resolver,
		estimator: estimator,
		cache:     cache,
		notifier:  notifier,
		prod:      prod,
		metrics:   m,
		cfg:       cfg,
		l:         l,
		now:       time.Now,
	}
}

// SetClock overrides the sweeper's clock. Test hook.
func (s *Sweeper) SetClock(now func() time.Time) {
	s.now = now
}

func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isRunning {
		return errors.New("sweeper is already running")
	}

	s.l.Infof(ctx, "starting notification sweep, interval=%s", s.cfg.SweepInterval)

	s.isRunning = true
	s.startedAt = time.Now()
	s.stopCh = make(chan struct{})
	s.ticker = time.NewTicker(s.cfg.SweepInterval)

	s.wg.Add(1)
	go s.loop(ctx, s.stopCh, s.ticker)

	return nil
}

func (s *Sweeper) Stop() error {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return errors.New("sweeper is not running")
	}

	s.isRunning = false
	close(s.stopCh)
	s.ticker.Stop()
	s.mu.Unlock()

	// Wait outside the lock: an in-flight sweep re-acquires it to
	// record lastRun and error counts.
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.l.Infof(context.Background(), "notification sweep stopped")
	case <-time.After(s.cfg.SweepShutdownTimeout):
		s.l.Warnf(context.Background(), "notification sweep shutdown timeout exceeded")
	}

	return nil
}

func (s *Sweeper) GetStatus() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return Status{
		IsRunning:  s.isRunning,
		StartedAt:  s.startedAt,
		LastRun:    s.lastRun,
		ErrorCount: s.errorCount,
	}
}

func (s *Sweeper) loop(ctx context.Context, stopCh <-chan struct{}, ticker *time.Ticker) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			s.l.Infof(ctx, "sweep loop stopped: context cancelled")
			return
		case <-stopCh:
			return
		case <-ticker.C:
			s.RunSweep(ctx, s.now())
		}
	}
}

// RunSweep performs one pass over every queue and returns the actions
// taken. Per-ticket errors are logged and skipped so one bad ticket
// never blocks the rest of the scan.
func (s *Sweeper) RunSweep(ctx context.Context, now time.Time) []Event {
	s.metrics.SweepRuns.Inc()
	defer func() {
		s.mu.Lock()
		s.lastRun = time.Now()
		s.mu.Unlock()
	}()

	var events []Event
	for _, queueID := range s.store.QueueIDs() {
		snap, err := s.store.Snapshot(queueID)
		if err != nil {
			s.recordError(ctx, "failed to snapshot queue %s: %v", queueID, err)
			continue
		}

		if !s.resolver.IsOpen(ctx, &snap.Queue, now) {
			events = append(events, s.closeQueue(ctx, &snap, now)...)
			continue
		}

		events = append(events, s.expireCalled(ctx, &snap, now)...)
		events = append(events, s.notifyNearTurn(ctx, &snap, now)...)
	}

	return events
}

// closeQueue cancels every non-terminal ticket on a queue whose
// operating window has ended. Pending tickets release their admission
// slot; Called tickets already did at call time.
func (s *Sweeper) closeQueue(ctx context.Context, snap *store.QueueSnapshot, now time.Time) []Event {
	var events []Event

	reopens := ""
	if opens, ok := s.resolver.NextOpening(ctx, &snap.Queue, now); ok {
		reopens = fmt.Sprintf("; reopens %s", opens.Format("Mon 15:04"))
	}

	tickets := make([]domain.Ticket, 0, len(snap.Pending)+len(snap.Called))
	tickets = append(tickets, snap.Pending...)
	tickets = append(tickets, snap.Called...)

	for i := range tickets {
		t := &tickets[i]

		cancelled, err := s.cancelTicket(t.ID, now, kafka.ReasonScheduleClosed)
		if err != nil {
			s.recordError(ctx, "failed to cancel ticket %s on closed queue: %v", t.ID, err)
			continue
		}
		if !cancelled {
			continue
		}

		s.metrics.TicketsCancelled.WithLabelValues(snap.Queue.ID, kafka.ReasonScheduleClosed).Inc()
		s.publishCancelled(ctx, t, snap.Queue.Prefix, kafka.ReasonScheduleClosed)
		s.notifyCancelled(ctx, t, snap.Queue.Prefix, reopens)

		events = append(events, Event{
			Kind:     EventScheduleClosed,
			QueueID:  snap.Queue.ID,
			TicketID: t.ID,
			UserID:   t.UserID,
			At:       now,
		})
	}

	return events
}

// expireCalled cancels Called tickets whose call window has lapsed.
func (s *Sweeper) expireCalled(ctx context.Context, snap *store.QueueSnapshot, now time.Time) []Event {
	var events []Event

	for i := range snap.Called {
		t := &snap.Called[i]
		if !t.CallExpired(now) {
			continue
		}

		cancelled, err := s.cancelTicket(t.ID, now, kafka.ReasonCallTimeout)
		if err != nil {
			s.recordError(ctx, "failed to expire ticket %s: %v", t.ID, err)
			continue
		}
		if !cancelled {
			continue
		}

		s.metrics.TicketsCancelled.WithLabelValues(snap.Queue.ID, kafka.ReasonCallTimeout).Inc()
		s.publishCancelled(ctx, t, snap.Queue.Prefix, kafka.ReasonCallTimeout)

		events = append(events, Event{
			Kind:     EventTicketExpired,
			QueueID:  snap.Queue.ID,
			TicketID: t.ID,
			UserID:   t.UserID,
			At:       now,
		})
	}

	return events
}

// cancelTicket transitions a ticket to Cancelled under the queue lock,
// re-validating state so a stale snapshot (or a concurrent sweep)
// cannot double-cancel. Returns false when the ticket already reached
// a terminal state.
func (s *Sweeper) cancelTicket(ticketID string, now time.Time, reason string) (bool, error) {
	cancelled := false
	err := s.store.UpdateTicket(ticketID, func(txn *store.Txn, t *domain.Ticket) error {
		if t.IsTerminal() {
			return nil
		}
		if reason == kafka.ReasonCallTimeout && !t.CallExpired(now) {
			return nil
		}

		if t.Status == domain.TicketStatusPending {
			txn.Queue.ActiveTickets--
		}
		t.Status = domain.TicketStatusCancelled
		t.CancelledAt = &now

		cancelled = true
		return nil
	})
	return cancelled, err
}

// notifyNearTurn emits a "prepare" alert for pending tickets whose
// estimated wait dropped to the near-turn threshold. Deduplicated
// through the cache so repeated ticks stay quiet; a cache miss only
// risks a repeat notification, never a state change.
func (s *Sweeper) notifyNearTurn(ctx context.Context, snap *store.QueueSnapshot, now time.Time) []Event {
	var events []Event

	for position := range snap.Pending {
		t := &snap.Pending[position]
		if t.UserID == domain.WalkInUserID {
			continue
		}

		est := s.estimator.Estimate(ctx, &snap.Queue, position, t.Priority, now)
		if est == waittime.Unknown || est > int(s.cfg.NearTurnThreshold.Minutes()) {
			continue
		}

		key := fmt.Sprintf("prepare:%s", t.ID)
		seen, err := s.cache.Seen(ctx, key)
		if err != nil {
			s.recordError(ctx, "dedup cache lookup failed for %s: %v", key, err)
			continue
		}
		if seen {
			continue
		}

		if err := s.notifier.Notify(ctx, notify.Notification{
			Kind:          notify.KindPrepare,
			UserID:        t.UserID,
			QueueID:       snap.Queue.ID,
			TicketID:      t.ID,
			DisplayNumber: t.DisplayNumber(snap.Queue.Prefix),
			Message:       fmt.Sprintf("Ticket %s: your turn is in about %d minutes", t.DisplayNumber(snap.Queue.Prefix), est),
			At:            now,
		}); err != nil {
			s.recordError(ctx, "failed to send prepare notification for %s: %v", t.ID, err)
			continue
		}

		if err := s.cache.MarkSeen(ctx, key, prepareNotifyTTL); err != nil {
			s.recordError(ctx, "failed to mark notification %s: %v", key, err)
		}

		events = append(events, Event{
			Kind:     EventPrepareNotified,
			QueueID:  snap.Queue.ID,
			TicketID: t.ID,
			UserID:   t.UserID,
			At:       now,
		})
	}

	return events
}

func (s *Sweeper) publishCancelled(ctx context.Context, t *domain.Ticket, prefix, reason string) {
	if s.prod == nil {
		return
	}

	if err := s.prod.PublishTicketCancelled(ctx, kafka.TicketCancelledEvent{
		QueueID:       t.QueueID,
		TicketID:      t.ID,
		UserID:        t.UserID,
		DisplayNumber: t.DisplayNumber(prefix),
		Reason:        reason,
	}); err != nil {
		s.l.Errorf(ctx, "failed to publish ticket cancelled event ticket=%s: %v", t.ID, err)
	}
}

func (s *Sweeper) notifyCancelled(ctx context.Context, t *domain.Ticket, prefix, reopens string) {
	if t.UserID == domain.WalkInUserID {
		return
	}

	if err := s.notifier.Notify(ctx, notify.Notification{
		Kind:          notify.KindCancelled,
		UserID:        t.UserID,
		QueueID:       t.QueueID,
		TicketID:      t.ID,
		DisplayNumber: t.DisplayNumber(prefix),
		Message:       fmt.Sprintf("Ticket %s was cancelled: the queue has closed%s", t.DisplayNumber(prefix), reopens),
		At:            s.now(),
	}); err != nil {
		s.l.Warnf(ctx, "failed to notify cancellation ticket=%s: %v", t.ID, err)
	}
}

func (s *Sweeper) recordError(ctx context.Context, template string, args ...any) {
	s.metrics.SweepErrors.Inc()
	s.mu.Lock()
	s.errorCount++
	s.mu.Unlock()
	s.l.Errorf(ctx, template, args...)
}
