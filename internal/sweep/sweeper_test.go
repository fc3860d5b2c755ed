package sweep

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filaflow/queue-engine/config"
	"github.com/filaflow/queue-engine/internal/domain"
	"github.com/filaflow/queue-engine/internal/engine"
	apperrors "github.com/filaflow/queue-engine/internal/errors"
	"github.com/filaflow/queue-engine/internal/kafka"
	"github.com/filaflow/queue-engine/internal/metrics"
	"github.com/filaflow/queue-engine/internal/notify"
	"github.com/filaflow/queue-engine/internal/schedule"
	"github.com/filaflow/queue-engine/internal/store"
	"github.com/filaflow/queue-engine/internal/waittime"
	pkgLog "github.com/filaflow/queue-engine/pkg/logger"
)

type memCache struct {
	mu   sync.Mutex
	seen map[string]bool
}

func newMemCache() *memCache {
	return &memCache{seen: map[string]bool{}}
}

func (c *memCache) Seen(_ context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seen[key], nil
}

func (c *memCache) MarkSeen(_ context.Context, key string, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen[key] = true
	return nil
}

type captureNotifier struct {
	mu  sync.Mutex
	got []notify.Notification
}

func (n *captureNotifier) Notify(_ context.Context, msg notify.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.got = append(n.got, msg)
	return nil
}

func (n *captureNotifier) byKind(kind notify.Kind) []notify.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []notify.Notification
	for _, msg := range n.got {
		if msg.Kind == kind {
			out = append(out, msg)
		}
	}
	return out
}

type captureProducer struct {
	mu        sync.Mutex
	cancelled []kafka.TicketCancelledEvent
	attended  []kafka.TicketAttendedEvent
}

func (p *captureProducer) PublishTicketIssued(context.Context, kafka.TicketIssuedEvent) error {
	return nil
}

func (p *captureProducer) PublishTicketCalled(context.Context, kafka.TicketCalledEvent) error {
	return nil
}

func (p *captureProducer) PublishTicketAttended(_ context.Context, e kafka.TicketAttendedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attended = append(p.attended, e)
	return nil
}

func (p *captureProducer) PublishTicketCancelled(_ context.Context, e kafka.TicketCancelledEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancelled = append(p.cancelled, e)
	return nil
}

func (p *captureProducer) PublishTicketTraded(context.Context, kafka.TicketTradedEvent) error {
	return nil
}

func (p *captureProducer) Close() error { return nil }

// linePredictor spreads 10 minutes per position so only the head of
// the line crosses the near-turn threshold.
type linePredictor struct{}

func (linePredictor) PredictWait(_ context.Context, _ string, position, _, _ int) (int, error) {
	return position * 10, nil
}

type sweepEnv struct {
	sweeper  *Sweeper
	engine   *engine.Engine
	store    *store.Store
	cache    *memCache
	notifier *captureNotifier
	prod     *captureProducer
	now      time.Time
	setNow   func(time.Time)
}

func newSweepEnv(t *testing.T) *sweepEnv {
	t.Helper()

	l := pkgLog.InitializeTestZapLogger()
	st := store.New()
	resolver := schedule.NewResolver(l)
	cfg := config.DispatchConfig{
		CallTimeout:          5 * time.Minute,
		SweepInterval:        30 * time.Second,
		SweepShutdownTimeout: 5 * time.Second,
		NearTurnThreshold:    5 * time.Minute,
		ProximityThresholdKm: 1.0,
		ProximitySuppression: time.Hour,
		DefaultWaitEstimate:  30 * time.Minute,
		TradeOfferFanout:     5,
	}
	estimator := waittime.NewEstimator(linePredictor{}, resolver, cfg.DefaultWaitEstimate, l)
	cache := newMemCache()
	notifier := &captureNotifier{}
	prod := &captureProducer{}

	eng := engine.New(st, resolver, estimator, prod, notifier, metrics.NewTest(), cfg, []byte("test-secret"), l)
	sw := New(st, resolver, estimator, cache, notifier, prod, metrics.NewTest(), cfg, l)

	env := &sweepEnv{
		sweeper:  sw,
		engine:   eng,
		store:    st,
		cache:    cache,
		notifier: notifier,
		prod:     prod,
		now:      time.Date(2026, 8, 28, 9, 0, 0, 0, time.UTC),
	}
	env.setNow = func(at time.Time) {
		env.now = at
	}
	eng.SetClock(func() time.Time { return env.now })
	sw.SetClock(func() time.Time { return env.now })
	return env
}

func sweepQueue(id string, limit, counters int, open, end string) *domain.Queue {
	o := domain.MustTimeOfDay(open)
	e := domain.MustTimeOfDay(end)
	var rows []domain.QueueSchedule
	for d := time.Sunday; d <= time.Saturday; d++ {
		rows = append(rows, domain.QueueSchedule{Weekday: d, OpenTime: &o, EndTime: &e})
	}
	return &domain.Queue{
		ID:          id,
		BranchID:    "branch-1",
		ServiceName: "General Service",
		Prefix:      "A",
		DailyLimit:  limit,
		NumCounters: counters,
		Schedule:    rows,
	}
}

func TestRunSweep_ExpiresCalledAfterDeadline(t *testing.T) {
	env := newSweepEnv(t)
	env.store.RegisterQueue(sweepQueue("q1", 10, 1, "08:00", "18:00"))

	ctx := context.Background()
	tk, err := env.engine.IssueTicket(ctx, engine.IssueInput{QueueID: "q1", UserID: "u1"})
	require.NoError(t, err)
	called, err := env.engine.CallNext(ctx, "q1")
	require.NoError(t, err)
	require.NotNil(t, called.ExpiresAt)

	// Within the call window: nothing to do.
	env.setNow(env.now.Add(4 * time.Minute))
	events := env.sweeper.RunSweep(ctx, env.now)
	assert.Empty(t, events)

	// Past expires_at: the ticket is forfeited.
	env.setNow(called.ExpiresAt.Add(time.Second))
	events = env.sweeper.RunSweep(ctx, env.now)
	require.Len(t, events, 1)
	assert.Equal(t, EventTicketExpired, events[0].Kind)
	assert.Equal(t, tk.ID, events[0].TicketID)

	got, err := env.store.TicketSnapshot(tk.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TicketStatusCancelled, got.Status)
	require.NotNil(t, got.CancelledAt)

	require.Len(t, env.prod.cancelled, 1)
	assert.Equal(t, kafka.ReasonCallTimeout, env.prod.cancelled[0].Reason)

	// Re-running over settled state emits nothing.
	events = env.sweeper.RunSweep(ctx, env.now)
	assert.Empty(t, events)
}

func TestRunSweep_ClosesQueueAfterSchedule(t *testing.T) {
	env := newSweepEnv(t)
	env.store.RegisterQueue(sweepQueue("q1", 10, 1, "08:00", "12:00"))

	ctx := context.Background()
	pending, err := env.engine.IssueTicket(ctx, engine.IssueInput{QueueID: "q1", UserID: "u1"})
	require.NoError(t, err)
	_, err = env.engine.IssueTicket(ctx, engine.IssueInput{QueueID: "q1", UserID: "u2"})
	require.NoError(t, err)
	called, err := env.engine.CallNext(ctx, "q1")
	require.NoError(t, err)

	env.setNow(time.Date(2026, 8, 28, 12, 1, 0, 0, time.UTC))
	events := env.sweeper.RunSweep(ctx, env.now)
	require.Len(t, events, 2)
	for _, ev := range events {
		assert.Equal(t, EventScheduleClosed, ev.Kind)
	}

	for _, id := range []string{pending.ID, called.ID} {
		got, err := env.store.TicketSnapshot(id)
		require.NoError(t, err)
		assert.Equal(t, domain.TicketStatusCancelled, got.Status)
	}

	// Only the pending cancellation releases an admission slot: the
	// called ticket released its slot at call time.
	snap, err := env.store.Snapshot("q1")
	require.NoError(t, err)
	assert.Equal(t, 0, snap.Queue.ActiveTickets)

	require.Len(t, env.prod.cancelled, 2)
	for _, ev := range env.prod.cancelled {
		assert.Equal(t, kafka.ReasonScheduleClosed, ev.Reason)
	}

	notices := env.notifier.byKind(notify.KindCancelled)
	require.Len(t, notices, 2)
	assert.Contains(t, notices[0].Message, "reopens Sat 08:00")

	events = env.sweeper.RunSweep(ctx, env.now)
	assert.Empty(t, events)
}

func TestRunSweep_NearTurnNotification(t *testing.T) {
	env := newSweepEnv(t)
	env.store.RegisterQueue(sweepQueue("q1", 10, 1, "08:00", "18:00"))

	ctx := context.Background()
	head, err := env.engine.IssueTicket(ctx, engine.IssueInput{QueueID: "q1", UserID: "u1"})
	require.NoError(t, err)
	_, err = env.engine.IssueTicket(ctx, engine.IssueInput{QueueID: "q1", UserID: "u2"})
	require.NoError(t, err)

	events := env.sweeper.RunSweep(ctx, env.now)
	require.Len(t, events, 1)
	assert.Equal(t, EventPrepareNotified, events[0].Kind)
	assert.Equal(t, head.ID, events[0].TicketID)

	prepares := env.notifier.byKind(notify.KindPrepare)
	require.Len(t, prepares, 1)
	assert.Equal(t, "u1", prepares[0].UserID)

	// Deduplicated on the next tick.
	events = env.sweeper.RunSweep(ctx, env.now)
	assert.Empty(t, events)
	assert.Len(t, env.notifier.byKind(notify.KindPrepare), 1)
}

func TestRunSweep_NearTurnSkipsWalkIn(t *testing.T) {
	env := newSweepEnv(t)
	env.store.RegisterQueue(sweepQueue("q1", 10, 1, "08:00", "18:00"))

	ctx := context.Background()
	_, err := env.engine.IssueTicket(ctx, engine.IssueInput{QueueID: "q1", UserID: domain.WalkInUserID})
	require.NoError(t, err)

	events := env.sweeper.RunSweep(ctx, env.now)
	assert.Empty(t, events)
	assert.Empty(t, env.notifier.byKind(notify.KindPrepare))
}

func TestNotifyNearby(t *testing.T) {
	env := newSweepEnv(t)
	env.store.RegisterBranch(&domain.Branch{
		ID:        "branch-1",
		Name:      "Downtown",
		Latitude:  -23.5505,
		Longitude: -46.6333,
	})
	env.store.RegisterQueue(sweepQueue("q1", 10, 1, "08:00", "18:00"))

	ctx := context.Background()

	events := env.sweeper.NotifyNearby(ctx, "u1", -23.5508, -46.6330, "", env.now)
	require.Len(t, events, 1)
	assert.Equal(t, EventProximityNotified, events[0].Kind)
	assert.Equal(t, "branch-1", events[0].BranchID)

	got := env.notifier.byKind(notify.KindProximity)
	require.Len(t, got, 1)
	assert.Equal(t, "u1", got[0].UserID)

	// Suppressed while the same rounded location stays cached.
	events = env.sweeper.NotifyNearby(ctx, "u1", -23.5508, -46.6330, "", env.now)
	assert.Empty(t, events)

	// A different user is notified independently.
	events = env.sweeper.NotifyNearby(ctx, "u2", -23.5508, -46.6330, "", env.now)
	require.Len(t, events, 1)
}

func TestNotifyNearby_ServiceFilter(t *testing.T) {
	env := newSweepEnv(t)
	env.store.RegisterBranch(&domain.Branch{
		ID:        "branch-1",
		Name:      "Downtown",
		Latitude:  -23.5505,
		Longitude: -46.6333,
	})
	q := sweepQueue("q1", 10, 1, "08:00", "18:00")
	q.ServiceName = "Passport Renewal"
	env.store.RegisterQueue(q)

	ctx := context.Background()

	events := env.sweeper.NotifyNearby(ctx, "u1", -23.5508, -46.6330, "dental", env.now)
	assert.Empty(t, events)

	events = env.sweeper.NotifyNearby(ctx, "u1", -23.5508, -46.6330, "passport", env.now)
	require.Len(t, events, 1)
}

func TestNotifyNearby_OutOfRangeAndClosed(t *testing.T) {
	env := newSweepEnv(t)
	env.store.RegisterBranch(&domain.Branch{
		ID:        "branch-1",
		Name:      "Downtown",
		Latitude:  -23.5505,
		Longitude: -46.6333,
	})
	env.store.RegisterQueue(sweepQueue("q1", 10, 1, "08:00", "12:00"))

	ctx := context.Background()

	// Roughly 10km away.
	events := env.sweeper.NotifyNearby(ctx, "u1", -23.46, -46.6333, "", env.now)
	assert.Empty(t, events)

	// Nearby but the queue is closed for the day.
	env.setNow(time.Date(2026, 8, 28, 13, 0, 0, 0, time.UTC))
	events = env.sweeper.NotifyNearby(ctx, "u1", -23.5508, -46.6330, "", env.now)
	assert.Empty(t, events)
}

// gateNotifier parks the sweep goroutine inside Notify until released,
// simulating a slow push transport.
type gateNotifier struct {
	entered chan struct{}
	release chan struct{}
}

func (n *gateNotifier) Notify(context.Context, notify.Notification) error {
	select {
	case n.entered <- struct{}{}:
	default:
	}
	<-n.release
	return nil
}

func fastSweepCfg() config.DispatchConfig {
	return config.DispatchConfig{
		CallTimeout:          5 * time.Minute,
		SweepInterval:        5 * time.Millisecond,
		SweepShutdownTimeout: 5 * time.Second,
		NearTurnThreshold:    5 * time.Minute,
		ProximityThresholdKm: 1.0,
		ProximitySuppression: time.Hour,
		DefaultWaitEstimate:  30 * time.Minute,
		TradeOfferFanout:     5,
	}
}

func newFastSweeper(t *testing.T, notifier notify.Notifier) (*Sweeper, *store.Store) {
	t.Helper()

	l := pkgLog.InitializeTestZapLogger()
	st := store.New()
	resolver := schedule.NewResolver(l)
	cfg := fastSweepCfg()
	estimator := waittime.NewEstimator(nil, resolver, cfg.DefaultWaitEstimate, l)

	return New(st, resolver, estimator, newMemCache(), notifier, nil, metrics.NewTest(), cfg, l), st
}

func TestSweeper_StopReturnsWhileSweepInFlight(t *testing.T) {
	notifier := &gateNotifier{
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	sw, st := newFastSweeper(t, notifier)

	st.RegisterQueue(sweepQueue("q1", 10, 1, "00:00", "23:59"))
	require.NoError(t, st.Update("q1", func(txn *store.Txn) error {
		txn.InsertTicket(&domain.Ticket{
			ID: "t1", QueueID: "q1", UserID: "u1", Number: 1,
			Status: domain.TicketStatusPending, IssuedAt: time.Now(),
		})
		return nil
	}))

	require.NoError(t, sw.Start(context.Background()))

	// A tick is now parked inside the notifier.
	select {
	case <-notifier.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("sweep never reached the notifier")
	}

	stopDone := make(chan error, 1)
	go func() { stopDone <- sw.Stop() }()

	close(notifier.release)

	select {
	case err := <-stopDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after the in-flight sweep finished")
	}
	assert.False(t, sw.GetStatus().IsRunning)
}

func TestSweeper_RestartAfterStop(t *testing.T) {
	sw, _ := newFastSweeper(t, &captureNotifier{})
	ctx := context.Background()

	require.NoError(t, sw.Start(ctx))
	assert.Eventually(t, func() bool {
		return !sw.GetStatus().LastRun.IsZero()
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, sw.Stop())

	restartedAt := time.Now()
	require.NoError(t, sw.Start(ctx))
	assert.Eventually(t, func() bool {
		return sw.GetStatus().LastRun.After(restartedAt)
	}, 2*time.Second, 5*time.Millisecond, "restarted sweeper must tick again")
	require.NoError(t, sw.Stop())
}

func TestSweeper_StartStop(t *testing.T) {
	env := newSweepEnv(t)

	ctx := context.Background()
	require.NoError(t, env.sweeper.Start(ctx))
	assert.Error(t, env.sweeper.Start(ctx), "second start must be rejected")

	status := env.sweeper.GetStatus()
	assert.True(t, status.IsRunning)

	require.NoError(t, env.sweeper.Stop())
	assert.Error(t, env.sweeper.Stop())
	assert.False(t, env.sweeper.GetStatus().IsRunning)
}

// TestDispatchDay walks one queue through a full operating day: two
// admissions against a daily limit of two, a rejected third, calls and
// completions at a single counter, then the closing sweep at 12:01.
func TestDispatchDay(t *testing.T) {
	env := newSweepEnv(t)
	env.store.RegisterQueue(sweepQueue("q1", 2, 1, "08:00", "12:00"))

	ctx := context.Background()
	env.setNow(time.Date(2026, 8, 28, 8, 5, 0, 0, time.UTC))

	first, err := env.engine.IssueTicket(ctx, engine.IssueInput{QueueID: "q1", UserID: "ana"})
	require.NoError(t, err)
	assert.Equal(t, 1, first.Number)

	second, err := env.engine.IssueTicket(ctx, engine.IssueInput{QueueID: "q1", UserID: "bruno"})
	require.NoError(t, err)
	assert.Equal(t, 2, second.Number)

	_, err = env.engine.IssueTicket(ctx, engine.IssueInput{QueueID: "q1", UserID: "carla"})
	assert.ErrorIs(t, err, apperrors.ErrQueueFull, "daily limit of two must reject the third admission")

	called, err := env.engine.CallNext(ctx, "q1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, called.ID)
	assert.Equal(t, 1, called.Counter)

	env.setNow(env.now.Add(3 * time.Minute))
	done, err := env.engine.CompleteTicket(ctx, called.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TicketStatusAttended, done.Status)

	// The second holder is called but never shows up before close.
	_, err = env.engine.CallNext(ctx, "q1")
	require.NoError(t, err)

	env.setNow(time.Date(2026, 8, 28, 12, 1, 0, 0, time.UTC))
	events := env.sweeper.RunSweep(ctx, env.now)
	require.Len(t, events, 1)
	assert.Equal(t, EventScheduleClosed, events[0].Kind)
	assert.Equal(t, second.ID, events[0].TicketID)

	snap, err := env.store.Snapshot("q1")
	require.NoError(t, err)
	assert.Equal(t, 0, snap.Queue.ActiveTickets)
	assert.Empty(t, snap.Pending)
	assert.Empty(t, snap.Called)

	got, err := env.store.TicketSnapshot(second.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TicketStatusCancelled, got.Status)

	// Next morning the window resets and numbering restarts.
	require.NoError(t, env.store.ResetAdmissionWindow("q1"))
	env.setNow(time.Date(2026, 8, 29, 8, 0, 0, 0, time.UTC))
	fresh, err := env.engine.IssueTicket(ctx, engine.IssueInput{QueueID: "q1", UserID: "ana"})
	require.NoError(t, err)
	assert.Equal(t, 1, fresh.Number)
}
