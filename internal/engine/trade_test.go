package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filaflow/queue-engine/internal/domain"
	apperrors "github.com/filaflow/queue-engine/internal/errors"
	"github.com/filaflow/queue-engine/internal/notify"
)

func TestOfferTrade(t *testing.T) {
	env := newTestEnv(t)
	env.store.RegisterQueue(testQueue("q1", 10, 1))

	ctx := context.Background()
	tk, err := env.engine.IssueTicket(ctx, IssueInput{QueueID: "q1", UserID: "u1"})
	require.NoError(t, err)

	_, err = env.engine.OfferTrade(ctx, tk.ID, "intruder")
	assert.ErrorIs(t, err, apperrors.ErrNotOwner)

	offered, err := env.engine.OfferTrade(ctx, tk.ID, "u1")
	require.NoError(t, err)
	assert.True(t, offered.TradeAvailable)

	// Already offered.
	_, err = env.engine.OfferTrade(ctx, tk.ID, "u1")
	assert.ErrorIs(t, err, apperrors.ErrInvalidState)
}

func TestOfferTrade_NotifiesOldestHolders(t *testing.T) {
	env := newTestEnv(t)
	env.store.RegisterQueue(testQueue("q1", 20, 1))

	ctx := context.Background()
	base := time.Date(2026, 8, 28, 9, 0, 0, 0, time.UTC)
	now := base
	env.engine.SetClock(func() time.Time { return now })

	var offerer domain.Ticket
	for i := 0; i < 8; i++ {
		now = base.Add(time.Duration(i) * time.Minute)
		tk, err := env.engine.IssueTicket(ctx, IssueInput{
			QueueID: "q1", UserID: fmt.Sprintf("user-%d", i),
		})
		require.NoError(t, err)
		if i == 7 {
			offerer = tk
		}
	}

	_, err := env.engine.OfferTrade(ctx, offerer.ID, "user-7")
	require.NoError(t, err)

	offers := env.notifier.byKind(notify.KindTradeOffer)
	require.Len(t, offers, 5)
	for i, n := range offers {
		assert.Equal(t, fmt.Sprintf("user-%d", i), n.UserID, "fan-out must be oldest-issued first")
	}
}

func TestAcceptTrade_SwapInvariant(t *testing.T) {
	env := newTestEnv(t)
	env.store.RegisterQueue(testQueue("q1", 10, 1))

	ctx := context.Background()
	from, err := env.engine.IssueTicket(ctx, IssueInput{QueueID: "q1", UserID: "alice"})
	require.NoError(t, err)
	to, err := env.engine.IssueTicket(ctx, IssueInput{QueueID: "q1", UserID: "bob"})
	require.NoError(t, err)

	_, err = env.engine.OfferTrade(ctx, to.ID, "bob")
	require.NoError(t, err)

	gotFrom, gotTo, err := env.engine.AcceptTrade(ctx, from.ID, to.ID, "alice")
	require.NoError(t, err)

	assert.Equal(t, "bob", gotFrom.UserID)
	assert.Equal(t, "alice", gotTo.UserID)
	assert.Equal(t, to.Number, gotFrom.Number)
	assert.Equal(t, from.Number, gotTo.Number)
	assert.False(t, gotFrom.TradeAvailable)
	assert.False(t, gotTo.TradeAvailable)

	// No numbers lost or duplicated.
	snap, err := env.store.Snapshot("q1")
	require.NoError(t, err)
	numbers := map[int]int{}
	for _, tk := range snap.Pending {
		numbers[tk.Number]++
	}
	assert.Equal(t, map[int]int{from.Number: 1, to.Number: 1}, numbers)

	require.Len(t, env.prod.traded, 1)
}

func TestAcceptTrade_Preconditions(t *testing.T) {
	env := newTestEnv(t)
	env.store.RegisterQueue(testQueue("q1", 10, 1))

	ctx := context.Background()
	from, err := env.engine.IssueTicket(ctx, IssueInput{QueueID: "q1", UserID: "alice"})
	require.NoError(t, err)
	to, err := env.engine.IssueTicket(ctx, IssueInput{QueueID: "q1", UserID: "bob"})
	require.NoError(t, err)

	// Target never offered.
	_, _, err = env.engine.AcceptTrade(ctx, from.ID, to.ID, "alice")
	assert.ErrorIs(t, err, apperrors.ErrNotOfferable)

	// Requester must own the from ticket.
	_, err = env.engine.OfferTrade(ctx, to.ID, "bob")
	require.NoError(t, err)
	_, _, err = env.engine.AcceptTrade(ctx, from.ID, to.ID, "mallory")
	assert.ErrorIs(t, err, apperrors.ErrNotOwner)

	// Both tickets must be pending.
	_, err = env.engine.CallNext(ctx, "q1")
	require.NoError(t, err)
	_, _, err = env.engine.AcceptTrade(ctx, from.ID, to.ID, "alice")
	assert.ErrorIs(t, err, apperrors.ErrInvalidState)
}
