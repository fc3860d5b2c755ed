package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgLog "github.com/filaflow/queue-engine/pkg/logger"
)

func TestNotificationCache_Seen(t *testing.T) {
	cli, mock := redismock.NewClientMock()
	cache := NewRedisNotificationCache(cli, pkgLog.InitializeTestZapLogger())
	ctx := context.Background()

	mock.ExpectExists("dispatch:notified:prepare:t1").SetVal(0)
	seen, err := cache.Seen(ctx, "prepare:t1")
	require.NoError(t, err)
	assert.False(t, seen)

	mock.ExpectExists("dispatch:notified:prepare:t1").SetVal(1)
	seen, err = cache.Seen(ctx, "prepare:t1")
	require.NoError(t, err)
	assert.True(t, seen)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNotificationCache_SeenError(t *testing.T) {
	cli, mock := redismock.NewClientMock()
	cache := NewRedisNotificationCache(cli, pkgLog.InitializeTestZapLogger())

	mock.ExpectExists("dispatch:notified:prepare:t1").SetErr(errors.New("connection refused"))
	_, err := cache.Seen(context.Background(), "prepare:t1")
	assert.Error(t, err)
}

func TestNotificationCache_MarkSeen(t *testing.T) {
	cli, mock := redismock.NewClientMock()
	cache := NewRedisNotificationCache(cli, pkgLog.InitializeTestZapLogger())

	mock.ExpectSetNX("dispatch:notified:prepare:t1", "1", 12*time.Hour).SetVal(true)
	require.NoError(t, cache.MarkSeen(context.Background(), "prepare:t1", 12*time.Hour))

	// SetNX returning false means another sweep got there first; that
	// is not an error.
	mock.ExpectSetNX("dispatch:notified:prepare:t1", "1", 12*time.Hour).SetVal(false)
	require.NoError(t, cache.MarkSeen(context.Background(), "prepare:t1", 12*time.Hour))

	assert.NoError(t, mock.ExpectationsWereMet())
}
