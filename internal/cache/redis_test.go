package cache

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/atlas-desktop/signal-consensus/pkg/types"
)

func TestWeightCacheRoundTrip(t *testing.T) {
	db, mock := redismock.NewClientMock()
	wc := NewWeightCache(zap.NewNop(), db, "test:")
	ctx := context.Background()

	table := types.NewWeightTable(7, time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC), map[string]float64{
		"alpha": 1.25,
		"beta":  0.8,
	})
	raw, err := json.Marshal(table)
	require.NoError(t, err)

	mock.ExpectSet("test:weights:current", raw, 0).SetVal("OK")
	require.NoError(t, wc.Save(ctx, table))

	mock.ExpectGet("test:weights:current").SetVal(string(raw))
	loaded, err := wc.Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, int64(7), loaded.Version())
	assert.Equal(t, 1.25, loaded.Weight("alpha"))
	assert.Equal(t, types.DefaultWeight, loaded.Weight("gamma"))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWeightCacheMiss(t *testing.T) {
	db, mock := redismock.NewClientMock()
	wc := NewWeightCache(zap.NewNop(), db, "test:")

	mock.ExpectGet("test:weights:current").RedisNil()
	loaded, err := wc.Load(context.Background())
	require.NoError(t, err)
	assert.Nil(t, loaded)

	mock.ExpectGet("test:weights:current").SetErr(errors.New("connection refused"))
	_, err = wc.Load(context.Background())
	assert.Error(t, err)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPassLock(t *testing.T) {
	db, mock := redismock.NewClientMock()
	lock := NewPassLock(db, "test:", "weighting", time.Minute)
	ctx := context.Background()

	mock.ExpectSetNX("test:lock:weighting", lock.token, time.Minute).SetVal(true)
	ok, err := lock.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	mock.ExpectSetNX("test:lock:weighting", lock.token, time.Minute).SetVal(false)
	ok, err = lock.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	mock.ExpectEval(releaseScript, []string{"test:lock:weighting"}, lock.token).SetVal(int64(1))
	require.NoError(t, lock.Release(ctx))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPassLocksHaveDistinctTokens(t *testing.T) {
	db, _ := redismock.NewClientMock()
	a := NewPassLock(db, "p:", "weighting", time.Minute)
	b := NewPassLock(db, "p:", "weighting", time.Minute)
	assert.NotEqual(t, a.token, b.token)
	assert.Equal(t, a.key, b.key)
}
