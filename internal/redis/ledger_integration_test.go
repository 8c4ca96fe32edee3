//go:build integration

package redis_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/go-chart-flow/internal/capacity"
	"github.com/ramiqadoumi/go-chart-flow/internal/domain"
	redisstore "github.com/ramiqadoumi/go-chart-flow/internal/redis"
)

func TestLedger_ProvisionAndGet(t *testing.T) {
	l := redisstore.NewLedger(newRedisClient(t))
	ctx := context.Background()

	e, err := l.Provision(ctx, capacity.TeamKey("coding-east"), 5)
	require.NoError(t, err)
	assert.Equal(t, capacity.Entry{Key: capacity.TeamKey("coding-east"), Used: 0, Total: 5}, e)

	got, err := l.Get(ctx, capacity.TeamKey("coding-east"))
	require.NoError(t, err)
	assert.Equal(t, e, got)

	_, err = l.Get(ctx, capacity.TeamKey("nobody"))
	assert.Equal(t, domain.KindNotFound, domain.KindOf(err))
}

func TestLedger_ReserveAllOrNothing(t *testing.T) {
	l := redisstore.NewLedger(newRedisClient(t))
	ctx := context.Background()
	east, west := capacity.TeamKey("east"), capacity.TeamKey("west")
	_, err := l.Provision(ctx, east, 3)
	require.NoError(t, err)
	_, err = l.Provision(ctx, west, 1)
	require.NoError(t, err)

	err = l.Reserve(ctx, []capacity.Claim{{Key: east, Units: 2}, {Key: west, Units: 2}})
	var exceeded *domain.CapacityExceededError
	require.ErrorAs(t, err, &exceeded)
	assert.Equal(t, "west", exceeded.ID)

	entries, err := l.Snapshot(ctx, []capacity.Key{east, west})
	require.NoError(t, err)
	assert.Equal(t, 0, entries[0].Used, "a failed reserve must not touch any entry")
	assert.Equal(t, 0, entries[1].Used)

	require.NoError(t, l.Reserve(ctx, []capacity.Claim{{Key: east, Units: 2}, {Key: west, Units: 1}}))
	entries, err = l.Snapshot(ctx, []capacity.Key{east, west})
	require.NoError(t, err)
	assert.Equal(t, 2, entries[0].Used)
	assert.Equal(t, 1, entries[1].Used)

	require.NoError(t, l.Release(ctx, []capacity.Claim{{Key: east, Units: 2}}))
	e, err := l.Get(ctx, east)
	require.NoError(t, err)
	assert.Equal(t, 0, e.Used)

	assert.Error(t, l.Release(ctx, []capacity.Claim{{Key: east, Units: 1}}), "usage must never go negative")
}

func TestLedger_ProvisionBelowUsage(t *testing.T) {
	l := redisstore.NewLedger(newRedisClient(t))
	ctx := context.Background()
	k := capacity.MemberKey("coder-1")
	_, err := l.Provision(ctx, k, 4)
	require.NoError(t, err)
	require.NoError(t, l.Reserve(ctx, []capacity.Claim{{Key: k, Units: 3}}))

	_, err = l.Provision(ctx, k, 2)
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))

	e, err := l.Provision(ctx, k, 10)
	require.NoError(t, err)
	assert.Equal(t, 3, e.Used, "reprovisioning keeps usage")
}

func TestLedger_SetUsed(t *testing.T) {
	l := redisstore.NewLedger(newRedisClient(t))
	ctx := context.Background()
	k := capacity.TeamKey("qa")

	_, err := l.SetUsed(ctx, k, 1)
	assert.Equal(t, domain.KindNotFound, domain.KindOf(err))

	_, err = l.Provision(ctx, k, 2)
	require.NoError(t, err)
	_, err = l.SetUsed(ctx, k, 3)
	assert.Equal(t, domain.KindCapacityExceeded, domain.KindOf(err))

	e, err := l.SetUsed(ctx, k, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, e.Used)
}

func TestLedger_ConcurrentReserveNeverOvercommits(t *testing.T) {
	client := newRedisClient(t)
	ctx := context.Background()
	k := capacity.TeamKey("coding-east")
	_, err := redisstore.NewLedger(client).Provision(ctx, k, 10)
	require.NoError(t, err)

	// Separate ledger values stand in for separate processes.
	var granted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if redisstore.NewLedger(client).Reserve(ctx, []capacity.Claim{{Key: k, Units: 1}}) == nil {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(10), granted.Load())
	e, err := redisstore.NewLedger(client).Get(ctx, k)
	require.NoError(t, err)
	assert.Equal(t, 10, e.Used)
}

func TestLedger_Keys(t *testing.T) {
	client := newRedisClient(t)
	l := redisstore.NewLedger(client)
	ctx := context.Background()
	for _, k := range []capacity.Key{capacity.TeamKey("west"), capacity.MemberKey("m1"), capacity.TeamKey("east")} {
		_, err := l.Provision(ctx, k, 2)
		require.NoError(t, err)
	}
	require.NoError(t, client.Set(ctx, "unrelated", "1", 0).Err())

	keys, err := l.(capacity.Lister).Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []capacity.Key{
		capacity.MemberKey("m1"),
		capacity.TeamKey("east"),
		capacity.TeamKey("west"),
	}, keys)
}
