package storage

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestDedupIndex(t *testing.T) (*RedisDedupIndex, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	idx := NewRedisDedupIndex(mr.Addr(), "", 0, 5, time.Hour, zap.NewNop().Sugar())
	t.Cleanup(func() { _ = idx.Close() })
	return idx, mr
}

func TestRedisDedupIndex_RecordLookupRemove(t *testing.T) {
	idx, _ := newTestDedupIndex(t)
	ctx := context.Background()

	require.NoError(t, idx.Ping(ctx))

	_, ok := idx.Lookup(ctx, "strategy-1/event-1")
	assert.False(t, ok, "lookup before record misses")

	require.NoError(t, idx.Record(ctx, "strategy-1/event-1", "ticket-1"))

	ticketID, ok := idx.Lookup(ctx, "strategy-1/event-1")
	require.True(t, ok)
	assert.Equal(t, "ticket-1", ticketID)

	require.NoError(t, idx.Remove(ctx, "strategy-1/event-1"))
	_, ok = idx.Lookup(ctx, "strategy-1/event-1")
	assert.False(t, ok)
}

func TestRedisDedupIndex_TTLExpiry(t *testing.T) {
	mr := miniredis.RunT(t)
	idx := NewRedisDedupIndex(mr.Addr(), "", 0, 5, time.Minute, zap.NewNop().Sugar())
	t.Cleanup(func() { _ = idx.Close() })
	ctx := context.Background()

	require.NoError(t, idx.Record(ctx, "k", "ticket-1"))
	mr.FastForward(2 * time.Minute)

	_, ok := idx.Lookup(ctx, "k")
	assert.False(t, ok, "entries expire with the configured TTL")
}

func TestRedisDedupIndex_FailureFallsBack(t *testing.T) {
	idx, mr := newTestDedupIndex(t)
	ctx := context.Background()

	require.NoError(t, idx.Record(ctx, "k", "ticket-1"))
	mr.Close()

	// A broken cache must read as a miss, never an error the caller trips on.
	_, ok := idx.Lookup(ctx, "k")
	assert.False(t, ok)
	assert.Error(t, idx.Record(ctx, "k2", "ticket-2"))
}
