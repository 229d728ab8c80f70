package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocxlabs/civic-triage/internal/timecodec"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewFromClient(rdb), mr
}

func payload(t *testing.T, priority int, requestedDatetime string) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(map[string]any{
		"service_request_id": "7",
		"priority":            priority,
		"requested_datetime":  requestedDatetime,
		"city":                "springfield",
	})
	require.NoError(t, err)
	return b
}

func TestCacheRequest_Invariants(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CacheRequest(ctx, "springfield", "7", payload(t, 80, timecodec.Format(time.Now()))))

	cached, err := s.IsCached(ctx, "springfield", "7")
	require.NoError(t, err)
	assert.True(t, cached)

	ids, err := s.GetCachedIDs(ctx, "springfield")
	require.NoError(t, err)
	assert.Contains(t, ids, "7")

	stats, err := s.GetCityStats(ctx, "springfield")
	require.NoError(t, err)
	assert.Equal(t, Stats{NumOpen: 1, AvgPriority: 80.0, RecentRequests: 1}, stats)

	global, err := s.GetGlobalStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, global.NumOpen)
	assert.Equal(t, 80.0, global.AvgPriority)
}

func TestEvictRequest_RollsBackAggregates(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CacheRequest(ctx, "springfield", "7", payload(t, 80, "2024-01-01T00:00:00Z")))
	require.NoError(t, s.EvictRequest(ctx, "springfield", "7"))

	cached, err := s.IsCached(ctx, "springfield", "7")
	require.NoError(t, err)
	assert.False(t, cached)

	stats, err := s.GetCityStats(ctx, "springfield")
	require.NoError(t, err)
	assert.Equal(t, Stats{NumOpen: 0, AvgPriority: 0, RecentRequests: 0}, stats)

	global, err := s.GetGlobalStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, global.NumOpen)
	assert.Equal(t, 0.0, global.AvgPriority)
}

func TestEvictRequest_MissingRecordContributesZero(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.EvictRequest(ctx, "springfield", "does-not-exist"))

	global, err := s.GetGlobalStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, global.NumOpen)
}

func TestCacheRequest_MissingPriorityDefaultsZero(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	raw, err := json.Marshal(map[string]any{"service_request_id": "9", "requested_datetime": "2024-01-01T00:00:00Z"})
	require.NoError(t, err)
	require.NoError(t, s.CacheRequest(ctx, "springfield", "9", raw))

	stats, err := s.GetCityStats(ctx, "springfield")
	require.NoError(t, err)
	assert.Equal(t, 0.0, stats.AvgPriority)
}

func TestCacheRequest_UnparseableTimeFallsBackToNow(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	raw, err := json.Marshal(map[string]any{"service_request_id": "9", "priority": 10, "requested_datetime": "not-a-time"})
	require.NoError(t, err)
	require.NoError(t, s.CacheRequest(ctx, "springfield", "9", raw))

	stats, err := s.GetCityStats(ctx, "springfield")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.RecentRequests, "falls back to now, so it counts as within the last hour")
}

func TestMgetRequests_DropsExpired(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CacheRequest(ctx, "springfield", "7", payload(t, 80, "2024-01-01T00:00:00Z")))
	mr.Del(reqKey("springfield", "7"))

	items, err := s.MgetRequests(ctx, "springfield")
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestGetCityStats_Empty(t *testing.T) {
	s, _ := newTestStore(t)
	stats, err := s.GetCityStats(context.Background(), "nowhere")
	require.NoError(t, err)
	assert.Equal(t, Stats{}, stats)
}

func TestGetRecentRequests_ZeroReturnsEmpty(t *testing.T) {
	s, _ := newTestStore(t)
	items, err := s.GetRecentRequests(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestGetRecentRequests_OrderedNewestFirst(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	older, err := json.Marshal(map[string]any{"service_request_id": "1", "priority": 10, "requested_datetime": "2024-01-01T00:00:00Z", "city": "springfield"})
	require.NoError(t, err)
	newer, err := json.Marshal(map[string]any{"service_request_id": "2", "priority": 10, "requested_datetime": "2024-01-02T00:00:00Z", "city": "springfield"})
	require.NoError(t, err)
	require.NoError(t, s.CacheRequest(ctx, "springfield", "1", older))
	require.NoError(t, s.CacheRequest(ctx, "springfield", "2", newer))

	items, err := s.GetRecentRequests(ctx, 10)
	require.NoError(t, err)
	require.Len(t, items, 2)

	var first map[string]any
	require.NoError(t, json.Unmarshal(items[0], &first))
	assert.Equal(t, "2", first["service_request_id"])
}

func TestDedupCycle_NoChangeOnReplay(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CacheRequest(ctx, "springfield", "7", payload(t, 80, "2024-01-01T00:00:00Z")))
	before, err := s.GetCityStats(ctx, "springfield")
	require.NoError(t, err)

	cached, err := s.IsCached(ctx, "springfield", "7")
	require.NoError(t, err)
	require.True(t, cached, "a dedup gate would skip re-classifying this id")

	after, err := s.GetCityStats(ctx, "springfield")
	require.NoError(t, err)
	assert.Equal(t, before, after)
}
