package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const oneHour = time.Hour

// Stats is the pre-aggregated summary returned for one city or
// globally: current open count, average priority across open
// requests, and inflow over the last hour.
type Stats struct {
	NumOpen        int     `json:"num_open"`
	AvgPriority    float64 `json:"avg_priority"`
	RecentRequests int     `json:"recent_requests"`
}

// GetRequest returns the stored record for (city, id), or nil if it
// isn't present (including if it expired).
func (s *Store) GetRequest(ctx context.Context, city, id string) (json.RawMessage, error) {
	raw, err := s.rdb.Get(ctx, reqKey(city, id)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get_request(%s,%s): %v", ErrStateStore, city, id, err)
	}
	return json.RawMessage(raw), nil
}

// MgetRequests snapshots the open-id set for city and returns every
// record that still exists, dropping ids whose record expired since
// the set was read. Order is unspecified.
func (s *Store) MgetRequests(ctx context.Context, city string) ([]json.RawMessage, error) {
	ids, err := s.rdb.SMembers(ctx, openSetKey(city)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: mget_requests smembers(%s): %v", ErrStateStore, city, err)
	}
	if len(ids) == 0 {
		return []json.RawMessage{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = reqKey(city, id)
	}
	return s.mgetKeys(ctx, keys)
}

func (s *Store) mgetKeys(ctx context.Context, keys []string) ([]json.RawMessage, error) {
	raw, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: mget: %v", ErrStateStore, err)
	}
	out := make([]json.RawMessage, 0, len(raw))
	for _, item := range raw {
		if item == nil {
			continue
		}
		str, ok := item.(string)
		if !ok {
			continue
		}
		out = append(out, json.RawMessage(str))
	}
	return out, nil
}

// GetCityStats returns the pre-aggregated snapshot for one city.
func (s *Store) GetCityStats(ctx context.Context, city string) (Stats, error) {
	return s.stats(ctx, openSetKey(city), prioritySumKey(city), tsZsetKey(city))
}

// GetGlobalStats returns the pre-aggregated snapshot across all
// cities.
func (s *Store) GetGlobalStats(ctx context.Context) (Stats, error) {
	return s.globalStats(ctx)
}

func (s *Store) stats(ctx context.Context, openKey, sumKey, tsKey string) (Stats, error) {
	now := time.Now()
	cutoff := now.Add(-oneHour)

	pipe := s.rdb.Pipeline()
	numOpenCmd := pipe.SCard(ctx, openKey)
	sumCmd := pipe.Get(ctx, sumKey)
	recentCmd := pipe.ZCount(ctx, tsKey, fmt.Sprintf("%d", cutoff.Unix()), "+inf")

	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return Stats{}, fmt.Errorf("%w: stats pipeline: %v", ErrStateStore, err)
	}

	numOpen := int(numOpenCmd.Val())
	prioritySum := int64(0)
	if v, err := sumCmd.Result(); err == nil {
		fmt.Sscanf(v, "%d", &prioritySum)
	}
	recent := int(recentCmd.Val())

	return buildStats(numOpen, prioritySum, recent), nil
}

func (s *Store) globalStats(ctx context.Context) (Stats, error) {
	now := time.Now()
	cutoff := now.Add(-oneHour)

	pipe := s.rdb.Pipeline()
	numOpenCmd := pipe.Get(ctx, globalNumOpenKey)
	sumCmd := pipe.Get(ctx, globalPrioritySumKey)
	recentCmd := pipe.ZCount(ctx, globalTsZsetKey, fmt.Sprintf("%d", cutoff.Unix()), "+inf")

	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return Stats{}, fmt.Errorf("%w: global stats pipeline: %v", ErrStateStore, err)
	}

	numOpen := int64(0)
	if v, err := numOpenCmd.Result(); err == nil {
		fmt.Sscanf(v, "%d", &numOpen)
	}
	prioritySum := int64(0)
	if v, err := sumCmd.Result(); err == nil {
		fmt.Sscanf(v, "%d", &prioritySum)
	}
	recent := int(recentCmd.Val())

	return buildStats(int(numOpen), prioritySum, recent), nil
}

func buildStats(numOpen int, prioritySum int64, recent int) Stats {
	avg := 0.0
	if numOpen > 0 {
		avg = roundTo1Decimal(float64(prioritySum) / float64(numOpen))
	}
	return Stats{NumOpen: numOpen, AvgPriority: avg, RecentRequests: recent}
}

func roundTo1Decimal(f float64) float64 {
	return float64(int64(f*10+0.5)) / 10
}

// GetRecentRequests returns the n most recently requested records
// across all cities, newest first, dropping any that expired between
// the index read and the record fetch.
func (s *Store) GetRecentRequests(ctx context.Context, n int) ([]json.RawMessage, error) {
	if n <= 0 {
		return []json.RawMessage{}, nil
	}
	keys, err := s.rdb.ZRevRange(ctx, globalTsZsetKey, 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: get_recent_requests zrevrange: %v", ErrStateStore, err)
	}
	if len(keys) == 0 {
		return []json.RawMessage{}, nil
	}
	return s.mgetKeys(ctx, keys)
}
