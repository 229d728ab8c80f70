// Package store is the typed wrapper over the shared Redis instance:
// one serialized record per request, per-city open-id sets and
// priority sums, a time index, and global mirrors of all three.
//
// Every write here is a non-transactional pipeline, matching the
// source system's accepted drift between a record and its aggregates
// (bounded by one batch round-trip).
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ocxlabs/civic-triage/internal/timecodec"
)

// ErrStateStore wraps any failure talking to the backing Redis
// instance. Callers treat it as transient: log, abort the current
// cycle, retry next tick.
var ErrStateStore = errors.New("store: state store operation failed")

const defaultTTL = 24 * time.Hour

// Store is a typed, pipelined Redis client. The zero value is not
// usable; construct with New or NewFromClient.
type Store struct {
	rdb *redis.Client
}

// New connects to Redis at addr (a redis:// URL) with the connection
// settings the rest of this codebase's ambient Redis usage carries:
// bounded dial/read/write timeouts and a modest pool, verified with a
// ping before the pipeline is handed back to callers.
func New(ctx context.Context, addr string) (*Store, error) {
	opts, err := redis.ParseURL(addr)
	if err != nil {
		return nil, fmt.Errorf("%w: parse redis url: %v", ErrStateStore, err)
	}
	opts.DialTimeout = 3 * time.Second
	opts.ReadTimeout = 2 * time.Second
	opts.WriteTimeout = 2 * time.Second
	opts.PoolSize = 20

	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("%w: ping %s: %v", ErrStateStore, opts.Addr, err)
	}

	slog.Info("store: connected to redis", "addr", opts.Addr, "db", opts.DB)
	return &Store{rdb: rdb}, nil
}

// NewFromClient wraps an already-constructed go-redis client, used by
// tests against miniredis.
func NewFromClient(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.rdb.Close()
}

type minimalPayload struct {
	Priority          json.Number `json:"priority"`
	RequestedDatetime string      `json:"requested_datetime"`
}

func extractPriorityAndEpoch(payload json.RawMessage) (int, int64) {
	var p minimalPayload
	_ = json.Unmarshal(payload, &p)

	priority := 0
	if p.Priority != "" {
		if v, err := p.Priority.Int64(); err == nil {
			priority = int(v)
		}
	}

	epoch := time.Now().Unix()
	if p.RequestedDatetime != "" {
		if t, err := timecodec.Parse(p.RequestedDatetime); err == nil {
			epoch = t.Unix()
		}
	}
	return priority, epoch
}

// CacheRequest writes a fully-merged, classified record and updates
// every aggregate that tracks it, in one non-transactional pipeline.
func (s *Store) CacheRequest(ctx context.Context, city, id string, payload json.RawMessage) error {
	priority, epoch := extractPriorityAndEpoch(payload)

	pipe := s.rdb.Pipeline()
	pipe.Set(ctx, reqKey(city, id), []byte(payload), defaultTTL)
	pipe.SAdd(ctx, openSetKey(city), id)
	pipe.IncrBy(ctx, prioritySumKey(city), int64(priority))
	pipe.ZAdd(ctx, tsZsetKey(city), redis.Z{Score: float64(epoch), Member: id})

	pipe.IncrBy(ctx, globalPrioritySumKey, int64(priority))
	pipe.Incr(ctx, globalNumOpenKey)
	pipe.ZAdd(ctx, globalTsZsetKey, redis.Z{Score: float64(epoch), Member: reqKey(city, id)})

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: cache_request(%s,%s): %v", ErrStateStore, city, id, err)
	}
	return nil
}

// EvictRequest removes a record and rolls back every aggregate it
// contributed to. The record is read first so its priority can be
// subtracted; a missing or unreadable record contributes zero. The
// global open count is decremented only when id was in the city's
// open-id set.
func (s *Store) EvictRequest(ctx context.Context, city, id string) error {
	member, err := s.rdb.SIsMember(ctx, openSetKey(city), id).Result()
	if err != nil {
		return fmt.Errorf("%w: evict_request sismember(%s,%s): %v", ErrStateStore, city, id, err)
	}

	raw, err := s.rdb.Get(ctx, reqKey(city, id)).Bytes()
	priority := 0
	if err == nil {
		var p minimalPayload
		if jerr := json.Unmarshal(raw, &p); jerr == nil && p.Priority != "" {
			if v, perr := p.Priority.Int64(); perr == nil {
				priority = int(v)
			}
		}
	} else if !errors.Is(err, redis.Nil) {
		return fmt.Errorf("%w: evict_request read(%s,%s): %v", ErrStateStore, city, id, err)
	}

	pipe := s.rdb.Pipeline()
	pipe.Del(ctx, reqKey(city, id))
	pipe.SRem(ctx, openSetKey(city), id)
	pipe.DecrBy(ctx, prioritySumKey(city), int64(priority))
	pipe.ZRem(ctx, tsZsetKey(city), id)

	pipe.DecrBy(ctx, globalPrioritySumKey, int64(priority))
	if member {
		pipe.Decr(ctx, globalNumOpenKey)
	}
	pipe.ZRem(ctx, globalTsZsetKey, reqKey(city, id))

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: evict_request(%s,%s): %v", ErrStateStore, city, id, err)
	}
	return nil
}

// IsCached reports whether id is tracked open in city, permissively:
// true if either the open-id set or the record itself says so, which
// tolerates the narrow race between the two writes in CacheRequest.
func (s *Store) IsCached(ctx context.Context, city, id string) (bool, error) {
	member, err := s.rdb.SIsMember(ctx, openSetKey(city), id).Result()
	if err != nil {
		return false, fmt.Errorf("%w: is_cached sismember(%s,%s): %v", ErrStateStore, city, id, err)
	}
	if member {
		return true, nil
	}

	n, err := s.rdb.Exists(ctx, reqKey(city, id)).Result()
	if err != nil {
		return false, fmt.Errorf("%w: is_cached exists(%s,%s): %v", ErrStateStore, city, id, err)
	}
	return n == 1, nil
}

// GetCachedIDs returns a snapshot of the ids the pipeline currently
// considers open in city.
func (s *Store) GetCachedIDs(ctx context.Context, city string) (map[string]struct{}, error) {
	ids, err := s.rdb.SMembers(ctx, openSetKey(city)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: get_cached_ids(%s): %v", ErrStateStore, city, err)
	}
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set, nil
}
