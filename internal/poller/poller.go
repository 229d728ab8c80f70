// Package poller drives one ingestion loop per city: page through the
// upstream, dedup against the state store, classify new requests,
// persist them, then reconcile (evict) anything the upstream stopped
// reporting.
package poller

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/ocxlabs/civic-triage/internal/metrics"
	"github.com/ocxlabs/civic-triage/internal/model"
)

const pageSize = 100
const lookback = 24 * time.Hour
const classifyChunkSize = 5

// Fetcher is the subset of the upstream client a poller needs.
type Fetcher interface {
	FetchOpenPage(ctx context.Context, city string, start, end time.Time, page, pageSize int) ([]model.RawRequest, error)
}

// Classifier is the subset of the classifier client a poller needs.
type Classifier interface {
	ClassifyBatchInChunks(ctx context.Context, requests []model.RawRequest, chunkSize int, pollInterval time.Duration) ([]model.Verdict, error)
}

// StateStore is the subset of the state store a poller needs.
type StateStore interface {
	IsCached(ctx context.Context, city, id string) (bool, error)
	CacheRequest(ctx context.Context, city, id string, payload json.RawMessage) error
	GetCachedIDs(ctx context.Context, city string) (map[string]struct{}, error)
	EvictRequest(ctx context.Context, city, id string) error
}

// Poller drives the ingestion loop for a single city.
type Poller struct {
	City         string
	Fetcher      Fetcher
	Classifier   Classifier
	Store        StateStore
	PollInterval time.Duration
	// Metrics is optional; a nil value disables instrumentation.
	Metrics *metrics.Metrics
}

// Run executes full poll cycles back to back until ctx is canceled,
// honoring cancellation at every suspension point. A cycle's error is
// logged; the loop restarts at the next tick rather than dying.
func (p *Poller) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		if err := p.runCycle(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			slog.Error("poller: cycle failed", "city", p.City, "error", err)
		}

		if !sleepOrDone(ctx, p.PollInterval) {
			return
		}
	}
}

func (p *Poller) runCycle(ctx context.Context) error {
	cycleStart := time.Now()
	if p.Metrics != nil {
		defer func() { p.Metrics.RecordCycle(p.City, time.Since(cycleStart).Seconds()) }()
	}

	end := cycleStart.UTC()
	start := end.Add(-lookback)
	seen := make(map[string]struct{})

	for page := 1; ; page++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		raw, err := p.Fetcher.FetchOpenPage(ctx, p.City, start, end, page, pageSize)
		if err != nil {
			p.recordUpstream("error")
			return err
		}
		if len(raw) == 0 {
			p.recordUpstream("empty")
			break
		}
		p.recordUpstream("ok")

		newRequests := make([]model.RawRequest, 0, len(raw))
		for _, req := range raw {
			id := req.ID()
			seen[id] = struct{}{}

			cached, err := p.Store.IsCached(ctx, p.City, id)
			if err != nil {
				return err
			}
			if cached {
				if p.Metrics != nil {
					p.Metrics.RecordCacheHit(p.City)
				}
			} else {
				newRequests = append(newRequests, req)
			}
		}

		if len(newRequests) > 0 {
			if err := p.classifyAndPersist(ctx, newRequests); err != nil {
				// A failed classifier call aborts this page's insert step
				// only; seen already has every id from this page, so
				// none of them get spuriously evicted below.
				slog.Error("poller: classify failed, skipping page insert", "city", p.City, "page", page, "error", err)
				if p.Metrics != nil {
					p.Metrics.RecordClassifyBatch(p.City, "error")
				}
			} else if p.Metrics != nil {
				p.Metrics.RecordClassifyBatch(p.City, "ok")
			}
		}

		if !sleepOrDone(ctx, p.PollInterval) {
			return ctx.Err()
		}
	}

	return p.evictClosed(ctx, seen)
}

func (p *Poller) classifyAndPersist(ctx context.Context, newRequests []model.RawRequest) error {
	verdicts, err := p.Classifier.ClassifyBatchInChunks(ctx, newRequests, classifyChunkSize, p.PollInterval)
	if err != nil {
		return err
	}

	for i, req := range newRequests {
		payload, err := model.MergePayload(req, verdicts[i], p.City)
		if err != nil {
			slog.Error("poller: merge payload failed", "city", p.City, "id", req.ID(), "error", err)
			continue
		}
		if err := p.Store.CacheRequest(ctx, p.City, req.ID(), payload); err != nil {
			slog.Error("poller: cache_request failed", "city", p.City, "id", req.ID(), "error", err)
			continue
		}
		if p.Metrics != nil {
			p.Metrics.RecordCacheMiss(p.City)
		}
	}
	return nil
}

func (p *Poller) evictClosed(ctx context.Context, seen map[string]struct{}) error {
	cachedIDs, err := p.Store.GetCachedIDs(ctx, p.City)
	if err != nil {
		return err
	}

	evicted := 0
	for id := range cachedIDs {
		if _, stillOpen := seen[id]; stillOpen {
			continue
		}
		if err := p.Store.EvictRequest(ctx, p.City, id); err != nil {
			slog.Error("poller: evict_request failed", "city", p.City, "id", id, "error", err)
			continue
		}
		evicted++
		if p.Metrics != nil {
			p.Metrics.RecordEviction(p.City)
		}
	}

	if p.Metrics != nil {
		p.Metrics.SetOpenRequests(p.City, float64(len(cachedIDs)-evicted))
	}
	return nil
}

func (p *Poller) recordUpstream(outcome string) {
	if p.Metrics != nil {
		p.Metrics.RecordUpstreamFetch(p.City, outcome)
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
