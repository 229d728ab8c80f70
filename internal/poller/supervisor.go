package poller

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ocxlabs/civic-triage/internal/metrics"
)

// Supervisor owns the lifetime of one Poller per configured city.
type Supervisor struct {
	Cities       map[string]string
	Fetcher      Fetcher
	Classifier   Classifier
	Store        StateStore
	PollInterval time.Duration
	Metrics      *metrics.Metrics
}

// Run spawns one poller per city and blocks until ctx is canceled and
// every poller has returned. A panic in one city's poller is recovered
// and logged; it never takes down the others.
func (s *Supervisor) Run(ctx context.Context) {
	var g errgroup.Group

	for city := range s.Cities {
		city := city
		p := &Poller{
			City:         city,
			Fetcher:      s.Fetcher,
			Classifier:   s.Classifier,
			Store:        s.Store,
			PollInterval: s.PollInterval,
			Metrics:      s.Metrics,
		}

		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("poller: recovered from panic", "city", city, "panic", r)
				}
			}()
			p.Run(ctx)
			return nil
		})
	}

	_ = g.Wait()
}
