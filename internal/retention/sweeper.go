// Package retention periodically removes expired endpoints and idle
// anonymous sessions.
package retention

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hookdebug/hookdebug/internal/config"
	"github.com/hookdebug/hookdebug/internal/fanout"
	"github.com/hookdebug/hookdebug/internal/storage"
)

// Report summarises one sweep over both regimes.
type Report struct {
	Durable            *storage.SweepResult `json:"durable,omitempty"`
	AnonymousEndpoints int                  `json:"anonymous_endpoints_dropped"`
}

type Sweeper struct {
	memory      *storage.MemoryStore
	durable     storage.Durable
	hub         *fanout.Hub
	endpointTTL time.Duration
	sessionTTL  time.Duration
	interval    time.Duration
	log         zerolog.Logger
	stop        chan struct{}
	wg          sync.WaitGroup
	now         func() time.Time
}

func NewSweeper(cfg config.RetentionConfig, sessionTTL time.Duration, memory *storage.MemoryStore, durable storage.Durable, hub *fanout.Hub, log zerolog.Logger) *Sweeper {
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Hour
	}
	return &Sweeper{
		memory:      memory,
		durable:     durable,
		hub:         hub,
		endpointTTL: cfg.EndpointTTL,
		sessionTTL:  sessionTTL,
		interval:    interval,
		log:         log.With().Str("component", "retention").Logger(),
		stop:        make(chan struct{}),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (s *Sweeper) Start(ctx context.Context) {
	s.log.Info().
		Dur("interval", s.interval).
		Dur("endpoint_ttl", s.endpointTTL).
		Dur("session_ttl", s.sessionTTL).
		Msg("starting retention sweeper")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop(ctx)
	}()
}

func (s *Sweeper) Stop() {
	s.log.Info().Msg("stopping retention sweeper")
	close(s.stop)
	s.wg.Wait()
	s.log.Info().Msg("retention sweeper stopped")
}

func (s *Sweeper) loop(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.log.Error().Err(err).Msg("retention sweep failed")
			}
		}
	}
}

// Sweep runs one pass. A zero TTL disables that half of the pass.
func (s *Sweeper) Sweep(ctx context.Context) (*Report, error) {
	report := &Report{}

	if s.memory != nil && s.sessionTTL > 0 {
		dropped := s.memory.ExpireSessions(s.sessionTTL)
		for _, ep := range dropped {
			s.hub.Publish(fanout.EndpointDeletedEvent(ep))
		}
		report.AnonymousEndpoints = len(dropped)
	}

	if s.endpointTTL > 0 {
		res, err := s.durable.SweepEndpoints(ctx, s.now().Add(-s.endpointTTL))
		if err != nil {
			return report, err
		}
		for _, ep := range res.Endpoints {
			s.hub.Publish(fanout.EndpointDeletedEvent(ep))
		}
		report.Durable = res
	}

	ev := s.log.Info().Int("anonymous_endpoints", report.AnonymousEndpoints)
	if report.Durable != nil {
		ev = ev.Int64("endpoints_deleted", report.Durable.EndpointsDeleted).
			Int64("requests_deleted", report.Durable.RequestsDeleted)
	}
	ev.Msg("retention sweep completed")
	return report, nil
}
