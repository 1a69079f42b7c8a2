// Package migration moves an anonymous session's endpoints, with everything
// captured so far, under an account.
package migration

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"

	"github.com/hookdebug/hookdebug/internal/fanout"
	"github.com/hookdebug/hookdebug/internal/models"
	"github.com/hookdebug/hookdebug/internal/storage"
)

var ErrNoSession = errors.New("no anonymous session to migrate")

type Result struct {
	MigratedCount  int `json:"migrated_count"`
	TotalRequested int `json:"total_requested"`
	FailedCount    int `json:"failed_count"`
}

type Coordinator struct {
	memory      *storage.MemoryStore
	durable     storage.Durable
	hub         *fanout.Hub
	parallelism int
	log         zerolog.Logger
}

func NewCoordinator(memory *storage.MemoryStore, durable storage.Durable, hub *fanout.Hub, parallelism int, log zerolog.Logger) *Coordinator {
	if parallelism <= 0 {
		parallelism = 1
	}
	return &Coordinator{
		memory:      memory,
		durable:     durable,
		hub:         hub,
		parallelism: parallelism,
		log:         log.With().Str("component", "migration").Logger(),
	}
}

// Migrate transfers the endpoints of sessionToken to accountID. With an
// empty endpointIDs every endpoint of the session is moved; otherwise only
// those listed that the session still holds. Endpoints fail independently,
// and running it again after a partial failure picks up where it left off.
func (c *Coordinator) Migrate(ctx context.Context, sessionToken, accountID string, endpointIDs []string) (*Result, error) {
	if !models.ValidSessionToken(sessionToken) {
		return nil, ErrNoSession
	}
	if accountID == "" {
		return nil, errors.New("account id is required")
	}

	held := c.memory.SessionEndpointIDs(sessionToken)
	targets := held
	total := len(held)
	if len(endpointIDs) > 0 {
		total = len(endpointIDs)
		targets = intersect(held, endpointIDs)
	}

	log := c.log.With().Str("account_id", accountID).Logger()
	result := &Result{TotalRequested: total}
	var mu sync.Mutex

	p := pool.New().WithMaxGoroutines(c.parallelism)
	for _, id := range targets {
		p.Go(func() {
			moved, err := c.migrateOne(ctx, sessionToken, accountID, id)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				result.FailedCount++
				log.Error().Err(err).Str("endpoint_id", id).Msg("failed to migrate endpoint")
			case moved:
				result.MigratedCount++
			}
		})
	}
	p.Wait()

	log.Info().
		Int("migrated", result.MigratedCount).
		Int("requested", result.TotalRequested).
		Int("failed", result.FailedCount).
		Msg("anonymous endpoints migrated")
	return result, nil
}

// migrateOne copies one endpoint and its requests into the durable store
// while the session is locked, so no capture can land in between, and drops
// the anonymous copy only once the durable write has committed. It reports
// false when the endpoint had already left the session.
func (c *Coordinator) migrateOne(ctx context.Context, sessionToken, accountID, endpointID string) (bool, error) {
	var moved models.Endpoint
	var detached bool
	err := c.hub.Ordered(endpointID, func() error {
		var err error
		detached, err = c.memory.Detach(sessionToken, endpointID, func(ep models.Endpoint, reqs []models.Request) error {
			ep.Owner = models.AccountOwner(accountID)
			ep.URL = ""
			for i := range reqs {
				reqs[i].EndpointID = ep.ID
			}
			if err := c.durable.ImportEndpoint(ctx, ep, reqs); err != nil {
				return err
			}
			moved = ep
			return nil
		})
		if err != nil || !detached {
			return err
		}
		for _, ev := range fanout.EndpointMovedEvents(moved, models.Anonymous(sessionToken)) {
			c.hub.Publish(ev)
		}
		return nil
	})
	return detached, err
}

func intersect(held, wanted []string) []string {
	set := make(map[string]struct{}, len(held))
	for _, id := range held {
		set[id] = struct{}{}
	}
	var out []string
	seen := make(map[string]struct{}, len(wanted))
	for _, id := range wanted {
		if _, ok := set[id]; !ok {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
