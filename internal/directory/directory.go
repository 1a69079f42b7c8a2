// Package directory routes endpoint and request operations to the storage
// regime that owns them and enforces ownership on every management call.
package directory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hookdebug/hookdebug/internal/models"
	"github.com/hookdebug/hookdebug/internal/storage"
)

var (
	ErrValidation = errors.New("validation failed")
	// ErrNotFound covers both a missing entity and one owned by someone else.
	ErrNotFound = errors.New("not found")
)

const createAttempts = 3

// Directory is the endpoint side of the two regimes.
type Directory struct {
	memory  *storage.MemoryStore
	durable storage.Durable
	now     func() time.Time
}

func New(memory *storage.MemoryStore, durable storage.Durable) *Directory {
	return &Directory{
		memory:  memory,
		durable: durable,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Durable exposes the durable store for callers that need more than the
// shared interface, such as export.
func (d *Directory) Durable() storage.Durable { return d.durable }

// Memory exposes the ephemeral store.
func (d *Directory) Memory() *storage.MemoryStore { return d.memory }

func (d *Directory) regime(owner models.Owner) (storage.Regime, error) {
	switch owner.Kind() {
	case models.OwnerAnonymous:
		return d.memory, nil
	case models.OwnerAccount:
		return d.durable, nil
	default:
		return nil, fmt.Errorf("%w: endpoint has no owner", ErrValidation)
	}
}

func (d *Directory) Create(ctx context.Context, name string, owner models.Owner) (*models.Endpoint, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrValidation)
	}
	regime, err := d.regime(owner)
	if err != nil {
		return nil, err
	}

	for attempt := 0; attempt < createAttempts; attempt++ {
		ep := &models.Endpoint{
			ID:        models.NewID("ep"),
			Path:      models.NewPath(),
			Name:      name,
			Owner:     owner,
			CreatedAt: d.now(),
		}

		// the path must be free in both regimes, not just the target one
		taken, err := d.GetByPath(ctx, ep.Path)
		if err != nil {
			return nil, err
		}
		if taken != nil {
			continue
		}

		err = regime.InsertEndpoint(ctx, ep)
		if errors.Is(err, storage.ErrDuplicatePath) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("insert endpoint: %w", err)
		}
		return ep, nil
	}
	return nil, fmt.Errorf("could not allocate a unique path after %d attempts", createAttempts)
}

// GetByPath finds the endpoint capturing at path in either regime. It
// returns (nil, nil) when no endpoint uses the path.
func (d *Directory) GetByPath(ctx context.Context, path string) (*models.Endpoint, error) {
	ep, err := d.memory.GetEndpointByPath(ctx, path)
	if err != nil || ep != nil {
		return ep, err
	}
	ep, err = d.durable.GetEndpointByPath(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("lookup path: %w", err)
	}
	return ep, nil
}

func (d *Directory) GetByID(ctx context.Context, id string, owner models.Owner) (*models.Endpoint, error) {
	regime, err := d.regime(owner)
	if err != nil {
		return nil, err
	}
	ep, err := regime.GetEndpoint(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get endpoint: %w", err)
	}
	if ep == nil || ep.Owner != owner {
		return nil, ErrNotFound
	}
	return ep, nil
}

func (d *Directory) ListByOwner(ctx context.Context, owner models.Owner) ([]models.Endpoint, error) {
	regime, err := d.regime(owner)
	if err != nil {
		return nil, err
	}
	eps, err := regime.ListEndpoints(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("list endpoints: %w", err)
	}
	if eps == nil {
		eps = []models.Endpoint{}
	}
	return eps, nil
}

// Delete removes the endpoint and its requests and returns what was removed.
func (d *Directory) Delete(ctx context.Context, id string, owner models.Owner) (*models.Endpoint, error) {
	ep, err := d.GetByID(ctx, id, owner)
	if err != nil {
		return nil, err
	}
	regime, _ := d.regime(owner)
	deleted, err := regime.DeleteEndpoint(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("delete endpoint: %w", err)
	}
	if !deleted {
		return nil, ErrNotFound
	}
	return ep, nil
}

// IncrementRequestCount bumps the counter in whichever regime holds ep now.
func (d *Directory) IncrementRequestCount(ctx context.Context, ep *models.Endpoint) error {
	regime, err := d.regime(ep.Owner)
	if err != nil {
		return err
	}
	return regime.IncrementRequestCount(ctx, ep.ID)
}
