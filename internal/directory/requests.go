package directory

import (
	"context"
	"fmt"

	"github.com/hookdebug/hookdebug/internal/models"
)

const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

// ClampLimit maps a caller supplied limit onto [1, MaxLimit], using
// DefaultLimit when none was given.
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultLimit
	case limit > MaxLimit:
		return MaxLimit
	default:
		return limit
	}
}

// Requests is the captured-request side of the two regimes. Ownership is
// checked against the endpoint before anything is read or removed.
type Requests struct {
	dir *Directory
}

func NewRequests(dir *Directory) *Requests {
	return &Requests{dir: dir}
}

// Create records req under ep in the regime ep belongs to at this moment.
// It returns storage.ErrEndpointGone when ep has left that regime.
func (rs *Requests) Create(ctx context.Context, ep *models.Endpoint, req *models.Request) error {
	regime, err := rs.dir.regime(ep.Owner)
	if err != nil {
		return err
	}
	req.EndpointID = ep.ID
	return regime.InsertRequest(ctx, req)
}

func (rs *Requests) ListByEndpoint(ctx context.Context, endpointID string, owner models.Owner, limit int) ([]models.Request, error) {
	if _, err := rs.dir.GetByID(ctx, endpointID, owner); err != nil {
		return nil, err
	}
	regime, _ := rs.dir.regime(owner)
	reqs, err := regime.ListRequests(ctx, endpointID, ClampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list requests: %w", err)
	}
	if reqs == nil {
		reqs = []models.Request{}
	}
	return reqs, nil
}

func (rs *Requests) ListByOwner(ctx context.Context, owner models.Owner, limit int) ([]models.Request, error) {
	regime, err := rs.dir.regime(owner)
	if err != nil {
		return nil, err
	}
	reqs, err := regime.ListRequestsByOwner(ctx, owner, ClampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list requests: %w", err)
	}
	if reqs == nil {
		reqs = []models.Request{}
	}
	return reqs, nil
}

// Get returns a single request if its endpoint belongs to owner.
func (rs *Requests) Get(ctx context.Context, id string, owner models.Owner) (*models.Request, error) {
	regime, err := rs.dir.regime(owner)
	if err != nil {
		return nil, err
	}
	req, err := regime.GetRequest(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get request: %w", err)
	}
	if req == nil {
		return nil, ErrNotFound
	}
	if _, err := rs.dir.GetByID(ctx, req.EndpointID, owner); err != nil {
		return nil, err
	}
	return req, nil
}

// DeleteOne removes a request and returns the endpoint it belonged to.
func (rs *Requests) DeleteOne(ctx context.Context, id string, owner models.Owner) (string, error) {
	if _, err := rs.Get(ctx, id, owner); err != nil {
		return "", err
	}
	regime, _ := rs.dir.regime(owner)
	endpointID, err := regime.DeleteRequest(ctx, id)
	if err != nil {
		return "", fmt.Errorf("delete request: %w", err)
	}
	if endpointID == "" {
		return "", ErrNotFound
	}
	return endpointID, nil
}

func (rs *Requests) ClearByEndpoint(ctx context.Context, endpointID string, owner models.Owner) (int64, error) {
	if _, err := rs.dir.GetByID(ctx, endpointID, owner); err != nil {
		return 0, err
	}
	regime, _ := rs.dir.regime(owner)
	n, err := regime.ClearRequests(ctx, endpointID)
	if err != nil {
		return 0, fmt.Errorf("clear requests: %w", err)
	}
	return n, nil
}

// ListAllByEndpoint is ListByEndpoint without a limit, for exports.
func (rs *Requests) ListAllByEndpoint(ctx context.Context, endpointID string, owner models.Owner) (*models.Endpoint, []models.Request, error) {
	ep, err := rs.dir.GetByID(ctx, endpointID, owner)
	if err != nil {
		return nil, nil, err
	}
	regime, _ := rs.dir.regime(owner)
	reqs, err := regime.ListRequests(ctx, endpointID, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("list requests: %w", err)
	}
	return ep, reqs, nil
}
