package storage

import (
	"context"
	"errors"
	"time"

	"github.com/hookdebug/hookdebug/internal/models"
)

var (
	// ErrEndpointGone is returned when a request is written for an endpoint
	// that no longer lives in the regime being written to.
	ErrEndpointGone = errors.New("endpoint no longer exists in this store")

	ErrDuplicatePath = errors.New("endpoint path already in use")
)

// EndpointRegime stores endpoints for one ownership regime. Lookups return
// (nil, nil) when nothing matches.
type EndpointRegime interface {
	InsertEndpoint(ctx context.Context, ep *models.Endpoint) error
	GetEndpoint(ctx context.Context, id string) (*models.Endpoint, error)
	GetEndpointByPath(ctx context.Context, path string) (*models.Endpoint, error)
	ListEndpoints(ctx context.Context, owner models.Owner) ([]models.Endpoint, error)
	DeleteEndpoint(ctx context.Context, id string) (bool, error)
	IncrementRequestCount(ctx context.Context, id string) error
}

// RequestRegime stores captured requests for one ownership regime. A limit
// of zero or less means no limit.
type RequestRegime interface {
	InsertRequest(ctx context.Context, req *models.Request) error
	GetRequest(ctx context.Context, id string) (*models.Request, error)
	ListRequests(ctx context.Context, endpointID string, limit int) ([]models.Request, error)
	ListRequestsByOwner(ctx context.Context, owner models.Owner, limit int) ([]models.Request, error)
	// DeleteRequest returns the endpoint id the request belonged to, or ""
	// when no such request exists.
	DeleteRequest(ctx context.Context, id string) (string, error)
	ClearRequests(ctx context.Context, endpointID string) (int64, error)
}

type Regime interface {
	EndpointRegime
	RequestRegime
}

// Durable is the account-owned regime plus what only persistent storage
// can offer.
type Durable interface {
	Regime

	UpsertAccount(ctx context.Context, acct *models.Account) (*models.Account, error)
	GetAccount(ctx context.Context, id string) (*models.Account, error)

	// ImportEndpoint writes ep and its requests in one transaction. It is
	// idempotent on endpoint and request ids.
	ImportEndpoint(ctx context.Context, ep models.Endpoint, reqs []models.Request) error

	// SweepEndpoints deletes endpoints created before cutoff, cascading to
	// their requests, and records the pass in the cleanup log.
	SweepEndpoints(ctx context.Context, cutoff time.Time) (*SweepResult, error)
	LastSweeps(ctx context.Context, limit int) ([]SweepResult, error)
	Totals(ctx context.Context) (*Totals, error)

	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

var (
	_ Regime  = (*MemoryStore)(nil)
	_ Durable = (*SQLStore)(nil)
)
