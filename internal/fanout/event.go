package fanout

import (
	"time"

	json "github.com/goccy/go-json"

	"github.com/hookdebug/hookdebug/internal/models"
)

type Kind string

const (
	// endpoint room
	KindNewRequest      Kind = "new-request"
	KindRequestDeleted  Kind = "request-deleted"
	KindRequestsCleared Kind = "requests-cleared"

	// owner feed
	KindEndpointCreated Kind = "endpoint-created"

	// endpoint room and owner feed
	KindEndpointDeleted Kind = "endpoint-deleted"
)

// Event is something viewers should hear about. EndpointID selects the
// room and Owner selects the feed; which of the two are used depends on
// Kind.
type Event struct {
	Kind       Kind
	EndpointID string
	Owner      models.Owner
	Data       any
	Timestamp  time.Time
	// FeedOnly keeps the event out of the endpoint room.
	FeedOnly bool
}

func (e Event) toRoom() bool {
	return e.Kind != KindEndpointCreated && !e.FeedOnly
}

func (e Event) toFeed() bool {
	return e.Kind == KindEndpointCreated || e.Kind == KindEndpointDeleted
}

// Message is the frame written to a live connection.
type Message struct {
	Type       string    `json:"type"`
	EndpointID string    `json:"endpoint_id,omitempty"`
	Data       any       `json:"data,omitempty"`
	Error      string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

func encode(m Message) ([]byte, error) {
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}
	return json.Marshal(m)
}

func NewRequestEvent(req models.Request) Event {
	return Event{Kind: KindNewRequest, EndpointID: req.EndpointID, Data: req, Timestamp: req.Timestamp}
}

func RequestDeletedEvent(endpointID, requestID string) Event {
	return Event{Kind: KindRequestDeleted, EndpointID: endpointID, Data: map[string]string{"id": requestID}}
}

func RequestsClearedEvent(endpointID string) Event {
	return Event{Kind: KindRequestsCleared, EndpointID: endpointID, Data: map[string]string{"endpoint_id": endpointID}}
}

func EndpointCreatedEvent(ep models.Endpoint) Event {
	return Event{Kind: KindEndpointCreated, EndpointID: ep.ID, Owner: ep.Owner, Data: ep}
}

func EndpointDeletedEvent(ep models.Endpoint) Event {
	return Event{Kind: KindEndpointDeleted, EndpointID: ep.ID, Owner: ep.Owner, Data: map[string]string{"id": ep.ID}}
}

// EndpointMovedEvents announce an endpoint changing owner: it appears in the
// new owner's feed and disappears from the previous owner's. Viewers of the
// endpoint room keep receiving its requests.
func EndpointMovedEvents(ep models.Endpoint, from models.Owner) []Event {
	gone := EndpointDeletedEvent(ep)
	gone.Owner = from
	gone.FeedOnly = true
	return []Event{EndpointCreatedEvent(ep), gone}
}
