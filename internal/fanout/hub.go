// Package fanout pushes captured requests and endpoint changes to live
// viewers. Delivery is best effort: a viewer that cannot keep up is
// disconnected rather than allowed to stall anyone else.
//
// Endpoint created and deleted notices are not broadcast to every viewer.
// They go to the owner's feed only, so one visitor never learns another's
// capture paths.
package fanout

import (
	"hash/fnv"
	"sync"

	"github.com/rs/zerolog"

	"github.com/hookdebug/hookdebug/internal/models"
)

const stripeCount = 256

// Relay carries locally published events to other instances.
type Relay interface {
	Forward(ev Event)
}

type Hub struct {
	mu    sync.RWMutex
	subs  map[*Subscriber]struct{}
	rooms map[string]map[*Subscriber]struct{} // endpoint id
	feeds map[string]map[*Subscriber]struct{} // owner key

	stripes [stripeCount]sync.Mutex
	relay   Relay
	log     zerolog.Logger
}

func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		subs:  make(map[*Subscriber]struct{}),
		rooms: make(map[string]map[*Subscriber]struct{}),
		feeds: make(map[string]map[*Subscriber]struct{}),
		log:   log.With().Str("component", "fanout").Logger(),
	}
}

// SetRelay must be called before the hub is in use.
func (h *Hub) SetRelay(r Relay) {
	h.relay = r
}

// Ordered runs fn while holding the lock for endpointID. Writers that commit
// and publish inside it produce events in commit order.
func (h *Hub) Ordered(endpointID string, fn func() error) error {
	f := fnv.New32a()
	f.Write([]byte(endpointID))
	mu := &h.stripes[f.Sum32()%stripeCount]
	mu.Lock()
	defer mu.Unlock()
	return fn()
}

func (h *Hub) Register(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subs[sub] = struct{}{}
	if sub.Owner.Valid() {
		addTo(h.feeds, sub.Owner.Key(), sub)
	}
}

// Unregister removes sub from every room and closes it. It is safe to call
// more than once.
func (h *Hub) Unregister(sub *Subscriber) {
	h.mu.Lock()
	if _, ok := h.subs[sub]; ok {
		delete(h.subs, sub)
		for endpointID := range sub.rooms {
			removeFrom(h.rooms, endpointID, sub)
		}
		sub.rooms = nil
		if sub.Owner.Valid() {
			removeFrom(h.feeds, sub.Owner.Key(), sub)
		}
	}
	h.mu.Unlock()
	sub.close()
}

// Join subscribes sub to the room of endpointID. Authorization is the
// caller's job.
func (h *Hub) Join(sub *Subscriber, endpointID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[sub]; !ok {
		return false
	}
	addTo(h.rooms, endpointID, sub)
	sub.rooms[endpointID] = struct{}{}
	return true
}

func (h *Hub) Leave(sub *Subscriber, endpointID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := sub.rooms[endpointID]; !ok {
		return
	}
	delete(sub.rooms, endpointID)
	removeFrom(h.rooms, endpointID, sub)
}

// Publish delivers ev to local subscribers and hands it to the relay. It
// never blocks.
func (h *Hub) Publish(ev Event) {
	h.Deliver(ev)
	if h.relay != nil {
		h.relay.Forward(ev)
	}
}

// Deliver sends ev to local subscribers only.
func (h *Hub) Deliver(ev Event) {
	payload, err := encode(Message{
		Type:       string(ev.Kind),
		EndpointID: ev.EndpointID,
		Data:       ev.Data,
		Timestamp:  ev.Timestamp,
	})
	if err != nil {
		h.log.Error().Err(err).Str("kind", string(ev.Kind)).Msg("failed to encode event")
		return
	}

	var slow []*Subscriber
	h.mu.RLock()
	targets := make(map[*Subscriber]struct{})
	if ev.toRoom() {
		for sub := range h.rooms[ev.EndpointID] {
			targets[sub] = struct{}{}
		}
	}
	if ev.toFeed() && ev.Owner.Valid() {
		for sub := range h.feeds[ev.Owner.Key()] {
			targets[sub] = struct{}{}
		}
	}
	for sub := range targets {
		if !sub.offer(payload) {
			slow = append(slow, sub)
		}
	}
	h.mu.RUnlock()

	for _, sub := range slow {
		h.log.Warn().Str("subscriber", sub.ID).Str("endpoint_id", ev.EndpointID).Msg("subscriber too slow, disconnecting")
		h.Unregister(sub)
	}
}

// Stats reports connected subscribers and rooms with at least one viewer.
func (h *Hub) Stats() (subscribers, rooms int) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs), len(h.rooms)
}

func addTo(index map[string]map[*Subscriber]struct{}, key string, sub *Subscriber) {
	set, ok := index[key]
	if !ok {
		set = make(map[*Subscriber]struct{})
		index[key] = set
	}
	set[sub] = struct{}{}
}

func removeFrom(index map[string]map[*Subscriber]struct{}, key string, sub *Subscriber) {
	set, ok := index[key]
	if !ok {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(index, key)
	}
}

// Subscriber is one live viewer. Frames queue on a bounded channel drained
// by the connection's writer, so each viewer sees its frames in order.
type Subscriber struct {
	ID    string
	Owner models.Owner

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	rooms     map[string]struct{} // guarded by Hub.mu
}

func NewSubscriber(owner models.Owner, buffer int) *Subscriber {
	if buffer <= 0 {
		buffer = 64
	}
	return &Subscriber{
		ID:    models.NewID("sub"),
		Owner: owner,
		send:  make(chan []byte, buffer),
		done:  make(chan struct{}),
		rooms: make(map[string]struct{}),
	}
}

// Frames yields encoded frames in the order they were queued.
func (s *Subscriber) Frames() <-chan []byte { return s.send }

// Done is closed once the subscriber has been unregistered.
func (s *Subscriber) Done() <-chan struct{} { return s.done }

func (s *Subscriber) offer(frame []byte) bool {
	select {
	case <-s.done:
		return true
	default:
	}
	select {
	case s.send <- frame:
		return true
	default:
		return false
	}
}

func (s *Subscriber) close() {
	s.closeOnce.Do(func() { close(s.done) })
}
