package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hookdebug/hookdebug/internal/models"
)

// MemoryStore is the ephemeral regime for anonymous sessions. It is created
// once at startup and lives for the lifetime of the process: nothing here
// survives a restart, and two processes never see each other's sessions.
// Sessions are dropped by ExpireSessions once idle for too long.
//
// Locking: each session has its own mutex guarding its endpoints and
// requests. The store mutex guards only the lookup indexes. When both are
// needed the session mutex is taken first.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*session
	byPath   map[string]string // path -> endpoint id
	byID     map[string]string // endpoint id -> session token
	requests map[string]string // request id -> endpoint id

	maxRequests int
	now         func() time.Time
}

type session struct {
	mu        sync.Mutex
	token     string
	endpoints map[string]*memEndpoint
	lastSeen  time.Time
	dead      bool
}

type memEndpoint struct {
	ep       models.Endpoint
	requests []models.Request // oldest first
}

// NewMemoryStore keeps at most maxRequests per endpoint, trimming the
// oldest. Zero or less keeps everything.
func NewMemoryStore(maxRequests int) *MemoryStore {
	return &MemoryStore{
		sessions:    make(map[string]*session),
		byPath:      make(map[string]string),
		byID:        make(map[string]string),
		requests:    make(map[string]string),
		maxRequests: maxRequests,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// lockSession returns the session for token locked, creating it if create is
// set, and marks it active. It returns nil when the session does not exist.
func (m *MemoryStore) lockSession(token string, create bool) *session {
	for {
		m.mu.RLock()
		s := m.sessions[token]
		m.mu.RUnlock()

		if s == nil {
			if !create {
				return nil
			}
			m.mu.Lock()
			s = m.sessions[token]
			if s == nil {
				s = &session{token: token, endpoints: make(map[string]*memEndpoint), lastSeen: m.now()}
				m.sessions[token] = s
			}
			m.mu.Unlock()
		}

		s.mu.Lock()
		if !s.dead {
			s.lastSeen = m.now()
			return s
		}
		// expired between lookup and lock
		s.mu.Unlock()
		if !create {
			return nil
		}
	}
}

// lockEndpoint returns the locked session that currently holds endpointID
// together with the endpoint, or nils when it is not held here.
func (m *MemoryStore) lockEndpoint(endpointID string) (*session, *memEndpoint) {
	m.mu.RLock()
	token, ok := m.byID[endpointID]
	m.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	s := m.lockSession(token, false)
	if s == nil {
		return nil, nil
	}
	me, ok := s.endpoints[endpointID]
	if !ok {
		s.mu.Unlock()
		return nil, nil
	}
	return s, me
}

// Touch marks the session as active. Every read or write that goes through
// the session counts as activity too.
func (m *MemoryStore) Touch(token string) {
	if s := m.lockSession(token, false); s != nil {
		s.mu.Unlock()
	}
}

// --- Endpoints ---

func (m *MemoryStore) InsertEndpoint(_ context.Context, ep *models.Endpoint) error {
	if !ep.Owner.IsAnonymous() {
		return fmt.Errorf("memory store only holds anonymous endpoints, got %s", ep.Owner.Kind())
	}
	s := m.lockSession(ep.Owner.ID(), true)
	defer s.mu.Unlock()

	m.mu.Lock()
	if _, taken := m.byPath[ep.Path]; taken {
		m.mu.Unlock()
		return ErrDuplicatePath
	}
	if _, taken := m.byID[ep.ID]; taken {
		m.mu.Unlock()
		return fmt.Errorf("endpoint %s already exists", ep.ID)
	}
	m.byPath[ep.Path] = ep.ID
	m.byID[ep.ID] = s.token
	m.mu.Unlock()

	s.endpoints[ep.ID] = &memEndpoint{ep: *ep}
	return nil
}

func (m *MemoryStore) GetEndpoint(_ context.Context, id string) (*models.Endpoint, error) {
	s, me := m.lockEndpoint(id)
	if s == nil {
		return nil, nil
	}
	defer s.mu.Unlock()
	ep := me.ep
	return &ep, nil
}

func (m *MemoryStore) GetEndpointByPath(ctx context.Context, path string) (*models.Endpoint, error) {
	m.mu.RLock()
	id, ok := m.byPath[path]
	m.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return m.GetEndpoint(ctx, id)
}

func (m *MemoryStore) ListEndpoints(_ context.Context, owner models.Owner) ([]models.Endpoint, error) {
	if !owner.IsAnonymous() {
		return nil, nil
	}
	s := m.lockSession(owner.ID(), false)
	if s == nil {
		return nil, nil
	}
	defer s.mu.Unlock()

	out := make([]models.Endpoint, 0, len(s.endpoints))
	for _, me := range s.endpoints {
		out = append(out, me.ep)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryStore) DeleteEndpoint(_ context.Context, id string) (bool, error) {
	s, me := m.lockEndpoint(id)
	if s == nil {
		return false, nil
	}
	defer s.mu.Unlock()
	m.dropEndpoint(s, me)
	return true, nil
}

// dropEndpoint removes me and its requests. The caller holds s.mu.
func (m *MemoryStore) dropEndpoint(s *session, me *memEndpoint) {
	delete(s.endpoints, me.ep.ID)
	m.mu.Lock()
	delete(m.byPath, me.ep.Path)
	delete(m.byID, me.ep.ID)
	for _, r := range me.requests {
		delete(m.requests, r.ID)
	}
	m.mu.Unlock()
}

func (m *MemoryStore) IncrementRequestCount(_ context.Context, id string) error {
	s, me := m.lockEndpoint(id)
	if s == nil {
		return ErrEndpointGone
	}
	me.ep.RequestCount++
	s.mu.Unlock()
	return nil
}

// SessionEndpointIDs snapshots the ids of the endpoints token owns.
func (m *MemoryStore) SessionEndpointIDs(token string) []string {
	s := m.lockSession(token, false)
	if s == nil {
		return nil
	}
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.endpoints))
	for id := range s.endpoints {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Detach hands endpoint id of session token, with the requests it holds at
// this instant, to fn while the session is locked. The endpoint is removed
// only if fn succeeds. It reports false without calling fn when the
// endpoint is not held by that session any more.
func (m *MemoryStore) Detach(token, id string, fn func(ep models.Endpoint, reqs []models.Request) error) (bool, error) {
	s := m.lockSession(token, false)
	if s == nil {
		return false, nil
	}
	defer s.mu.Unlock()

	me, ok := s.endpoints[id]
	if !ok {
		return false, nil
	}
	reqs := make([]models.Request, len(me.requests))
	for i, r := range me.requests {
		reqs[i] = r.Clone()
	}
	if err := fn(me.ep, reqs); err != nil {
		return false, err
	}
	m.dropEndpoint(s, me)
	return true, nil
}

// ExpireSessions drops every session idle for longer than idle and returns
// the endpoints that went with them.
func (m *MemoryStore) ExpireSessions(idle time.Duration) []models.Endpoint {
	cutoff := m.now().Add(-idle)

	m.mu.RLock()
	candidates := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		candidates = append(candidates, s)
	}
	m.mu.RUnlock()

	var dropped []models.Endpoint
	for _, s := range candidates {
		s.mu.Lock()
		if s.dead || !s.lastSeen.Before(cutoff) {
			s.mu.Unlock()
			continue
		}
		for _, me := range s.endpoints {
			dropped = append(dropped, me.ep)
			m.dropEndpoint(s, me)
		}
		s.dead = true
		m.mu.Lock()
		delete(m.sessions, s.token)
		m.mu.Unlock()
		s.mu.Unlock()
	}
	return dropped
}

// --- Requests ---

func (m *MemoryStore) InsertRequest(_ context.Context, req *models.Request) error {
	s, me := m.lockEndpoint(req.EndpointID)
	if s == nil {
		return ErrEndpointGone
	}
	defer s.mu.Unlock()

	me.requests = append(me.requests, req.Clone())
	var trimmed []models.Request
	if m.maxRequests > 0 && len(me.requests) > m.maxRequests {
		n := len(me.requests) - m.maxRequests
		trimmed = me.requests[:n]
		me.requests = append([]models.Request(nil), me.requests[n:]...)
	}

	m.mu.Lock()
	m.requests[req.ID] = req.EndpointID
	for _, r := range trimmed {
		delete(m.requests, r.ID)
	}
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) GetRequest(_ context.Context, id string) (*models.Request, error) {
	m.mu.RLock()
	endpointID, ok := m.requests[id]
	m.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	s, me := m.lockEndpoint(endpointID)
	if s == nil {
		return nil, nil
	}
	defer s.mu.Unlock()
	for _, r := range me.requests {
		if r.ID == id {
			c := r.Clone()
			return &c, nil
		}
	}
	return nil, nil
}

func newestFirst(reqs []models.Request, limit int) []models.Request {
	n := len(reqs)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]models.Request, 0, n)
	for i := len(reqs) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, reqs[i].Clone())
	}
	return out
}

func (m *MemoryStore) ListRequests(_ context.Context, endpointID string, limit int) ([]models.Request, error) {
	s, me := m.lockEndpoint(endpointID)
	if s == nil {
		return nil, nil
	}
	defer s.mu.Unlock()
	return newestFirst(me.requests, limit), nil
}

func (m *MemoryStore) ListRequestsByOwner(_ context.Context, owner models.Owner, limit int) ([]models.Request, error) {
	if !owner.IsAnonymous() {
		return nil, nil
	}
	s := m.lockSession(owner.ID(), false)
	if s == nil {
		return nil, nil
	}
	defer s.mu.Unlock()

	var all []models.Request
	for _, me := range s.endpoints {
		all = append(all, newestFirst(me.requests, limit)...)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Timestamp.Equal(all[j].Timestamp) {
			return all[i].ID > all[j].ID
		}
		return all[i].Timestamp.After(all[j].Timestamp)
	})
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (m *MemoryStore) DeleteRequest(_ context.Context, id string) (string, error) {
	m.mu.RLock()
	endpointID, ok := m.requests[id]
	m.mu.RUnlock()
	if !ok {
		return "", nil
	}
	s, me := m.lockEndpoint(endpointID)
	if s == nil {
		return "", nil
	}
	defer s.mu.Unlock()

	for i, r := range me.requests {
		if r.ID == id {
			me.requests = append(me.requests[:i:i], me.requests[i+1:]...)
			m.mu.Lock()
			delete(m.requests, id)
			m.mu.Unlock()
			return endpointID, nil
		}
	}
	return "", nil
}

func (m *MemoryStore) ClearRequests(_ context.Context, endpointID string) (int64, error) {
	s, me := m.lockEndpoint(endpointID)
	if s == nil {
		return 0, nil
	}
	defer s.mu.Unlock()

	n := int64(len(me.requests))
	m.mu.Lock()
	for _, r := range me.requests {
		delete(m.requests, r.ID)
	}
	m.mu.Unlock()
	me.requests = nil
	return n, nil
}

// Stats reports how much anonymous state is held.
func (m *MemoryStore) Stats() (sessions, endpoints, requests int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions), len(m.byID), len(m.requests)
}
