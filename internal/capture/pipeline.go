// Package capture records inbound webhook calls against the endpoint whose
// path they were sent to.
package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/hookdebug/hookdebug/internal/directory"
	"github.com/hookdebug/hookdebug/internal/fanout"
	"github.com/hookdebug/hookdebug/internal/models"
	"github.com/hookdebug/hookdebug/internal/storage"
)

var ErrBodyTooLarge = errors.New("request body too large")

// Receipt is returned to the sender once the call is recorded.
type Receipt struct {
	Message    string    `json:"message"`
	ID         string    `json:"id"`
	EndpointID string    `json:"endpoint_id"`
	Timestamp  time.Time `json:"timestamp"`
}

type Pipeline struct {
	dir     *directory.Directory
	reqs    *directory.Requests
	hub     *fanout.Hub
	maxBody int64
	log     zerolog.Logger
	now     func() time.Time
}

func NewPipeline(dir *directory.Directory, reqs *directory.Requests, hub *fanout.Hub, maxBody int64, log zerolog.Logger) *Pipeline {
	return &Pipeline{
		dir:     dir,
		reqs:    reqs,
		hub:     hub,
		maxBody: maxBody,
		log:     log.With().Str("component", "capture").Logger(),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// MaxBodyBytes is the largest body Capture accepts.
func (p *Pipeline) MaxBodyBytes() int64 {
	return p.maxBody
}

// Capture records r against the endpoint at path and notifies its viewers.
// It returns directory.ErrNotFound when no endpoint uses path, in which case
// nothing is stored. A sender that hangs up mid-capture does not abort it.
func (p *Pipeline) Capture(ctx context.Context, path string, r *http.Request) (*Receipt, error) {
	ctx = context.WithoutCancel(ctx)

	body, err := p.readBody(r)
	if err != nil {
		return nil, err
	}

	ep, err := p.dir.GetByPath(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("resolve endpoint: %w", err)
	}
	if ep == nil {
		return nil, directory.ErrNotFound
	}

	req := &models.Request{
		ID:        models.NewID("req"),
		Method:    r.Method,
		URL:       requestTarget(r),
		Headers:   captureHeaders(r),
		Body:      body,
		Query:     r.URL.Query(),
		SourceIP:  sourceIP(r),
		Timestamp: p.now(),
	}

	// A delete or migration can move the endpoint between lookup and write.
	// Look it up once more and retry in whichever regime holds it now.
	for attempt := 0; ; attempt++ {
		err = p.record(ctx, ep, req)
		if !errors.Is(err, storage.ErrEndpointGone) || attempt > 0 {
			break
		}
		p.log.Debug().Str("endpoint_id", ep.ID).Msg("endpoint moved during capture, resolving again")
		ep, err = p.dir.GetByPath(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("resolve endpoint: %w", err)
		}
		if ep == nil {
			return nil, directory.ErrNotFound
		}
	}
	if errors.Is(err, storage.ErrEndpointGone) {
		return nil, directory.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("record request: %w", err)
	}

	p.log.Info().
		Str("endpoint_id", ep.ID).
		Str("request_id", req.ID).
		Str("method", req.Method).
		Int("bytes", len(body)).
		Msg("webhook captured")

	return &Receipt{
		Message:    "Webhook received successfully",
		ID:         req.ID,
		EndpointID: ep.ID,
		Timestamp:  req.Timestamp,
	}, nil
}

// record writes req, bumps the counter and publishes, all under the
// endpoint's ordering lock.
func (p *Pipeline) record(ctx context.Context, ep *models.Endpoint, req *models.Request) error {
	return p.hub.Ordered(ep.ID, func() error {
		if err := p.reqs.Create(ctx, ep, req); err != nil {
			return err
		}
		if err := p.dir.IncrementRequestCount(ctx, ep); err != nil {
			p.log.Warn().Err(err).Str("endpoint_id", ep.ID).Msg("failed to increment request count")
		}
		p.hub.Publish(fanout.NewRequestEvent(*req))
		return nil
	})
}

// readBody enforces maxBody itself and also recognises a body already capped
// by http.MaxBytesReader.
func (p *Pipeline) readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, p.maxBody+1))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, ErrBodyTooLarge
		}
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > p.maxBody {
		return nil, ErrBodyTooLarge
	}
	if len(body) == 0 {
		return nil, nil
	}
	return body, nil
}

func requestTarget(r *http.Request) string {
	if r.RequestURI != "" {
		return r.RequestURI
	}
	return r.URL.RequestURI()
}

// captureHeaders copies the headers as sent. net/http lifts Host out of the
// header map, so it is put back.
func captureHeaders(r *http.Request) http.Header {
	h := r.Header.Clone()
	if h == nil {
		h = http.Header{}
	}
	if r.Host != "" && h.Get("Host") == "" {
		h.Set("Host", r.Host)
	}
	return h
}

func sourceIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
