package models

import (
	"encoding/base64"
	"net/http"
	"net/url"
	"time"
	"unicode/utf8"

	json "github.com/goccy/go-json"
)

// Request is one captured inbound call. Body is nil when the call carried no
// body and is otherwise kept byte-for-byte.
type Request struct {
	ID         string      `json:"id"`
	EndpointID string      `json:"endpoint_id"`
	Method     string      `json:"method"`
	URL        string      `json:"url"`
	Headers    http.Header `json:"headers"`
	Body       []byte      `json:"-"`
	Query      url.Values  `json:"query"`
	SourceIP   string      `json:"source_ip"`
	Timestamp  time.Time   `json:"timestamp"`
}

type requestJSON struct {
	ID           string      `json:"id"`
	EndpointID   string      `json:"endpoint_id"`
	Method       string      `json:"method"`
	URL          string      `json:"url"`
	Headers      http.Header `json:"headers"`
	Body         *string     `json:"body,omitempty"`
	BodyEncoding string      `json:"body_encoding,omitempty"`
	Query        url.Values  `json:"query"`
	SourceIP     string      `json:"source_ip"`
	Timestamp    time.Time   `json:"timestamp"`
}

func (r Request) MarshalJSON() ([]byte, error) {
	out := requestJSON{
		ID:         r.ID,
		EndpointID: r.EndpointID,
		Method:     r.Method,
		URL:        r.URL,
		Headers:    r.Headers,
		Query:      r.Query,
		SourceIP:   r.SourceIP,
		Timestamp:  r.Timestamp,
	}
	if out.Headers == nil {
		out.Headers = http.Header{}
	}
	if out.Query == nil {
		out.Query = url.Values{}
	}
	if r.Body != nil {
		var s string
		if utf8.Valid(r.Body) {
			s = string(r.Body)
		} else {
			s = base64.StdEncoding.EncodeToString(r.Body)
			out.BodyEncoding = "base64"
		}
		out.Body = &s
	}
	return json.Marshal(out)
}

func (r *Request) UnmarshalJSON(data []byte) error {
	var in requestJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*r = Request{
		ID:         in.ID,
		EndpointID: in.EndpointID,
		Method:     in.Method,
		URL:        in.URL,
		Headers:    in.Headers,
		Query:      in.Query,
		SourceIP:   in.SourceIP,
		Timestamp:  in.Timestamp,
	}
	if in.Body != nil {
		if in.BodyEncoding == "base64" {
			b, err := base64.StdEncoding.DecodeString(*in.Body)
			if err != nil {
				return err
			}
			r.Body = b
		} else {
			r.Body = []byte(*in.Body)
		}
	}
	return nil
}

// Clone returns a deep copy so callers cannot mutate stored state.
func (r Request) Clone() Request {
	c := r
	c.Headers = r.Headers.Clone()
	if r.Query != nil {
		c.Query = make(url.Values, len(r.Query))
		for k, v := range r.Query {
			c.Query[k] = append([]string(nil), v...)
		}
	}
	if r.Body != nil {
		c.Body = append([]byte{}, r.Body...)
	}
	return c
}
