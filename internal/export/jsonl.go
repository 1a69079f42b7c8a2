// Package export serialises captured requests as gzip-compressed JSON lines.
package export

import (
	"bufio"
	"fmt"
	"io"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"

	"github.com/hookdebug/hookdebug/internal/models"
)

const ContentType = "application/gzip"

var gzipPool = sync.Pool{
	New: func() any {
		gz, _ := gzip.NewWriterLevel(nil, gzip.BestSpeed)
		return gz
	},
}

// WriteJSONLGZ streams reqs to w, one JSON object per line, gzip compressed.
// It returns the number of requests written.
func WriteJSONLGZ(w io.Writer, reqs []models.Request) (int, error) {
	gz := gzipPool.Get().(*gzip.Writer)
	gz.Reset(w)
	defer gzipPool.Put(gz)

	enc := json.NewEncoder(gz)
	for i := range reqs {
		if err := enc.Encode(reqs[i]); err != nil {
			_ = gz.Close()
			return i, fmt.Errorf("encode request %s: %w", reqs[i].ID, err)
		}
	}
	if err := gz.Close(); err != nil {
		return len(reqs), err
	}
	return len(reqs), nil
}

// ReadJSONLGZ decodes a stream produced by WriteJSONLGZ.
func ReadJSONLGZ(r io.Reader) ([]models.Request, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, err
	}
	defer gz.Close()

	var out []models.Request
	sc := bufio.NewScanner(gz)
	sc.Buffer(make([]byte, 64*1024), 64<<20)
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var req models.Request
		if err := json.Unmarshal(sc.Bytes(), &req); err != nil {
			return nil, fmt.Errorf("line %d: %w", len(out)+1, err)
		}
		out = append(out, req)
	}
	return out, sc.Err()
}

// FileName is the suggested download name for an endpoint export.
func FileName(ep models.Endpoint, at time.Time) string {
	return fmt.Sprintf("%s-%s.jsonl.gz", ep.Path, at.UTC().Format("20060102T150405Z"))
}
