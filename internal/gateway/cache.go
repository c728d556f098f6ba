package gateway

import (
	"bytes"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/bamsammich/carrange/internal/filter"
)

// entry is a complete filtered response.
type entry struct {
	key  string
	body []byte
	etag string
}

// cache holds filtered responses keyed by the xxhash of the upstream path,
// the stripped query and the range. A nil cache is valid and always misses.
type cache struct {
	lru      *lru.Cache[uint64, entry]
	maxEntry int64
}

func newCache(entries int, maxEntry int64) (*cache, error) {
	if entries <= 0 {
		return nil, nil
	}
	l, err := lru.New[uint64, entry](entries)
	if err != nil {
		return nil, err
	}
	return &cache{lru: l, maxEntry: maxEntry}, nil
}

// cacheKeyString is the exact identity of a filtered response. Encode sorts
// the query so parameter order does not matter.
func cacheKeyString(path string, q url.Values, r filter.Range) string {
	return path + "\x00" + q.Encode() + "\x00" + r.String()
}

func (c *cache) get(key string) (entry, bool) {
	if c == nil {
		return entry{}, false
	}
	e, ok := c.lru.Get(xxhash.Sum64String(key))
	if !ok || e.key != key {
		return entry{}, false
	}
	return e, true
}

func (c *cache) add(key string, e entry) {
	if c == nil || int64(len(e.body)) > c.maxEntry {
		return
	}
	e.key = key
	c.lru.Add(xxhash.Sum64String(key), e)
}

func (c *cache) len() int {
	if c == nil {
		return 0
	}
	return c.lru.Len()
}

func writeCached(w http.ResponseWriter, r *http.Request, e entry) {
	h := w.Header()
	h.Set("ETag", e.etag)
	h.Set("Content-Type", ContentTypeCAR)
	h.Set("X-Content-Type-Options", "nosniff")
	if etagMatch(r.Header.Get("If-None-Match"), e.etag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	_, _ = w.Write(e.body)
}

func etagMatch(header, etag string) bool {
	for _, v := range strings.Split(header, ",") {
		v = strings.TrimSpace(v)
		if v == "*" || strings.TrimPrefix(v, "W/") == etag {
			return true
		}
	}
	return false
}

// captureWriter keeps a copy of a response up to limit bytes and gives up
// on anything larger.
type captureWriter struct {
	buf      bytes.Buffer
	limit    int64
	overflow bool
}

func newCaptureWriter(limit int64) *captureWriter {
	return &captureWriter{limit: limit}
}

func (c *captureWriter) Write(p []byte) (int, error) {
	if c.overflow {
		return len(p), nil
	}
	if int64(c.buf.Len()+len(p)) > c.limit {
		c.overflow = true
		c.buf = bytes.Buffer{}
		return len(p), nil
	}
	return c.buf.Write(p)
}

func (c *captureWriter) Bytes() []byte {
	return bytes.Clone(c.buf.Bytes())
}

func teeWriter(w io.Writer, c *captureWriter) io.Writer {
	if c == nil {
		return w
	}
	return io.MultiWriter(w, c)
}
