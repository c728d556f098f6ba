// Package gateway serves range-filtered archives over HTTP. Requests that
// ask for a car response with a byte range are answered by fetching the
// whole archive from the origin and filtering it; everything else is
// proxied to the origin unchanged.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bamsammich/carrange/internal/engine"
	"github.com/bamsammich/carrange/internal/filter"
	"github.com/bamsammich/carrange/internal/stats"
)

const (
	// ContentTypeCAR is both the activating Accept value and the response
	// content type.
	ContentTypeCAR = "application/vnd.ipld.car"
	// HeaderRequestID carries the id assigned to each request.
	HeaderRequestID = "X-Request-Id"
	// HeaderDegraded is a trailer on filtered responses. "true" means
	// filtering fell back to passthrough after blocks had been dropped, so
	// the body may lack part of the range.
	HeaderDegraded = "X-Carrange-Degraded"
	// StatsPath serves aggregate counters as JSON.
	StatsPath = "/_carrange/stats"

	DefaultCacheEntries  = 128
	DefaultCacheMaxEntry = 8 << 20
)

// Config configures a Gateway.
type Config struct {
	Origin *url.URL
	// Client fetches from the origin. http.DefaultClient when nil.
	Client *http.Client
	// CacheEntries bounds the response cache. Zero disables caching.
	CacheEntries int
	// CacheMaxEntry is the largest response body that is cached.
	CacheMaxEntry  int64
	BWLimit        int64
	MaxSectionSize uint64
	Verify         bool
	// Timeout bounds a whole filtered request including the origin fetch.
	Timeout time.Duration
	// Stats aggregates counters across requests. A new collector when nil.
	Stats *stats.Collector
}

// Gateway is an http.Handler.
type Gateway struct {
	cfg   Config
	proxy *httputil.ReverseProxy
	cache *cache
	stats *stats.Collector
}

// New creates a Gateway for cfg.
func New(cfg Config) (*Gateway, error) {
	if cfg.Origin == nil || cfg.Origin.Scheme == "" || cfg.Origin.Host == "" {
		return nil, errors.New("gateway: origin must be an absolute URL")
	}
	if cfg.Client == nil {
		cfg.Client = http.DefaultClient
	}
	if cfg.CacheMaxEntry <= 0 {
		cfg.CacheMaxEntry = DefaultCacheMaxEntry
	}
	if cfg.Stats == nil {
		cfg.Stats = stats.NewCollector()
	}

	c, err := newCache(cfg.CacheEntries, cfg.CacheMaxEntry)
	if err != nil {
		return nil, err
	}

	origin := cfg.Origin
	proxy := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(origin)
			pr.SetXForwarded()
		},
		Transport: cfg.Client.Transport,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			slog.Warn("proxy to origin failed", "path", r.URL.Path, "error", err)
			w.WriteHeader(http.StatusBadGateway)
		},
	}

	return &Gateway{cfg: cfg, proxy: proxy, cache: c, stats: cfg.Stats}, nil
}

// Stats returns the aggregate collector.
func (g *Gateway) Stats() *stats.Collector { return g.stats }

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == StatsPath {
		g.serveStats(w)
		return
	}

	id := uuid.NewString()
	w.Header().Set(HeaderRequestID, id)
	g.stats.AddRequests(1)
	log := slog.With("request_id", id, "path", r.URL.Path)

	if !activated(r) {
		g.proxy.ServeHTTP(w, r)
		return
	}
	q := r.URL.Query()
	rng, param, ok, err := filter.RangeFromQuery(q)
	if !ok {
		g.proxy.ServeHTTP(w, r)
		return
	}
	if err != nil {
		log.Info("rejected range", "param", param, "error", err)
		http.Error(w, err.Error(), rangeStatus(err))
		return
	}
	g.serveRange(w, r, log, rng, filter.StripRange(q))
}

func activated(r *http.Request) bool {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		return false
	}
	return strings.TrimSpace(r.Header.Get("Accept")) == ContentTypeCAR
}

func rangeStatus(err error) int {
	if errors.Is(err, filter.ErrInvalidRange) {
		return http.StatusRequestedRangeNotSatisfiable
	}
	return http.StatusBadRequest
}

//nolint:revive // cognitive-complexity: cache, fetch and stream error handling
func (g *Gateway) serveRange(
	w http.ResponseWriter, r *http.Request, log *slog.Logger, rng filter.Range, q url.Values,
) {
	key := cacheKeyString(r.URL.Path, q, rng)
	if e, ok := g.cache.get(key); ok {
		g.stats.AddCacheHits(1)
		log.Debug("cache hit", "range", rng, "etag", e.etag)
		writeCached(w, r, e)
		return
	}

	ctx := r.Context()
	if g.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.cfg.Timeout)
		defer cancel()
	}

	resp, err := g.fetch(ctx, r.URL.Path, q, w.Header().Get(HeaderRequestID))
	if err != nil {
		log.Warn("origin fetch failed", "error", err)
		http.Error(w, "origin fetch failed", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		log.Info("relaying origin status", "status", resp.StatusCode)
		relay(w, resp)
		return
	}
	body, err := decodeBody(resp)
	if err != nil {
		log.Warn("origin body", "error", err)
		http.Error(w, "origin fetch failed", http.StatusBadGateway)
		return
	}
	defer body.Close()

	out := &lazyWriter{w: w}
	var capture *captureWriter
	if g.cache != nil {
		capture = newCaptureWriter(g.cache.maxEntry)
	}

	res := engine.Run(ctx, engine.Config{
		Source:         body,
		Output:         teeWriter(out, capture),
		Range:          rng,
		Filter:         true,
		MaxSectionSize: g.cfg.MaxSectionSize,
		Verify:         g.cfg.Verify,
		BWLimit:        g.cfg.BWLimit,
	})
	g.stats.Merge(res.Stats)

	if res.Err != nil {
		if r.Context().Err() != nil {
			log.Info("client went away", "written", res.Written)
			return
		}
		if !out.started {
			log.Warn("filter failed", "error", res.Err)
			status := http.StatusBadGateway
			if errors.Is(res.Err, filter.ErrInvalidRange) {
				status = http.StatusRequestedRangeNotSatisfiable
			}
			http.Error(w, res.Err.Error(), status)
			return
		}
		// Headers are gone; only a broken connection tells the client the
		// body is incomplete.
		log.Error("stream failed after first byte", "error", res.Err, "written", res.Written)
		panic(http.ErrAbortHandler)
	}
	out.start()
	w.Header().Set(HeaderDegraded, strconv.FormatBool(res.Degraded))

	if res.Mismatch != nil {
		log.Warn("filtering disabled, passed archive through",
			"error", res.Mismatch, "degraded", res.Degraded)
	}
	log.Info("range served",
		"range", res.Range,
		"phase", res.Phase,
		"written", res.Written,
		"early_exit", res.Satisfied,
		"degraded", res.Degraded,
		"stats", res.Stats,
	)

	if capture != nil && !capture.overflow && !res.Degraded {
		g.cache.add(key, entry{body: capture.Bytes(), etag: `"` + res.Digest + `"`})
	}
}

func (g *Gateway) serveStats(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(g.stats.Snapshot()); err != nil {
		slog.Debug("write stats", "error", err)
	}
}

// lazyWriter commits the success status on the first byte so that errors
// before it can still choose their own status.
type lazyWriter struct {
	w       http.ResponseWriter
	started bool
}

func (lw *lazyWriter) start() {
	if lw.started {
		return
	}
	lw.started = true
	lw.w.Header().Set("Content-Type", ContentTypeCAR)
	lw.w.Header().Set("X-Content-Type-Options", "nosniff")
	lw.w.Header().Set("Trailer", HeaderDegraded)
	lw.w.WriteHeader(http.StatusOK)
}

func (lw *lazyWriter) Write(p []byte) (int, error) {
	lw.start()
	return lw.w.Write(p)
}
