package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

var errEncoding = errors.New("unsupported content encoding")

// acceptEncoding is sent on every sub-fetch. Setting it disables the
// transport's own gzip handling, so decodeBody owns decompression.
const acceptEncoding = "zstd, gzip"

// fetch requests the full archive at path from the origin. q is the client
// query with the range parameter removed. The request is bound to ctx, so a
// client disconnect cancels it.
func (g *Gateway) fetch(ctx context.Context, path string, q url.Values, id string) (*http.Response, error) {
	u := g.cfg.Origin.JoinPath(path)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build origin request: %w", err)
	}
	req.Header.Set("Accept", ContentTypeCAR)
	req.Header.Set("Accept-Encoding", acceptEncoding)
	if id != "" {
		req.Header.Set(HeaderRequestID, id)
	}

	resp, err := g.cfg.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", u.Redacted(), err)
	}
	return resp, nil
}

// decodedBody closes the decoder and the underlying body once.
type decodedBody struct {
	io.Reader
	once    sync.Once
	closeFn func() error
	err     error
}

func (d *decodedBody) Close() error {
	d.once.Do(func() { d.err = d.closeFn() })
	return d.err
}

// decodeBody returns resp's body with its content encoding removed.
func decodeBody(resp *http.Response) (io.ReadCloser, error) {
	enc := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding")))
	switch enc {
	case "", "identity":
		return &decodedBody{Reader: resp.Body, closeFn: resp.Body.Close}, nil
	case "zstd":
		zr, err := zstd.NewReader(resp.Body, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, fmt.Errorf("zstd decoder: %w", err)
		}
		return &decodedBody{Reader: zr, closeFn: func() error {
			zr.Close()
			return resp.Body.Close()
		}}, nil
	case "gzip":
		gr, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("gzip decoder: %w", err)
		}
		return &decodedBody{Reader: gr, closeFn: func() error {
			return errors.Join(gr.Close(), resp.Body.Close())
		}}, nil
	default:
		return nil, fmt.Errorf("%w: %q", errEncoding, enc)
	}
}

// relay copies a non-success origin response to the client.
func relay(w http.ResponseWriter, resp *http.Response) {
	for _, k := range []string{"Content-Type", "Content-Encoding", "Cache-Control", "Retry-After"} {
		if v := resp.Header.Get(k); v != "" {
			w.Header().Set(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}
