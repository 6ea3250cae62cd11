// Package upstream fetches from the origin the gateway fronts.
package upstream

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/trezcool/masomo-offline/core/web"
)

const (
	defaultTimeout = 30 * time.Second
	probeTimeout   = 5 * time.Second
)

// hop-by-hop headers are never forwarded
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func stripHopHeaders(h http.Header) {
	for _, k := range hopHeaders {
		h.Del(k)
	}
}

type (
	Options struct {
		App       *url.URL // origin requests are addressed to
		Upstream  *url.URL // where app origin requests are sent
		Timeout   time.Duration
		ProbePath string
	}

	// Client is a web.Fetcher sending app origin requests to the upstream and other requests as is.
	Client struct {
		opts Options
		http *http.Client
	}
)

var _ web.Fetcher = (*Client)(nil)

// NewClient returns a Client; a nil transport means http.DefaultTransport.
func NewClient(opts Options, transport http.RoundTripper) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.ProbePath == "" {
		opts.ProbePath = "/"
	}
	if transport == nil {
		transport = http.DefaultTransport
	}
	return &Client{
		opts: opts,
		http: &http.Client{
			Transport: otelhttp.NewTransport(transport),
			Timeout:   opts.Timeout,
		},
	}
}

func (c *Client) target(u *url.URL) *url.URL {
	t := *u
	t.Fragment = ""
	t.RawFragment = ""
	if web.SameOrigin(u, c.opts.App) {
		t.Scheme = c.opts.Upstream.Scheme
		t.Host = c.opts.Upstream.Host
	}
	return &t
}

// Fetch sends req and reads the whole response. Only transport failures are errors.
func (c *Client) Fetch(ctx context.Context, req *web.Request) (*web.Response, error) {
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	hreq, err := http.NewRequestWithContext(ctx, req.Method, c.target(req.URL).String(), body)
	if err != nil {
		return nil, errors.Wrap(err, "building upstream request")
	}
	hreq.Header = req.Header.Clone()
	if hreq.Header == nil {
		hreq.Header = make(http.Header)
	}
	stripHopHeaders(hreq.Header)
	if web.SameOrigin(req.URL, c.opts.App) {
		hreq.Header.Set("X-Forwarded-Host", c.opts.App.Host)
		hreq.Header.Set("X-Forwarded-Proto", c.opts.App.Scheme)
	}

	hresp, err := c.http.Do(hreq)
	if err != nil {
		return nil, errors.Wrapf(err, "%s %s", req.Method, req.URL)
	}
	defer func() { _ = hresp.Body.Close() }()

	data, err := io.ReadAll(hresp.Body)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s %s", req.Method, req.URL)
	}
	hdr := hresp.Header.Clone()
	stripHopHeaders(hdr)
	return &web.Response{
		Status: hresp.StatusCode,
		Header: hdr,
		Body:   data,
		Source: web.SourceNetwork,
	}, nil
}

// Online reports whether the upstream answers at all, whatever the status.
func (c *Client) Online(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	ref := &url.URL{Path: c.opts.ProbePath}
	hreq, err := http.NewRequestWithContext(ctx, http.MethodHead, c.opts.Upstream.ResolveReference(ref).String(), nil)
	if err != nil {
		return false
	}
	hresp, err := c.http.Do(hreq)
	if err != nil {
		return false
	}
	_ = hresp.Body.Close()
	return true
}
