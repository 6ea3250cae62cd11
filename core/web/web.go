// Package web holds the request and response snapshots exchanged between the router,
// the cache and the network.
package web

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Headers set on responses produced by the offline layer.
const (
	HeaderServedFromCache = "X-Served-From-Cache"
	HeaderQueued          = "X-Offline-Queued"
	HeaderIdempotencyKey  = "Idempotency-Key"
	HeaderSecFetchMode    = "Sec-Fetch-Mode"
	HeaderSecFetchDest    = "Sec-Fetch-Dest"
)

// ErrOffline is returned by fetchers that know the network is down.
var ErrOffline = errors.New("network unreachable")

// Fetcher performs network requests.
// Any returned error is a network failure; a non-2xx status is not an error.
type Fetcher interface {
	Fetch(ctx context.Context, req *Request) (*Response, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, req *Request) (*Response, error)

func (f FetcherFunc) Fetch(ctx context.Context, req *Request) (*Response, error) { return f(ctx, req) }

// Request is an intercepted request with its body fully read.
type Request struct {
	Method string
	URL    *url.URL // always absolute
	Header http.Header
	Body   []byte
}

// NewRequest builds a Request for an absolute URL.
func NewRequest(method, rawURL string, body []byte) (*Request, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, errors.Wrap(err, "parsing request url")
	}
	if !u.IsAbs() {
		return nil, errors.Errorf("request url %q is not absolute", rawURL)
	}
	if method == "" {
		method = http.MethodGet
	}
	return &Request{
		Method: strings.ToUpper(method),
		URL:    u,
		Header: make(http.Header),
		Body:   body,
	}, nil
}

// FromHTTP snapshots an incoming http.Request. Origin-form targets are resolved against base,
// absolute-form targets (proxy requests) are kept as is.
func FromHTTP(r *http.Request, base *url.URL) (*Request, error) {
	var body []byte
	if r.Body != nil {
		b, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, errors.Wrap(err, "reading request body")
		}
		body = b
	}

	u := *r.URL
	target := &u
	if !target.IsAbs() {
		target = base.ResolveReference(&url.URL{Path: u.Path, RawPath: u.RawPath, RawQuery: u.RawQuery})
	}
	return &Request{
		Method: strings.ToUpper(r.Method),
		URL:    target,
		Header: r.Header.Clone(),
		Body:   body,
	}, nil
}

// Key is the canonical cache key of the request: method and URL without fragment.
func (r *Request) Key() string {
	u := *r.URL
	u.Fragment = ""
	u.RawFragment = ""
	return r.Method + " " + u.String()
}

// Path returns the URL path, "/" when empty.
func (r *Request) Path() string {
	if r.URL.Path == "" {
		return "/"
	}
	return r.URL.Path
}

// ContentType returns the Content-Type header, parameters included.
func (r *Request) ContentType() string {
	return r.Header.Get("Content-Type")
}

// IsNavigation reports whether the request is a document navigation.
func (r *Request) IsNavigation() bool {
	if r.Method != http.MethodGet {
		return false
	}
	if strings.EqualFold(r.Header.Get(HeaderSecFetchMode), "navigate") {
		return true
	}
	if dest := r.Header.Get(HeaderSecFetchDest); dest != "" {
		return strings.EqualFold(dest, "document")
	}
	return strings.HasPrefix(firstAccepted(r.Header.Get("Accept")), "text/html")
}

// AcceptsImage reports whether the request destination is an image.
func (r *Request) AcceptsImage() bool {
	if dest := r.Header.Get(HeaderSecFetchDest); dest != "" {
		return strings.EqualFold(dest, "image")
	}
	return strings.HasPrefix(firstAccepted(r.Header.Get("Accept")), "image/")
}

func firstAccepted(accept string) string {
	first := strings.SplitN(accept, ",", 2)[0]
	first = strings.SplitN(first, ";", 2)[0]
	return strings.ToLower(strings.TrimSpace(first))
}

// Clone returns a deep copy of the request.
func (r *Request) Clone() *Request {
	u := *r.URL
	return &Request{
		Method: r.Method,
		URL:    &u,
		Header: r.Header.Clone(),
		Body:   bytes.Clone(r.Body),
	}
}

// SameOrigin reports whether a and b share scheme, host and (normalized) port.
func SameOrigin(a, b *url.URL) bool {
	return strings.EqualFold(a.Scheme, b.Scheme) &&
		strings.EqualFold(a.Hostname(), b.Hostname()) &&
		port(a) == port(b)
}

func port(u *url.URL) string {
	if p := u.Port(); p != "" {
		return p
	}
	switch strings.ToLower(u.Scheme) {
	case "https":
		return "443"
	case "http":
		return "80"
	}
	return ""
}

// Source tells where a Response comes from.
type Source int

const (
	SourceNetwork Source = iota
	SourceCache
	SourceQueued
	SourceOffline // synthesized by the offline layer
)

func (s Source) String() string {
	switch s {
	case SourceNetwork:
		return "network"
	case SourceCache:
		return "cache"
	case SourceQueued:
		return "queued"
	case SourceOffline:
		return "offline"
	}
	return "unknown"
}

// Response is a captured response: status, headers and the complete body.
type Response struct {
	Status   int
	Header   http.Header
	Body     []byte
	Source   Source
	StoredAt time.Time
}

// OK reports a 2xx status.
func (r *Response) OK() bool {
	return r.Status >= 200 && r.Status < 300
}

// Stale reports whether the response was served from the cache after a failed network attempt.
func (r *Response) Stale() bool {
	return r.Header.Get(HeaderServedFromCache) == "true"
}

// Clone returns a deep copy of the response.
func (r *Response) Clone() *Response {
	hdr := r.Header.Clone()
	if hdr == nil {
		hdr = make(http.Header)
	}
	return &Response{
		Status:   r.Status,
		Header:   hdr,
		Body:     bytes.Clone(r.Body),
		Source:   r.Source,
		StoredAt: r.StoredAt,
	}
}

// Write sends the response to w.
func (r *Response) Write(w http.ResponseWriter) error {
	hdr := w.Header()
	for k, vv := range r.Header {
		hdr[k] = append([]string(nil), vv...)
	}
	w.WriteHeader(r.Status)
	if len(r.Body) == 0 {
		return nil
	}
	_, err := w.Write(r.Body)
	return err
}

// NewJSONResponse builds a synthesized JSON response.
func NewJSONResponse(status int, v interface{}) *Response {
	body, err := json.Marshal(v)
	if err != nil {
		body = []byte(`{"error":"` + http.StatusText(http.StatusInternalServerError) + `"}`)
		status = http.StatusInternalServerError
	}
	return &Response{
		Status: status,
		Header: http.Header{"Content-Type": {"application/json; charset=UTF-8"}},
		Body:   body,
		Source: SourceOffline,
	}
}

// NewTextResponse builds a synthesized response with the given content type.
func NewTextResponse(status int, contentType, body string) *Response {
	return &Response{
		Status: status,
		Header: http.Header{"Content-Type": {contentType}},
		Body:   []byte(body),
		Source: SourceOffline,
	}
}
