package router

import (
	"context"
	"net/http"
	"net/url"

	"github.com/pkg/errors"

	"github.com/trezcool/masomo-offline/core"
	"github.com/trezcool/masomo-offline/core/bgsync"
	"github.com/trezcool/masomo-offline/core/cache"
	"github.com/trezcool/masomo-offline/core/queue"
	"github.com/trezcool/masomo-offline/core/web"
)

const (
	headerWarning = "Warning"
	staleWarning  = `110 - "Response is Stale"`

	offlineHTML = `<!DOCTYPE html>
<html lang="en">
<head><meta charset="utf-8"><meta name="viewport" content="width=device-width, initial-scale=1"><title>Offline</title></head>
<body><h1>You are offline</h1><p>This page is not available offline. Check your connection and try again.</p></body>
</html>
`
)

type errorBody struct {
	Error string `json:"error"`
	URL   string `json:"url,omitempty"`
}

// QueuedBody is the body of the response to a queued write.
type QueuedBody struct {
	Queued bool   `json:"queued"`
	ID     string `json:"id"`
	Kind   string `json:"kind"`
	Tag    string `json:"tag"`
}

func isWriteMethod(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

// cacheFirst serves from the cache and only goes to the network on a miss.
type cacheFirst struct {
	net   web.Fetcher
	cache Cache
	log   core.Logger
}

func (s *cacheFirst) Name() string { return "cache-first" }

func (s *cacheFirst) Handle(ctx context.Context, req *web.Request) (*web.Response, error) {
	entry, ok, err := s.cache.Get(ctx, req)
	if err != nil {
		s.log.Warn("cache lookup failed", map[string]interface{}{"key": req.Key()}, err)
	}
	if ok {
		return entry.Response, nil
	}

	resp, err := s.net.Fetch(ctx, req)
	if err != nil {
		return web.NewJSONResponse(http.StatusNotFound, errorBody{Error: "Unavailable", URL: req.URL.String()}), nil
	}
	if resp.OK() {
		if err = s.cache.Put(ctx, cache.Dynamic, req, resp); err != nil {
			s.log.Warn("caching response failed", map[string]interface{}{"key": req.Key()}, err)
		}
	}
	return resp, nil
}

// networkFirst prefers fresh data and falls back to the last cached copy.
type networkFirst struct {
	net   web.Fetcher
	cache Cache
	log   core.Logger
}

func (s *networkFirst) Name() string { return "network-first" }

func (s *networkFirst) Handle(ctx context.Context, req *web.Request) (*web.Response, error) {
	resp, fetchErr := s.net.Fetch(ctx, req)
	if fetchErr == nil && resp.OK() {
		if err := s.cache.Put(ctx, cache.Dynamic, req, resp); err != nil {
			s.log.Warn("caching response failed", map[string]interface{}{"key": req.Key()}, err)
		}
		return resp, nil
	}

	entry, ok, err := s.cache.Get(ctx, req)
	if err != nil {
		s.log.Warn("cache lookup failed", map[string]interface{}{"key": req.Key()}, err)
	}
	if ok {
		stale := entry.Response
		stale.Header.Set(web.HeaderServedFromCache, "true")
		stale.Header.Set(headerWarning, staleWarning)
		return stale, nil
	}
	if fetchErr == nil {
		return resp, nil // the upstream's own error
	}
	return web.NewJSONResponse(http.StatusServiceUnavailable, errorBody{Error: "Offline"}), nil
}

// networkOnlyWithQueue sends writes to the network and queues those that do not succeed.
type networkOnlyWithQueue struct {
	net    web.Fetcher
	queue  Enqueuer
	sync   Registrar
	origin *url.URL
	kindOf func(req *web.Request) string
	log    core.Logger
}

func (s *networkOnlyWithQueue) Name() string { return "network-only-with-queue" }

func (s *networkOnlyWithQueue) Handle(ctx context.Context, req *web.Request) (*web.Response, error) {
	resp, err := s.net.Fetch(ctx, req)
	if err == nil && resp.OK() {
		return resp, nil
	}
	if !isWriteMethod(req.Method) {
		if err != nil {
			return web.NewJSONResponse(http.StatusServiceUnavailable, errorBody{Error: "Offline"}), nil
		}
		return resp, nil
	}

	// writes to other origins keep their absolute URL so that they replay against their own host
	target := req.URL.RequestURI()
	if !web.SameOrigin(req.URL, s.origin) {
		target = req.URL.String()
	}
	pw, qErr := s.queue.Enqueue(ctx, queue.PendingWrite{
		Kind:        s.kindOf(req),
		Method:      req.Method,
		Path:        target,
		ContentType: req.ContentType(),
		Payload:     req.Body,
	})
	if qErr != nil {
		return nil, errors.Wrap(qErr, "queuing write")
	}

	tag := bgsync.TagFor(pw.Kind)
	s.sync.Register(tag)

	fields := map[string]interface{}{"id": pw.ID, "kind": pw.Kind, "path": pw.Path}
	if err != nil {
		fields["cause"] = err.Error()
	} else {
		fields["status"] = resp.Status
	}
	s.log.Info("write queued", fields)

	queued := web.NewJSONResponse(http.StatusAccepted, QueuedBody{Queued: true, ID: pw.ID, Kind: pw.Kind, Tag: tag})
	queued.Source = web.SourceQueued
	queued.Header.Set(web.HeaderQueued, pw.ID)
	return queued, nil
}

// shellFallback serves navigations, falling back to the cached app shell or the offline page.
type shellFallback struct {
	net         web.Fetcher
	cache       Cache
	origin      *url.URL
	shellPath   string
	offlinePage string
	isRoute     func(path string) bool
	log         core.Logger
}

func (s *shellFallback) Name() string { return "shell-fallback" }

func (s *shellFallback) cached(ctx context.Context, path string) (*web.Response, bool) {
	if path == "" {
		return nil, false
	}
	req, err := web.NewRequest(http.MethodGet, s.origin.ResolveReference(&url.URL{Path: path}).String(), nil)
	if err != nil {
		return nil, false
	}
	entry, ok, err := s.cache.Get(ctx, req)
	if err != nil {
		s.log.Warn("cache lookup failed", map[string]interface{}{"key": req.Key()}, err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	return entry.Response, true
}

func (s *shellFallback) Handle(ctx context.Context, req *web.Request) (*web.Response, error) {
	resp, err := s.net.Fetch(ctx, req)
	if err == nil && resp.OK() {
		return resp, nil
	}

	knownRoute := s.isRoute(req.Path())
	if knownRoute {
		if shell, ok := s.cached(ctx, s.shellPath); ok {
			return shell, nil
		}
	}
	if err == nil {
		return resp, nil // the upstream answered: its error page beats the offline page
	}
	if page, ok := s.cached(ctx, s.offlinePage); ok {
		return page, nil
	}
	if !knownRoute {
		if shell, ok := s.cached(ctx, s.shellPath); ok {
			return shell, nil
		}
	}
	return web.NewTextResponse(http.StatusServiceUnavailable, "text/html; charset=utf-8", offlineHTML), nil
}

// passThrough forwards the request untouched.
type passThrough struct {
	net web.Fetcher
	log core.Logger
}

func (s *passThrough) Name() string { return "pass-through" }

func (s *passThrough) Handle(ctx context.Context, req *web.Request) (*web.Response, error) {
	resp, err := s.net.Fetch(ctx, req)
	if err != nil {
		s.log.Debug("pass-through fetch failed", map[string]interface{}{"url": req.URL.String()}, err)
		return web.NewJSONResponse(http.StatusBadGateway, errorBody{Error: "Bad Gateway", URL: req.URL.String()}), nil
	}
	return resp, nil
}
