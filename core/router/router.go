// Package router classifies intercepted requests and hands them to a caching strategy.
package router

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/armon/go-radix"
	"github.com/bmatcuk/doublestar"
	"github.com/pkg/errors"

	"github.com/trezcool/masomo-offline/core"
	"github.com/trezcool/masomo-offline/core/cache"
	"github.com/trezcool/masomo-offline/core/queue"
	"github.com/trezcool/masomo-offline/core/web"
)

// DefaultKind is the queue kind of writes whose path names no resource.
const DefaultKind = "default"

type (
	// Strategy produces the response of a request.
	Strategy interface {
		Name() string
		Handle(ctx context.Context, req *web.Request) (*web.Response, error)
	}

	// Cache is the part of the cache manager the strategies use.
	Cache interface {
		Get(ctx context.Context, req *web.Request) (cache.Entry, bool, error)
		Put(ctx context.Context, p cache.Partition, req *web.Request, resp *web.Response) error
		WaitActive(ctx context.Context) (cache.State, error)
	}

	Enqueuer interface {
		Enqueue(ctx context.Context, pw queue.PendingWrite) (queue.PendingWrite, error)
	}

	// Registrar schedules a sync task.
	Registrar interface {
		Register(tag string)
	}

	Options struct {
		Origin        *url.URL
		APIPrefix     string   // e.g. "/api/"
		ShellPath     string   // cached app shell, e.g. "/"
		OfflinePage   string   // e.g. "/offline.html"
		ClientRoutes  []string // routes handled by the app shell
		ImagePatterns []string // doublestar patterns matched against the path
	}

	Router struct {
		opts   Options
		cache  Cache
		routes *radix.Tree
		log    core.Logger

		write        Strategy
		passThrough  Strategy
		shell        Strategy
		cacheFirst   Strategy
		networkFirst Strategy
	}
)

// Class is the resource class of a request.
type Class int

const (
	ClassWrite Class = iota
	ClassCrossOrigin
	ClassNavigation
	ClassImage
	ClassAPI
	ClassStatic
)

func (c Class) String() string {
	switch c {
	case ClassWrite:
		return "write"
	case ClassCrossOrigin:
		return "cross-origin"
	case ClassNavigation:
		return "navigation"
	case ClassImage:
		return "image"
	case ClassAPI:
		return "api"
	case ClassStatic:
		return "static"
	}
	return "unknown"
}

func New(opts Options, c Cache, net web.Fetcher, q Enqueuer, sync Registrar, log core.Logger) (*Router, error) {
	if opts.Origin == nil || !opts.Origin.IsAbs() {
		return nil, errors.New("router: absolute app origin required")
	}
	if opts.APIPrefix == "" {
		opts.APIPrefix = "/api/"
	}
	if !strings.HasSuffix(opts.APIPrefix, "/") {
		opts.APIPrefix += "/"
	}
	for _, p := range opts.ImagePatterns {
		if _, err := doublestar.Match(p, "x"); err != nil {
			return nil, errors.Wrapf(err, "router: image pattern %q", p)
		}
	}

	r := &Router{
		opts:   opts,
		cache:  c,
		routes: clientRoutes(opts.ClientRoutes),
		log:    log,
	}
	r.write = &networkOnlyWithQueue{net: net, queue: q, sync: sync, origin: opts.Origin, kindOf: r.kindOf, log: log}
	r.passThrough = &passThrough{net: net, log: log}
	r.shell = &shellFallback{
		net:         net,
		cache:       c,
		origin:      opts.Origin,
		shellPath:   opts.ShellPath,
		offlinePage: opts.OfflinePage,
		isRoute:     r.IsClientRoute,
		log:         log,
	}
	r.cacheFirst = &cacheFirst{net: net, cache: c, log: log}
	r.networkFirst = &networkFirst{net: net, cache: c, log: log}
	return r, nil
}

// clientRoutes indexes routes as "/route/" so that a lookup of "/route/12/" finds it and "/routex/" does not.
func clientRoutes(routes []string) *radix.Tree {
	tree := radix.New()
	for _, route := range routes {
		route = "/" + strings.Trim(route, "/")
		if route == "/" {
			tree.Insert(route, true) // exact match only, see IsClientRoute
			continue
		}
		tree.Insert(route+"/", false)
	}
	return tree
}

// IsClientRoute reports whether path is handled by the app shell.
func (r *Router) IsClientRoute(path string) bool {
	if path == "" || path == "/" {
		_, found := r.routes.Get("/")
		return found
	}
	key := strings.TrimSuffix(path, "/") + "/"
	prefix, _, found := r.routes.LongestPrefix(key)
	return found && prefix != "/"
}

func (r *Router) isImage(req *web.Request) bool {
	if req.AcceptsImage() {
		return true
	}
	p := strings.TrimPrefix(req.Path(), "/")
	for _, pattern := range r.opts.ImagePatterns {
		if ok, _ := doublestar.Match(pattern, p); ok {
			return true
		}
	}
	return false
}

// Classify returns the resource class of req, first matching rule wins.
func (r *Router) Classify(req *web.Request) Class {
	switch {
	case req.Method != http.MethodGet:
		return ClassWrite
	case !web.SameOrigin(req.URL, r.opts.Origin):
		return ClassCrossOrigin
	case req.IsNavigation():
		return ClassNavigation
	case r.isImage(req):
		return ClassImage
	case strings.HasPrefix(req.Path(), r.opts.APIPrefix):
		return ClassAPI
	}
	return ClassStatic
}

// Strategy returns the strategy serving a class.
func (r *Router) Strategy(c Class) Strategy {
	switch c {
	case ClassWrite:
		return r.write
	case ClassCrossOrigin:
		return r.passThrough
	case ClassNavigation:
		return r.shell
	case ClassAPI:
		return r.networkFirst
	}
	return r.cacheFirst
}

// Handle serves req. Network and cache failures are turned into responses;
// only queue persistence failures and ctx errors are returned.
// Writes are always queued on failure. Reads pass straight through until the cache is active,
// and wait while it is activating.
func (r *Router) Handle(ctx context.Context, req *web.Request) (*web.Response, error) {
	class := r.Classify(req)
	s := r.Strategy(class)
	if class != ClassWrite {
		state, err := r.cache.WaitActive(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "waiting for cache activation")
		}
		if state != cache.Active {
			s = r.passThrough
		}
	}
	resp, err := s.Handle(ctx, req)
	if err != nil {
		return nil, errors.Wrap(err, s.Name())
	}
	return resp, nil
}

// kindOf names the queue of a write: the path segment after the API prefix, else the first segment.
func (r *Router) kindOf(req *web.Request) string {
	p := req.Path()
	if strings.HasPrefix(p, r.opts.APIPrefix) {
		p = strings.TrimPrefix(p, r.opts.APIPrefix)
	}
	seg := strings.SplitN(strings.TrimPrefix(p, "/"), "/", 2)[0]
	seg = core.CleanString(seg, true /* lower */)
	if !core.IsValidKind(seg) {
		return DefaultKind
	}
	return seg
}
