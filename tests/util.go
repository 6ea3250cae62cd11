package testutil

import (
	"context"
	"net/http"
	"path/filepath"
	"sync"
	"testing"

	"github.com/jmoiron/sqlx"

	"github.com/trezcool/masomo-offline/core"
	"github.com/trezcool/masomo-offline/core/web"
	"github.com/trezcool/masomo-offline/storage/database"
)

const AppOrigin = "http://localhost:8080"

// Logger writes log lines to the test log.
type Logger struct {
	t testing.TB
}

var _ core.Logger = (*Logger)(nil)

func NewLogger(t testing.TB) *Logger { return &Logger{t: t} }

func (l *Logger) log(level, msg string, args []interface{}) {
	l.t.Helper()
	if len(args) > 0 {
		l.t.Logf("%s: %s %+v", level, msg, args)
		return
	}
	l.t.Logf("%s: %s", level, msg)
}

func (l *Logger) Debug(msg string, args ...interface{}) { l.log("DEBUG", msg, args) }
func (l *Logger) Info(msg string, args ...interface{})  { l.log("INFO", msg, args) }
func (l *Logger) Warn(msg string, args ...interface{})  { l.log("WARN", msg, args) }
func (l *Logger) Error(msg string, args ...interface{}) { l.log("ERROR", msg, args) }
func (l *Logger) Fatal(msg string, args ...interface{}) {
	l.t.Helper()
	l.t.Fatalf("FATAL: %s %+v", msg, args)
}

// Network is a scripted web.Fetcher. It records every request it receives.
// Unknown routes answer 404, every route fails while offline.
type Network struct {
	mu       sync.Mutex
	offline  bool
	routes   map[string]*web.Response
	failing  map[string]bool
	requests []*web.Request
}

var _ web.Fetcher = (*Network)(nil)

func NewNetwork() *Network {
	return &Network{
		routes:  make(map[string]*web.Response),
		failing: make(map[string]bool),
	}
}

func routeKey(method, path string) string { return method + " " + path }

// Respond scripts the response of method+path.
func (n *Network) Respond(method, path string, status int, contentType, body string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.routes[routeKey(method, path)] = &web.Response{
		Status: status,
		Header: http.Header{"Content-Type": {contentType}},
		Body:   []byte(body),
	}
	delete(n.failing, routeKey(method, path))
}

// Fail makes method+path fail with a network error.
func (n *Network) Fail(method, path string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failing[routeKey(method, path)] = true
}

func (n *Network) SetOffline(offline bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.offline = offline
}

func (n *Network) Fetch(ctx context.Context, req *web.Request) (*web.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.requests = append(n.requests, req.Clone())

	key := routeKey(req.Method, req.Path())
	if n.offline || n.failing[key] {
		return nil, web.ErrOffline
	}
	resp, ok := n.routes[key]
	if !ok {
		return &web.Response{
			Status: http.StatusNotFound,
			Header: http.Header{"Content-Type": {"text/plain"}},
			Body:   []byte("not found"),
		}, nil
	}
	resp = resp.Clone()
	resp.Source = web.SourceNetwork
	return resp, nil
}

// Calls returns the number of requests received so far.
func (n *Network) Calls() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.requests)
}

func (n *Network) Requests() []*web.Request {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*web.Request(nil), n.requests...)
}

// NewRequest builds a request against AppOrigin and fails the test on error.
func NewRequest(t testing.TB, method, path string, body []byte, header ...string) *web.Request {
	t.Helper()
	req, err := web.NewRequest(method, AppOrigin+path, body)
	if err != nil {
		t.Fatalf("NewRequest() failed: %v", err)
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	return req
}

// OpenDB opens a migrated SQLite database in a temporary directory.
func OpenDB(t testing.TB) *sqlx.DB {
	t.Helper()
	return OpenDBAt(t, filepath.Join(t.TempDir(), "pending.db"))
}

// OpenDBAt opens and migrates the SQLite database at path. The database is closed at the end of the test.
func OpenDBAt(t testing.TB, path string) *sqlx.DB {
	t.Helper()
	db, err := database.OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenDB() failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err = database.Migrate(db); err != nil {
		t.Fatalf("OpenDB() failed: %v", err)
	}
	return db
}
