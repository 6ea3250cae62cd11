package echogw_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"reflect"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	. "github.com/trezcool/masomo-offline/apps/gateway/echo"
	"github.com/trezcool/masomo-offline/core"
	"github.com/trezcool/masomo-offline/core/bgsync"
	"github.com/trezcool/masomo-offline/core/cache"
	"github.com/trezcool/masomo-offline/core/notify"
	"github.com/trezcool/masomo-offline/core/queue"
	"github.com/trezcool/masomo-offline/core/router"
	"github.com/trezcool/masomo-offline/services/display"
	cachemem "github.com/trezcool/masomo-offline/storage/cachestore/inmem"
	inmemdb "github.com/trezcool/masomo-offline/storage/database/inmem"
	"github.com/trezcool/masomo-offline/tests"
)

type probe bool

func (p probe) Online(context.Context) bool { return bool(p) }

type gateway struct {
	app       *Server
	net       *testutil.Network
	queue     *queue.Service
	scheduler *bgsync.Scheduler
	display   *display.LogDisplayer
	windows   *display.WindowRegistry
}

func setup(t *testing.T) gateway {
	ctx := context.Background()
	logger := testutil.NewLogger(t)
	conf := &core.Config{
		AppName:  "Masomo",
		TestMode: true,
		Server:   core.ServerConfig{DisableReqLogs: true},
		Origin:   core.OriginConfig{App: testutil.AppOrigin},
	}
	origin, err := url.Parse(testutil.AppOrigin)
	require.NoError(t, err)
	validate, translator := core.NewValidator()

	net := testutil.NewNetwork()
	net.Respond(http.MethodGet, "/", http.StatusOK, "text/html", "<html>shell</html>")
	net.Respond(http.MethodGet, "/offline.html", http.StatusOK, "text/html", "<html>offline</html>")
	net.Respond(http.MethodGet, "/manifest.webmanifest", http.StatusOK, "application/manifest+json", `{"name":"Masomo"}`)

	mgr := cache.NewManager(cache.Options{Prefix: "masomo", Generation: "v1", Origin: origin}, cachemem.NewStore(), net, logger)
	require.NoError(t, mgr.Initialize(ctx, []string{"/", "/offline.html", "/manifest.webmanifest"}))
	require.NoError(t, mgr.Activate(ctx))

	queueSvc := queue.NewService(inmemdb.NewPendingRepository(inmemdb.Open()), validate, translator)
	trigger := bgsync.NewTrigger(queueSvc, net, origin, logger)
	scheduler := bgsync.NewScheduler(trigger, probe(true), bgsync.SchedulerOptions{}, logger)

	rtr, err := router.New(
		router.Options{
			Origin:       origin,
			APIPrefix:    "/api/",
			ShellPath:    "/",
			OfflinePage:  "/offline.html",
			ClientRoutes: []string{"/dashboard", "/attendance"},
		},
		mgr, net, queueSvc, scheduler, logger,
	)
	require.NoError(t, err)

	displayer := display.NewLogDisplayer(logger)
	windows := display.NewWindowRegistry(logger)
	dispatcher := notify.NewDispatcher(notify.Options{AppName: "Masomo", DefaultIcon: "/img/icon.png"}, displayer, windows, logger)

	app, err := NewServer(ServerDeps{
		Conf:       conf,
		Logger:     logger,
		Router:     rtr,
		Cache:      mgr,
		Queue:      queueSvc,
		Sync:       scheduler,
		Notify:     dispatcher,
		Windows:    windows,
		Validate:   validate,
		Translator: translator,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = app.Shutdown(shutdownCtx)
	})

	return gateway{
		app:       app,
		net:       net,
		queue:     queueSvc,
		scheduler: scheduler,
		display:   displayer,
		windows:   windows,
	}
}

type httpErr struct {
	Error string `json:"error"`
}

type httpTest struct {
	name     string
	method   string
	path     string
	body     []byte
	wantCode int
	wantData []byte
}

func newRequest(method, path string, data ...[]byte) (*http.Request, *httptest.ResponseRecorder) {
	var body bytes.Buffer
	if len(data) > 0 {
		body.Write(data[0])
	}
	req := httptest.NewRequest(method, path, &body)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	return req, rec
}

func (gw gateway) do(method, path string, data ...[]byte) *httptest.ResponseRecorder {
	req, rec := newRequest(method, path, data...)
	gw.app.ServeHTTP(rec, req)
	return rec
}

func marshallObj(t *testing.T, obj interface{}) []byte {
	data, err := json.Marshal(obj)
	if err != nil {
		t.Fatalf("marshallObj() failed: %v", err)
	}
	return data
}

func jsonBytesEqual(b1, b2 []byte) (bool, error) {
	var j1, j2 interface{}
	if err := json.Unmarshal(b1, &j1); err != nil {
		return false, err
	}
	if err := json.Unmarshal(b2, &j2); err != nil {
		return false, err
	}
	return reflect.DeepEqual(j1, j2), nil
}

func checkCodeAndData(t *testing.T, tt httpTest, rec *httptest.ResponseRecorder) {
	if rec.Code != tt.wantCode {
		t.Errorf("failed! code = %v; wantCode %v", rec.Code, tt.wantCode)
	}
	if tt.wantData == nil {
		return
	}
	ok, err := jsonBytesEqual(rec.Body.Bytes(), tt.wantData)
	if err != nil {
		t.Errorf("jsonBytesEqual() failed to compare; err %v", err)
	}
	if !ok {
		t.Errorf("failed! data = %v; wantData %v", rec.Body.String(), string(tt.wantData))
	}
}
