package echogw_test

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/masomo-offline/core/bgsync"
	"github.com/trezcool/masomo-offline/core/notify"
	"github.com/trezcool/masomo-offline/core/queue"
	"github.com/trezcool/masomo-offline/core/router"
	"github.com/trezcool/masomo-offline/core/web"
	"github.com/trezcool/masomo-offline/services/display"
)

func TestServer_intercept(t *testing.T) {
	gw := setup(t)
	gw.net.Respond(http.MethodGet, "/api/classes", http.StatusOK, "application/json", `{"classes":["5A"]}`)

	// warm the dynamic partition
	rec := gw.do(http.MethodGet, "/api/classes")
	require.Equal(t, http.StatusOK, rec.Code)

	gw.net.SetOffline(true)

	t.Run("static asset from cache", func(t *testing.T) {
		rec := gw.do(http.MethodGet, "/manifest.webmanifest")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"name":"Masomo"}`, rec.Body.String())
	})

	t.Run("stale api response", func(t *testing.T) {
		rec := gw.do(http.MethodGet, "/api/classes")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "true", rec.Header().Get(web.HeaderServedFromCache))
		assert.JSONEq(t, `{"classes":["5A"]}`, rec.Body.String())
	})

	t.Run("uncached api request", func(t *testing.T) {
		rec := gw.do(http.MethodGet, "/api/grades")
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})

	t.Run("navigation falls back to the shell", func(t *testing.T) {
		req, rec := newRequest(http.MethodGet, "/dashboard")
		req.Header.Set("Accept", "text/html")
		req.Header.Set(web.HeaderSecFetchMode, "navigate")
		gw.app.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "<html>shell</html>", rec.Body.String())
	})
}

func TestServer_offlineWrites(t *testing.T) {
	gw := setup(t)
	gw.net.SetOffline(true)

	rec := gw.do(http.MethodPost, "/api/attendance", []byte(`{"student":42,"present":true}`))
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(web.HeaderQueued))

	var queued router.QueuedBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &queued))
	assert.True(t, queued.Queued)
	assert.Equal(t, "attendance", queued.Kind)
	assert.Equal(t, "attendance-sync", queued.Tag)
	assert.Equal(t, []string{"attendance-sync"}, gw.scheduler.Registered())

	// pending writes
	rec = gw.do(http.MethodGet, "/__offline/pending?kind=attendance")
	require.Equal(t, http.StatusOK, rec.Code)
	var pending []queue.PendingWrite
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pending))
	require.Len(t, pending, 1)
	assert.Equal(t, queued.ID, pending[0].ID)
	assert.Equal(t, "/api/attendance", pending[0].Path)
	assert.JSONEq(t, `{"student":42,"present":true}`, string(pending[0].Payload))

	rec = gw.do(http.MethodGet, "/__offline/pending?kind=grades")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	// sync while still offline: the write stays queued
	rec = gw.do(http.MethodPost, "/__offline/sync/attendance-sync")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"kind":"attendance","attempted":1,"replayed":0,"failed":1}`, rec.Body.String())
	assert.Equal(t, []string{"attendance-sync"}, gw.scheduler.Registered())

	// back online
	gw.net.SetOffline(false)
	gw.net.Respond(http.MethodPost, "/api/attendance", http.StatusCreated, "application/json", `{}`)
	rec = gw.do(http.MethodPost, "/__offline/sync/attendance-sync")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"kind":"attendance","attempted":1,"replayed":1,"failed":0}`, rec.Body.String())
	assert.Empty(t, gw.scheduler.Registered())

	reqs := gw.net.Requests()
	replay := reqs[len(reqs)-1]
	assert.Equal(t, queued.ID, replay.Header.Get(web.HeaderIdempotencyKey))

	rec = gw.do(http.MethodGet, "/__offline/pending")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestServer_status(t *testing.T) {
	gw := setup(t)
	gw.net.SetOffline(true)
	rec := gw.do(http.MethodPost, "/api/grades/5a", []byte(`{"math":18}`))
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = gw.do(http.MethodGet, "/__offline/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var status struct {
		State      string                  `json:"state"`
		Generation string                  `json:"generation"`
		Partitions []string                `json:"partitions"`
		Registered []string                `json:"registered"`
		Pending    []queue.KindCount       `json:"pending"`
		LastSync   map[string]bgsync.Fired `json:"lastSync"`
		LastFocus  *display.Focus          `json:"lastFocus"`
		FocusCount int                     `json:"focusCount"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "active", status.State)
	assert.Equal(t, "v1", status.Generation)
	assert.Equal(t, []string{"masomo-static-v1"}, status.Partitions)
	assert.Equal(t, []string{"grades-sync"}, status.Registered)
	assert.Equal(t, []queue.KindCount{{Kind: "grades", Count: 1}}, status.Pending)
	assert.Empty(t, status.LastSync)
	assert.Nil(t, status.LastFocus)
	assert.Zero(t, status.FocusCount)

	rec = gw.do(http.MethodPost, "/__offline/notificationclick", []byte(`{"tag":"t1"}`))
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = gw.do(http.MethodPost, "/__offline/sync/grades-sync")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = gw.do(http.MethodGet, "/__offline/status")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	require.NotNil(t, status.LastFocus)
	assert.Equal(t, "/", status.LastFocus.URL)
	assert.Equal(t, 1, status.FocusCount)
	require.Contains(t, status.LastSync, "grades-sync")
	assert.Equal(t, 1, status.LastSync["grades-sync"].Failed)
}

func TestServer_controlErrors(t *testing.T) {
	gw := setup(t)

	tests := []httpTest{
		{
			name: "unknown sync tag", method: http.MethodPost, path: "/__offline/sync/attendance",
			wantCode: http.StatusNotFound, wantData: marshallObj(t, httpErr{Error: "unknown sync tag"}),
		},
		{
			name: "invalid kind", method: http.MethodGet, path: "/__offline/pending?kind=%2Fetc",
			wantCode: http.StatusBadRequest, wantData: marshallObj(t, httpErr{Error: "invalid kind"}),
		},
		{
			name: "click without tag", method: http.MethodPost, path: "/__offline/notificationclick",
			body: []byte(`{"action":"explore"}`), wantCode: http.StatusBadRequest,
			wantData: marshallObj(t, map[string]string{"tag": "this field is required"}),
		},
		{
			name: "remove unknown pending write", method: http.MethodDelete, path: "/__offline/pending/unknown",
			wantCode: http.StatusNoContent,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := gw.do(tc.method, tc.path, tc.body)
			checkCodeAndData(t, tc, rec)
		})
	}
}

func TestServer_notifications(t *testing.T) {
	gw := setup(t)

	rec := gw.do(http.MethodPost, "/__offline/push", []byte(`{"title":"Grades","message":"Term 2 grades are out","term":2}`))
	require.Equal(t, http.StatusCreated, rec.Code)

	var n notify.Notification
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &n))
	assert.NotEmpty(t, n.Tag)
	assert.Equal(t, "Grades", n.Title)
	assert.Equal(t, "Term 2 grades are out", n.Body)
	assert.Equal(t, "/img/icon.png", n.Icon)
	assert.Equal(t, map[string]interface{}{"term": float64(2)}, n.Data)
	require.Len(t, gw.display.Visible(), 1)

	rec = gw.do(http.MethodPost, "/__offline/push", []byte(`not json`))
	require.Equal(t, http.StatusCreated, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &n))
	assert.Equal(t, "Masomo", n.Title)
	assert.Equal(t, "not json", n.Body)
	require.Len(t, gw.display.Visible(), 2)

	rec = gw.do(http.MethodPost, "/__offline/notificationclick", marshallObj(t, map[string]string{"action": "close", "tag": n.Tag}))
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Len(t, gw.display.Visible(), 1)
	last, count := gw.windows.Last()
	assert.Nil(t, last)
	assert.Equal(t, 0, count)

	first := gw.display.Visible()[0]
	rec = gw.do(http.MethodPost, "/__offline/notificationclick", marshallObj(t, map[string]string{"action": "explore", "tag": first.Tag}))
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, gw.display.Visible())
	last, count = gw.windows.Last()
	require.NotNil(t, last)
	assert.Equal(t, "/", last.URL)
	assert.Equal(t, 1, count)
}
