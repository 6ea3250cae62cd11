package bgsync_test

import (
	"context"
	"net/http"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/masomo-offline/core"
	"github.com/trezcool/masomo-offline/core/bgsync"
	"github.com/trezcool/masomo-offline/core/queue"
	"github.com/trezcool/masomo-offline/core/web"
	"github.com/trezcool/masomo-offline/storage/database/inmem"
	"github.com/trezcool/masomo-offline/tests"
)

func setup(t *testing.T) (*queue.Service, *testutil.Network, *bgsync.Trigger) {
	validate, translator := core.NewValidator()
	q := queue.NewService(inmemdb.NewPendingRepository(inmemdb.Open()), validate, translator)
	net := testutil.NewNetwork()
	origin, err := url.Parse(testutil.AppOrigin)
	require.NoError(t, err)
	return q, net, bgsync.NewTrigger(q, net, origin, testutil.NewLogger(t))
}

func enqueue(t *testing.T, q *queue.Service, kind, path, payload string) queue.PendingWrite {
	pw, err := q.Enqueue(context.Background(), queue.PendingWrite{
		Kind:        kind,
		Method:      http.MethodPost,
		Path:        path,
		ContentType: "application/json",
		Payload:     []byte(payload),
	})
	require.NoError(t, err)
	return pw
}

func TestTags(t *testing.T) {
	assert.Equal(t, "attendance-sync", bgsync.TagFor("attendance"))

	tests := []struct {
		tag    string
		kind   string
		wantOK bool
	}{
		{tag: "attendance-sync", kind: "attendance", wantOK: true},
		{tag: "report-cards-sync", kind: "report-cards", wantOK: true},
		{tag: "attendance"},
		{tag: "-sync"},
		{tag: "Grades/1-sync", kind: "Grades/1"},
	}
	for _, tt := range tests {
		t.Run(tt.tag, func(t *testing.T) {
			kind, ok := bgsync.KindOf(tt.tag)
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.Equal(t, tt.kind, kind)
			}
		})
	}
}

func TestTrigger_Drain(t *testing.T) {
	ctx := context.Background()
	q, net, trigger := setup(t)

	first := enqueue(t, q, "attendance", "/api/attendance/1", `{"present":true}`)
	second := enqueue(t, q, "attendance", "/api/attendance/2", `{"present":false}`)
	third := enqueue(t, q, "attendance", "/api/attendance/3?late=1", `{"present":true}`)
	other := enqueue(t, q, "grades", "/api/grades", `{"score":18}`)

	net.Respond(http.MethodPost, "/api/attendance/1", http.StatusCreated, "application/json", `{}`)
	net.Fail(http.MethodPost, "/api/attendance/2")
	net.Respond(http.MethodPost, "/api/attendance/3", http.StatusOK, "application/json", `{}`)

	res, err := trigger.Drain(ctx, "attendance")
	require.NoError(t, err)
	assert.Equal(t, bgsync.Result{Kind: "attendance", Attempted: 3, Replayed: 2, Failed: 1}, res)
	assert.True(t, res.Remaining())

	// one attempt per write, no retry
	reqs := net.Requests()
	require.Len(t, reqs, 3)
	for i, pw := range []queue.PendingWrite{first, second, third} {
		assert.Equal(t, pw.ID, reqs[i].Header.Get(web.HeaderIdempotencyKey))
		assert.Equal(t, pw.Payload, reqs[i].Body)
		assert.Equal(t, "application/json", reqs[i].ContentType())
		assert.Equal(t, http.MethodPost, reqs[i].Method)
	}
	assert.Equal(t, "late=1", reqs[2].URL.RawQuery)

	pending, err := q.ListPending(ctx, "attendance")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, second.ID, pending[0].ID)

	others, err := q.ListPending(ctx, "grades")
	require.NoError(t, err)
	require.Len(t, others, 1)
	assert.Equal(t, other.ID, others[0].ID)

	// rejected writes stay too
	net.Respond(http.MethodPost, "/api/attendance/2", http.StatusUnprocessableEntity, "application/json", `{}`)
	res, err = trigger.Drain(ctx, "attendance")
	require.NoError(t, err)
	assert.Equal(t, bgsync.Result{Kind: "attendance", Attempted: 1, Failed: 1}, res)

	net.Respond(http.MethodPost, "/api/attendance/2", http.StatusOK, "application/json", `{}`)
	res, err = trigger.Drain(ctx, "attendance")
	require.NoError(t, err)
	assert.Equal(t, bgsync.Result{Kind: "attendance", Attempted: 1, Replayed: 1}, res)
	assert.False(t, res.Remaining())

	// nothing left
	res, err = trigger.Drain(ctx, "attendance")
	require.NoError(t, err)
	assert.Equal(t, 0, res.Attempted)
}

type drainerFunc func(ctx context.Context, kind string) (bgsync.Result, error)

func (f drainerFunc) Drain(ctx context.Context, kind string) (bgsync.Result, error) { return f(ctx, kind) }

type probe struct {
	online atomic.Bool
}

func (p *probe) Online(context.Context) bool { return p.online.Load() }

func TestScheduler_Fire(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown tag", func(t *testing.T) {
		s := bgsync.NewScheduler(drainerFunc(nil), &probe{}, bgsync.SchedulerOptions{}, testutil.NewLogger(t))
		_, err := s.Fire(ctx, "attendance")
		assert.True(t, errors.Is(err, bgsync.ErrUnknownTag))
	})

	t.Run("unregistered once empty", func(t *testing.T) {
		q, net, trigger := setup(t)
		enqueue(t, q, "grades", "/api/grades", `{}`)
		net.SetOffline(true)

		s := bgsync.NewScheduler(trigger, &probe{}, bgsync.SchedulerOptions{}, testutil.NewLogger(t))
		s.Register("grades-sync")
		s.Register("grades-sync")
		assert.Equal(t, []string{"grades-sync"}, s.Registered())

		res, err := s.Fire(ctx, "grades-sync")
		require.NoError(t, err)
		assert.Equal(t, 1, res.Failed)
		assert.Equal(t, []string{"grades-sync"}, s.Registered())

		net.SetOffline(false)
		net.Respond(http.MethodPost, "/api/grades", http.StatusOK, "application/json", `{}`)
		res, err = s.Fire(ctx, "grades-sync")
		require.NoError(t, err)
		assert.Equal(t, 1, res.Replayed)
		assert.Empty(t, s.Registered())
		assert.Equal(t, 1, s.Last()["grades-sync"].Replayed)
	})

	t.Run("registered again while draining", func(t *testing.T) {
		var s *bgsync.Scheduler
		drainer := drainerFunc(func(ctx context.Context, kind string) (bgsync.Result, error) {
			s.Register(bgsync.TagFor(kind)) // a write queued during the drain
			return bgsync.Result{Kind: kind, Attempted: 1, Replayed: 1}, nil
		})
		s = bgsync.NewScheduler(drainer, &probe{}, bgsync.SchedulerOptions{}, testutil.NewLogger(t))
		s.Register("grades-sync")

		_, err := s.Fire(ctx, "grades-sync")
		require.NoError(t, err)
		assert.Equal(t, []string{"grades-sync"}, s.Registered())
	})

	t.Run("caller giving up leaves the drain running", func(t *testing.T) {
		started, release := make(chan struct{}), make(chan struct{})
		drainCtxErr := make(chan error, 1)
		drainer := drainerFunc(func(ctx context.Context, kind string) (bgsync.Result, error) {
			close(started)
			<-release
			drainCtxErr <- ctx.Err()
			return bgsync.Result{Kind: kind, Attempted: 1, Replayed: 1}, nil
		})
		s := bgsync.NewScheduler(drainer, &probe{}, bgsync.SchedulerOptions{}, testutil.NewLogger(t))
		s.Register("grades-sync")

		callerCtx, cancel := context.WithCancel(ctx)
		fired := make(chan error, 1)
		go func() {
			_, err := s.Fire(callerCtx, "grades-sync")
			fired <- err
		}()
		<-started
		cancel()
		assert.True(t, errors.Is(<-fired, context.Canceled))

		close(release)
		assert.NoError(t, <-drainCtxErr)
		require.Eventually(t, func() bool { return len(s.Registered()) == 0 }, time.Second, 5*time.Millisecond)
		assert.Equal(t, 1, s.Last()["grades-sync"].Replayed)
	})

	t.Run("drain error keeps the tag", func(t *testing.T) {
		drainer := drainerFunc(func(ctx context.Context, kind string) (bgsync.Result, error) {
			return bgsync.Result{Kind: kind}, errors.New("database is locked")
		})
		s := bgsync.NewScheduler(drainer, &probe{}, bgsync.SchedulerOptions{}, testutil.NewLogger(t))
		s.Register("grades-sync")

		_, err := s.Fire(ctx, "grades-sync")
		assert.Error(t, err)
		assert.Equal(t, []string{"grades-sync"}, s.Registered())
		assert.Equal(t, "database is locked", s.Last()["grades-sync"].Err)
	})
}

func TestScheduler_FireAll(t *testing.T) {
	ctx := context.Background()
	q, net, trigger := setup(t)
	enqueue(t, q, "grades", "/api/grades", `{}`)
	enqueue(t, q, "attendance", "/api/attendance", `{}`)
	enqueue(t, q, "attendance", "/api/attendance", `{}`)
	net.Respond(http.MethodPost, "/api/grades", http.StatusOK, "application/json", `{}`)
	net.Respond(http.MethodPost, "/api/attendance", http.StatusOK, "application/json", `{}`)

	s := bgsync.NewScheduler(trigger, &probe{}, bgsync.SchedulerOptions{}, testutil.NewLogger(t))
	require.NoError(t, s.RegisterPending(ctx, q))
	assert.Equal(t, []string{"attendance-sync", "grades-sync"}, s.Registered())

	results, err := s.FireAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []bgsync.Result{
		{Kind: "attendance", Attempted: 2, Replayed: 2},
		{Kind: "grades", Attempted: 1, Replayed: 1},
	}, results)
	assert.Empty(t, s.Registered())
	assert.Equal(t, 3, net.Calls())
}

func TestScheduler_Run(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q, net, trigger := setup(t)
	enqueue(t, q, "attendance", "/api/attendance", `{"present":true}`)
	net.Respond(http.MethodPost, "/api/attendance", http.StatusOK, "application/json", `{}`)

	p := &probe{}
	s := bgsync.NewScheduler(trigger, p, bgsync.SchedulerOptions{
		ProbeInterval: 5 * time.Millisecond,
		WakeInterval:  time.Hour,
	}, testutil.NewLogger(t))
	s.Register("attendance-sync")

	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	// offline: nothing fires
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 0, net.Calls())

	// back online
	p.online.Store(true)
	require.Eventually(t, func() bool { return len(s.Registered()) == 0 }, time.Second, 5*time.Millisecond)
	pending, err := q.ListPending(context.Background(), "attendance")
	require.NoError(t, err)
	assert.Empty(t, pending)

	// registering while online fires right away
	enqueue(t, q, "attendance", "/api/attendance", `{"present":false}`)
	s.Register("attendance-sync")
	require.Eventually(t, func() bool { return len(s.Registered()) == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, net.Calls())

	cancel()
	<-done
}
