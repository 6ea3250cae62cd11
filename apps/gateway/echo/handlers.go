package echogw

import (
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/masomo-offline/core"
	"github.com/trezcool/masomo-offline/core/bgsync"
	"github.com/trezcool/masomo-offline/core/cache"
	"github.com/trezcool/masomo-offline/core/notify"
	"github.com/trezcool/masomo-offline/core/queue"
	"github.com/trezcool/masomo-offline/core/web"
	"github.com/trezcool/masomo-offline/services/display"
)

// maxPushPayload bounds the push payloads read by the push endpoint.
const maxPushPayload = 64 << 10

type (
	controlAPI struct {
		cache   *cache.Manager
		queue   *queue.Service
		sync    *bgsync.Scheduler
		notify  *notify.Dispatcher
		windows *display.WindowRegistry
	}

	statusResponse struct {
		State      string                  `json:"state"`
		Generation string                  `json:"generation"`
		Partitions []string                `json:"partitions"`
		Online     bool                    `json:"online"`
		Registered []string                `json:"registered"`
		Pending    []queue.KindCount       `json:"pending"`
		LastSync   map[string]bgsync.Fired `json:"lastSync"`
		LastFocus  *display.Focus          `json:"lastFocus"`
		FocusCount int                     `json:"focusCount"`
	}

	clickRequest struct {
		Action string `json:"action" validate:"max=64"`
		Tag    string `json:"tag" validate:"required,max=128"`
	}
)

func registerControlAPI(group *echo.Group, deps ServerDeps) {
	api := &controlAPI{
		cache:   deps.Cache,
		queue:   deps.Queue,
		sync:    deps.Sync,
		notify:  deps.Notify,
		windows: deps.Windows,
	}

	group.GET("/status", api.status)
	group.GET("/pending", api.pending)
	group.DELETE("/pending/:id", api.removePending)
	group.POST("/sync", api.syncAll)
	group.POST("/sync/:tag", api.syncOne)
	group.POST("/push", api.push)
	group.POST("/notificationclick", api.notificationClick)
}

func (api *controlAPI) status(ctx echo.Context) error {
	c := ctx.Request().Context()

	partitions, err := api.cache.Storage().Partitions(c)
	if err != nil {
		return errors.Wrap(err, "listing cache partitions")
	}
	pending, err := api.queue.Kinds(c)
	if err != nil {
		return err
	}
	if pending == nil {
		pending = []queue.KindCount{}
	}

	focus, focusCount := api.windows.Last()
	return ctx.JSON(http.StatusOK, statusResponse{
		State:      api.cache.State().String(),
		Generation: api.cache.Generation(),
		Partitions: partitions,
		Online:     api.sync.Online(),
		Registered: api.sync.Registered(),
		Pending:    pending,
		LastSync:   api.sync.Last(),
		LastFocus:  focus,
		FocusCount: focusCount,
	})
}

func (api *controlAPI) pending(ctx echo.Context) error {
	c := ctx.Request().Context()

	var (
		writes []queue.PendingWrite
		err    error
	)
	if kind := core.CleanString(ctx.QueryParam("kind"), true /* lower */); kind != "" {
		if !core.IsValidKind(kind) {
			return errInvalidKind
		}
		writes, err = api.queue.ListPending(c, kind)
	} else {
		writes, err = api.queue.ListAll(c)
	}
	if err != nil {
		return err
	}
	if writes == nil {
		writes = []queue.PendingWrite{}
	}
	return ctx.JSON(http.StatusOK, writes)
}

func (api *controlAPI) removePending(ctx echo.Context) error {
	if err := api.queue.Remove(ctx.Request().Context(), ctx.Param("id")); err != nil {
		return err
	}
	return ctx.NoContent(http.StatusNoContent)
}

func (api *controlAPI) syncOne(ctx echo.Context) error {
	res, err := api.sync.Fire(ctx.Request().Context(), ctx.Param("tag"))
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, res)
}

func (api *controlAPI) syncAll(ctx echo.Context) error {
	results, err := api.sync.FireAll(ctx.Request().Context())
	if err != nil {
		return err
	}
	if results == nil {
		results = []bgsync.Result{}
	}
	return ctx.JSON(http.StatusOK, results)
}

func (api *controlAPI) push(ctx echo.Context) error {
	raw, err := io.ReadAll(io.LimitReader(ctx.Request().Body, maxPushPayload))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "could not read push payload").SetInternal(err)
	}
	n, err := api.notify.OnPush(ctx.Request().Context(), raw)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusCreated, n)
}

func (api *controlAPI) notificationClick(ctx echo.Context) error {
	var data clickRequest
	if err := ctx.Bind(&data); err != nil {
		return err
	}
	if err := ctx.Validate(&data); err != nil {
		return err
	}
	if err := api.notify.OnNotificationClick(ctx.Request().Context(), data.Action, data.Tag); err != nil {
		return err
	}
	return ctx.NoContent(http.StatusNoContent)
}

// intercept hands every non-control request to the offline router.
func (s *Server) intercept(ctx echo.Context) error {
	req, err := web.FromHTTP(ctx.Request(), s.origin)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "could not read request").SetInternal(err)
	}
	resp, err := s.deps.Router.Handle(ctx.Request().Context(), req)
	if err != nil {
		return errors.Wrap(err, "intercepting request")
	}
	return resp.Write(ctx.Response())
}
