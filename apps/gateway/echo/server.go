package echogw

import (
	"context"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/labstack/gommon/log"
	"github.com/pkg/errors"

	"github.com/trezcool/masomo-offline/core"
	"github.com/trezcool/masomo-offline/core/bgsync"
	"github.com/trezcool/masomo-offline/core/cache"
	"github.com/trezcool/masomo-offline/core/notify"
	"github.com/trezcool/masomo-offline/core/queue"
	"github.com/trezcool/masomo-offline/core/router"
	"github.com/trezcool/masomo-offline/services/display"
)

// ControlPrefix is where the gateway's own endpoints live; every other path is intercepted.
const ControlPrefix = "/__offline"

type (
	ServerDeps struct {
		Conf       *core.Config
		Logger     core.Logger
		Router     *router.Router
		Cache      *cache.Manager
		Queue      *queue.Service
		Sync       *bgsync.Scheduler
		Notify     *notify.Dispatcher
		Windows    *display.WindowRegistry
		Validate   *validator.Validate
		Translator ut.Translator
	}

	Server struct {
		deps     ServerDeps
		origin   *url.URL
		app      *echo.Echo
		errors   chan error
		shutdown chan os.Signal
	}
)

var _ http.Handler = (*Server)(nil)

func NewServer(deps ServerDeps) (*Server, error) {
	origin, err := url.Parse(deps.Conf.Origin.App)
	if err != nil {
		return nil, errors.Wrap(err, "parsing app origin")
	}
	s := &Server{
		deps:     deps,
		origin:   origin,
		app:      echo.New(),
		errors:   make(chan error, 1),
		shutdown: make(chan os.Signal, 1),
	}
	signal.Notify(s.shutdown, os.Interrupt, syscall.SIGTERM)
	s.setup()
	return s, nil
}

func (s *Server) setup() {
	conf := s.deps.Conf

	s.app.HideBanner = true
	if !conf.Server.DisableReqLogs {
		s.app.Use(middleware.Logger())
	}
	// do not recover in DEV|TEST mode
	if !(conf.Debug || conf.TestMode) {
		s.app.Use(middleware.RecoverWithConfig(middleware.RecoverConfig{LogLevel: log.ERROR}))
	}

	s.app.HTTPErrorHandler = newAppHTTPErrorHandler(s.deps.Logger, s.deps.Translator)
	s.app.Debug = conf.Debug
	s.app.Validator = &appValidator{validate: s.deps.Validate}

	registerControlAPI(s.app.Group(ControlPrefix), s.deps)

	s.app.Any("/", s.intercept)
	s.app.Any("/*", s.intercept)
}

// Start blocks until the server stops. Failures are reported on Errors.
func (s *Server) Start() {
	if err := s.app.Start(s.deps.Conf.Server.Address); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.errors <- err
	}
}

func (s *Server) Errors() <-chan error {
	return s.errors
}

func (s *Server) ShutdownSignal() <-chan os.Signal {
	return s.shutdown
}

func (s *Server) Shutdown(ctx context.Context) error {
	signal.Stop(s.shutdown)
	return s.app.Shutdown(ctx)
}

func (s *Server) Close() error {
	return s.app.Close()
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { // for tests
	s.app.ServeHTTP(w, r)
}

type appValidator struct {
	validate *validator.Validate
}

func (v *appValidator) Validate(i interface{}) error {
	return v.validate.Struct(i)
}
