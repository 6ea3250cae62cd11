package digcontainer

import (
	"log"
	"net/mail"
	"net/url"
	"os"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"go.uber.org/dig"

	echogw "github.com/trezcool/masomo-offline/apps/gateway/echo"
	"github.com/trezcool/masomo-offline/core"
	"github.com/trezcool/masomo-offline/core/bgsync"
	"github.com/trezcool/masomo-offline/core/cache"
	"github.com/trezcool/masomo-offline/core/notify"
	"github.com/trezcool/masomo-offline/core/queue"
	"github.com/trezcool/masomo-offline/core/router"
	"github.com/trezcool/masomo-offline/services/display"
	emailsvc "github.com/trezcool/masomo-offline/services/email"
	logsvc "github.com/trezcool/masomo-offline/services/logger"
	"github.com/trezcool/masomo-offline/services/upstream"
	"github.com/trezcool/masomo-offline/storage/cachestore/inmem"
	"github.com/trezcool/masomo-offline/storage/cachestore/redisstore"
	"github.com/trezcool/masomo-offline/storage/database"
	inmemdb "github.com/trezcool/masomo-offline/storage/database/inmem"
	"github.com/trezcool/masomo-offline/storage/database/sqlxrepos"
)

type (
	SyncLoggerParam struct {
		dig.In
		Logger core.Logger `name:"syncLogger"`
	}

	// Origins are the parsed app and upstream origins.
	Origins struct {
		App      *url.URL
		Upstream *url.URL
	}

	serverParams struct {
		dig.In
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
)

func newLogger(conf *core.Config) core.Logger {
	stdLogger := log.New(os.Stdout, "GATEWAY : ", log.LstdFlags|log.Lmicroseconds)
	logger := logsvc.NewRollbarLogger(stdLogger, conf)
	logger.Enable(!conf.Debug && conf.RollbarToken != "")
	return logger
}

func newSyncLogger(conf *core.Config) core.Logger {
	stdLogger := log.New(os.Stdout, "SYNC : ", log.LstdFlags|log.Lmicroseconds|log.Lshortfile)
	logger := logsvc.NewRollbarLogger(stdLogger, conf)
	logger.Enable(!conf.Debug && conf.RollbarToken != "")
	return logger
}

func newOrigins(conf *core.Config) (Origins, error) {
	app, err := url.Parse(conf.Origin.App)
	if err != nil {
		return Origins{}, errors.Wrap(err, "parsing app origin")
	}
	up, err := url.Parse(conf.Origin.Upstream)
	if err != nil {
		return Origins{}, errors.Wrap(err, "parsing upstream origin")
	}
	return Origins{App: app, Upstream: up}, nil
}

func newUpstreamClient(conf *core.Config, origins Origins) *upstream.Client {
	return upstream.NewClient(
		upstream.Options{
			App:       origins.App,
			Upstream:  origins.Upstream,
			Timeout:   conf.Origin.Timeout,
			ProbePath: conf.Sync.ProbePath,
		},
		nil, /* transport */
	)
}

func newCacheStore(conf *core.Config) cache.Storage {
	if conf.Cache.Backend == "redis" {
		return redisstore.NewStore(redisstore.NewPool(conf.Cache.RedisAddr), conf.Cache.Prefix)
	}
	return inmem.NewStore()
}

func newCacheManager(conf *core.Config, origins Origins, store cache.Storage, client *upstream.Client, logger core.Logger) *cache.Manager {
	return cache.NewManager(
		cache.Options{
			Prefix:     conf.Cache.Prefix,
			Generation: conf.Cache.Generation,
			Origin:     origins.App,
		},
		store,
		client,
		logger,
	)
}

// newDB opens and migrates the queue database. It returns nil for the memory driver.
func newDB(conf *core.Config) (*sqlx.DB, error) {
	if conf.Queue.Driver == "memory" {
		return nil, nil
	}
	if err := database.CreateIfNotExist(conf); err != nil {
		return nil, err
	}
	db, err := database.Open(conf)
	if err != nil {
		return nil, err
	}
	if err = database.Migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func newPendingRepository(db *sqlx.DB) queue.Repository {
	if db == nil {
		return inmemdb.NewPendingRepository(inmemdb.Open())
	}
	return sqlxrepos.NewPendingRepository(db)
}

func newTrigger(svc *queue.Service, client *upstream.Client, origins Origins, loggerParam SyncLoggerParam) *bgsync.Trigger {
	return bgsync.NewTrigger(svc, client, origins.App, loggerParam.Logger)
}

func newScheduler(conf *core.Config, trigger *bgsync.Trigger, client *upstream.Client, loggerParam SyncLoggerParam) *bgsync.Scheduler {
	return bgsync.NewScheduler(
		trigger,
		client,
		bgsync.SchedulerOptions{
			ProbeInterval: conf.Sync.ProbeInterval,
			WakeInterval:  conf.Sync.WakeInterval,
		},
		loggerParam.Logger,
	)
}

func newRouter(
	conf *core.Config,
	origins Origins,
	mgr *cache.Manager,
	client *upstream.Client,
	svc *queue.Service,
	scheduler *bgsync.Scheduler,
	logger core.Logger,
) (*router.Router, error) {
	return router.New(
		router.Options{
			Origin:        origins.App,
			APIPrefix:     conf.Cache.APIPrefix,
			ShellPath:     conf.Cache.ShellPath,
			OfflinePage:   conf.Cache.OfflinePage,
			ClientRoutes:  conf.Cache.ClientRoutes,
			ImagePatterns: conf.Cache.ImagePatterns,
		},
		mgr,
		client,
		svc,
		scheduler,
		logger,
	)
}

func newEmailService(conf *core.Config, logger core.Logger) core.EmailService {
	if conf.Debug {
		return emailsvc.NewConsoleService(conf, log.New(os.Stdout, "EMAIL : ", log.LstdFlags))
	}
	return emailsvc.NewSendgridService(conf, logger)
}

func newDisplayer(conf *core.Config, logger core.Logger) (notify.Displayer, error) {
	if conf.Notify.Backend != "email" {
		return display.NewLogDisplayer(logger), nil
	}
	to, err := mail.ParseAddress(conf.Notify.Recipient)
	if err != nil {
		return nil, errors.Wrap(err, "parsing notify.recipient")
	}
	return display.NewEmailDisplayer(newEmailService(conf, logger), *to), nil
}

func newDispatcher(conf *core.Config, displayer notify.Displayer, windows *display.WindowRegistry, logger core.Logger) *notify.Dispatcher {
	return notify.NewDispatcher(
		notify.Options{
			AppName:     conf.AppName,
			DefaultBody: conf.Notify.DefaultBody,
			DefaultIcon: conf.Notify.DefaultIcon,
		},
		displayer,
		windows,
		logger,
	)
}

func newServer(p serverParams) (*echogw.Server, error) {
	return echogw.NewServer(echogw.ServerDeps{
		Conf:       p.Conf,
		Logger:     p.Logger,
		Router:     p.Router,
		Cache:      p.Cache,
		Queue:      p.Queue,
		Sync:       p.Sync,
		Notify:     p.Notify,
		Windows:    p.Windows,
		Validate:   p.Validate,
		Translator: p.Translator,
	})
}

// New returns a new dependency injection dig.Container
func New() *dig.Container {
	c := dig.New()

	must(c.Provide(core.NewConfig))
	must(c.Provide(newLogger))
	must(c.Provide(newSyncLogger, dig.Name("syncLogger")))
	must(c.Provide(core.NewValidator))
	must(c.Provide(newOrigins))
	must(c.Provide(newUpstreamClient))
	must(c.Provide(newCacheStore))
	must(c.Provide(newCacheManager))
	must(c.Provide(newDB))
	must(c.Provide(newPendingRepository))
	must(c.Provide(queue.NewService))
	must(c.Provide(newTrigger))
	must(c.Provide(newScheduler))
	must(c.Provide(newRouter))
	must(c.Provide(newDisplayer))
	must(c.Provide(display.NewWindowRegistry))
	must(c.Provide(newDispatcher))
	must(c.Provide(newServer))

	return c
}

// must exits program if err happened
func must(err error) {
	if err != nil {
		log.Fatal(errors.Wrap(err, "failed to provide dependency").Error())
	}
}
