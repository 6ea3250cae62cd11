package main

import (
	"log"
	"net/url"
	"os"

	"github.com/trezcool/masomo-offline/core"
	"github.com/trezcool/masomo-offline/core/bgsync"
	"github.com/trezcool/masomo-offline/core/cache"
	"github.com/trezcool/masomo-offline/core/queue"
	logsvc "github.com/trezcool/masomo-offline/services/logger"
	"github.com/trezcool/masomo-offline/services/upstream"
	"github.com/trezcool/masomo-offline/storage/cachestore/inmem"
	"github.com/trezcool/masomo-offline/storage/cachestore/redisstore"
	"github.com/trezcool/masomo-offline/storage/database"
	"github.com/trezcool/masomo-offline/storage/database/sqlxrepos"
)

var logger *log.Logger

func main() {
	logger = log.New(os.Stdout, "ADMIN : ", log.LstdFlags|log.Lmicroseconds|log.Lshortfile)

	conf, err := core.NewConfig()
	errAndDie(err)
	if conf.Queue.Driver == "memory" {
		logger.Fatal("the admin commands need a persistent queue driver (sqlite or postgres)")
	}
	appLogger := logsvc.NewRollbarLogger(logger, conf)

	// set up DB
	errAndDie(database.CreateIfNotExist(conf))
	db, err := database.Open(conf)
	errAndDie(err)
	defer db.Close()
	if len(os.Args) < 2 || os.Args[1] != "migrate" {
		errAndDie(database.Migrate(db))
	}

	app, err := url.Parse(conf.Origin.App)
	errAndDie(err)
	up, err := url.Parse(conf.Origin.Upstream)
	errAndDie(err)
	client := upstream.NewClient(upstream.Options{App: app, Upstream: up, Timeout: conf.Origin.Timeout}, nil)

	var store cache.Storage = inmem.NewStore()
	if conf.Cache.Backend == "redis" {
		store = redisstore.NewStore(redisstore.NewPool(conf.Cache.RedisAddr), conf.Cache.Prefix)
	}

	validate, translator := core.NewValidator()
	queueSvc := queue.NewService(sqlxrepos.NewPendingRepository(db), validate, translator)

	// start CLI
	cli := commandLine{
		db:      db,
		queue:   queueSvc,
		trigger: bgsync.NewTrigger(queueSvc, client, app, appLogger),
		cache: cache.NewManager(
			cache.Options{Prefix: conf.Cache.Prefix, Generation: conf.Cache.Generation, Origin: app},
			store, client, appLogger,
		),
		out: os.Stdout,
	}
	if err := cli.run(os.Args); err != nil {
		if err != errHelp {
			logger.Printf("\nerror: %s\n", err)
		}
		_ = db.Close()
		os.Exit(1)
	}
}

func errAndDie(err error) {
	if err != nil {
		logger.Fatal(err)
	}
}
