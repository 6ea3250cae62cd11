package main

import (
	"context"
	"expvar"
	"fmt"
	"log"
	"net/http"
	_ "net/http/pprof"
	"time"

	"github.com/jmoiron/sqlx"

	digcontainer "github.com/trezcool/masomo-offline/apps/gateway/di"
	echogw "github.com/trezcool/masomo-offline/apps/gateway/echo"
	"github.com/trezcool/masomo-offline/core"
	"github.com/trezcool/masomo-offline/core/bgsync"
	"github.com/trezcool/masomo-offline/core/cache"
	"github.com/trezcool/masomo-offline/core/queue"
)

const (
	installRetryMin = time.Second
	installRetryMax = time.Minute
)

func main() {
	c := digcontainer.New()

	must(c.Invoke(func(
		conf *core.Config,
		logger core.Logger,
		db *sqlx.DB,
		mgr *cache.Manager,
		queueSvc *queue.Service,
		scheduler *bgsync.Scheduler,
		server *echogw.Server,
	) {
		// =========================================================================
		// Initialize App

		logger.Info(fmt.Sprintf("Application initializing : version %q", conf.Build))

		if db != nil {
			defer func() {
				if err := db.Close(); err != nil {
					logger.Fatal("Failed to close", err)
				}
			}()
		}
		defer logger.Info("Application stopped")

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// =========================================================================
		// Start Debug Service
		//
		// /debug/pprof - Added to the default mux by importing the net/http/pprof package.
		// /debug/vars - Added to the default mux by importing the expvar package.

		// Expose important info under /debug/vars.
		expvar.NewString("build").Set(conf.Build)
		expvar.NewString("env").Set(conf.Env)
		expvar.NewString("cacheGeneration").Set(conf.Cache.Generation)
		expvar.Publish("cacheState", expvar.Func(func() interface{} { return mgr.State().String() }))
		expvar.Publish("syncTags", expvar.Func(func() interface{} { return scheduler.Registered() }))

		go func() {
			if err := http.ListenAndServe(conf.Server.DebugHost, http.DefaultServeMux); err != nil {
				logger.Error(fmt.Sprintf("debug server closed: %v", err), err)
			}
		}()

		// =========================================================================
		// Start Offline Layer

		go installCache(ctx, mgr, conf.Cache.StaticAssets, logger)

		if err := scheduler.RegisterPending(ctx, queueSvc); err != nil {
			logger.Error(fmt.Sprintf("registering pending sync tags: %v", err), err)
		}
		go scheduler.Run(ctx)

		// =========================================================================
		// Start Gateway Service

		go func() {
			server.Start()
		}()

		// =========================================================================
		// Shutdown

		select {
		case err := <-server.Errors():
			logger.Fatal(fmt.Sprintf("server error: %v", err), err)

		case sig := <-server.ShutdownSignal():
			logger.Info(fmt.Sprintf("%v: Start shutdown...", sig))
			cancel()

			// give outstanding requests a deadline for completion
			shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), conf.Server.ShutdownTimeout)
			defer cancelShutdown()

			// asking listener to shut down and shed load
			if err := server.Shutdown(shutdownCtx); err != nil {
				logger.Error(fmt.Sprintf("could not stop server gracefully: %v", err), err)

				if err = server.Close(); err != nil {
					logger.Fatal(fmt.Sprintf("could not force stop server: %v", err), err)
				}
			}
		}
	}))
}

// installCache installs then activates the cache generation, retrying with a growing delay
// until it succeeds or ctx is done. Requests pass through to the network in the meantime.
func installCache(ctx context.Context, mgr *cache.Manager, assets []string, logger core.Logger) {
	delay := installRetryMin
	for {
		err := mgr.Initialize(ctx, assets)
		if err == nil || mgr.State() == cache.Installed {
			if err = mgr.Activate(ctx); err == nil {
				return
			}
		}
		logger.Warn(fmt.Sprintf("cache install failed, retrying in %s: %v", delay, err))

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		if delay *= 2; delay > installRetryMax {
			delay = installRetryMax
		}
	}
}

func must(err error) {
	if err != nil {
		log.Fatal(err)
	}
}
