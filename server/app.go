package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"mes/config"
	"mes/internal/admin"
	"mes/internal/db"
	"mes/internal/fanout"
	"mes/internal/health"
	"mes/internal/logs"
	"mes/internal/middleware"
	"mes/internal/mqttbridge"
	"mes/internal/replay"
	"mes/internal/repo"
	"mes/internal/secrets"
	"mes/internal/telemetry"
	"mes/internal/vault"
)

type App struct {
	cfg        *config.Config
	db         *gorm.DB
	Router     *mux.Router
	httpServer *http.Server

	pipeline  *telemetry.Pipeline
	publisher fanout.Publisher
	cache     *replay.RedisCache
	sweeper   *replay.Sweeper
	bridge    *mqttbridge.Bridge
}

func (a *App) Initialize(cfg *config.Config) error {
	a.cfg = cfg

	/* 1) Логи */
	logs.Init(logs.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		File:   cfg.Logging.File,
	})
	for _, w := range cfg.Warnings {
		logs.With("config").Warn(w)
	}

	// без мастер-ключа секреты устройств не расшифровать, дальше не идём
	v, err := vault.New(cfg.Security.MasterKey)
	if err != nil {
		return err
	}

	/* 2) DB */
	d, err := db.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("db open: %w", err)
	}
	if err := db.Migrate(d); err != nil {
		return fmt.Errorf("db migrate: %w", err)
	}
	a.db = d

	/* 3) Ключи и защита от повторов */
	store := repo.New(d)
	keys := secrets.NewDirectory(store, v)

	a.cache, err = newNonceCache(cfg)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	var cache replay.Cache
	if a.cache != nil {
		cache = a.cache
	}
	guard := replay.NewGuard(store.Nonces, cache, cfg.Telemetry.NonceTTL())
	a.sweeper = replay.NewSweeper(guard, cfg.Telemetry.NonceTTL(), cfg.Telemetry.SweepInterval())

	/* 4) Конвейер телеметрии */
	a.publisher = newPublisher(cfg)
	a.pipeline = telemetry.New(store, keys, guard, telemetry.Options{
		SkewWindow: cfg.Telemetry.SkewWindow(),
		Publisher:  a.publisher,
	})
	if cfg.MQTT.Broker != "" {
		a.bridge = mqttbridge.New(mqttConfig(cfg), a.pipeline)
	}

	/* 5) Router + middleware */
	a.Router = mux.NewRouter().StrictSlash(true)
	a.Router.Use(
		middleware.RequestID,
		middleware.Recoverer,
		middleware.LoggerMW,
	)

	checks := []health.Check{{Name: "database", Required: true, Ping: store.Ping}}
	if a.cache != nil {
		checks = append(checks, health.Check{Name: "redis", Ping: a.cache.Ping})
	}
	health.RegisterRoutes(a.Router, checks...) // /healthz, /readyz

	api := a.Router.PathPrefix("/api/v1").Subrouter()
	api.Use(middleware.Tenant())
	telemetry.RegisterRoutes(api, telemetry.NewHandler(a.pipeline, store.Events, cfg.Telemetry.MaxBodyBytes))
	admin.Attach(api, admin.Dependencies{
		Store:      store,
		Keys:       keys,
		StaleAfter: cfg.Telemetry.StaleAfter(),
	})

	_ = a.Router.Walk(func(rt *mux.Route, _ *mux.Router, _ []*mux.Route) error {
		path, err := rt.GetPathTemplate()
		if err != nil {
			return nil
		}
		methods, _ := rt.GetMethods()
		if len(methods) == 0 {
			methods = []string{"ANY"}
		}
		logs.Logger.Debugf("route: %-6v %s", methods, path)
		return nil
	})
	return nil
}

// Run держит HTTP, очистку nonce и MQTT-вход до сигнала или первой фатальной ошибки.
func (a *App) Run() error {
	if a.Router == nil || a.cfg == nil {
		return fmt.Errorf("server not initialized")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bind := net.JoinHostPort(a.cfg.Server.Address, a.cfg.Server.HTTPPort)
	a.httpServer = &http.Server{
		Addr:              bind,
		Handler:           a.Router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logs.Logger.Infof("HTTP listening on %s", bind)
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logs.Logger.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.httpServer.Shutdown(sctx); err != nil {
			logs.Logger.Errorf("http shutdown: %v", err)
		}
		return nil
	})
	g.Go(func() error { return a.sweeper.Run(gctx) })
	if a.bridge != nil {
		g.Go(func() error { return a.bridge.Run(gctx) })
	}

	err := g.Wait()
	a.close()
	return err
}

// close освобождает ресурсы после остановки всех компонентов.
func (a *App) close() {
	a.pipeline.Wait()
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			logs.Logger.Warnf("fan-out close: %v", err)
		}
	}
	if a.cache != nil {
		_ = a.cache.Close()
	}
	if err := db.Close(a.db); err != nil {
		logs.Logger.Warnf("db close: %v", err)
	}
}
