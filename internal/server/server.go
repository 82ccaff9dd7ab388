package server

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/mohammad-safakhou/deepsearch/config"
	"github.com/mohammad-safakhou/deepsearch/internal/agent"
	"github.com/mohammad-safakhou/deepsearch/internal/history"
	"github.com/mohammad-safakhou/deepsearch/internal/llm"
	"github.com/mohammad-safakhou/deepsearch/internal/runtime"
	"github.com/mohammad-safakhou/deepsearch/internal/search"
	"github.com/mohammad-safakhou/deepsearch/internal/store"
	"github.com/mohammad-safakhou/deepsearch/internal/stream"
	"github.com/mohammad-safakhou/deepsearch/internal/telemetry"
)

// Run wires every dependency and serves the API until the listener
// fails. All collaborators are constructed here, at the process edge,
// and injected down.
func Run(cfg *config.Config, addr string) error {
	e := newEcho()
	ctx := context.Background()

	dsn, err := cfg.Databases.Postgres.DSN()
	if err != nil {
		return err
	}
	if err := Migrate("file://migrations", dsn, "up", 0); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	st, err := store.NewWithDSN(ctx, dsn, log.New(log.Writer(), "[STORE] ", log.LstdFlags))
	if err != nil {
		return err
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Databases.Redis.Addr(),
		Password: cfg.Databases.Redis.Password,
		DB:       cfg.Databases.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis connection failed (%s): %w", cfg.Databases.Redis.Addr(), err)
	}
	gateway := stream.NewGateway(rdb, cfg.Stream.Retention)

	provider, err := llm.NewOpenAIProvider(cfg.LLM)
	if err != nil {
		return err
	}
	searcher, err := search.NewWebSearcher(cfg.Search)
	if err != nil {
		return err
	}
	var enricher agent.PageEnricher
	if cfg.Search.EnrichPages {
		enricher = search.NewEnricher(cfg.Search.Timeout)
	}

	var reports *history.Index
	if cfg.History.Enabled {
		reports, err = history.Open(cfg.History)
		if err != nil {
			return err
		}
		defer reports.Close()
	}

	var metrics *telemetry.Metrics
	if cfg.Telemetry.Enabled {
		metrics = telemetry.New()
	} else {
		metrics = telemetry.Nop()
	}

	orchLogger := log.New(log.Writer(), "[AGENT] ", log.LstdFlags)
	var indexer agent.ReportIndexer
	if reports != nil {
		indexer = reports
	}
	orch := agent.NewOrchestrator(cfg.Agent, st, provider, searcher, enricher, gateway, indexer, metrics, orchLogger)

	secret, err := runtime.LoadJWTSecret(cfg)
	if err != nil {
		return err
	}

	janitorLogger := log.New(log.Writer(), "[JANITOR] ", log.LstdFlags)
	janitor, err := NewJanitor(st, gateway, cfg.Stream.Retention*6, cfg.Stream.JanitorCron, janitorLogger)
	if err != nil {
		return err
	}
	janitor.Start()
	defer janitor.Stop()

	httpLogger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	registerRoutes(e, st, orch, gateway, reports, secret, httpLogger)

	if addr == "" {
		addr = cfg.General.Listen
		if addr != "" && addr[0] != ':' {
			addr = ":" + addr
		}
		if addr == "" {
			addr = ":10001"
		}
	}
	log.Printf("listening on %s", addr)
	return e.Start(addr)
}

// newEcho builds the echo instance with recovery, CORS and the unified
// error handler.
func newEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	baseLogger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		baseLogger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, HTTPError{Error: msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Cookie", "Authorization"},
		AllowCredentials: true,
	}))
	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	return e
}

func registerRoutes(e *echo.Echo, st *store.Store, orch *agent.Orchestrator, gateway *stream.Gateway, reports *history.Index, secret []byte, logger *log.Logger) {
	api := e.Group("/api")

	auth := &AuthHandler{Store: st, Secret: secret}
	auth.Register(api.Group("/auth"))

	protected := api.Group("")
	protected.Use(runtime.EchoAuthMiddleware(secret))

	ds := &DeepSearchHandler{Sessions: st, Runner: orch, Streams: gateway, Logger: logger}
	ds.Register(protected)

	sh := &SessionsHandler{Store: st, History: reports}
	sh.Register(protected.Group("/sessions"))
	sh.RegisterHistory(protected.Group("/history"))
}
