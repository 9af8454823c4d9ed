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

	"github.com/opsloop/opsloop/config"
	"github.com/opsloop/opsloop/internal/events"
	"github.com/opsloop/opsloop/internal/llm"
	"github.com/opsloop/opsloop/internal/mcp"
	"github.com/opsloop/opsloop/internal/planner"
	"github.com/opsloop/opsloop/internal/queue"
	"github.com/opsloop/opsloop/internal/router"
	"github.com/opsloop/opsloop/internal/runtime"
	"github.com/opsloop/opsloop/internal/store"
)

// Run wires the full service and serves HTTP until the listener fails.
func Run(cfg *config.Config) error {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	// Unified HTTP error handler with structured JSON and logging
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

	ctx := context.Background()
	dsn := cfg.Storage.Postgres.DSN()
	if err := Migrate("file://migrations", dsn, "up", 0); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	st, err := store.NewWithDSN(ctx, dsn)
	if err != nil {
		return err
	}

	broker := events.NewBroker()
	pl, manager, err := BuildExecutor(ctx, cfg, st, broker)
	if err != nil {
		return err
	}
	defer manager.Close()
	profiles := cfg.AgentProfiles()

	var start func(ctx context.Context, runID string) error
	if cfg.Queue.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Storage.Redis.Addr(),
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis connection failed (%s): %w", cfg.Storage.Redis.Addr(), err)
		}
		registry := queue.NewSchemaRegistry()
		if err := queue.RegisterBaseSchemas(registry); err != nil {
			return err
		}
		pub := queue.NewPublisher(rdb, registry)
		runStream := cfg.Queue.RunStream
		start = func(ctx context.Context, runID string) error {
			_, err := pub.EnqueueRun(ctx, runStream, runID)
			return err
		}
	} else {
		// no worker process, so interrupted runs restart here
		go func() {
			if err := pl.ResumeInterrupted(ctx); err != nil {
				baseLogger.Printf("resume interrupted runs: %v", err)
			}
		}()
		start = func(_ context.Context, runID string) error {
			go func() {
				if err := pl.Execute(context.Background(), runID); err != nil {
					baseLogger.Printf("run %s: %v", runID, err)
				}
			}()
			return nil
		}
	}

	secret, err := runtime.LoadJWTSecret(cfg)
	if err != nil {
		return err
	}

	api := e.Group("/api/v1")
	auth := &AuthHandler{Store: st, Secret: secret}
	auth.Register(api.Group("/auth"))

	rh := NewRunsHandler(st, pl, broker, manager, profiles, start,
		cfg.Server.MaxGoalLength, cfg.Server.RunStreamEnabled, baseLogger)
	rh.Register(api, secret)

	addr := cfg.Server.Address
	if addr == "" {
		addr = ":8080"
	}
	log.Printf("listening on %s", addr)
	return e.Start(addr)
}

// BuildExecutor wires the planner and its tool server pool from config. The
// API server and the queue worker share this so both sides execute runs the
// same way. Callers own the returned manager's lifecycle.
func BuildExecutor(ctx context.Context, cfg *config.Config, st *store.Store, broker *events.Broker) (*planner.Planner, *mcp.Manager, error) {
	manager := mcp.NewManager(nil)
	manager.ConnectAll(ctx, toolServerDescriptors(cfg))

	providers, defaultProvider, err := buildProviders(cfg)
	if err != nil {
		manager.Close()
		return nil, nil, err
	}
	legacy := buildRouter(cfg, providers, defaultProvider)
	pl := planner.New(st, manager, providers, defaultProvider, legacy, cfg.AgentProfiles(), cfg.Planner, broker, nil)
	return pl, manager, nil
}

func toolServerDescriptors(cfg *config.Config) []mcp.Descriptor {
	servers := cfg.EnabledToolServers()
	out := make([]mcp.Descriptor, 0, len(servers))
	for id, srv := range servers {
		out = append(out, mcp.Descriptor{
			ID:        id,
			Name:      srv.Name,
			Transport: srv.Transport,
			Command:   srv.Command,
			Args:      srv.Args,
			Env:       srv.Env,
			URL:       srv.URL,
		})
	}
	return out
}

func buildProviders(cfg *config.Config) (map[string]llm.Provider, string, error) {
	providers := make(map[string]llm.Provider, len(cfg.LLM.Providers))
	for name, pc := range cfg.LLM.Providers {
		p, err := llm.NewProvider(pc)
		if err != nil {
			return nil, "", fmt.Errorf("llm provider %s: %w", name, err)
		}
		providers[name] = p
	}
	def := cfg.LLM.Routing.Planning
	if def == "" {
		def = cfg.LLM.Routing.Fallback
	}
	if _, ok := providers[def]; !ok {
		return nil, "", fmt.Errorf("llm routing: planning provider %q not configured", def)
	}
	return providers, def, nil
}

func buildRouter(cfg *config.Config, providers map[string]llm.Provider, defaultProvider string) *router.Router {
	name := cfg.LLM.Routing.Routing
	if name == "" {
		name = defaultProvider
	}
	prov, ok := providers[name]
	if !ok {
		prov = providers[defaultProvider]
	}
	agents, fallback := router.DefaultAgents(prov)
	var picker llm.Provider
	if cfg.Router.LLMRoutingEnabled {
		picker = prov
	}
	return router.New(agents, fallback, picker, nil)
}
