package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/spf13/cobra"

	"HandoverDesk/internal/auth"
	"HandoverDesk/internal/chatserver"
	"HandoverDesk/internal/config"
	"HandoverDesk/internal/coordinator"
	"HandoverDesk/internal/database"
	"HandoverDesk/internal/gateway"
	"HandoverDesk/internal/httpserver"
	"HandoverDesk/internal/logger"
	"HandoverDesk/internal/outbox"
	"HandoverDesk/internal/registry"
	"HandoverDesk/internal/store"
	"HandoverDesk/internal/store/memory"
	"HandoverDesk/internal/store/postgres"
	"HandoverDesk/internal/store/sqlite"
)

func newServeCmd() *cobra.Command {
	var (
		configPath string
		watch      bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the chat, agent and REST endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, watch)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "config file (default: search handover.yaml)")
	cmd.Flags().BoolVar(&watch, "watch", true, "reload gateway policy and agent tokens when the config file changes")
	return cmd
}

func runServe(ctx context.Context, configPath string, watch bool) error {
	mgr := config.NewManager(config.WithConfigPath(configPath), config.WithWatchEnabled(watch))
	cfg, err := mgr.Load()
	if err != nil {
		return err
	}
	log.Printf("Configuration loaded: %v", mgr.Summary())

	st, health, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	responder, closeResponder, err := newResponder(cfg)
	if err != nil {
		return err
	}
	defer closeResponder()

	var events *logger.EventStream
	if cfg.Events.Enabled {
		events = logger.NewEventStream(nil)
		go events.Run(ctx)
	}

	reg := registry.New(st, registry.Config{WelcomeMessage: cfg.Chat.WelcomeMessage})
	gw := gateway.New(responder, gatewayPolicy(cfg))
	coord := coordinator.New(reg, gw, outbox.NewHub(cfg.Chat.OutboxLimit), coordinator.Config{
		HandoverNotice:        cfg.Chat.HandoverNotice,
		AgentJoinedNotice:     cfg.Chat.AgentJoinedNotice,
		ClosedNotice:          cfg.Chat.ClosedNotice,
		EscalateAfterFailures: cfg.Gateway.EscalateAfterFailures,
		AgentExpiry:           cfg.Chat.AgentExpiry,
	}, events)
	defer coord.Close()

	if err := coord.Restore(ctx); err != nil {
		return err
	}

	authn := auth.NewTokenAuthenticator(cfg.AgentTokens())
	if authn.Open() {
		log.Printf("WARNING: no agent credentials configured, agent channel is unauthenticated")
	}

	mgr.Subscribe(func(c *config.Config) {
		gw.UpdatePolicy(gatewayPolicy(c))
		coord.UpdatePolicy(c.Gateway.EscalateAfterFailures)
		authn.Update(c.AgentTokens())
		log.Printf("Gateway policy and agent credentials reloaded")
	})

	chat := chatserver.New(&chatserver.ServerConfig{
		Addr:              cfg.Server.Addr,
		MaxConnections:    cfg.Server.MaxConnections,
		ReadBufferSize:    cfg.Server.ReadBufferSize,
		WriteBufferSize:   cfg.Server.WriteBufferSize,
		EnableCompression: cfg.Server.EnableCompression,
		PingInterval:      cfg.Server.PingInterval,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		AllowedOrigins:    cfg.Server.AllowedOrigins,
	}, coord, authn, events)
	if err := chat.Start(); err != nil {
		return err
	}

	api := httpserver.NewAPIServer(coord, httpserver.Options{
		Addr:           cfg.Server.HTTPAddr,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Auth:           authn,
		Health:         health,
		Stats:          chat.GetStats,
	})
	apiErr := make(chan error, 1)
	go func() { apiErr <- api.Start() }()

	select {
	case <-ctx.Done():
		log.Printf("Shutdown signal received")
	case err = <-apiErr:
		log.Printf("HTTP API server stopped: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if stopErr := api.Stop(shutdownCtx); stopErr != nil {
		log.Printf("HTTP API shutdown: %v", stopErr)
	}
	if stopErr := chat.Shutdown(shutdownCtx); stopErr != nil {
		log.Printf("Chat server shutdown: %v", stopErr)
	}
	return err
}

// openStore 按配置选择持久化后端，并返回对应的健康检查
func openStore(ctx context.Context, cfg *config.Config) (store.Store, httpserver.HealthFunc, error) {
	switch cfg.Storage.Backend {
	case config.BackendPostgres:
		pg, err := postgres.Open(ctx, cfg.Storage.Postgres.Database())
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres store: %w", err)
		}
		health := func(ctx context.Context) map[string]interface{} {
			out := map[string]interface{}{
				"storage":  config.BackendPostgres,
				"database": database.GetPoolStats(pg.Pool()),
			}
			if err := pg.Pool().Ping(ctx); err != nil {
				out["status"] = "degraded"
				out["database_error"] = err.Error()
			}
			return out
		}
		return pg, health, nil

	case config.BackendSQLite:
		st, err := sqlite.Open(cfg.Storage.SQLite.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return st, staticHealth(config.BackendSQLite), nil

	case config.BackendMemory, "":
		log.Printf("Using in-memory storage, sessions will not survive a restart")
		return memory.New(), staticHealth(config.BackendMemory), nil
	}
	return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
}

func staticHealth(backend string) httpserver.HealthFunc {
	return func(context.Context) map[string]interface{} {
		return map[string]interface{}{"storage": backend}
	}
}

// newResponder 按配置创建应答服务客户端
func newResponder(cfg *config.Config) (gateway.Responder, func(), error) {
	noop := func() {}
	switch cfg.Gateway.Transport {
	case config.TransportHTTP:
		return gateway.NewHTTPResponder(&gateway.HTTPResponderConfig{
			URL:       cfg.Gateway.HTTPURL,
			AuthToken: cfg.Gateway.AuthToken,
		}), noop, nil

	case config.TransportGRPC:
		r, err := gateway.NewGRPCResponder(&gateway.GRPCResponderConfig{
			Addr:             cfg.Gateway.GRPCAddr,
			KeepAliveTime:    30 * time.Second,
			KeepAliveTimeout: 10 * time.Second,
		})
		if err != nil {
			return nil, nil, err
		}
		return r, func() { r.Close() }, nil

	case config.TransportStatic, "":
		return gateway.NewStaticResponder(nil, ""), noop, nil
	}
	return nil, nil, errors.New("unknown gateway transport " + cfg.Gateway.Transport)
}

func gatewayPolicy(cfg *config.Config) gateway.Policy {
	return gateway.Policy{
		Timeout:         cfg.Gateway.Timeout,
		ApologyText:     cfg.Gateway.ApologyText,
		FallbackPhrases: cfg.Gateway.FallbackPhrases,
	}
}
