package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/acphast/acphast/pkg/config"
	"github.com/acphast/acphast/pkg/engine"
	"github.com/acphast/acphast/pkg/meta"
	"github.com/acphast/acphast/pkg/node"
	"github.com/acphast/acphast/pkg/nodes"
	"github.com/acphast/acphast/pkg/session"
	"github.com/acphast/acphast/pkg/transport"
)

// ServeCmd starts the proxy.
type ServeCmd struct {
	Graph     string `help:"Path to the graph file." type:"path"`
	EntryNode string `name:"entry-node" help:"Entry node id (default: the graph's input marker)."`
	Watch     bool   `help:"Hot-reload the graph file on change." default:"true" negatable:""`

	Transport string `help:"Framing: stdio, http, or pi." enum:"stdio,http,pi,"`
	Addr      string `help:"Bind address for the http framing."`

	MetaPolicy string `name:"meta-policy" help:"_meta validation policy: strict, strip, or permissive."`

	SessionStore string        `name:"session-store" help:"Session store: memory, sqlite, postgres, mysql."`
	SessionDSN   string        `name:"session-dsn" help:"Database source name for SQL session stores."`
	MaxSessions  int           `name:"max-sessions" help:"Session capacity before LRU eviction."`
	SessionTTL   time.Duration `name:"session-ttl" help:"Session idle expiry (0 = never)."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("shutting down")
		cancel()
	}()

	cfg, err := c.loadConfig(cli.Config)
	if err != nil {
		return err
	}

	registry := node.NewRegistry()
	if err := nodes.RegisterAll(registry); err != nil {
		return fmt.Errorf("failed to register node types: %w", err)
	}

	eng := engine.New(registry, slog.Default())
	graphData, err := os.ReadFile(cfg.Graph.Path)
	if err != nil {
		return fmt.Errorf("failed to read graph %s: %w", cfg.Graph.Path, err)
	}
	if err := eng.LoadGraphJSON(graphData); err != nil {
		return fmt.Errorf("failed to load graph %s: %w", cfg.Graph.Path, err)
	}

	if cfg.Graph.Watch {
		watcher, err := engine.NewGraphWatcher(eng, engine.GraphWatcherConfig{
			Path:     cfg.Graph.Path,
			Debounce: cfg.Graph.Debounce,
			Logger:   slog.Default(),
		})
		if err != nil {
			return fmt.Errorf("failed to create graph watcher: %w", err)
		}
		if err := watcher.Start(ctx); err != nil {
			return fmt.Errorf("failed to watch graph: %w", err)
		}
		defer func() { _ = watcher.Stop() }()
	}

	sessions, closeSessions, err := buildSessions(cfg.Sessions)
	if err != nil {
		return err
	}
	defer closeSessions()

	policy, err := meta.ParsePolicy(cfg.Meta.Policy)
	if err != nil {
		return err
	}

	tr, err := buildTransport(cfg.Transport)
	if err != nil {
		return err
	}

	server := transport.NewServer(transport.ServerConfig{
		Transport:      tr,
		Engine:         eng,
		Sessions:       sessions,
		Meta:           meta.NewValidator(policy, slog.Default()),
		EntryNodeID:    cfg.Graph.EntryNode,
		RequestTimeout: cfg.Transport.RequestTimeout,
		Logger:         slog.Default(),
	})

	stats := eng.GetStats()
	slog.Info("acphast serving",
		"transport", cfg.Transport.Kind, "graph", cfg.Graph.Path,
		"nodes", stats.NodeCount, "connections", stats.ConnectionCount,
		"meta_policy", cfg.Meta.Policy)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Run(gctx) })

	// The SQL store has no background scanner of its own; expiry is driven
	// from here. The in-memory store runs its own.
	if sqlRepo, ok := sessions.(*session.SQLRepository); ok && cfg.Sessions.TTL > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(cfg.Sessions.CleanupInterval)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
					if err := sqlRepo.RemoveExpired(gctx); err != nil {
						slog.Warn("session expiry scan failed", "error", err)
					}
				}
			}
		})
	}
	return g.Wait()
}

// loadConfig reads the config file when given and layers CLI flags on top.
func (c *ServeCmd) loadConfig(path string) (*config.Config, error) {
	var cfg *config.Config
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
		slog.Info("loaded configuration", "path", path)
	} else {
		cfg = config.Default()
	}

	if c.Graph != "" {
		cfg.Graph.Path = c.Graph
	}
	if c.EntryNode != "" {
		cfg.Graph.EntryNode = c.EntryNode
	}
	if !c.Watch {
		cfg.Graph.Watch = false
	} else if path == "" {
		cfg.Graph.Watch = true
	}
	if c.Transport != "" {
		cfg.Transport.Kind = c.Transport
	}
	if c.Addr != "" {
		cfg.Transport.Addr = c.Addr
	}
	if c.MetaPolicy != "" {
		cfg.Meta.Policy = c.MetaPolicy
	}
	if c.SessionStore != "" {
		cfg.Sessions.Store = c.SessionStore
	}
	if c.SessionDSN != "" {
		cfg.Sessions.DSN = c.SessionDSN
	}
	if c.MaxSessions > 0 {
		cfg.Sessions.MaxSessions = c.MaxSessions
	}
	if c.SessionTTL > 0 {
		cfg.Sessions.TTL = c.SessionTTL
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// buildSessions creates the configured session repository and a close
// function for it.
func buildSessions(cfg config.SessionsConfig) (session.Repository, func(), error) {
	if cfg.Store == "memory" {
		repo := session.NewMemoryRepository(session.MemoryConfig{
			MaxSessions:     cfg.MaxSessions,
			TTL:             cfg.TTL,
			CleanupInterval: cfg.CleanupInterval,
			Logger:          slog.Default(),
		})
		return repo, repo.Close, nil
	}

	driver := cfg.Store
	if driver == "sqlite" {
		driver = "sqlite3"
	}
	db, err := sql.Open(driver, cfg.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open session database: %w", err)
	}
	repo, err := session.NewSQLRepository(db, cfg.Store, cfg.MaxSessions, cfg.TTL)
	if err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("failed to initialize session store: %w", err)
	}
	slog.Info("session persistence enabled", "store", cfg.Store)
	return repo, func() { _ = db.Close() }, nil
}

// buildTransport creates the configured framing.
func buildTransport(cfg config.Framing) (transport.Transport, error) {
	switch cfg.Kind {
	case config.FramingStdio:
		return transport.NewStdio(transport.StdioConfig{Logger: slog.Default()}), nil
	case config.FramingHTTP:
		return transport.NewHTTP(transport.HTTPConfig{
			Addr:        cfg.Addr,
			Logger:      slog.Default(),
			DisableCORS: cfg.DisableCORS,
		}), nil
	case config.FramingPi:
		return transport.NewPi(transport.PiConfig{Logger: slog.Default()}), nil
	default:
		return nil, fmt.Errorf("unknown transport kind %q", cfg.Kind)
	}
}
