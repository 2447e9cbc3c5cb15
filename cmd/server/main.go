// Package main runs the codex proxy management server.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/opencode-codex/codex-proxy-go/internal/account"
	"github.com/opencode-codex/codex-proxy-go/internal/auth"
	"github.com/opencode-codex/codex-proxy-go/internal/clock"
	"github.com/opencode-codex/codex-proxy-go/internal/config"
	"github.com/opencode-codex/codex-proxy-go/internal/promptcache"
	"github.com/opencode-codex/codex-proxy-go/internal/selection"
	"github.com/opencode-codex/codex-proxy-go/internal/server"
	"github.com/opencode-codex/codex-proxy-go/internal/shutdown"
	"github.com/opencode-codex/codex-proxy-go/internal/storage"
	"github.com/opencode-codex/codex-proxy-go/internal/utils"
	"github.com/opencode-codex/codex-proxy-go/pkg/redis"
)

func main() {
	var (
		devMode    bool
		port       int
		host       string
		projectDir string
		redisAddr  string
	)
	flag.BoolVar(&devMode, "dev-mode", false, "Enable developer mode")
	flag.IntVar(&port, "port", 0, "Server port (default: 8091)")
	flag.StringVar(&host, "host", "", "Bind address (default: 127.0.0.1)")
	flag.StringVar(&projectDir, "project", "", "Project directory for project-local account storage")
	flag.StringVar(&redisAddr, "redis", "", "Redis address for usage statistics (optional)")
	flag.Parse()

	cfg := config.DefaultConfig()
	if err := cfg.Load(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}
	if port != 0 {
		cfg.ServerPort = port
	} else if envPort := os.Getenv("PORT"); envPort != "" {
		fmt.Sscanf(envPort, "%d", &cfg.ServerPort)
	}
	if host != "" {
		cfg.ServerHost = host
	}
	if redisAddr != "" {
		cfg.RedisAddr = redisAddr
	}
	cfg.DevMode = devMode
	if devMode {
		utils.SetLevel(utils.LogLevelDebug)
		utils.SetConsole(true)
	}

	log := utils.NewLogger("Main")

	storagePath, err := storage.ResolveStoragePath(projectDir)
	if err != nil {
		log.Error("cannot resolve storage path: %v", err)
		os.Exit(1)
	}

	clk := clock.System()
	store := storage.NewStore(storagePath)
	engine := selection.NewEngine(cfg, clk)
	manager := account.NewManager(cfg, store, engine, clk)

	pool, err := manager.List()
	if err != nil {
		log.Error("cannot load account pool: %v", err)
		os.Exit(1)
	}
	if len(pool.Accounts) == 0 {
		for _, acc := range account.RecoverAccounts(clk.Now().UnixMilli()) {
			if _, err := manager.Add(acc); err != nil {
				log.Warn("failed to add recovered account: %v", err)
			}
		}
		pool, _ = manager.List()
	}
	log.Info("account pool ready: %d accounts at %s", len(pool.Accounts), storagePath)

	credentials := account.NewCredentialsCache(auth.NewOAuthAuthenticator(nil), clk)
	credentials.OnRotate = func(accountKey, newRefreshToken string) {
		current, err := manager.List()
		if err != nil {
			return
		}
		for _, acc := range current.Accounts {
			if acc.Key() == accountKey {
				rotated := acc.Clone()
				rotated.RefreshToken = newRefreshToken
				if _, err := manager.Add(rotated); err != nil {
					log.Warn("failed to persist rotated refresh token: %v", err)
				}
				return
			}
		}
	}

	prompts := promptcache.New(nil, clk)
	stats := redis.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err := stats.Ping(context.Background()); err != nil {
		log.Warn("redis stats unreachable, continuing without: %v", err)
	}

	coordinator := shutdown.NewCoordinator()
	ctx, cancel := context.WithCancel(context.Background())
	coordinator.Register("server-context", func() error {
		cancel()
		return nil
	})
	coordinator.Register("redis", func() error {
		return stats.Close()
	})
	coordinator.HandleSignals()

	srv := server.New(cfg, manager, credentials, prompts, stats)
	coordinator.Register("http-server", srv.Shutdown)

	if err := srv.Run(ctx); err != nil {
		log.Error("server failed: %v", err)
		coordinator.RunCleanup()
		os.Exit(1)
	}
	coordinator.RunCleanup()
}
