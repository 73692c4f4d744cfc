// File: cmd/serve.go
package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/iudex-br/sei-bridge/internal/auth"
	"github.com/iudex-br/sei-bridge/internal/automation"
	"github.com/iudex-br/sei-bridge/internal/cache"
	"github.com/iudex-br/sei-bridge/internal/config"
	"github.com/iudex-br/sei-bridge/internal/dispatcher"
	"github.com/iudex-br/sei-bridge/internal/gateway"
	"github.com/iudex-br/sei-bridge/internal/observability"
	"github.com/iudex-br/sei-bridge/internal/registry"
	"github.com/iudex-br/sei-bridge/internal/resilience"
	"github.com/iudex-br/sei-bridge/internal/selmem"
	"github.com/iudex-br/sei-bridge/internal/vision"
)

var (
	servePort     int
	serveHost     string
	serveHeadless bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Inicia o servidor da ponte MCP.",
	Long: `Sobe o gateway HTTP com o endpoint JSON-RPC para clientes MCP,
o websocket para a extensao de navegador e o fallback de automacao
com navegador gerenciado.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "porta do gateway (sobrepoe a configuracao)")
	serveCmd.Flags().StringVar(&serveHost, "host", "", "endereco do gateway (sobrepoe a configuracao)")
	serveCmd.Flags().BoolVar(&serveHeadless, "headless", true, "executa o navegador gerenciado sem interface")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	defer observability.Sync()

	cfg := loadedConfig
	logger := observability.GetLogger()

	if cmd.Flags().Changed("port") {
		cfg.SetServerPort(servePort)
	}
	if cmd.Flags().Changed("host") {
		cfg.SetServerHost(serveHost)
	}
	if cmd.Flags().Changed("headless") {
		cfg.SetBrowserHeadless(serveHeadless)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Selector memory, pruned of stale entries at startup.
	store, err := selmem.NewStore(cfg.Resilience().SelectorStorePath, logger)
	if err != nil {
		return fmt.Errorf("opening selector store: %w", err)
	}
	if removed, err := store.Prune(cfg.Resilience().PruneMaxAge); err != nil {
		logger.Warn("Selector store prune failed.", zap.Error(err))
	} else if removed > 0 {
		logger.Info("Pruned stale selectors.", zap.Int("removed", removed))
	}

	// Vision tier is optional; without it the cascade stops at the
	// memorized selectors.
	var proposer resilience.SelectorProposer
	if cfg.Vision().Enabled {
		client, err := vision.NewClient(cfg.Vision(), logger)
		if err != nil {
			return fmt.Errorf("initializing vision client: %w", err)
		}
		proposer = client
		logger.Info("Vision selector fallback enabled.", zap.String("model", cfg.Vision().Model))
	} else {
		logger.Info("Vision selector fallback disabled.")
	}

	// The managed browser fallback is optional; without it the bridge is
	// extension only and calls with no session fail fast.
	var engine *automation.Engine
	if cfg.Browser().Enabled {
		locator := resilience.NewLocator(cfg.Resilience(), store, proposer, logger)
		engine = automation.NewEngine(cfg, locator, logger)
	} else {
		logger.Info("Managed browser fallback disabled.")
	}

	reg := registry.New(logger)
	resultCache := cache.New(logger)
	meter := auth.NewMeter()

	validator, pool, err := buildValidator(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if pool != nil {
		defer pool.Close()
	}

	// A nil interface, not a typed nil pointer, so the dispatcher's
	// nil-engine check holds when the fallback is disabled.
	var backend dispatcher.AutomationEngine
	if engine != nil {
		backend = engine
	}
	d := dispatcher.New(cfg, reg, resultCache, backend, meter, logger)

	gateway.Version = Version
	server := gateway.New(cfg, d, reg, validator, meter, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Start(gctx)
	})

	err = g.Wait()

	if engine != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if shutdownErr := engine.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("Automation engine shutdown failed.", zap.Error(shutdownErr))
		}
	}

	if err != nil {
		return fmt.Errorf("gateway stopped: %w", err)
	}
	logger.Info("sei-bridge stopped.")
	return nil
}

// buildValidator assembles the token validation chain from whatever is
// configured: database, JWT secret, static tokens. With none of the
// three, extension auth is disabled.
func buildValidator(ctx context.Context, cfg config.Interface, logger *zap.Logger) (auth.Validator, *pgxpool.Pool, error) {
	var (
		validators []auth.Validator
		pool       *pgxpool.Pool
	)

	if dbURL := cfg.Database().URL; dbURL != "" {
		initCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()

		var err error
		pool, err = pgxpool.New(initCtx, dbURL)
		if err != nil {
			return nil, nil, fmt.Errorf("creating database pool: %w", err)
		}
		if err := pool.Ping(initCtx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("pinging database: %w", err)
		}
		validators = append(validators, auth.NewPostgresValidator(pool, logger))
		logger.Info("Database token validation enabled.")
	}

	if secret := cfg.Auth().JWTSecret; secret != "" {
		validators = append(validators, auth.NewJWTValidator(secret, logger))
		logger.Info("JWT token validation enabled.")
	}

	if tokens := cfg.Auth().StaticTokens; len(tokens) > 0 {
		validators = append(validators, auth.NewStaticValidator(tokens))
		logger.Info("Static token validation enabled.", zap.Int("tokens", len(tokens)))
	}

	if len(validators) == 0 {
		logger.Warn("No token validation configured. Extension connections are unauthenticated.")
		return nil, nil, nil
	}
	return auth.NewChainValidator(validators...), pool, nil
}
