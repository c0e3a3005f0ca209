package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/proformatique/provd/internal/bootstrap"
	"github.com/proformatique/provd/internal/cache"
	"github.com/proformatique/provd/internal/cfg"
	"github.com/proformatique/provd/internal/collection"
	"github.com/proformatique/provd/internal/collection/jsonfile"
	"github.com/proformatique/provd/internal/configureservice"
	"github.com/proformatique/provd/internal/device"
	"github.com/proformatique/provd/internal/document"
	"github.com/proformatique/provd/internal/engine"
	"github.com/proformatique/provd/internal/identify"
	"github.com/proformatique/provd/internal/logging"
	"github.com/proformatique/provd/internal/metrics"
	"github.com/proformatique/provd/internal/oip"
	"github.com/proformatique/provd/internal/pluginmgr"
	"github.com/proformatique/provd/internal/pluginmgr/ratelimit"
	"github.com/proformatique/provd/internal/rawconfig"
	"github.com/proformatique/provd/internal/rest"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the provisioning HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

// runServe assembles the engine from its collaborators and serves the
// REST facade, mirroring the teacher's cmd/server/main.go bootstrap and
// graceful-shutdown idiom (flag-based there, cobra here).
func runServe(ctx context.Context) error {
	cfgBoot, err := bootstrap.Load(configPath)
	if err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger := logging.New(cfgBoot.Log)
	logger.Info("provd starting", "http_bind_addr", cfgBoot.HTTPBindAddr, "tftp_root", cfgBoot.TFTPRoot)

	devices, err := jsonfile.Open(cfgBoot.DevicesPath, nil, logger)
	if err != nil {
		return fmt.Errorf("serve: open devices store: %w", err)
	}
	configs, err := jsonfile.Open(cfgBoot.ConfigsPath, collection.RespectDeletableField, logger)
	if err != nil {
		return fmt.Errorf("serve: open configs store: %w", err)
	}

	resolver := rawconfig.NewResolver(configs, document.New())

	plugins := pluginmgr.New(
		&pluginmgr.HTTPCatalogSource{BaseURL: cfgBoot.PluginServerURL},
		&pluginmgr.HTTPInstaller{BaseURL: cfgBoot.PluginServerURL, PluginRoot: cfgBoot.PluginRoot},
		cfgBoot.PluginRoot,
		logger,
		map[string]any{},
	)

	if limiter, err := newDownloadLimiter(cfgBoot, logger); err != nil {
		return fmt.Errorf("serve: %w", err)
	} else if limiter != nil {
		plugins.SetRateLimiter(limiter)
	}
	plugins.SetCatalogRateLimiter(rate.NewLimiter(rate.Every(time.Minute), 1))

	devLC := device.New(devices, configs, resolver, plugins, logger, logger)
	cfgLC := cfg.New(configs, devices, resolver, devLC, logger)

	persister, err := configureservice.NewPersister(cfgBoot.ConfigureStorePath)
	if err != nil {
		return fmt.Errorf("serve: open configure-service store: %w", err)
	}
	configureSvc := configureservice.New(persister)

	resolvedCache, err := cache.New(cfgBoot.ResolvedCacheSize, logger)
	if err != nil {
		return fmt.Errorf("serve: build resolved-config cache: %w", err)
	}

	e := engine.New(engine.Deps{
		Devices:       devices,
		Configs:       configs,
		Resolver:      resolver,
		DeviceLC:      devLC,
		ConfigLC:      cfgLC,
		Plugins:       plugins,
		OIPs:          oip.NewRegistry(),
		ConfigureSvc:  configureSvc,
		ResolvedCache: resolvedCache,
		Metrics:       metrics.New(),
		Logger:        logger,
	})

	pipeline := &identify.Pipeline{Lifecycle: devLC, Logger: logger}

	handlers := rest.New(e, pipeline, logger)
	srv := &http.Server{
		Addr:    cfgBoot.HTTPBindAddr,
		Handler: rest.Router(handlers),
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", cfgBoot.HTTPBindAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	select {
	case err := <-serveErr:
		return fmt.Errorf("serve: http server failed: %w", err)
	case <-quit:
		logger.Info("shutting down")
	case <-ctx.Done():
		logger.Info("shutting down (context cancelled)")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("serve: graceful shutdown failed: %w", err)
	}
	logger.Info("provd stopped")
	return nil
}

// newDownloadLimiter builds the plugin-download rate limiter when a
// Redis address is configured, nil otherwise (downloads proceed
// unthrottled, same as before the limiter existed).
func newDownloadLimiter(cfgBoot *bootstrap.Config, logger *slog.Logger) (*ratelimit.Limiter, error) {
	if cfgBoot.RedisAddr == "" {
		return nil, nil
	}
	client := redis.NewClient(&redis.Options{Addr: cfgBoot.RedisAddr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis at %q: %w", cfgBoot.RedisAddr, err)
	}
	return ratelimit.New(client, cfgBoot.DownloadRateRPS, cfgBoot.DownloadBurst, logger), nil
}
