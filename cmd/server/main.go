package main

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"dashgate/internal/api"
	"dashgate/internal/cache"
	"dashgate/internal/db"
	_ "dashgate/internal/db/backends"
	"dashgate/internal/gateway"
	"dashgate/internal/logger"
	"dashgate/internal/store"
	"dashgate/pkg/config"
)

const (
	defaultPort      = 8080
	defaultStorePath = "dashgate.db"
)

type options struct {
	configPath string
	port       int
	storePath  string
	timeout    int
	logJSON    bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var opts options
	root := &cobra.Command{
		Use:           "dashgate",
		Short:         "Multi-backend database gateway for the dashboard builder",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd, opts)
		},
	}

	f := root.Flags()
	f.StringVar(&opts.configPath, "config", filepath.Join(".", "configs", "example.yaml"), "path to config YAML")
	f.IntVar(&opts.port, "port", 0, fmt.Sprintf("http port (overrides config, default %d)", defaultPort))
	f.StringVar(&opts.storePath, "store", "", "connection store path (overrides config, default "+defaultStorePath+")")
	f.IntVar(&opts.timeout, "timeout", 0, "per-operation backend timeout in seconds (overrides config)")
	f.BoolVar(&opts.logJSON, "log-json", false, "log in JSON format")

	root.AddCommand(&cobra.Command{
		Use:   "engines",
		Short: "List the registered database engines",
		Run: func(cmd *cobra.Command, args []string) {
			for _, e := range db.RegisteredEngines() {
				fmt.Fprintln(cmd.OutOrStdout(), e)
			}
		},
	})
	return root
}

// loadConfig reads the config file, if any, and applies flag overrides.
func loadConfig(cmd *cobra.Command, opts options) (config.AppConfig, error) {
	var cfg config.AppConfig
	if opts.configPath != "" {
		c, err := config.LoadFile(opts.configPath)
		switch {
		case err == nil:
			cfg = c
		case errors.Is(err, os.ErrNotExist) && !cmd.Flags().Changed("config"):
			// the default config path is optional
		default:
			return cfg, fmt.Errorf("error reading config file: %w", err)
		}
	}

	cfg.Server.Port = cmp.Or(opts.port, cfg.Server.Port, defaultPort)
	cfg.Store.Path = cmp.Or(opts.storePath, cfg.Store.Path, defaultStorePath)
	cfg.Gateway.QueryTimeoutSeconds = cmp.Or(opts.timeout, cfg.Gateway.QueryTimeoutSeconds)
	cfg.Gateway = cfg.Gateway.Defaults()
	if cmd.Flags().Changed("log-json") {
		cfg.Log.JSON = opts.logJSON
	}
	return cfg, nil
}

func serve(cmd *cobra.Command, opts options) error {
	cfg, err := loadConfig(cmd, opts)
	if err != nil {
		return err
	}
	logger.Init(cfg.Log.JSON, cmp.Or(cfg.Log.Level, "info"))
	defer logger.Sync()
	logger.Info("config file %s", opts.configPath)

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := st.Seed(ctx, cfg); err != nil {
		return err
	}

	gw := gateway.New(st, cache.New(), cfg.Gateway)
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.NewHandler(gw, cfg.Server.CORSOrigins),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      time.Duration(cfg.Gateway.QueryTimeoutSeconds+10) * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening on %s, store %s", addr, cfg.Store.Path)
		logger.Info("registered engines: %v", db.RegisteredEngines())
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown: %v", err)
	}
	return nil
}
