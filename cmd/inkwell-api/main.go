package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/inkwell-labs/inkwell/internal/auth"
	"github.com/inkwell-labs/inkwell/internal/config"
	"github.com/inkwell-labs/inkwell/internal/database"
	"github.com/inkwell-labs/inkwell/internal/document"
	"github.com/inkwell-labs/inkwell/internal/gateway"
	"github.com/inkwell-labs/inkwell/internal/logging"
	"github.com/inkwell-labs/inkwell/internal/metadata"
	"github.com/inkwell-labs/inkwell/internal/persistence"
	"github.com/inkwell-labs/inkwell/internal/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "inkwell-api",
		Short: "Inkwell collaborative document backend",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().Int("debounce-ms", defaults.GetInt("persistence.debounce_ms"), "Checkpoint debounce window in milliseconds")
	cmd.PersistentFlags().Int("load-timeout-ms", defaults.GetInt("persistence.load_timeout_ms"), "Durable load ceiling in milliseconds")
	cmd.PersistentFlags().Int("eviction-grace-ms", defaults.GetInt("rooms.eviction_grace_ms"), "Idle room eviction grace period in milliseconds")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "persistence.debounce_ms", "debounce-ms")
	bindFlag(cmd, "persistence.load_timeout_ms", "load-timeout-ms")
	bindFlag(cmd, "rooms.eviction_grace_ms", "eviction-grace-ms")
	bindFlag(cmd, "session.signing_secret", "signing-secret")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	bridge, err := persistence.NewBridge(persistence.BridgeConfig{
		Database:    db,
		Logger:      logger,
		LoadTimeout: appConfig.LoadTimeout,
		Debounce:    appConfig.CheckpointDebounce,
	})
	if err != nil {
		return err
	}

	registry := document.NewRegistry(document.RegistryConfig{
		Bridge:        bridge,
		EvictionGrace: appConfig.EvictionGrace,
		Logger:        logger,
	})

	metadataService, err := metadata.NewService(metadata.ServiceConfig{
		Database: db,
		States:   bridge,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.SessionSigningKey),
		CookieName:    appConfig.SessionCookieName,
	})
	if err != nil {
		return err
	}

	connectionGateway := gateway.NewGateway(gateway.GatewayConfig{
		Rooms:  registry,
		Logger: logger,
	})

	handler, err := server.NewHTTPHandler(server.Dependencies{
		SessionValidator: sessionValidator,
		Metadata:         metadataService,
		Gateway:          connectionGateway,
		Rooms:            registry,
		Logger:           logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		shutdownErr := httpServer.Shutdown(shutdownCtx)
		// Dirty rooms get one final checkpoint before the process exits.
		registry.Shutdown()
		bridge.Close()
		return shutdownErr
	case err := <-errCh:
		return err
	}
}
