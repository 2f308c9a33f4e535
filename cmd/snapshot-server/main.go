package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/kiosk/internal/config"
	"github.com/MarcoPoloResearchLab/kiosk/internal/database"
	"github.com/MarcoPoloResearchLab/kiosk/internal/logging"
	"github.com/MarcoPoloResearchLab/kiosk/internal/snapshotserver"
	"github.com/MarcoPoloResearchLab/kiosk/internal/statestore"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
	envFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "snapshot-server",
		Short: "Reference custom API backend for kiosk snapshots",
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
	cmd.PersistentFlags().StringVar(&envFile, "env-file", "", "Path to a .env file (defaults to ./.env when present)")
	cmd.PersistentFlags().String("http-address", defaults.GetString("snapshot.address"), "HTTP listen address")
	cmd.PersistentFlags().String("path", defaults.GetString("snapshot.path"), "URL path serving the snapshot")
	cmd.PersistentFlags().String("api-key", "", "Required x-api-key value (open shared URL when empty)")
	cmd.PersistentFlags().String("store", defaults.GetString("snapshot.store"), "Snapshot store (file, sqlite)")
	cmd.PersistentFlags().String("file", defaults.GetString("snapshot.file"), "Snapshot file for the file store")
	cmd.PersistentFlags().String("database-path", defaults.GetString("snapshot.database_path"), "SQLite database for the sqlite store")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-encoding", defaults.GetString("log.encoding"), "Log encoding (json, console)")

	bindFlag(cmd, "snapshot.address", "http-address")
	bindFlag(cmd, "snapshot.path", "path")
	bindFlag(cmd, "snapshot.api_key", "api-key")
	bindFlag(cmd, "snapshot.store", "store")
	bindFlag(cmd, "snapshot.file", "file")
	bindFlag(cmd, "snapshot.database_path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.encoding", "log-encoding")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	var envFiles []string
	if envFile != "" {
		envFiles = append(envFiles, envFile)
	}
	if err := config.LoadDotEnv(envFiles...); err != nil {
		return err
	}

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
	serverConfig, err := config.LoadSnapshotServer(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(serverConfig.LogLevel, serverConfig.LogEncoding)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	var store snapshotserver.Store
	switch serverConfig.Store {
	case config.SnapshotStoreSQLite:
		db, err := database.OpenSQLite(serverConfig.DatabasePath, logger)
		if err != nil {
			return err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		defer sqlDB.Close()
		kv, err := statestore.New(statestore.Config{Database: db, Logger: logger.Named("statestore")})
		if err != nil {
			return err
		}
		defer kv.Close()
		store = snapshotserver.NewKVStore(kv)
	default:
		fileStore, err := snapshotserver.NewFileStore(nil, serverConfig.FilePath)
		if err != nil {
			return err
		}
		store = fileStore
	}

	if serverConfig.APIKey == "" {
		logger.Warn("no api key configured; snapshot is writable by anyone who can reach it")
	}
	handler, err := snapshotserver.NewHandler(snapshotserver.Config{
		Store:  store,
		Path:   serverConfig.Path,
		APIKey: serverConfig.APIKey,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              serverConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("snapshot server starting",
			zap.String("address", serverConfig.HTTPAddress),
			zap.String("path", serverConfig.Path),
			zap.String("store", serverConfig.Store))
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
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
