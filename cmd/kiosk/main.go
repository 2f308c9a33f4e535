package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/kiosk/internal/auth"
	"github.com/MarcoPoloResearchLab/kiosk/internal/catalog"
	"github.com/MarcoPoloResearchLab/kiosk/internal/config"
	"github.com/MarcoPoloResearchLab/kiosk/internal/database"
	"github.com/MarcoPoloResearchLab/kiosk/internal/kiosk"
	"github.com/MarcoPoloResearchLab/kiosk/internal/logging"
	"github.com/MarcoPoloResearchLab/kiosk/internal/server"
	"github.com/MarcoPoloResearchLab/kiosk/internal/storage"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	tokenIssuer     = "kiosk-auth"
	tokenAudience   = "kiosk-admin"
	defaultAdminID  = "admin-default"
	shutdownTimeout = 10 * time.Second
)

var (
	cfgFile string
	envFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "kiosk",
		Short: "Offline kiosk catalogue device service",
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
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().StringSlice("allowed-origins", nil, "Origins allowed to call the API (all when empty)")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-encoding", defaults.GetString("log.encoding"), "Log encoding (json, console)")
	cmd.PersistentFlags().Duration("token-ttl", defaults.GetDuration("auth.token_ttl"), "Admin session lifetime")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")
	cmd.PersistentFlags().String("default-admin-pin", "", "PIN of the built-in admin used until admin users exist")
	cmd.PersistentFlags().Duration("sync-debounce", defaults.GetDuration("sync.debounce"), "Quiet period before an automatic push")
	cmd.PersistentFlags().Duration("sync-poll-interval", defaults.GetDuration("sync.poll_interval"), "Automatic pull interval")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "http.allowed_origins", "allowed-origins")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.encoding", "log-encoding")
	bindFlag(cmd, "auth.token_ttl", "token-ttl")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "auth.default_admin_pin", "default-admin-pin")
	bindFlag(cmd, "sync.debounce", "sync-debounce")
	bindFlag(cmd, "sync.poll_interval", "sync-poll-interval")
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
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogEncoding)
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

	var objects storage.ObjectStore
	if appConfig.S3.Enabled() {
		objectStore, err := storage.NewS3ObjectStore(ctx, storage.S3Config{
			Region:        appConfig.S3.Region,
			Endpoint:      appConfig.S3.Endpoint,
			AccessKey:     appConfig.S3.AccessKey,
			SecretKey:     appConfig.S3.SecretKey,
			Bucket:        appConfig.S3.Bucket,
			PublicBaseURL: appConfig.S3.PublicBaseURL,
		})
		if err != nil {
			return err
		}
		objects = objectStore
	}

	app, err := kiosk.New(kiosk.Config{
		Database:     db,
		Clock:        time.Now,
		Logger:       logger,
		Objects:      objects,
		Debounce:     appConfig.SyncDebounce,
		PollInterval: appConfig.SyncPollInterval,
		WatchSettle:  appConfig.WatchSettle,
		DefaultAdmin: catalog.AdminUser{
			Record: catalog.Record{ID: defaultAdminID},
			Name:   appConfig.DefaultAdminName,
			PIN:    appConfig.DefaultAdminPIN,
			Role:   catalog.RoleSuperAdmin,
		},
	})
	if err != nil {
		return err
	}
	defer app.Close()
	if err := app.Start(ctx); err != nil {
		return err
	}

	tokenManager, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        tokenIssuer,
		Audience:      tokenAudience,
		TokenTTL:      appConfig.TokenTTL,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		App:            app,
		TokenManager:   tokenManager,
		AllowedOrigins: appConfig.AllowedOrigins,
		SessionCookie:  appConfig.SessionCookie,
		Logger:         logger.Named("http"),
	})
	if err != nil {
		return err
	}

	return serve(ctx, logger, &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	})
}

func serve(ctx context.Context, logger *zap.Logger, httpServer *http.Server) error {
	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", httpServer.Addr))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
