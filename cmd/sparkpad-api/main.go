package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sparkpadlab/sparkpad/internal/broadcast"
	"github.com/sparkpadlab/sparkpad/internal/bundler"
	"github.com/sparkpadlab/sparkpad/internal/cache"
	"github.com/sparkpadlab/sparkpad/internal/config"
	"github.com/sparkpadlab/sparkpad/internal/database"
	"github.com/sparkpadlab/sparkpad/internal/logging"
	"github.com/sparkpadlab/sparkpad/internal/server"
	"github.com/sparkpadlab/sparkpad/internal/session"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "sparkpad-api",
		Short: "Sparkpad live code session backend service",
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
	cmd.PersistentFlags().String("redis-url", defaults.GetString("redis.url"), "Redis connection URL")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("package-host", defaults.GetString("bundler.package_host"), "Remote package host for bare imports")
	cmd.PersistentFlags().String("local-origin", defaults.GetString("bundler.local_origin"), "Origin serving /live/ component imports")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "redis.url", "redis-url")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "bundler.package_host", "package-host")
	bindFlag(cmd, "bundler.local_origin", "local-origin")
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

	redisOptions, err := redis.ParseURL(appConfig.RedisURL)
	if err != nil {
		return err
	}
	redisClient := redis.NewClient(redisOptions)
	defer redisClient.Close()

	cacheStore := cache.NewRedisStore(redisClient)
	if err := cacheStore.Ping(ctx); err != nil {
		// The cache and broadcast channels degrade gracefully; an
		// unreachable Redis at startup is worth a warning, not a crash.
		logger.Warn("redis unreachable at startup", zap.Error(err))
	}

	broadcaster, err := broadcast.NewBroadcaster(broadcast.BroadcasterConfig{
		Redis:  redisClient,
		Clock:  time.Now,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	store, err := session.NewStore(session.StoreConfig{
		Database: db,
		Cache:    cacheStore,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	sessionBundler := bundler.New(bundler.Config{
		Resolver: bundler.ResolverConfig{
			PackageHost: appConfig.PackageHost,
			LocalOrigin: appConfig.LocalOrigin,
		},
		Logger: logger,
	})

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Store:       store,
		Broadcaster: broadcaster,
		Bundler:     sessionBundler,
		Cache:       cacheStore,
		Logger:      logger,
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

	go func() {
		if runErr := broadcaster.Run(signalCtx); runErr != nil && !errors.Is(runErr, context.Canceled) {
			logger.Warn("broadcast subscriber loop stopped", zap.Error(runErr))
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("instance_id", broadcaster.InstanceID()))
		serveErr := httpServer.ListenAndServe()
		if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			errCh <- serveErr
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
