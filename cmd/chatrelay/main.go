package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/streamfold/chatrelay/internal/bus"
	"github.com/streamfold/chatrelay/internal/chat"
	"github.com/streamfold/chatrelay/internal/cluster"
	"github.com/streamfold/chatrelay/internal/config"
	"github.com/streamfold/chatrelay/internal/database"
	"github.com/streamfold/chatrelay/internal/logging"
	"github.com/streamfold/chatrelay/internal/server"
	"github.com/streamfold/chatrelay/internal/session"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "chatrelay",
		Short: "Multi-worker chat relay service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRelay(cmd.Context())
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
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "Base HTTP listen address (workers take consecutive ports)")
	cmd.PersistentFlags().Int("workers", defaults.GetInt("cluster.workers"), "Worker count (0 = one per CPU)")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("chat-topic", defaults.GetString("chat.topic"), "Broadcast bus topic for chat messages")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "cluster.workers", "workers")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "chat.topic", "chat-topic")
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

func runRelay(ctx context.Context) error {
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
	defer sqlDB.Close() //nolint:errcheck

	store, err := chat.NewStore(chat.StoreConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}
	gate, err := chat.NewGate(store, logger)
	if err != nil {
		return err
	}

	relayBus := bus.NewOrdered(logger)
	defer relayBus.Close()

	recovery, err := session.NewRecoveryEngine(store, logger)
	if err != nil {
		return err
	}
	gateway, err := session.NewGateway(session.GatewayConfig{
		Gate:             gate,
		Bus:              relayBus,
		Recovery:         recovery,
		Topic:            appConfig.Topic,
		SubscriberBuffer: appConfig.SendQueue,
		Logger:           logger,
	})
	if err != nil {
		return err
	}

	supervisor, err := cluster.Start(cluster.Config{
		BaseAddress: appConfig.HTTPAddress,
		Workers:     appConfig.Workers,
		Logger:      logger,
		Handler: func(workerIndex int) (http.Handler, error) {
			return server.NewHTTPHandler(server.Dependencies{
				Gateway:      gateway,
				Logger:       logger.With(zap.Int("worker", workerIndex)),
				SendQueue:    appConfig.SendQueue,
				RateEvents:   appConfig.RateEvents,
				RateWindow:   appConfig.RateWindow,
				PingInterval: appConfig.PingInterval,
			})
		},
	})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("relay starting",
		zap.String("base_address", appConfig.HTTPAddress),
		zap.Int("workers", appConfig.Workers),
		zap.String("database", appConfig.DatabasePath))

	return supervisor.Serve(signalCtx)
}
