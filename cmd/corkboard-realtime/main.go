package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/MarcoPoloResearchLab/corkboard/backend/internal/access"
	"github.com/MarcoPoloResearchLab/corkboard/backend/internal/activity"
	"github.com/MarcoPoloResearchLab/corkboard/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/corkboard/backend/internal/config"
	"github.com/MarcoPoloResearchLab/corkboard/backend/internal/database"
	"github.com/MarcoPoloResearchLab/corkboard/backend/internal/docsync"
	"github.com/MarcoPoloResearchLab/corkboard/backend/internal/events"
	"github.com/MarcoPoloResearchLab/corkboard/backend/internal/fanout"
	"github.com/MarcoPoloResearchLab/corkboard/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/corkboard/backend/internal/presence"
	"github.com/MarcoPoloResearchLab/corkboard/backend/internal/realtime"
	"github.com/MarcoPoloResearchLab/corkboard/backend/internal/server"
	"github.com/MarcoPoloResearchLab/corkboard/backend/internal/users"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "corkboard-realtime",
		Short: "Corkboard realtime collaboration core",
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
	cmd.PersistentFlags().String("instance-id", "", "Instance identifier used for fan-out echo suppression")
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, mysql, postgres)")
	cmd.PersistentFlags().String("database-dsn", defaults.GetString("database.dsn"), "Database DSN")
	cmd.PersistentFlags().String("redis-address", defaults.GetString("redis.address"), "Redis address")
	cmd.PersistentFlags().StringSlice("kafka-brokers", nil, "Kafka brokers for the activity log")
	cmd.PersistentFlags().String("access-endpoint", "", "Domain service base URL for access checks")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "instance.id", "instance-id")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "redis.address", "redis-address")
	bindFlag(cmd, "kafka.brokers", "kafka-brokers")
	bindFlag(cmd, "access.endpoint", "access-endpoint")
	bindFlag(cmd, "log.level", "log-level")
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
	if appConfig.InstanceID == "" {
		appConfig.InstanceID = defaultInstanceID()
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.InstanceID)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.Open(appConfig.DatabaseDriver, appConfig.DatabaseDSN, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	redisClient := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    []string{appConfig.RedisAddress},
		Password: appConfig.RedisPassword,
		DB:       appConfig.RedisDB,
	})
	defer redisClient.Close()

	tracker, err := presence.NewTracker(presence.Config{
		Client:    redisClient,
		TTL:       appConfig.PresenceTTL,
		TypingTTL: appConfig.TypingTTL,
	})
	if err != nil {
		return err
	}

	fanoutClient, err := fanout.NewClient(fanout.Config{
		Redis:   redisClient,
		Channel: appConfig.FanoutChannel,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	stamper, err := events.NewCausalStamper(appConfig.CausalStamp)
	if err != nil {
		return err
	}

	serviceConfig := events.ServiceConfig{
		Database:     db,
		InstanceID:   appConfig.InstanceID,
		IDProvider:   events.NewUUIDProvider(),
		Stamper:      stamper,
		Publisher:    fanoutClient,
		MaxPageLimit: appConfig.HistoryMaxLimit,
		Logger:       logger,
	}
	if len(appConfig.KafkaBrokers) > 0 {
		producer, err := activity.NewSyncProducer(appConfig.KafkaBrokers)
		if err != nil {
			return err
		}
		activityDispatcher, err := activity.NewDispatcher(producer, appConfig.KafkaTopic, logger, activity.Options{})
		if err != nil {
			_ = producer.Close()
			return err
		}
		defer activityDispatcher.Close()
		serviceConfig.Activity = activityDispatcher
	} else {
		logger.Info("activity log disabled: no kafka brokers configured")
	}
	eventService, err := events.NewService(serviceConfig)
	if err != nil {
		return err
	}

	accessChecker, err := newAccessChecker(appConfig, logger)
	if err != nil {
		return err
	}

	sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.SessionSigningKey),
		Issuer:        appConfig.SessionIssuer,
		CookieName:    appConfig.SessionCookieName,
	})
	if err != nil {
		return err
	}
	userService, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		return err
	}
	authenticator, err := server.NewSessionAuthenticator(sessionValidator, userService, logger)
	if err != nil {
		return err
	}

	hub, err := realtime.NewHub(realtime.HubConfig{
		Authenticator:  authenticator,
		Presence:       tracker,
		Access:         accessChecker,
		Logger:         logger,
		AllowedOrigins: appConfig.AllowedOrigins,
	})
	if err != nil {
		return err
	}
	eventService.SetBroadcaster(hub)

	snapshots, err := docsync.NewSnapshotStore(db)
	if err != nil {
		return err
	}
	arena, err := docsync.NewArena(docsync.ArenaConfig{
		Store:      snapshots,
		MaxUpdates: appConfig.SnapshotMaxUpdates,
		Interval:   appConfig.SnapshotInterval,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	if _, err := docsync.NewGateway(docsync.GatewayConfig{
		Hub:    hub,
		Arena:  arena,
		Access: accessChecker,
		Logger: logger,
	}); err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Authenticator:  authenticator,
		Events:         eventService,
		Presence:       tracker,
		Snapshots:      snapshots,
		Access:         accessChecker,
		Hub:            hub,
		Fanout:         fanoutClient,
		AllowedOrigins: appConfig.AllowedOrigins,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	// SSE streams never go idle on their own; cancel them when shutdown begins.
	requestCtx, cancelRequests := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelRequests()
	httpServer := &http.Server{
		Addr:        appConfig.HTTPAddress,
		Handler:     handler,
		BaseContext: func(net.Listener) context.Context { return requestCtx },
	}
	httpServer.RegisterOnShutdown(cancelRequests)

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(signalCtx)
	group.Go(func() error {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		return fanoutClient.Run(groupCtx, eventService.HandleRemote)
	})
	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), appConfig.ShutdownGracePeriod)
		defer cancel()
		hub.Shutdown()
		if err := arena.FlushAll(shutdownCtx); err != nil {
			logger.Error("final document snapshots failed", zap.Error(err))
		}
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func newAccessChecker(appConfig config.AppConfig, logger *zap.Logger) (access.Checker, error) {
	if appConfig.AccessEndpoint == "" {
		logger.Warn("access endpoint not configured: every authenticated user may join every board")
		return access.AllowAll{}, nil
	}
	return access.NewHTTPChecker(access.HTTPCheckerConfig{
		Endpoint: appConfig.AccessEndpoint,
		Timeout:  appConfig.AccessTimeout,
		Logger:   logger,
	})
}

func defaultInstanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "corkboard"
	}
	return fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
}
