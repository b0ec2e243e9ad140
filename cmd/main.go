package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"

	"github.com/weiawesome/meeting-sync/internal/auth"
	"github.com/weiawesome/meeting-sync/internal/broadcast"
	"github.com/weiawesome/meeting-sync/internal/config"
	"github.com/weiawesome/meeting-sync/internal/driver"
	"github.com/weiawesome/meeting-sync/internal/handler"
	"github.com/weiawesome/meeting-sync/internal/hub"
	"github.com/weiawesome/meeting-sync/internal/meeting"
	"github.com/weiawesome/meeting-sync/internal/metrics"
	"github.com/weiawesome/meeting-sync/internal/registry"
	"github.com/weiawesome/meeting-sync/internal/service"
	"github.com/weiawesome/meeting-sync/internal/store"
	pkgconfig "github.com/weiawesome/meeting-sync/pkg/config"
	"github.com/weiawesome/meeting-sync/pkg/database"
	pkglog "github.com/weiawesome/meeting-sync/pkg/log"
	"github.com/weiawesome/meeting-sync/pkg/pubsub"
)

const serviceName = "meeting-sync"

func main() {
	if err := pkgconfig.LoadDotEnv(); err != nil {
		l := pkglog.L()
		l.Warn().Err(err).Msg("failed to load .env")
	}

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		l := pkglog.L()
		l.Fatal().Err(err).Msg("failed to load config")
	}

	// Initialize structured logger
	pkglog.Init(pkglog.Config{
		Level:       cfg.Log.Level,
		Pretty:      cfg.Log.Pretty,
		ServiceName: serviceName,
		InstanceID:  cfg.Server.InstanceID,
	})
	logger := pkglog.L()

	logger.Info().Str("host", cfg.Server.Host).Int("port", cfg.Server.Port).
		Str("store", cfg.Store.Driver).Str("pubsub", cfg.PubSub.Driver).
		Dur("tick_interval", cfg.Sync.TickInterval).
		Msg("starting meeting sync service")

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.NewMetrics()
	}

	// Initialize state store
	st, redisClient, err := initStore(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize state store")
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Error().Err(err).Msg("error closing state store")
		}
	}()

	// Initialize pubsub
	ps, err := initPubSub(cfg, redisClient)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize pubsub")
	}
	defer func() {
		if err := ps.Close(); err != nil {
			logger.Error().Err(err).Msg("error closing pubsub")
		}
	}()

	// Initialize meeting access
	verifier, err := initVerifier(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize authentication")
	}
	directory, closeDirectory, err := initDirectory(cfg, redisClient)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize meeting directory")
	}
	defer closeDirectory()

	// Initialize hub
	wsHub := hub.NewHub(cfg.WebSocket, m)
	go wsHub.Run()

	busCtx, busCancel := context.WithCancel(context.Background())
	bus := broadcast.NewBus(wsHub, ps, cfg.Server.InstanceID, m)

	clock := clockwork.NewRealClock()
	drv := driver.New(st, bus, clock, cfg.Sync.TickInterval, m)
	reg := registry.New(context.Background(), drv, clock, m)
	logger.Info().Dur("tick_interval", drv.Period()).Msg("playback driver configured")

	syncSvc := service.NewSyncService(wsHub, st, bus, reg, m)
	bus.SetControlHandler(syncSvc.HandleControl)

	if err := bus.Start(busCtx); err != nil {
		logger.Fatal().Err(err).Msg("failed to start bus")
	}

	// Setup Gin router
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(pkglog.GinMiddleware(logger))

	wsHandler := handler.NewWSHandler(wsHub, syncSvc, verifier, directory, m)
	wsHandler.RegisterRoutes(r)
	metricsPath := ""
	if cfg.Metrics.Enabled {
		metricsPath = cfg.Metrics.Path
	}
	handler.NewHTTPHandler(syncSvc, m).RegisterRoutes(r, metricsPath)

	server := &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:     r,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info().Str("addr", server.Addr).Msg("meeting sync service listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down meeting sync service")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server forced to shutdown")
	}

	// Stopping the hub closes every socket; each read pump then runs its
	// disconnect, which still needs the store, the registry and the bus.
	wsHub.Stop()
	if err := wsHandler.Drain(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("sessions did not disconnect in time")
	}

	// Drivers before the bus so no tick publishes into a closed bus.
	reg.StopAll()
	busCancel()
	bus.Wait()

	logger.Info().Msg("meeting sync service stopped")
}

// initStore creates the state store. The Redis client is returned so the
// redis pubsub and the access cache can share it; it is nil for the memory store.
func initStore(cfg *config.Config) (store.StateStore, *redis.Client, error) {
	switch cfg.Store.Driver {
	case "memory":
		l := pkglog.L()
		l.Warn().Msg("using in-memory state store, state is not shared between instances")
		return store.NewMemoryStore(), nil, nil
	default:
		client, err := store.NewRedisClient(store.RedisConfig{
			Address:      cfg.Redis.Address,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		})
		if err != nil {
			return nil, nil, err
		}
		return store.NewRedisStoreFromClient(client), client, nil
	}
}

func initPubSub(cfg *config.Config, client *redis.Client) (pubsub.PubSub, error) {
	if cfg.PubSub.Driver == pubsub.DriverRedis && client != nil {
		return pubsub.NewRedisPubSubFromClient(client), nil
	}
	return pubsub.NewPubSub(cfg.PubSub)
}

func initVerifier(cfg *config.Config) (auth.Verifier, error) {
	if !cfg.Auth.Enabled {
		return auth.Anonymous{}, nil
	}
	return auth.NewJWTVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
}

// initDirectory returns the meeting directory and a cleanup function.
func initDirectory(cfg *config.Config, client *redis.Client) (meeting.Directory, func(), error) {
	if !cfg.Meetings.RequireRegistered {
		return meeting.AllowAll{}, func() {}, nil
	}

	db, err := database.New(&cfg.Meetings.Database)
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() {
		if err := database.Close(db); err != nil {
			l := pkglog.L()
			l.Error().Err(err).Msg("error closing meetings database")
		}
	}

	if cfg.Meetings.AutoMigrate {
		if err := database.AutoMigrate(db, &meeting.Meeting{}); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("auto-migrate meetings: %w", err)
		}
	}

	var dir meeting.Directory = meeting.NewGormDirectory(db)
	if client != nil && cfg.Meetings.AccessCacheTTL > 0 {
		dir = meeting.NewCachedDirectory(dir, client, cfg.Meetings.AccessCacheTTL)
	}
	return dir, cleanup, nil
}
