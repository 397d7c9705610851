package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Aidin1998/predex/api"
	"github.com/Aidin1998/predex/internal/config"
	"github.com/Aidin1998/predex/internal/infrastructure/ratelimit"
	"github.com/Aidin1998/predex/internal/marketdata/channel"
	"github.com/Aidin1998/predex/internal/marketdata/publisher"
	"github.com/Aidin1998/predex/internal/trading/commitreveal"
	"github.com/Aidin1998/predex/internal/trading/engine"
	"github.com/Aidin1998/predex/internal/trading/events"
	"github.com/Aidin1998/predex/internal/trading/persistence"
	"github.com/Aidin1998/predex/internal/trading/risk"
	"github.com/Aidin1998/predex/internal/trading/service"
	"github.com/Aidin1998/predex/pkg/logger"
	"github.com/Aidin1998/predex/pkg/metrics"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	writeDefault := flag.String("write-default-config", "", "write the default config to this path and exit")
	flag.Parse()

	if *writeDefault != "" {
		if err := config.WriteDefault(*writeDefault); err != nil {
			log.Fatalf("Failed to write default config: %v", err)
		}
		return
	}

	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found, using environment variables")
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}
	bootLogger, err := logger.NewLogger(logLevel)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}

	loader := config.NewLoader(bootLogger)
	var paths []string
	if *configPath != "" {
		paths = []string{*configPath}
	}
	cfg, err := loader.Load(paths...)
	if err != nil {
		bootLogger.Fatal("Failed to load configuration", zap.Error(err))
	}

	zapLogger := bootLogger
	if os.Getenv("LOG_LEVEL") == "" && cfg.Log.Level != logLevel {
		if zapLogger, err = logger.NewLogger(cfg.Log.Level); err != nil {
			bootLogger.Fatal("Failed to create logger", zap.Error(err))
		}
	}
	defer zapLogger.Sync()

	if err := run(cfg, loader, zapLogger); err != nil {
		zapLogger.Fatal("predex exited with error", zap.Error(err))
	}
	zapLogger.Info("Server exited properly")
}

func run(cfg *config.Config, loader *config.Loader, zapLogger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := openDatabase(cfg.Database)
	if err != nil {
		return err
	}
	store, err := persistence.NewGormStore(db, zapLogger)
	if err != nil {
		return err
	}

	var redisClient *redis.Client
	var limiterStore ratelimit.Store = ratelimit.NewMemoryStore()
	var commitStore commitreveal.Store = commitreveal.NewMemoryStore()
	healthChecks := map[string]api.HealthCheck{
		"database": func(ctx context.Context) error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		},
	}
	if cfg.Redis.Addr != "" {
		redisClient = ratelimit.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		defer redisClient.Close()
		rs := ratelimit.NewRedisStore(redisClient, cfg.Redis.Prefix+":rl")
		limiterStore = rs
		commitStore = commitreveal.NewRedisStore(redisClient, cfg.Redis.Prefix+":commit")
		healthChecks["redis"] = rs.HealthCheck
	}

	limiter := ratelimit.New(limiterStore, cfg.RateLimitRules(), zapLogger,
		ratelimit.WithMinRestingTime(cfg.RateLimits.MinRestingTime))

	riskCfg, err := cfg.RiskConfig()
	if err != nil {
		return err
	}
	fees, err := engine.FeeScheduleFromConfig(cfg.Fees)
	if err != nil {
		return err
	}
	volumes := engine.NewVolumeTracker()
	registry := engine.NewRegistry(zapLogger, cfg.Engine.InversionCheckInterval,
		engine.WithCancelGuard(limiter),
		engine.WithFeeSchedule(fees),
		engine.WithVolumeTracker(volumes),
	)

	writer := persistence.NewWriter(store, cfg.WriterConfig(), zapLogger)
	writer.Start()

	bus := events.NewInMemoryEventBus(zapLogger)
	var kafka *events.KafkaPublisher
	if len(cfg.Kafka.Brokers) > 0 {
		kafka = events.NewKafkaPublisher(events.KafkaConfig{
			Brokers:      cfg.Kafka.Brokers,
			TopicPrefix:  cfg.Kafka.TopicPrefix,
			BatchSize:    cfg.Kafka.BatchSize,
			BatchTimeout: cfg.Kafka.BatchTimeout,
			Compression:  cfg.Kafka.Compression,
		}, zapLogger)
		kafka.Attach(bus, events.TopicTrade, events.TopicOrder, events.TopicMarket)
	}

	svc, err := service.New(service.Deps{
		Registry:  registry,
		Risk:      risk.NewEngine(riskCfg, limiter, zapLogger),
		Accounts:  store,
		Persister: writer,
		Bus:       bus,
		Commits:   commitreveal.NewManager(commitStore, cfg.CommitReveal.TTL, zapLogger),
	}, zapLogger)
	if err != nil {
		return err
	}
	for _, m := range cfg.Markets {
		ec, err := cfg.EngineConfig(m)
		if err != nil {
			return err
		}
		if _, err := svc.CreateMarket(ec, m.Active); err != nil {
			return err
		}
	}
	if err := svc.Hydrate(ctx, store, volumes); err != nil {
		return err
	}
	registry.Start(ctx)

	hub := channel.NewHub(cfg.Server.WSShards, cfg.Server.WSReplay, zapLogger)
	hub.Start(ctx)

	var publishers []*publisher.Publisher
	var redisChannels []*channel.RedisChannel
	if cfg.Publisher.Enabled {
		for _, id := range registry.Markets() {
			eng, err := registry.Get(id)
			if err != nil {
				return err
			}
			transports := channel.Multi{hub.Market(id)}
			if redisClient != nil {
				rc := channel.NewRedisChannel(redisClient, cfg.Redis.Prefix+":md", id, zapLogger)
				if err := rc.Start(ctx); err != nil {
					zapLogger.Warn("redis market data channel unavailable", zap.String("market", id), zap.Error(err))
				} else {
					redisChannels = append(redisChannels, rc)
					transports = append(transports, rc)
				}
			}
			p := publisher.New(eng, transports, cfg.PublisherConfig(), zapLogger)
			p.Start(ctx)
			publishers = append(publishers, p)
		}
	}

	loader.Watch(func(next *config.Config) {
		known := make(map[string]bool)
		for _, id := range registry.Markets() {
			known[id] = true
		}
		for _, m := range next.Markets {
			if !known[m.ID] {
				zapLogger.Warn("new market in config requires a restart", zap.String("market", m.ID))
				continue
			}
			svc.SetActive(m.ID, m.Active)
		}
	})

	go recordDBStats(ctx, db, cfg.Database.Driver)

	server := api.NewServer(zapLogger, svc, api.Options{
		CORSOrigins:  cfg.Server.CORSOrigins,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		WebSocket:    hub.ServeWS,
		HealthChecks: healthChecks,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Start(cfg.Server.Addr) })
	g.Go(func() error {
		<-gctx.Done()
		zapLogger.Info("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	err = g.Wait()

	for _, p := range publishers {
		p.Stop()
	}
	for _, rc := range redisChannels {
		if cerr := rc.Close(); cerr != nil {
			zapLogger.Warn("close redis channel", zap.Error(cerr))
		}
	}
	hub.Stop()
	registry.Stop()
	writer.Stop()
	if kafka != nil {
		if cerr := kafka.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}
	if sqlDB, derr := db.DB(); derr == nil {
		sqlDB.Close()
	}
	return err
}

func openDatabase(c config.DatabaseConfig) (*gorm.DB, error) {
	db, err := persistence.Open(c.Driver, c.DSN)
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if c.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(c.MaxOpenConns)
	}
	if c.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(c.MaxIdleConns)
	}
	if c.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(c.ConnMaxLifetime)
	}
	return db, nil
}

func recordDBStats(ctx context.Context, db *gorm.DB, driver string) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sqlDB, err := db.DB()
			if err != nil {
				continue
			}
			stats := sqlDB.Stats()
			metrics.DBOpenConns.WithLabelValues(driver).Set(float64(stats.OpenConnections))
			metrics.DBIdleConns.WithLabelValues(driver).Set(float64(stats.Idle))
			metrics.DBInUseConns.WithLabelValues(driver).Set(float64(stats.InUse))
		}
	}
}
