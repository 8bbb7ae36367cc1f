package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"github.com/seva-arogya/livescribe/config"
	"github.com/seva-arogya/livescribe/internal/api/handlers"
	"github.com/seva-arogya/livescribe/internal/api/middleware"
	"github.com/seva-arogya/livescribe/internal/api/routes"
	"github.com/seva-arogya/livescribe/internal/cache"
	"github.com/seva-arogya/livescribe/internal/events"
	"github.com/seva-arogya/livescribe/internal/logger"
	"github.com/seva-arogya/livescribe/internal/metrics"
	"github.com/seva-arogya/livescribe/internal/providers/stt"
	"github.com/seva-arogya/livescribe/internal/realtime"
	mongorepo "github.com/seva-arogya/livescribe/internal/repositories/mongo"
	pgrepo "github.com/seva-arogya/livescribe/internal/repositories/postgres"
	"github.com/seva-arogya/livescribe/internal/services"
	"github.com/seva-arogya/livescribe/internal/session"
	"github.com/seva-arogya/livescribe/internal/storage"
)

func main() {
	_ = godotenv.Load()
	log := logger.New()

	if err := config.InitApp(); err != nil {
		log.WithError(err).Fatal("config init error")
	}
	cfg := config.App

	// Init PostgreSQL
	if err := config.InitPostgres(); err != nil {
		log.WithError(err).Fatal("PostgreSQL init error")
	}
	if err := config.MigratePostgres(); err != nil {
		log.WithError(err).Fatal("PostgreSQL migration error")
	}
	log.Info("PostgreSQL connected")

	// MongoDB holds the session log; optional
	var sessionRepo mongorepo.SessionRepository
	if err := config.InitMongo(); err != nil {
		log.WithError(err).Warn("MongoDB unavailable; session log disabled")
	} else {
		if err := config.EnsureMongoIndexes(); err != nil {
			log.WithError(err).Fatal("MongoDB index error")
		}
		sessionRepo = mongorepo.NewSessionRepo(config.MongoClient.Database(config.MongoDBName()))
		log.Info("MongoDB connected")
	}

	// Redis backs the read cache and completion events; optional
	var (
		readCache cache.Cache = cache.NewMemoryCache()
		publisher events.Publisher
	)
	if err := config.InitRedis(); err != nil {
		log.WithError(err).Warn("Redis unavailable; using in-process cache")
	} else {
		readCache = cache.NewRedisCache(config.RedisClient)
		publisher = events.NewRedisPublisher(config.RedisClient)
		log.Info("Redis connected")
	}

	ctx := context.Background()

	var (
		uploader storage.Uploader
		signer   storage.Signer
	)
	switch cfg.Storage.Backend {
	case "gcs":
		gcs, err := storage.NewGCSUploader(ctx, cfg.Storage.Bucket, cfg.Adapter.CredentialsFile)
		if err != nil {
			log.WithError(err).Fatal("GCS init error")
		}
		defer gcs.Close()
		uploader, signer = gcs, gcs
	default:
		local, err := storage.NewLocalUploader(cfg.Storage.LocalDir)
		if err != nil {
			log.WithError(err).Fatal("local storage init error")
		}
		uploader = local
	}

	var provider stt.Provider
	switch cfg.Adapter.Provider {
	case "fake":
		provider = stt.NewFake(cfg.Adapter.FakeText)
	default:
		gs, err := stt.NewGoogleSpeech(ctx, cfg.Adapter.CredentialsFile)
		if err != nil {
			log.WithError(err).Fatal("Speech-to-Text init error")
		}
		provider = gs
	}

	transcriptions := services.NewTranscriptionService(services.TranscriptionDeps{
		Repo:      pgrepo.NewTranscriptionRepo(config.PostgresDB),
		Sessions:  sessionRepo,
		Cache:     readCache,
		Publisher: publisher,
		CacheTTL:  cfg.Cache.TTL,
		Logger:    log,
	})

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(promReg)

	engine, err := realtime.NewEngine(realtime.Config{
		Language:          cfg.Adapter.Language,
		OpenTimeout:       cfg.Adapter.OpenTimeout,
		ForwardAttempts:   cfg.Adapter.ForwardAttempts,
		ForwardBackoff:    cfg.Adapter.ForwardBackoff,
		MaxRecording:      cfg.Session.MaxRecording,
		IdleTimeout:       cfg.Session.IdleTimeout,
		SweepInterval:     cfg.Session.SweepInterval,
		HeartbeatInterval: cfg.Session.HeartbeatInterval,
		FinalizeTimeout:   cfg.Finalize.Timeout,
		FinalizeWorkers:   cfg.Finalize.Workers,
		FinalizeQueue:     cfg.Finalize.QueueSize,
	}, realtime.Deps{
		Registry: session.NewRegistry(
			session.WithMaxSessions(cfg.Session.MaxSessions),
			session.WithShards(cfg.Session.Shards),
		),
		Provider: provider,
		Store:    services.NewRecordingService(uploader),
		Recorder: transcriptions,
		Metrics:  m,
		Logger:   log,
	})
	if err != nil {
		log.WithError(err).Fatal("engine init error")
	}
	if err := engine.Start(ctx); err != nil {
		log.WithError(err).Fatal("engine start error")
	}

	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery(), middleware.RequestLogger(log, "/ping", "/metrics"))
	routes.RegisterRoutes(r, routes.Deps{
		Session: handlers.NewSessionHandler(transcriptions, signer, cfg.Storage.SignedURLTTL, log),
		Admin:   handlers.NewAdminHandler(engine.Registry()),
		WS: handlers.NewWSHandler(engine, m, log, handlers.WSOptions{
			ReadLimit:      cfg.WS.ReadLimit,
			PongWait:       cfg.WS.PongWait,
			WriteWait:      cfg.WS.WriteWait,
			AllowedOrigins: cfg.WS.AllowedOrigins,
		}),
		JWT:      middleware.JWTConfigFromEnv(),
		Gatherer: promReg,
	})

	srv := &http.Server{Addr: cfg.HTTP.Addr, Handler: r}
	go func() {
		log.WithField("addr", cfg.HTTP.Addr).Info("scribe server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("http server error")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	// sessions first so clients receive server_shutdown while still connected
	if err := engine.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("engine shutdown incomplete")
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("http shutdown error")
	}
	if err := config.CloseMongo(shutdownCtx); err != nil {
		log.WithError(err).Warn("MongoDB disconnect error")
	}
	if err := config.CloseRedis(); err != nil {
		log.WithError(err).Warn("Redis close error")
	}
	if err := config.ClosePostgres(); err != nil {
		log.WithError(err).Warn("PostgreSQL close error")
	}
	log.WithFields(logrus.Fields{"sessions": engine.Registry().Len()}).Info("server stopped")
}
