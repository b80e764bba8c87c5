package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"coursegrab/internal/config"
	"coursegrab/internal/domain"
	apphttp "coursegrab/internal/http"
	"coursegrab/internal/repository/sqlite"
	"coursegrab/internal/runner"
	"coursegrab/internal/service"
	"coursegrab/internal/session"
	"coursegrab/internal/storage"
	"coursegrab/internal/websocket"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}

	setupLogging(logger, cfg)

	if cfg.Auth.Secret == "" {
		logger.Warn("auth secret is empty, API authentication is disabled")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := sqlite.Open(cfg.Database.Path)
	if err != nil {
		logger.Fatalf("open database: %v", err)
	}
	defer db.Close()

	sessionRepo := sqlite.NewSessionRepository(db)
	userRepo := sqlite.NewUserRepository(db)

	if err := sessionRepo.Init(ctx); err != nil {
		logger.Fatalf("init session repository: %v", err)
	}
	if err := userRepo.Init(ctx); err != nil {
		logger.Fatalf("init user repository: %v", err)
	}

	historyService := service.NewHistoryService(sessionRepo)
	userService := service.NewUserService(userRepo, cfg.Auth.RegistrationPassword)

	storageSvc, err := buildStorage(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("setup storage: %v", err)
	}

	jobRunner := runner.New(runner.Config{
		ToolPath:            cfg.Downloader.ToolPath,
		CancelGrace:         time.Duration(cfg.Downloader.CancelGraceSeconds) * time.Second,
		Retries:             cfg.Downloader.Retries,
		ConcurrentFragments: cfg.Downloader.ConcurrentFragments,
		UserAgent:           cfg.Downloader.UserAgent,
		SubtitleFormat:      cfg.Downloader.SubtitleFormat,
		Logger:              logger,
	})

	controller := session.NewController(session.Config{
		DestinationRoot: cfg.Session.DestinationRoot,
		DefaultMode:     domain.RunMode(cfg.Downloader.Mode),
		ArchiveFileName: cfg.Session.ArchiveFile,
		OnItemFailure:   session.FailurePolicy(cfg.Session.OnItemFailure),
		UploadOptions: storage.UploadOptions{
			Bucket:    cfg.Storage.Bucket,
			KeyPrefix: cfg.Storage.KeyPrefix,
		},
		Logger: logger,
	}, jobRunner, historyService, storageSvc)

	hub := websocket.NewHub(logger)
	go hub.Run(ctx)
	go bridgeProgress(ctx, controller, hub)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	handler := apphttp.NewHandler(
		controller,
		historyService,
		userService,
		storageSvc,
		hub,
		apphttp.AuthConfig{
			Secret:   cfg.Auth.Secret,
			TokenTTL: time.Duration(cfg.Auth.TokenTTLHours) * time.Hour,
		},
		cfg.Storage.Bucket,
		cfg.Session.ArchiveFile,
		logger,
	)
	handler.RegisterRoutes(router)

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: router,
	}

	go func() {
		logger.Infof("listening on %s", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("http server: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("http shutdown: %v", err)
	}
	controller.Shutdown()

	logger.Info("bye")
}

func setupLogging(logger *logrus.Logger, cfg config.Config) {
	level, err := logrus.ParseLevel(cfg.Log.Level)
	if err != nil {
		logger.Warnf("unknown log level %q, using info", cfg.Log.Level)
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if cfg.Log.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.Log.File,
			MaxSize:    cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
		}
		logger.SetOutput(io.MultiWriter(os.Stdout, rotator))
	}
}

// bridgeProgress pushes every controller event onto the websocket hub so
// connected clients see the same stream API subscribers do.
func bridgeProgress(ctx context.Context, controller session.Controller, hub *websocket.Hub) {
	events, unsubscribe := controller.Subscribe()
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			_ = hub.Broadcast("session:progress", apphttp.ProgressPayloadFrom(ev))
		}
	}
}

func buildStorage(ctx context.Context, cfg config.Config, logger *logrus.Logger) (storage.Service, error) {
	if cfg.Storage.Bucket == "" {
		logger.Info("storage bucket not set, mirror disabled")
		return nil, nil
	}

	loadOpts := []func(*awscfg.LoadOptions) error{
		awscfg.WithRegion(cfg.Storage.Region),
	}
	if cfg.AWS.Profile != "" {
		loadOpts = append(loadOpts, awscfg.WithSharedConfigProfile(cfg.AWS.Profile))
	}

	awsCfg, err := awscfg.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Storage.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Storage.Endpoint)
			o.UsePathStyle = true
		}
	})
	logger.Infof("using s3 bucket %s (region %s)", cfg.Storage.Bucket, cfg.Storage.Region)
	return storage.NewS3Service(client), nil
}
