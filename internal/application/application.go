package application

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/psds-microservice/session-reservation-service/internal/config"
	"github.com/psds-microservice/session-reservation-service/internal/database"
	"github.com/psds-microservice/session-reservation-service/internal/handler"
	"github.com/psds-microservice/session-reservation-service/internal/lifecycle"
	"github.com/psds-microservice/session-reservation-service/internal/middleware"
	"github.com/psds-microservice/session-reservation-service/internal/router"
	"github.com/psds-microservice/session-reservation-service/internal/rtc"
	"github.com/psds-microservice/session-reservation-service/internal/service"
	"github.com/psds-microservice/session-reservation-service/internal/store"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

// API is the HTTP + WebSocket API application.
type API struct {
	cfg    *config.Config
	srv    *http.Server
	log    *zap.Logger
	svc    *service.SessionService
	bridge *lifecycle.AMQPBridge
}

// NewLogger builds the process logger: development config for
// APP_ENV=development, production otherwise, level from LOG_LEVEL.
func NewLogger(cfg *config.Config) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.AppEnv == "development" {
		zc = zap.NewDevelopmentConfig()
	}
	if cfg.LogLevel != "" {
		lvl, err := zapcore.ParseLevel(cfg.LogLevel)
		if err != nil {
			return nil, fmt.Errorf("log level: %w", err)
		}
		zc.Level = zap.NewAtomicLevelAt(lvl)
	}
	return zc.Build()
}

// NewAPI creates the API application: validates config, runs migrations, opens DB, builds router.
func NewAPI(cfg *config.Config, logger *zap.Logger) (*API, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := database.MigrateUp(cfg.DatabaseURL()); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	db, err := database.Open(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}

	hub := lifecycle.NewHub(cfg.WSReadBufferSize, cfg.WSWriteBufferSize, cfg.WSMaxMessageSize, logger)
	var (
		publisher lifecycle.Publisher = hub
		bridge    *lifecycle.AMQPBridge
	)
	if cfg.AMQPURL != "" {
		bridge = lifecycle.NewAMQPBridge(cfg.AMQPURL, cfg.AMQPExchange, hub, logger)
		if err := bridge.Connect(); err != nil {
			logger.Warn("amqp connect failed, lifecycle events stay in-process", zap.Error(err))
			bridge = nil
		} else {
			publisher = bridge
		}
	}

	sessionStore := store.NewSessionStore(db)
	signer := rtc.NewSigner(cfg.RTC.AppID, cfg.RTC.AppCertificate, cfg.RTC.TokenTTL)
	sessionSvc := service.NewSessionService(sessionStore, signer, publisher, cfg, logger)

	r := router.New(
		handler.NewSessionHandler(sessionSvc, logger),
		handler.NewLifecycleWSHandler(hub, logger),
		handler.NewHealthHandler(sessionStore),
		router.Options{
			AllowedOrigins: cfg.CORSAllowedOrigins,
			Auth:           middleware.Auth(cfg.AuthJWTSecret, cfg.AuthTrustHeaders),
			Logger:         logger,
		},
	)

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return &API{cfg: cfg, srv: srv, log: logger, svc: sessionSvc, bridge: bridge}, nil
}

// Run starts the HTTP server (and the AMQP consumer when configured) and
// blocks until ctx is cancelled; then shuts down gracefully.
func (a *API) Run(ctx context.Context) error {
	host := a.cfg.AppHost
	if host == "0.0.0.0" {
		host = "localhost"
	}
	base := "http://" + host + ":" + a.cfg.HTTPPort
	a.log.Info("HTTP server listening",
		zap.String("addr", a.srv.Addr),
		zap.String("health", base+"/health"),
		zap.String("sessions", base+"/sessions"),
		zap.String("lifecycle_ws", "ws://"+host+":"+a.cfg.HTTPPort+"/ws/lifecycle/:appointment_id"))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := a.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})
	if a.bridge != nil {
		g.Go(func() error {
			if err := a.bridge.Run(gctx); err != nil {
				// события продолжают доставляться локально через Publish fallback
				a.log.Warn("amqp consumer stopped", zap.Error(err))
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		a.svc.Close()
		if a.bridge != nil {
			a.bridge.Close()
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})
	return g.Wait()
}
