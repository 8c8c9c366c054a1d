package router

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/psds-microservice/session-reservation-service/internal/handler"
	"github.com/psds-microservice/session-reservation-service/internal/middleware"
	"github.com/psds-microservice/session-reservation-service/internal/model"
	"github.com/psds-microservice/session-reservation-service/pkg/constants"
	"go.uber.org/zap"
)

// Options carries the router-level settings.
type Options struct {
	AllowedOrigins []string
	Auth           gin.HandlerFunc
	Logger         *zap.Logger
}

// New builds the HTTP router.
func New(
	sessionHandler *handler.SessionHandler,
	lifecycleWS *handler.LifecycleWSHandler,
	health *handler.HealthHandler,
	opts Options,
) http.Handler {
	r := gin.New()
	r.Use(gin.Recovery())
	if opts.Logger != nil {
		r.Use(middleware.RequestLogger(opts.Logger))
	}
	r.Use(cors.New(cors.Config{
		AllowOriginFunc:  originMatcher(opts.AllowedOrigins),
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", constants.HeaderUserID, constants.HeaderUserRole},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	r.GET(constants.PathHealth, health.Health)
	r.GET(constants.PathReady, health.Ready)

	// REST sessions (за auth middleware)
	sessions := r.Group(constants.PathSessions)
	if opts.Auth != nil {
		sessions.Use(opts.Auth)
	}
	{
		sessions.GET("/channel/:channel", sessionHandler.GetSessionByChannel)
		sessions.GET("/today", sessionHandler.GetToday)
		sessions.GET("/token/:channel", sessionHandler.TokenByChannel)
		sessions.POST("/token/:channel", sessionHandler.TokenByChannel)
		sessions.GET("/:id", sessionHandler.GetSession)
		sessions.GET("/:id/complete", sessionHandler.GetSessionComplete)
		sessions.POST("/:id/join", sessionHandler.Join)
		sessions.POST("/:id/tokens/ensure", sessionHandler.EnsureTokens)
	}

	// операции планировщика и администраторов
	admin := sessions.Group("", middleware.RequireRole(model.RoleAdmin))
	{
		admin.POST("/:id/tokens/rotate", sessionHandler.RotateTokens)
		admin.POST("/:id/status", sessionHandler.UpdateStatus)
		admin.POST("/:id/close", sessionHandler.CloseRoom)
	}

	// WebSocket: /ws/lifecycle/:appointment_id
	r.GET(constants.PathLifecycleWS, lifecycleWS.ServeWS)

	return r
}

func originMatcher(allowed []string) func(string) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(string) bool { return true }
		}
		set[o] = struct{}{}
	}
	return func(origin string) bool {
		_, ok := set[origin]
		return ok
	}
}
