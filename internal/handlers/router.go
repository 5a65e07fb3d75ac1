package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mossy-p/call-signaling/internal/logger"
	"github.com/mossy-p/call-signaling/internal/metrics"
	"github.com/mossy-p/call-signaling/internal/middleware"
	"github.com/mossy-p/call-signaling/internal/signaling"
)

// RouterConfig carries what the HTTP surface needs
type RouterConfig struct {
	JWTSecret      string
	AllowedOrigins []string
	Service        *signaling.Service
	Metrics        *metrics.Metrics
	Log            *zap.Logger
}

// NewRouter wires the REST API, the event stream, health and metrics
func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.New()
	router.Use(middleware.Recovery(cfg.Log))
	router.Use(logger.RequestLogger(cfg.Log))
	router.Use(cfg.Metrics.Middleware())

	// Global CORS middleware (runs before routing)
	router.Use(OriginFilter(cfg.AllowedOrigins))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", cfg.Metrics.Handler())

	calls := NewCallHandler(cfg.Service, cfg.Log)
	auth := middleware.JWTAuth(cfg.JWTSecret)

	apiGroup := router.Group("/api")
	{
		apiGroup.POST("/auth/login", Login(cfg.JWTSecret))

		callGroup := apiGroup.Group("/calls", auth)
		callGroup.POST("", calls.CreateCall)
		callGroup.GET("/:callId", calls.GetCall)
		callGroup.PUT("/:callId/status", calls.UpdateStatus)
		callGroup.PUT("/:callId/offer", calls.SetOffer)
		callGroup.PUT("/:callId/answer", calls.SetAnswer)
		callGroup.POST("/:callId/candidates", calls.AddCandidate)
		callGroup.DELETE("/:callId", calls.DeleteCall)
	}

	stream := NewStreamHandler(cfg.Service, cfg.Log, cfg.Metrics)
	router.GET("/ws/calls", auth, stream.HandleStream)

	return router
}
