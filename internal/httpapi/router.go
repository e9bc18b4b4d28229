package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/astro-report/internal/common"
	"github.com/suPer8Hu/astro-report/internal/config"
	"github.com/suPer8Hu/astro-report/internal/httpapi/handlers"
	"github.com/suPer8Hu/astro-report/internal/httpapi/middleware"
	"github.com/suPer8Hu/astro-report/internal/metrics"
	"go.uber.org/zap"
)

func NewRouter(cfg config.Config, h *handlers.Handler, m *metrics.Metrics, log *zap.Logger) *gin.Engine {
	if log == nil {
		log = zap.NewNop()
	}
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger(log))
	r.Use(middleware.Recovery(log))

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	r.GET("/ping", h.Ping)
	if m != nil {
		r.GET("/metrics", gin.WrapH(m.Handler()))
	}

	// client API (JWT required)
	authGroup := r.Group("/")
	authGroup.Use(middleware.AuthRequired(cfg.JWTSecret))
	authGroup.POST("/payments/verify", h.VerifyPayment)
	authGroup.POST("/generate-report", middleware.RateLimit(cfg.StartRatePerSec, cfg.StartBurst), h.StartReport)
	authGroup.GET("/generate-report", h.GetReport)

	// infrastructure callers (cron, queue)
	workerGroup := r.Group("/")
	workerGroup.Use(middleware.WorkerAuth(cfg.WorkerSecret, cfg.IsDevelopment()))
	workerGroup.POST("/report-worker", h.RunWorker)
	workerGroup.POST("/process-report-queue", h.ProcessQueue)
	return r
}
