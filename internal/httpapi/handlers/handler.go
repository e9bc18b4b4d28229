package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/astro-report/internal/common"
	"github.com/suPer8Hu/astro-report/internal/dispatch"
	"github.com/suPer8Hu/astro-report/internal/httpapi/middleware"
	"github.com/suPer8Hu/astro-report/internal/report"
	"go.uber.org/zap"
)

type ReportService interface {
	Start(ctx context.Context, req report.StartRequest) (*report.Job, bool, error)
	Get(ctx context.Context, userID uint64, reportID string) (*report.Job, error)
}

type Worker interface {
	RunReport(ctx context.Context, reportID string) (dispatch.RunResult, error)
	Sweep(ctx context.Context) (dispatch.SweepResult, error)
}

type PaymentVerifier interface {
	Verify(token, reportType string) (string, error)
}

// StatusCache holds poll responses of terminal reports.
type StatusCache interface {
	GetStatus(ctx context.Context, reportID string, dst any) (bool, error)
	SetStatus(ctx context.Context, reportID string, v any) error
}

type Handler struct {
	Reports  ReportService
	Worker   Worker
	Payments PaymentVerifier
	Cache    StatusCache
	Log      *zap.Logger
}

func NewHandler(reports ReportService, worker Worker, payments PaymentVerifier, cache StatusCache, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{Reports: reports, Worker: worker, Payments: payments, Cache: cache, Log: log}
}

func (h *Handler) Ping(c *gin.Context) {
	common.OK(c, gin.H{"pong": true})
}

func userIDFromContext(c *gin.Context) (uint64, bool) {
	v, ok := c.Get(middleware.UserIDKey)
	if !ok {
		return 0, false
	}
	id, ok := v.(uint64)
	return id, ok
}

func (h *Handler) logger(c *gin.Context) *zap.Logger {
	return h.Log.With(zap.String("request_id", c.GetString(middleware.RequestIDKey)))
}

func unauthorized(c *gin.Context) {
	common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
}
