package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/astro-report/internal/common"
	"github.com/suPer8Hu/astro-report/internal/report"
	"go.uber.org/zap"
)

type runWorkerReq struct {
	ReportID string `json:"reportId" binding:"required"`
}

// RunWorker runs one report by id. The run is detached from the caller's
// connection: a cron or internal caller that gives up must not abandon it.
func (h *Handler) RunWorker(c *gin.Context) {
	var req runWorkerReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	reportID := strings.TrimSpace(req.ReportID)

	res, err := h.Worker.RunReport(context.WithoutCancel(c.Request.Context()), reportID)
	if err != nil {
		if errors.Is(err, report.ErrNotFound) {
			common.Fail(c, http.StatusNotFound, 40401, "report not found")
			return
		}
		h.logger(c).Error("worker run failed", zap.String("report_id", reportID), zap.Error(err))
		common.Fail(c, http.StatusInternalServerError, 50002, "worker run failed")
		return
	}
	common.OK(c, res)
}

func (h *Handler) ProcessQueue(c *gin.Context) {
	res, err := h.Worker.Sweep(context.WithoutCancel(c.Request.Context()))
	if err != nil {
		h.logger(c).Error("sweep failed", zap.Error(err))
		common.Fail(c, http.StatusInternalServerError, 50002, "sweep failed")
		return
	}
	common.OK(c, res)
}
