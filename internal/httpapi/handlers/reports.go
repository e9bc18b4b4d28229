package handlers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/astro-report/internal/common"
	"github.com/suPer8Hu/astro-report/internal/report"
	"go.uber.org/zap"
)

const IdempotencyKeyHeader = "Idempotency-Key"

type reportError struct {
	Code    report.ErrorCode `json:"code"`
	Message string           `json:"message"`
}

type reportView struct {
	ReportID   string          `json:"reportId"`
	ReportType report.Type     `json:"reportType"`
	Status     report.Status   `json:"status"`
	Quality    *report.Quality `json:"quality,omitempty"`
	Content    *report.Content `json:"content,omitempty"`
	Error      *reportError    `json:"error,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

// cachedReport is what the status cache stores; Owner keeps the cache from
// leaking a report to another user.
type cachedReport struct {
	Owner uint64     `json:"owner"`
	View  reportView `json:"view"`
}

func toView(j *report.Job) (reportView, error) {
	v := reportView{
		ReportID:   j.ReportID,
		ReportType: j.ReportType,
		Status:     j.Status,
		CreatedAt:  j.CreatedAt,
		UpdatedAt:  j.UpdatedAt,
	}
	switch j.Status {
	case report.StatusCompleted:
		content, err := j.DecodeContent()
		if err != nil {
			return reportView{}, err
		}
		v.Content = content
		v.Quality = j.Quality
	case report.StatusFailed:
		e := &reportError{Code: report.CodeGenerationFailed}
		if j.ErrorCode != nil {
			e.Code = *j.ErrorCode
		}
		if j.ErrorMessage != nil {
			e.Message = *j.ErrorMessage
		}
		v.Error = e
	}
	return v, nil
}

type startReportReq struct {
	ReportType   report.Type  `json:"reportType" binding:"required"`
	Input        report.Input `json:"input"`
	PaymentToken string       `json:"paymentToken"`
}

type startReportResp struct {
	reportView
	Replayed bool `json:"replayed"`
}

func (h *Handler) StartReport(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		unauthorized(c)
		return
	}

	var req startReportReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	job, created, err := h.Reports.Start(c.Request.Context(), report.StartRequest{
		UserID:         uid,
		ReportType:     req.ReportType,
		Input:          req.Input,
		IdempotencyKey: strings.TrimSpace(c.GetHeader(IdempotencyKeyHeader)),
		PaymentToken:   req.PaymentToken,
	})
	if err != nil {
		switch {
		case errors.Is(err, report.ErrInvalidInput):
			common.Fail(c, http.StatusBadRequest, 10002, err.Error())
		case errors.Is(err, report.ErrPaymentRequired):
			common.Fail(c, http.StatusPaymentRequired, 40201, "payment required")
		default:
			h.logger(c).Error("start report failed", zap.Error(err))
			common.Fail(c, http.StatusInternalServerError, 50001, "failed to start report")
		}
		return
	}

	view, err := toView(job)
	if err != nil {
		h.logger(c).Error("decode report failed", zap.String("report_id", job.ReportID), zap.Error(err))
		common.Fail(c, http.StatusInternalServerError, 50003, "failed to read report")
		return
	}
	common.OK(c, startReportResp{reportView: view, Replayed: !created})
}

func (h *Handler) GetReport(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		unauthorized(c)
		return
	}
	reportID := strings.TrimSpace(c.Query("reportId"))
	if reportID == "" {
		common.Fail(c, http.StatusBadRequest, 10003, "reportId required")
		return
	}
	ctx := c.Request.Context()
	log := h.logger(c).With(zap.String("report_id", reportID))

	if h.Cache != nil {
		var cached cachedReport
		hit, err := h.Cache.GetStatus(ctx, reportID, &cached)
		if err != nil {
			log.Warn("status cache read failed", zap.Error(err))
		} else if hit && cached.Owner == uid {
			common.OK(c, cached.View)
			return
		}
	}

	job, err := h.Reports.Get(ctx, uid, reportID)
	if err != nil {
		if errors.Is(err, report.ErrNotFound) {
			common.Fail(c, http.StatusNotFound, 40401, "report not found")
			return
		}
		log.Error("get report failed", zap.Error(err))
		common.Fail(c, http.StatusInternalServerError, 20001, "db error")
		return
	}

	view, err := toView(job)
	if err != nil {
		log.Error("decode report failed", zap.Error(err))
		common.Fail(c, http.StatusInternalServerError, 50003, "failed to read report")
		return
	}

	if h.Cache != nil && job.Status.Terminal() {
		if err := h.Cache.SetStatus(ctx, reportID, cachedReport{Owner: uid, View: view}); err != nil {
			log.Warn("status cache write failed", zap.Error(err))
		}
	}
	common.OK(c, view)
}

type verifyPaymentReq struct {
	PaymentToken string      `json:"paymentToken" binding:"required"`
	ReportType   report.Type `json:"reportType" binding:"required"`
}

func (h *Handler) VerifyPayment(c *gin.Context) {
	if _, ok := userIDFromContext(c); !ok {
		unauthorized(c)
		return
	}

	var req verifyPaymentReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	if _, ok := report.Lookup(req.ReportType); !ok {
		common.Fail(c, http.StatusBadRequest, 10002, "unknown report type")
		return
	}

	intentID, err := h.Payments.Verify(req.PaymentToken, string(req.ReportType))
	if err != nil {
		common.Fail(c, http.StatusPaymentRequired, 40202, "invalid payment token")
		return
	}
	common.OK(c, gin.H{
		"paymentIntentId": intentID,
		"reportType":      req.ReportType,
	})
}
