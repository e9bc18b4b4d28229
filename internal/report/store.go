package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/suPer8Hu/astro-report/internal/common"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store persists report jobs. Every mutation is a single-row statement; the
// terminal transitions are conditional on status = processing so concurrent
// writers (inline run, worker, sweep) cannot overwrite each other.
type Store struct {
	db  *gorm.DB
	log *zap.Logger
	now func() time.Time
}

func NewStore(db *gorm.DB, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{db: db, log: log, now: func() time.Time { return time.Now().UTC() }}
}

func (s *Store) AutoMigrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&Job{})
}

type NewJob struct {
	IdempotencyKey  string
	UserID          uint64
	ReportType      Type
	Input           Input
	PaymentIntentID string
}

func NewReportID() (string, error) {
	id, err := common.NewULID()
	if err != nil {
		return "", err
	}
	return "RPT-" + id, nil
}

// CreateProcessing inserts a processing row for the idempotency key. If a row
// already exists for the key it is returned unchanged and created is false.
func (s *Store) CreateProcessing(ctx context.Context, nj NewJob) (job *Job, created bool, err error) {
	if nj.IdempotencyKey == "" {
		return nil, false, errors.New("create report: idempotency key required")
	}
	input, err := json.Marshal(nj.Input)
	if err != nil {
		return nil, false, err
	}
	reportID, err := NewReportID()
	if err != nil {
		return nil, false, err
	}

	now := s.now()
	j := &Job{
		IdempotencyKey: nj.IdempotencyKey,
		ReportID:       reportID,
		UserID:         nj.UserID,
		ReportType:     nj.ReportType,
		Status:         StatusProcessing,
		Input:          datatypes.JSON(input),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if nj.PaymentIntentID != "" {
		pi := nj.PaymentIntentID
		j.PaymentIntentID = &pi
	}

	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "idempotency_key"}},
		DoNothing: true,
	}).Create(j)
	if res.Error != nil {
		return nil, false, res.Error
	}
	if res.RowsAffected == 1 {
		return j, true, nil
	}

	existing, err := s.GetByIdempotencyKey(ctx, nj.IdempotencyKey)
	if err != nil {
		return nil, false, fmt.Errorf("create report: fetch existing: %w", err)
	}
	return existing, false, nil
}

// MarkCompleted moves a processing job to completed. It reports whether this
// call performed the transition; a job that is already terminal is left as is.
func (s *Store) MarkCompleted(ctx context.Context, key, reportID string, content Content, quality Quality) (bool, error) {
	body, err := json.Marshal(content)
	if err != nil {
		return false, err
	}
	return s.transition(ctx, key, reportID, StatusCompleted, map[string]any{
		"status":        StatusCompleted,
		"content":       datatypes.JSON(body),
		"quality":       quality,
		"error_code":    nil,
		"error_message": nil,
	})
}

// MarkFailed moves a processing job to failed with the given code.
func (s *Store) MarkFailed(ctx context.Context, key, reportID string, code ErrorCode, msg string) (bool, error) {
	if msg == "" {
		msg = string(code)
	}
	return s.transition(ctx, key, reportID, StatusFailed, map[string]any{
		"status":        StatusFailed,
		"error_code":    code,
		"error_message": msg,
		"content":       nil,
		"quality":       nil,
	})
}

func (s *Store) transition(ctx context.Context, key, reportID string, to Status, fields map[string]any) (bool, error) {
	fields["updated_at"] = s.now()

	res := s.db.WithContext(ctx).Model(&Job{}).
		Where("report_id = ? AND idempotency_key = ? AND status = ?", reportID, key, StatusProcessing).
		Updates(fields)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 1 {
		return true, nil
	}

	current, err := s.GetByReportID(ctx, reportID)
	if err != nil {
		return false, err
	}
	s.log.Warn("terminal transition ignored",
		zap.String("event", "transition_ignored"),
		zap.String("report_id", reportID),
		zap.String("to", string(to)),
		zap.String("status", string(current.Status)))
	return false, nil
}

// Heartbeat refreshes heartbeat_at while the job is still processing.
func (s *Store) Heartbeat(ctx context.Context, key, reportID string) (bool, error) {
	res := s.db.WithContext(ctx).Model(&Job{}).
		Where("report_id = ? AND idempotency_key = ? AND status = ?", reportID, key, StatusProcessing).
		UpdateColumn("heartbeat_at", s.now())
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// ClaimStale bumps the heartbeat of a processing job only if it is still older
// than olderThan, so two sweeps racing over the same candidate re-run it once.
func (s *Store) ClaimStale(ctx context.Context, reportID string, olderThan time.Duration) (bool, error) {
	now := s.now()
	res := s.db.WithContext(ctx).Model(&Job{}).
		Where("report_id = ? AND status = ? AND COALESCE(heartbeat_at, updated_at) < ?",
			reportID, StatusProcessing, now.Add(-olderThan)).
		UpdateColumn("heartbeat_at", now)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (s *Store) GetByReportID(ctx context.Context, reportID string) (*Job, error) {
	var j Job
	if err := s.db.WithContext(ctx).Where("report_id = ?", reportID).First(&j).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &j, nil
}

func (s *Store) GetByIdempotencyKey(ctx context.Context, key string) (*Job, error) {
	var j Job
	if err := s.db.WithContext(ctx).Where("idempotency_key = ?", key).First(&j).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &j, nil
}

// ListStaleProcessing returns processing jobs whose last sign of life
// (heartbeat, else last update) is older than olderThan, oldest first.
func (s *Store) ListStaleProcessing(ctx context.Context, olderThan time.Duration, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 5
	}
	var jobs []Job
	err := s.db.WithContext(ctx).
		Where("status = ? AND COALESCE(heartbeat_at, updated_at) < ?", StatusProcessing, s.now().Add(-olderThan)).
		Order("created_at ASC").
		Limit(limit).
		Find(&jobs).Error
	if err != nil {
		return nil, err
	}
	return jobs, nil
}
