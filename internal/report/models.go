package report

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

type Status string

const (
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ErrorCode is the closed set of reasons a job can fail with.
type ErrorCode string

const (
	CodeValidationFailed    ErrorCode = "VALIDATION_FAILED"
	CodeMissingSections     ErrorCode = "MISSING_SECTIONS"
	CodeMockContentDetected ErrorCode = "MOCK_CONTENT_DETECTED"
	CodeGenerationFailed    ErrorCode = "GENERATION_FAILED"
	CodeGenerationTimeout   ErrorCode = "GENERATION_TIMEOUT"
)

type Quality string

const (
	QualityHigh Quality = "HIGH"
	QualityLow  Quality = "LOW"
)

// Job is one report-generation attempt. A row only exists once generation
// has begun, so there is no queued state.
type Job struct {
	ID uint64 `gorm:"primaryKey;autoIncrement" json:"-"`

	IdempotencyKey string `gorm:"type:varchar(160);uniqueIndex;not null" json:"-"`
	ReportID       string `gorm:"type:varchar(32);uniqueIndex;not null" json:"report_id"`
	UserID         uint64 `gorm:"index;not null" json:"-"`

	ReportType Type           `gorm:"type:varchar(32);not null" json:"report_type"`
	Status     Status         `gorm:"type:varchar(16);index;not null" json:"status"`
	Input      datatypes.JSON `gorm:"not null" json:"input"`

	// Filled when completed
	Content *datatypes.JSON `json:"content,omitempty"`
	Quality *Quality       `gorm:"type:varchar(8)" json:"quality,omitempty"`

	// Filled when failed
	ErrorCode    *ErrorCode `gorm:"type:varchar(32)" json:"error_code,omitempty"`
	ErrorMessage *string    `gorm:"type:text" json:"error_message,omitempty"`

	PaymentIntentID *string `gorm:"type:varchar(128)" json:"-"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `gorm:"index" json:"updated_at"`
	HeartbeatAt *time.Time `gorm:"index" json:"heartbeat_at,omitempty"`
}

func (Job) TableName() string { return "report_jobs" }

func (j *Job) DecodeInput() (Input, error) {
	var in Input
	err := json.Unmarshal(j.Input, &in)
	return in, err
}

func (j *Job) DecodeContent() (*Content, error) {
	if j.Content == nil || len(*j.Content) == 0 {
		return nil, nil
	}
	var c Content
	if err := json.Unmarshal(*j.Content, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// Input is the birth-detail payload a report is generated from.
type Input struct {
	Name        string   `json:"name,omitempty"`
	DOB         string   `json:"dob"`
	TOB         string   `json:"tob,omitempty"`
	Place       string   `json:"place,omitempty"`
	Latitude    *float64 `json:"latitude,omitempty"`
	Longitude   *float64 `json:"longitude,omitempty"`
	Timezone    string   `json:"timezone,omitempty"`
	Question    string   `json:"question,omitempty"`
	PartnerName string   `json:"partnerName,omitempty"`
}

type Section struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Body  string `json:"body"`
}

// Content is the stored body of a completed report.
type Content struct {
	Title       string    `json:"title"`
	Summary     string    `json:"summary,omitempty"`
	Sections    []Section `json:"sections"`
	GeneratedAt time.Time `json:"generatedAt"`
}

// BodyLength counts the characters across all section bodies and the summary.
func (c *Content) BodyLength() int {
	n := len([]rune(c.Summary))
	for _, s := range c.Sections {
		n += len([]rune(s.Body))
	}
	return n
}
