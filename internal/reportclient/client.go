// Package reportclient is the consumer side of the report API: a typed HTTP
// client and the polling controller that drives one report to a terminal
// state per user attempt.
package reportclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/suPer8Hu/astro-report/internal/report"
)

// ErrTransient marks failures worth polling through: transport errors and 5xx.
var ErrTransient = errors.New("transient report api error")

// APIError is a non-zero envelope code returned by the server.
type APIError struct {
	HTTPStatus int
	Code       int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("report api: http %d code %d: %s", e.HTTPStatus, e.Code, e.Message)
}

func (e *APIError) Is(target error) bool {
	return target == ErrTransient && e.HTTPStatus >= 500
}

type StartRequest struct {
	ReportType   report.Type
	Input        report.Input
	PaymentToken string
	// AttemptID is sent as the Idempotency-Key header.
	AttemptID string
}

type ReportError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ReportStatus struct {
	ReportID   string          `json:"reportId"`
	ReportType report.Type     `json:"reportType"`
	Status     report.Status   `json:"status"`
	Quality    report.Quality  `json:"quality,omitempty"`
	Content    *report.Content `json:"content,omitempty"`
	Error      *ReportError    `json:"error,omitempty"`
	Replayed   bool            `json:"replayed,omitempty"`
}

func (s ReportStatus) Terminal() bool { return s.Status.Terminal() }

type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTP:    &http.Client{Timeout: 15 * time.Second},
	}
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (c *Client) do(ctx context.Context, method, path string, body any, headers map[string]string, out any) error {
	var rdr *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(b)
	} else {
		rdr = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, rdr)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		if resp.StatusCode >= 500 {
			return &APIError{HTTPStatus: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		}
		return fmt.Errorf("decode response: %w", err)
	}
	if resp.StatusCode >= 300 || env.Code != 0 {
		return &APIError{HTTPStatus: resp.StatusCode, Code: env.Code, Message: env.Message}
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(env.Data, out)
}

func (c *Client) Start(ctx context.Context, req StartRequest) (ReportStatus, error) {
	body := map[string]any{
		"reportType": req.ReportType,
		"input":      req.Input,
	}
	if req.PaymentToken != "" {
		body["paymentToken"] = req.PaymentToken
	}
	var headers map[string]string
	if req.AttemptID != "" {
		headers = map[string]string{"Idempotency-Key": req.AttemptID}
	}

	var st ReportStatus
	err := c.do(ctx, http.MethodPost, "/generate-report", body, headers, &st)
	return st, err
}

func (c *Client) Poll(ctx context.Context, reportID string) (ReportStatus, error) {
	var st ReportStatus
	err := c.do(ctx, http.MethodGet, "/generate-report?reportId="+url.QueryEscape(reportID), nil, nil, &st)
	return st, err
}

// VerifyPayment checks a payment token and returns the intent it authorizes.
func (c *Client) VerifyPayment(ctx context.Context, paymentToken string, t report.Type) (string, error) {
	var out struct {
		PaymentIntentID string `json:"paymentIntentId"`
	}
	err := c.do(ctx, http.MethodPost, "/payments/verify", map[string]any{
		"paymentToken": paymentToken,
		"reportType":   t,
	}, nil, &out)
	return out.PaymentIntentID, err
}
