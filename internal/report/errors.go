package report

import "errors"

var (
	ErrNotFound        = errors.New("report not found")
	ErrInvalidInput    = errors.New("invalid report input")
	ErrPaymentRequired = errors.New("payment required")
)
