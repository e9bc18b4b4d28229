// Package payment holds the narrow payment collaborators the report flow
// needs: authorizations are captured after a successful report and cancelled
// after a failed one.
package payment

import (
	"context"

	"go.uber.org/zap"
)

type Provider interface {
	Capture(ctx context.Context, intentID string) error
	Cancel(ctx context.Context, intentID, reason string) error
}

// LogProvider records capture/cancel calls without talking to a PSP. It is
// what development and the default deployment run with.
type LogProvider struct {
	log *zap.Logger
}

func NewLogProvider(log *zap.Logger) *LogProvider {
	if log == nil {
		log = zap.NewNop()
	}
	return &LogProvider{log: log}
}

func (p *LogProvider) Capture(ctx context.Context, intentID string) error {
	p.log.Info("payment captured", zap.String("event", "payment_capture"), zap.String("payment_intent_id", intentID))
	return ctx.Err()
}

func (p *LogProvider) Cancel(ctx context.Context, intentID, reason string) error {
	p.log.Info("payment cancelled",
		zap.String("event", "payment_cancel"),
		zap.String("payment_intent_id", intentID),
		zap.String("reason", reason))
	return ctx.Err()
}
