package notify

import (
	"context"

	"go.uber.org/zap"
)

// LogSender is a MessageSender that only logs. Used when no real gateway
// is configured, so dispatch runs still populate the send log.
type LogSender struct {
	Logger *zap.Logger
}

func (l LogSender) Send(ctx context.Context, phone, body string) error {
	logger := l.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("notice (log only)",
		zap.String("phone", phone),
		zap.Int("body_len", len(body)))
	return nil
}
