package notify

import (
	"context"

	"go.uber.org/zap"
)

// LogSender writes deliveries to the log. It backs the "log" channel and
// is the default sender when no external channel is wired up.
type LogSender struct {
	logger *zap.SugaredLogger
}

func NewLogSender(logger *zap.SugaredLogger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Name() string { return "log" }

func (s *LogSender) Send(_ context.Context, target, payload string) error {
	s.logger.Infow("Notification", "target", target, "payload", payload)
	return nil
}
