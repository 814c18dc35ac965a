package email

import (
	"context"
	"log/slog"

	"github.com/ruteri/identity-recovery-backend/interfaces"
)

// LogMailer writes emails to the log instead of sending them. Development only.
type LogMailer struct {
	log *slog.Logger
}

func NewLogMailer(log *slog.Logger) *LogMailer {
	return &LogMailer{log: log}
}

func (m *LogMailer) Send(ctx context.Context, msg interfaces.EmailMessage) error {
	m.log.Info("Email (not sent)",
		slog.String("to", MaskEmail(msg.To)),
		slog.String("subject", msg.Subject),
		slog.String("body", msg.Body))
	return nil
}

func (m *LogMailer) Name() string {
	return "log"
}
