package mail

import (
	"context"
	"log/slog"

	"cloudlocker/internal/models"
	"cloudlocker/internal/observability/logging"
)

// LogMailer writes links to the log instead of sending mail. It is meant for
// development where no email provider is configured.
type LogMailer struct {
	logger *slog.Logger
}

func NewLogMailer(logger *slog.Logger) *LogMailer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogMailer{logger: logging.WithComponent(logger, "mail")}
}

func (m *LogMailer) SendVerification(ctx context.Context, user models.User, link string) error {
	logging.WithContext(ctx, m.logger).Info("verification email", "user_id", user.ID, "email", user.Email, "link", link)
	return nil
}

func (m *LogMailer) SendPasswordReset(ctx context.Context, user models.User, link string) error {
	logging.WithContext(ctx, m.logger).Info("password reset email", "user_id", user.ID, "email", user.Email, "link", link)
	return nil
}
