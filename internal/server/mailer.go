package server

import (
	"context"
	"log/slog"
)

// MagicLink is a one-time sign-in link ready for delivery.
type MagicLink struct {
	Email string
	Token string
	URL   string
}

// Mailer delivers magic links.
type Mailer interface {
	SendMagicLink(ctx context.Context, link MagicLink) error
}

// LogMailer "delivers" magic links by logging them, for local development.
type LogMailer struct {
	Logger *slog.Logger
}

// SendMagicLink logs the link and token at Info.
func (m LogMailer) SendMagicLink(ctx context.Context, link MagicLink) error {
	logger := m.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "magic link",
		"email", link.Email,
		"token", link.Token,
		"url", link.URL,
	)
	return nil
}
