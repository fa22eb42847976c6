package logging

import (
	"fmt"
	"log/slog"
	"os"

	apperrors "github.com/alexjbarnes/smart-oauth-proxy/internal/errors"
)

// NewLogger creates a structured logger appropriate for the environment.
// Production uses JSON format, development uses human-readable text.
func NewLogger(env string) *slog.Logger {
	var handler slog.Handler

	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}

	if env == "production" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		opts.Level = slog.LevelDebug
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

// MinimalError returns a log attribute carrying only the whitelisted
// fields of err: error, message, name, statusCode, error_description
// and status. Request bodies, headers and tokens never reach the log.
func MinimalError(err error) slog.Attr {
	if err == nil {
		return slog.Group("error")
	}

	if oe, ok := apperrors.AsOAuth(err); ok {
		attrs := []any{
			slog.String("error", oe.Code),
			slog.String("name", "OAuthError"),
			slog.Int("statusCode", oe.Status),
			slog.Int("status", oe.Status),
		}
		if oe.Description != "" {
			attrs = append(attrs, slog.String("error_description", oe.Description))
		}

		return slog.Group("error", attrs...)
	}

	return slog.Group("error",
		slog.String("name", fmt.Sprintf("%T", err)),
		slog.String("message", err.Error()),
	)
}
