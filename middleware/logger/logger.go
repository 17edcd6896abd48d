package logger

import (
	"log/slog"
	"time"

	"github.com/sweetpotato0/ai-relay/middleware"
	"github.com/sweetpotato0/ai-relay/pkg/logging"
)

// RequestLogger logs every backend call before it is opened
type RequestLogger struct {
	logger *slog.Logger
}

// NewRequestLogger creates a request logging middleware. A nil logger uses the
// "middleware" component logger.
func NewRequestLogger(logger *slog.Logger) *RequestLogger {
	if logger == nil {
		logger = logging.WithComponent("middleware")
	}
	return &RequestLogger{logger: logger}
}

// Name returns the middleware name
func (m *RequestLogger) Name() string {
	return "RequestLogger"
}

// Execute logs the request
func (m *RequestLogger) Execute(ctx *middleware.Context, next middleware.Handler) error {
	attrs := []any{"provider", ctx.ProviderName(), "operation", string(ctx.Operation)}
	if ctx.Request != nil {
		attrs = append(attrs, "model", ctx.Request.ModelName, "messages", len(ctx.Request.Messages), "tools", len(ctx.Request.Tools))
	}
	m.logger.DebugContext(ctx.Context(), "opening backend call", attrs...)
	return next(ctx)
}

// ResponseLogger logs how the call ended: stream opened, models listed or error.
type ResponseLogger struct {
	logger *slog.Logger
}

// NewResponseLogger creates a response logging middleware
func NewResponseLogger(logger *slog.Logger) *ResponseLogger {
	if logger == nil {
		logger = logging.WithComponent("middleware")
	}
	return &ResponseLogger{logger: logger}
}

// Name returns the middleware name
func (m *ResponseLogger) Name() string {
	return "ResponseLogger"
}

// Execute logs the response
func (m *ResponseLogger) Execute(ctx *middleware.Context, next middleware.Handler) error {
	start := time.Now()
	err := next(ctx)
	attrs := []any{
		"provider", ctx.ProviderName(),
		"operation", string(ctx.Operation),
		"model", ctx.ModelName(),
		"elapsed", time.Since(start),
	}
	switch {
	case err != nil:
		m.logger.WarnContext(ctx.Context(), "backend call failed", append(attrs, "error", err)...)
	case ctx.Operation == middleware.OpListModels:
		m.logger.InfoContext(ctx.Context(), "models listed", append(attrs, "count", len(ctx.Models))...)
	default:
		m.logger.InfoContext(ctx.Context(), "stream opened", attrs...)
	}
	return err
}
