package middleware

import (
	"context"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

type requestIDKey struct{}

const (
	requestIDLocal    = "request_id"
	maxRequestIDBytes = 64
)

// RequestID makes sure every request carries an identifier that ends up on the grading result,
// the logs and any incident record. Callers may supply their own through X-Request-ID or
// X-Correlation-ID.
func RequestID() fiber.Handler {
	return func(c *fiber.Ctx) error {
		incoming := strings.TrimSpace(c.Get("X-Request-ID"))
		if incoming == "" {
			incoming = strings.TrimSpace(c.Get("X-Correlation-ID"))
		}
		if incoming == "" || len(incoming) > maxRequestIDBytes {
			incoming = uuid.NewString()
		}

		c.Locals(requestIDLocal, incoming)
		c.Set("X-Request-ID", incoming)
		c.SetUserContext(ContextWithRequestID(c.UserContext(), incoming))

		return c.Next()
	}
}

// GetRequestID returns the identifier bound to the active request.
func GetRequestID(c *fiber.Ctx) string {
	if c == nil {
		return ""
	}
	if id, ok := c.Locals(requestIDLocal).(string); ok {
		return id
	}
	return RequestIDFromContext(c.UserContext())
}

// RequestIDFromContext extracts the request identifier from ctx, if present.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return id
	}
	return ""
}

// ContextWithRequestID attaches id to ctx.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey{}, id)
}
