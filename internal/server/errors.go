package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/entitlementsync/internal/entitlement/domain"
)

// errorPayload is the plaintext body and log classification for a failure.
// Bodies never carry internal detail.
type errorPayload struct {
	Type    string
	Message string
}

var (
	ErrRateLimited     = errors.New("rate_limited")
	ErrPayloadTooLarge = errors.New("payload_too_large")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "text/plain; charset=utf-8")
		c.String(status, payload.Message)
		c.Abort()
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func mapError(err error) (int, errorPayload) {
	switch {
	case err == nil:
		return http.StatusInternalServerError, errorPayload{Type: "internal_error", Message: "internal error"}
	case errors.Is(err, domain.ErrInvalidSignature):
		return http.StatusBadRequest, errorPayload{Type: "invalid_signature", Message: "Invalid signature"}
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized, errorPayload{Type: "unauthorized", Message: "Unauthorized"}
	case errors.Is(err, domain.ErrInvalidPayload):
		return http.StatusBadRequest, errorPayload{Type: "invalid_payload", Message: "bad payload"}
	case errors.Is(err, ErrPayloadTooLarge):
		return http.StatusRequestEntityTooLarge, errorPayload{Type: "payload_too_large", Message: "payload too large"}
	case errors.Is(err, domain.ErrProviderNotFound):
		return http.StatusNotFound, errorPayload{Type: "not_found", Message: "not found"}
	case errors.Is(err, domain.ErrEventInFlight):
		return http.StatusConflict, errorPayload{Type: "in_flight", Message: "in flight"}
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests, errorPayload{Type: "rate_limited", Message: "rate limited"}
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusInternalServerError, errorPayload{Type: "timeout", Message: "internal error"}
	case errors.Is(err, domain.ErrUpstreamFetch):
		return http.StatusInternalServerError, errorPayload{Type: "upstream_error", Message: "internal error"}
	case errors.Is(err, domain.ErrStore):
		return http.StatusInternalServerError, errorPayload{Type: "store_error", Message: "internal error"}
	default:
		return http.StatusInternalServerError, errorPayload{Type: "internal_error", Message: "internal error"}
	}
}

// classifyErrorForLog returns the error type and the sentinel code for request logs.
func classifyErrorForLog(err error) (string, string) {
	_, payload := mapError(err)
	code := payload.Type
	for _, sentinel := range []error{
		domain.ErrInvalidSignature,
		domain.ErrUnauthorized,
		domain.ErrInvalidPayload,
		domain.ErrProviderNotFound,
		domain.ErrEventInFlight,
		domain.ErrUpstreamFetch,
		domain.ErrStore,
	} {
		if errors.Is(err, sentinel) {
			code = sentinel.Error()
			break
		}
	}
	return payload.Type, code
}
