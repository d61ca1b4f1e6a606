package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/entitlementsync/internal/entitlement/domain"
)

const (
	contextWebhookProvider = "webhook_provider"
	contextWebhookOutcome  = "webhook_outcome"
)

type revenueCatAck struct {
	Success   bool   `json:"success"`
	EventType string `json:"event_type"`
	UserID    string `json:"user_id"`
}

// HandleWebhook accepts one provider delivery. Only enabled providers answer;
// every other path segment is a 404.
func (s *Server) HandleWebhook(c *gin.Context) {
	provider := strings.ToLower(strings.TrimSpace(c.Param("provider")))
	c.Set(contextWebhookProvider, provider)
	if s.webhooks == nil || !s.webhooks.Enabled(provider) {
		AbortWithError(c, domain.ErrProviderNotFound)
		return
	}

	payload, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, s.maxBodyBytes()))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			AbortWithError(c, ErrPayloadTooLarge)
			return
		}
		AbortWithError(c, domain.ErrInvalidPayload)
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.webhookTimeout())
	defer cancel()

	result, err := s.webhooks.IngestWebhook(ctx, provider, payload, c.Request.Header)
	if err != nil {
		c.Set(contextWebhookOutcome, outcomeForError(err))
		AbortWithError(c, err)
		return
	}

	c.Set(contextWebhookOutcome, string(result.Status))
	writeResult(c, provider, result)
}

func writeResult(c *gin.Context, provider string, result *domain.Result) {
	switch result.Status {
	case domain.ResultIgnored:
		c.String(http.StatusOK, "ignored")
	case domain.ResultApplied:
		if provider == string(domain.PlatformRevenueCat) {
			c.JSON(http.StatusOK, revenueCatAck{
				Success:   true,
				EventType: result.EventType,
				UserID:    result.UserID,
			})
			return
		}
		c.String(http.StatusOK, "ok")
	default:
		c.String(http.StatusOK, "ok")
	}
}

func outcomeForError(err error) string {
	_, payload := mapError(err)
	return payload.Type
}

func (s *Server) maxBodyBytes() int64 {
	if s.cfg.Webhook.MaxBodyBytes > 0 {
		return s.cfg.Webhook.MaxBodyBytes
	}
	return 1 << 20
}

func (s *Server) webhookTimeout() time.Duration {
	if s.cfg.Webhook.Timeout > 0 {
		return s.cfg.Webhook.Timeout
	}
	return 15 * time.Second
}
