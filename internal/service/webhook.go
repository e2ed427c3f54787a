package service

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const (
	defaultHTTPStatusThreshold = 300
	webhookTimeout             = 5 * time.Second

	EventPasswordChanged = "password_changed"
)

// Notifier receives account events from AuthService.
type Notifier interface {
	Notify(ctx context.Context, event string, data map[string]interface{})
}

type WebhookService struct {
	client     *http.Client
	log        *zap.SugaredLogger
	webhookURL string
}

func NewWebhookService(log *zap.SugaredLogger, webhookURL string) *WebhookService {
	return &WebhookService{
		client:     &http.Client{Timeout: webhookTimeout},
		log:        log,
		webhookURL: webhookURL,
	}
}

// Notify posts the event in the background. The request outlives ctx's
// cancellation but keeps its values.
func (s *WebhookService) Notify(ctx context.Context, event string, data map[string]interface{}) {
	if s.webhookURL == "" {
		return
	}
	ctx = context.WithoutCancel(ctx)

	go func() {
		body := make(map[string]interface{}, len(data)+1)
		for k, v := range data {
			body[k] = v
		}
		body["event"] = event

		payload, err := json.Marshal(body)
		if err != nil {
			s.log.Errorw("failed to marshal webhook payload", "error", err)
			return
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewBuffer(payload))
		if err != nil {
			s.log.Errorw("failed to create webhook request", "error", err)
			return
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := s.client.Do(req)
		if err != nil {
			s.log.Errorw("failed to send webhook", "error", err)
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode >= defaultHTTPStatusThreshold {
			s.log.Warnw("webhook returned non-2xx status", "status", resp.StatusCode)
		}
	}()
}
