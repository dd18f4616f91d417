package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"

	"wuzapi-bitrix-integration/internal/apperr"
	"wuzapi-bitrix-integration/internal/models"
	"wuzapi-bitrix-integration/pkg/httputil"
)

// Webhook posts finished events to a global HTTP endpoint.
type Webhook struct {
	client *resty.Client
	url    string
	asJSON bool
}

// NewWebhook returns a webhook observer. format "json" sends the outcome as a
// JSON body; anything else sends it form-encoded with the outcome under jsonData.
func NewWebhook(url, format string, opts httputil.Options) (*Webhook, error) {
	if strings.TrimSpace(url) == "" {
		return nil, fmt.Errorf("notify: webhook url cannot be empty")
	}
	return &Webhook{
		client: httputil.NewRestyClient(opts),
		url:    url,
		asJSON: strings.EqualFold(format, "json"),
	}, nil
}

func (w *Webhook) Name() string { return "webhook" }

func (w *Webhook) EventFinished(ctx context.Context, ev models.QueuedEvent) error {
	outcome := NewOutcome(ev)
	body, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("notify: marshal outcome: %w", err)
	}

	req := w.client.R().SetContext(ctx)
	if w.asJSON {
		req.SetHeader("Content-Type", "application/json").SetBody(body)
	} else {
		req.SetFormData(map[string]string{
			"jsonData":  string(body),
			"eventId":   strconv.FormatInt(ev.ID, 10),
			"eventType": ev.EventType,
			"status":    string(ev.Status),
		})
	}

	resp, err := req.Post(w.url)
	if err != nil {
		return apperr.Transient("webhook", "%v", err)
	}
	if resp.IsError() {
		return apperr.FromStatus("webhook", resp.StatusCode(), resp.String())
	}
	log.Debug().Int64("eventId", ev.ID).Str("url", w.url).Msg("Outcome webhook delivered")
	return nil
}
