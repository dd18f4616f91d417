// Package wuzapi sends WhatsApp messages through a wuzapi gateway.
package wuzapi

import (
	"context"
	"fmt"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"

	"wuzapi-bitrix-integration/internal/apperr"
	"wuzapi-bitrix-integration/pkg/httputil"
)

// TextMessage is the body of /chat/send/text.
type TextMessage struct {
	Phone string `json:"Phone"`
	Body  string `json:"Body"`
	ID    string `json:"Id,omitempty"`
}

// SendResult identifies the message WhatsApp accepted.
type SendResult struct {
	ID        string `json:"Id"`
	Details   string `json:"Details"`
	Timestamp any    `json:"Timestamp"`
}

type response struct {
	Code    int        `json:"code"`
	Success bool       `json:"success"`
	Error   string     `json:"error"`
	Data    SendResult `json:"data"`
}

// Client talks to one wuzapi server; the instance is selected per call by
// its API token.
type Client struct {
	httpClient *resty.Client
}

func NewClient(opts httputil.Options) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("wuzapi base URL cannot be empty")
	}
	return &Client{httpClient: httputil.NewRestyClient(opts)}, nil
}

// SendText sends a text message from the instance owning token.
func (c *Client) SendText(ctx context.Context, token string, msg TextMessage) (*SendResult, error) {
	if token == "" {
		return nil, apperr.Auth("wuzapi send", "instance token is empty")
	}
	var body response
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetHeader("Token", token).
		SetBody(msg).
		SetResult(&body).
		SetError(&body).
		Post("/chat/send/text")
	if err != nil {
		log.Error().Err(err).Str("phone", msg.Phone).Msg("Wuzapi API: SendText request failed")
		return nil, apperr.Transient("wuzapi send", "request failed: %v", err)
	}
	if resp.IsError() {
		log.Error().Str("phone", msg.Phone).Int("statusCode", resp.StatusCode()).Str("responseBody", resp.String()).
			Msg("Wuzapi API: SendText returned an error")
		detail := body.Error
		if detail == "" {
			detail = resp.String()
		}
		return nil, apperr.FromStatus("wuzapi send", resp.StatusCode(), detail)
	}
	if !body.Success {
		return nil, apperr.Transient("wuzapi send", "gateway reported failure: %s", body.Error)
	}

	log.Info().Str("phone", msg.Phone).Str("messageID", body.Data.ID).Msg("Message sent through wuzapi")
	return &body.Data, nil
}
