// Package completion generates bot replies with an OpenAI-compatible
// chat-completions endpoint.
package completion

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"

	"wuzapi-bitrix-integration/internal/apperr"
	"wuzapi-bitrix-integration/pkg/httputil"
)

// Roles of a conversation turn.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn is one prior message of the conversation.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is the input of a completion: instructions, history and the new
// participant message.
type Request struct {
	System  string
	History []Turn
	Message string
}

type chatRequest struct {
	Model    string `json:"model"`
	Messages []Turn `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message Turn `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// Client calls the chat-completions API.
type Client struct {
	httpClient *resty.Client
	model      string
}

func NewClient(apiKey, model string, opts httputil.Options) (*Client, error) {
	if strings.TrimSpace(opts.BaseURL) == "" {
		return nil, fmt.Errorf("completion client: base url is required")
	}
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("completion client: api key is required")
	}
	if strings.TrimSpace(model) == "" {
		return nil, fmt.Errorf("completion client: model is required")
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	hc := httputil.NewRestyClient(opts).SetAuthToken(apiKey)
	return &Client{httpClient: hc, model: model}, nil
}

// Complete returns the plain-text reply to req.
func (c *Client) Complete(ctx context.Context, req Request) (string, error) {
	messages := make([]Turn, 0, len(req.History)+2)
	if strings.TrimSpace(req.System) != "" {
		messages = append(messages, Turn{Role: RoleSystem, Content: req.System})
	}
	messages = append(messages, req.History...)
	messages = append(messages, Turn{Role: RoleUser, Content: req.Message})

	var body chatResponse
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetBody(chatRequest{Model: c.model, Messages: messages}).
		SetResult(&body).
		SetError(&body).
		Post("/chat/completions")
	if err != nil {
		return "", apperr.Transient("completion", "request failed: %v", err)
	}
	if resp.IsError() {
		detail := resp.String()
		if body.Error != nil {
			detail = body.Error.Message
		}
		log.Warn().Int("statusCode", resp.StatusCode()).Str("error", detail).Msg("Completion API returned an error")
		if resp.StatusCode() == 401 || resp.StatusCode() == 403 {
			// The API key is application-wide, not a tenant token.
			return "", apperr.Transient("completion", "status %d: %s", resp.StatusCode(), detail)
		}
		return "", apperr.FromStatus("completion", resp.StatusCode(), detail)
	}
	if len(body.Choices) == 0 || strings.TrimSpace(body.Choices[0].Message.Content) == "" {
		return "", apperr.Transient("completion", "response missing content")
	}
	return strings.TrimSpace(body.Choices[0].Message.Content), nil
}
