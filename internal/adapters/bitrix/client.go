// Package bitrix is the Bitrix24 REST and OAuth client.
package bitrix

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"

	"wuzapi-bitrix-integration/internal/apperr"
	"wuzapi-bitrix-integration/pkg/httputil"
)

// Client calls REST methods of any portal. The portal endpoint and access
// token are passed per call since they belong to the tenant.
type Client struct {
	httpClient *resty.Client
}

// NewClient creates a Client. opts.BaseURL is ignored.
func NewClient(opts httputil.Options) *Client {
	opts.BaseURL = ""
	return &Client{httpClient: httputil.NewRestyClient(opts)}
}

// Call invokes method on the portal at endpoint and decodes the "result"
// field into result when it is non-nil.
func (c *Client) Call(ctx context.Context, endpoint, token, method string, params any, result any) error {
	if endpoint == "" {
		return apperr.Validation(method, "portal endpoint is empty")
	}
	url := strings.TrimSuffix(endpoint, "/") + "/" + method

	var env envelope
	req := c.httpClient.R().
		SetContext(ctx).
		SetQueryParam("auth", token).
		SetResult(&env).
		SetError(&env)
	if params != nil {
		req.SetBody(params)
	}
	resp, err := req.Post(url)
	if err != nil {
		log.Error().Err(err).Str("method", method).Msg("Bitrix API: request failed")
		return apperr.Transient(method, "request failed: %v", err)
	}

	if env.Error != "" {
		log.Warn().Str("method", method).Int("statusCode", resp.StatusCode()).Str("error", env.Error).
			Str("description", env.ErrorDescription).Msg("Bitrix API: method returned an error")
		return classify(method, resp.StatusCode(), env.Error, env.ErrorDescription)
	}
	if resp.IsError() {
		log.Warn().Str("method", method).Int("statusCode", resp.StatusCode()).Str("responseBody", resp.String()).
			Msg("Bitrix API: unexpected status")
		return apperr.FromStatus(method, resp.StatusCode(), resp.String())
	}

	if result != nil && len(env.Result) > 0 {
		if err := json.Unmarshal(env.Result, result); err != nil {
			return apperr.Transient(method, "decode result: %v", err)
		}
	}
	return nil
}

// AppInfo describes the application an access token was issued to.
type AppInfo struct {
	ID        json.Number `json:"ID"`
	Code      string      `json:"CODE"`
	Installed bool        `json:"INSTALLED"`
}

// AppInfo calls app.info, which fails with an auth error unless token is a
// live token of this application on the portal at endpoint.
func (c *Client) AppInfo(ctx context.Context, endpoint, token string) (*AppInfo, error) {
	var info AppInfo
	if err := c.Call(ctx, endpoint, token, "app.info", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// SendBotMessage posts a message as the tenant's chat bot and returns the
// new message id.
func (c *Client) SendBotMessage(ctx context.Context, endpoint, token string, msg BotMessage) (int64, error) {
	var id int64
	if err := c.Call(ctx, endpoint, token, "imbot.message.add", msg, &id); err != nil {
		return 0, err
	}
	log.Info().Int64("botID", msg.BotID).Str("dialogID", msg.DialogID).Int64("messageID", id).Msg("Bot message sent to Bitrix")
	return id, nil
}

// SendConnectorMessages delivers inbound channel messages into an open line.
func (c *Client) SendConnectorMessages(ctx context.Context, endpoint, token, connector, line string, msgs []ConnectorMessage) error {
	return c.Call(ctx, endpoint, token, "imconnector.send.messages", map[string]any{
		"CONNECTOR": connector,
		"LINE":      line,
		"MESSAGES":  msgs,
	}, nil)
}

// SendDeliveryStatus confirms that operator messages reached the channel.
func (c *Client) SendDeliveryStatus(ctx context.Context, endpoint, token, connector, line string, statuses []DeliveryStatus) error {
	return c.Call(ctx, endpoint, token, "imconnector.send.status.delivery", map[string]any{
		"CONNECTOR": connector,
		"LINE":      line,
		"MESSAGES":  statuses,
	}, nil)
}

// ActivateConnector switches the connector on or off for a line.
func (c *Client) ActivateConnector(ctx context.Context, endpoint, token, connector, line string, active bool) error {
	flag := 0
	if active {
		flag = 1
	}
	return c.Call(ctx, endpoint, token, "imconnector.activate", map[string]any{
		"CONNECTOR": connector,
		"LINE":      line,
		"ACTIVE":    flag,
	}, nil)
}

// SetConnectorData pushes the handler URL and display name of a line.
func (c *Client) SetConnectorData(ctx context.Context, endpoint, token, connector, line string, data ConnectorData) error {
	return c.Call(ctx, endpoint, token, "imconnector.connector.data.set", map[string]any{
		"CONNECTOR": connector,
		"LINE":      line,
		"DATA":      data,
	}, nil)
}

// RegisterConnector registers (or re-registers) the connector.
func (c *Client) RegisterConnector(ctx context.Context, endpoint, token string, reg ConnectorRegistration) error {
	return c.Call(ctx, endpoint, token, "imconnector.register", reg, nil)
}

// BoundEvents lists the portal's event subscriptions of this application.
func (c *Client) BoundEvents(ctx context.Context, endpoint, token string) ([]EventBinding, error) {
	var bindings []EventBinding
	if err := c.Call(ctx, endpoint, token, "event.get", nil, &bindings); err != nil {
		return nil, err
	}
	return bindings, nil
}

// BindEvent subscribes handler to event. An existing subscription yields
// ErrAlreadyBound.
func (c *Client) BindEvent(ctx context.Context, endpoint, token, event, handler string) error {
	return c.Call(ctx, endpoint, token, "event.bind", map[string]string{"event": event, "handler": handler}, nil)
}

func (c *Client) UnbindEvent(ctx context.Context, endpoint, token, event, handler string) error {
	return c.Call(ctx, endpoint, token, "event.unbind", map[string]string{"event": event, "handler": handler}, nil)
}

// Placements lists the UI placements bound by this application.
func (c *Client) Placements(ctx context.Context, endpoint, token string) ([]PlacementBinding, error) {
	var bindings []PlacementBinding
	if err := c.Call(ctx, endpoint, token, "placement.get", nil, &bindings); err != nil {
		return nil, err
	}
	return bindings, nil
}

func (c *Client) BindPlacement(ctx context.Context, endpoint, token string, p PlacementBinding) error {
	return c.Call(ctx, endpoint, token, "placement.bind", map[string]string{
		"PLACEMENT": p.Placement,
		"HANDLER":   p.Handler,
		"TITLE":     p.Title,
	}, nil)
}

func (c *Client) UnbindPlacement(ctx context.Context, endpoint, token, placement, handler string) error {
	return c.Call(ctx, endpoint, token, "placement.unbind", map[string]string{
		"PLACEMENT": placement,
		"HANDLER":   handler,
	}, nil)
}

// IsAlreadyBound reports whether err is a duplicate-binding response.
func IsAlreadyBound(err error) bool {
	return errors.Is(err, ErrAlreadyBound)
}
