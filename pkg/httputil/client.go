// Package httputil provides the shared resty client configuration used by
// every outbound adapter (Bitrix REST, OAuth, wuzapi, completion).
package httputil

import (
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// Options tunes a client. Zero values fall back to defaults.
type Options struct {
	BaseURL       string
	Timeout       time.Duration
	RatePerSecond float64 // 0 disables pacing
	Burst         int
	UserAgent     string
}

// NewRestyClient returns a resty client with a timeout and optional request
// pacing. Pacing waits on the limiter instead of failing fast so bursts from
// a dispatch pass are smoothed out rather than rejected.
func NewRestyClient(opts Options) *resty.Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "wuzapi-bitrix-integration/1.0"
	}

	client := resty.New().
		SetTimeout(opts.Timeout).
		SetHeader("User-Agent", opts.UserAgent)
	if opts.BaseURL != "" {
		client.SetBaseURL(opts.BaseURL)
	}

	if opts.RatePerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter := rate.NewLimiter(rate.Limit(opts.RatePerSecond), burst)
		client.OnBeforeRequest(func(_ *resty.Client, req *resty.Request) error {
			return limiter.Wait(req.Context())
		})
	}

	client.OnAfterResponse(func(_ *resty.Client, resp *resty.Response) error {
		log.Debug().
			Str("method", resp.Request.Method).
			Str("url", resp.Request.URL).
			Int("statusCode", resp.StatusCode()).
			Dur("duration", resp.Time()).
			Msg("Outbound HTTP call")
		return nil
	})

	return client
}
