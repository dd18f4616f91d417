package httputil

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRestyClientDefaults(t *testing.T) {
	var agent string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		agent = r.UserAgent()
	}))
	defer srv.Close()

	client := NewRestyClient(Options{BaseURL: srv.URL})
	assert.Equal(t, 15*time.Second, client.GetClient().Timeout)

	_, err := client.R().Get("/ping")
	require.NoError(t, err)
	assert.Equal(t, "wuzapi-bitrix-integration/1.0", agent)
}

func TestNewRestyClientPacesRequests(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	client := NewRestyClient(Options{BaseURL: srv.URL, RatePerSecond: 20, Burst: 1})
	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := client.R().Get("/")
		require.NoError(t, err)
	}
	// two waits of 50ms after the initial burst token
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}
