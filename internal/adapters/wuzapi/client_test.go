package wuzapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wuzapi-bitrix-integration/internal/apperr"
	"wuzapi-bitrix-integration/pkg/httputil"
)

func TestSendText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/send/text", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		if r.Header.Get("Token") != "inst-token" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"code":401,"error":"unauthorized","success":false}`))
			return
		}
		var msg TextMessage
		require.NoError(t, json.NewDecoder(r.Body).Decode(&msg))
		assert.Equal(t, "5511999998888", msg.Phone)
		assert.Equal(t, "*Hi*", msg.Body)
		_, _ = w.Write([]byte(`{"code":200,"data":{"Details":"Sent","Id":"3EB0ABC","Timestamp":"2026-03-01T12:00:00Z"},"success":true}`))
	}))
	defer srv.Close()

	c, err := NewClient(httputil.Options{BaseURL: srv.URL})
	require.NoError(t, err)

	res, err := c.SendText(context.Background(), "inst-token", TextMessage{Phone: "5511999998888", Body: "*Hi*"})
	require.NoError(t, err)
	assert.Equal(t, "3EB0ABC", res.ID)

	_, err = c.SendText(context.Background(), "wrong", TextMessage{Phone: "5511999998888", Body: "*Hi*"})
	assert.True(t, apperr.IsAuth(err))

	_, err = c.SendText(context.Background(), "", TextMessage{})
	assert.True(t, apperr.IsAuth(err))
}

func TestNewClientRequiresBaseURL(t *testing.T) {
	_, err := NewClient(httputil.Options{})
	assert.Error(t, err)
}
