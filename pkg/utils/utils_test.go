package utils

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	Name string `json:"name" validate:"required"`
}

func TestDecodeJSON(t *testing.T) {
	var got sample
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"ana"}`))
	require.NoError(t, DecodeJSON(req, &got))
	assert.Equal(t, "ana", got.Name)

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{}`))
	err := DecodeJSON(req, &sample{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Name")

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(``))
	assert.EqualError(t, DecodeJSON(req, &sample{}), "request body is required")
}

func TestRespondError(t *testing.T) {
	rec := httptest.NewRecorder()
	RespondError(rec, http.StatusConflict, "nope")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.JSONEq(t, `{"error":"nope"}`, rec.Body.String())
}

func TestSendSSEEvent(t *testing.T) {
	rec := httptest.NewRecorder()
	require.NoError(t, SendSSEEvent(rec, rec, "typing", map[string]string{"chatId": "7"}))
	require.NoError(t, SendSSEComment(rec, rec, "ping"))
	assert.Equal(t, "event: typing\ndata: {\"chatId\":\"7\"}\n\n: ping\n\n", rec.Body.String())
	assert.True(t, rec.Flushed)
}
