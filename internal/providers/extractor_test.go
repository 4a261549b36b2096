package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowlinehq/flowline/pkg/schema"
)

func TestHTTPExtractor_RoundTrip(t *testing.T) {
	var got ExtractRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"vendor_name": "acme", "total": 42.5}`))
	}))
	defer srv.Close()

	e := NewHTTPExtractor(srv.URL, 0)
	fields, err := e.Extract(context.Background(), ExtractRequest{
		Prompt:  "extract the invoice",
		Context: map[string]any{"trigger.file": "inv.pdf"},
		Files:   []schema.FileReference{{ID: "f-1", Name: "inv.pdf"}},
	})
	require.NoError(t, err)

	assert.Equal(t, "acme", fields["vendor_name"])
	assert.Equal(t, 42.5, fields["total"])
	assert.Equal(t, "extract the invoice", got.Prompt)
	require.Len(t, got.Files, 1)
	assert.Equal(t, "f-1", got.Files[0].ID)
}

func TestHTTPExtractor_ErrorMapping(t *testing.T) {
	status := http.StatusInternalServerError
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte("nope"))
	}))
	defer srv.Close()

	e := NewHTTPExtractor(srv.URL, 0)

	_, err := e.Extract(context.Background(), ExtractRequest{Prompt: "x"})
	require.Error(t, err)
	assert.False(t, IsPermanent(err), "5xx should stay retryable")

	status = http.StatusUnprocessableEntity
	_, err = e.Extract(context.Background(), ExtractRequest{Prompt: "x"})
	require.Error(t, err)
	assert.True(t, IsPermanent(err), "4xx should be permanent")
}

func TestHTTPExtractor_NonObjectBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[1, 2, 3]`))
	}))
	defer srv.Close()

	e := NewHTTPExtractor(srv.URL, 0)
	_, err := e.Extract(context.Background(), ExtractRequest{Prompt: "x"})
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
}

func TestEchoExtractor(t *testing.T) {
	fixed := &EchoExtractor{Fields: map[string]any{"total": 10.0}}
	fields, err := fixed.Extract(context.Background(), ExtractRequest{
		Context: map[string]any{"trigger.total": 99.0},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"total": 10.0}, fields)

	echo := &EchoExtractor{}
	fields, err = echo.Extract(context.Background(), ExtractRequest{
		Context: map[string]any{"trigger.total": 99.0},
	})
	require.NoError(t, err)
	assert.Equal(t, 99.0, fields["trigger.total"])
}
