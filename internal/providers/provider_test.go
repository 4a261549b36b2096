package providers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowlinehq/flowline/pkg/schema"
)

func TestRegistry_DuplicateRejected(t *testing.T) {
	r := NewRegistry()
	p := NewNotifyProvider(nil)
	require.NoError(t, r.Register(p))

	err := r.Register(p)
	require.Error(t, err)
	var engErr *schema.EngineError
	require.ErrorAs(t, err, &engErr)
	assert.Equal(t, schema.ErrCodeConflict, engErr.Code)

	got, err := r.Get("notify.log")
	require.NoError(t, err)
	assert.Equal(t, "notify.log", got.Name())

	_, err = r.Get("missing.provider")
	require.Error(t, err)
}

func TestPermanentMarker(t *testing.T) {
	base := errors.New("bad request")
	assert.True(t, IsPermanent(Permanent(base)))
	assert.False(t, IsPermanent(base))
	assert.Nil(t, Permanent(nil))
	assert.ErrorIs(t, Permanent(base), base)
}

func TestNotifyProvider(t *testing.T) {
	p := NewNotifyProvider(nil)
	out, err := p.Call(context.Background(), CallInput{
		Params: map[string]any{"message": "run finished", "channel": "ops"},
	})
	require.NoError(t, err)
	assert.Equal(t, true, out["delivered"])
	assert.Equal(t, "ops", out["channel"])

	_, err = p.Call(context.Background(), CallInput{Params: map[string]any{}})
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
}

func TestDocumentProvider_RenderAndStore(t *testing.T) {
	files := NewMemoryFileStore()
	p := NewDocumentProvider(files)

	out, err := p.Call(context.Background(), CallInput{
		Params: map[string]any{
			"template": "Invoice for {{.vendor}}: {{.total}}",
			"data":     map[string]any{"vendor": "acme", "total": 42.5},
			"name":     "invoice.txt",
		},
	})
	require.NoError(t, err)

	fileID := out["file_id"].(string)
	data, ok := files.Read(fileID)
	require.True(t, ok)
	assert.Equal(t, "Invoice for acme: 42.5", string(data))
}

func TestDocumentProvider_MissingKeyIsPermanent(t *testing.T) {
	p := NewDocumentProvider(NewMemoryFileStore())
	_, err := p.Call(context.Background(), CallInput{
		Params: map[string]any{
			"template": "{{.absent}}",
			"data":     map[string]any{},
			"name":     "x.txt",
		},
	})
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
}

func TestFileCopyProvider_IdempotentPerKey(t *testing.T) {
	files := NewMemoryFileStore()
	ref, err := files.Put(context.Background(), "a.txt", "text/plain", []byte("hello"))
	require.NoError(t, err)

	p := NewFileCopyProvider(files)
	in := CallInput{
		Params:         map[string]any{"file_id": ref.ID, "name": "b.txt"},
		IdempotencyKey: "key-1",
	}

	first, err := p.Call(context.Background(), in)
	require.NoError(t, err)
	second, err := p.Call(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, first["file_id"], second["file_id"])

	// A different key produces a fresh copy.
	in.IdempotencyKey = "key-2"
	third, err := p.Call(context.Background(), in)
	require.NoError(t, err)
	assert.NotEqual(t, first["file_id"], third["file_id"])
}

func TestHTTPProvider_RequestAndStatusMapping(t *testing.T) {
	var gotIdemKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotIdemKey = r.Header.Get("Idempotency-Key")
		switch r.URL.Path {
		case "/ok":
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"ok":true}`))
		case "/client-error":
			w.WriteHeader(http.StatusBadRequest)
		case "/server-error":
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	p := NewHTTPProvider(HTTPConfig{})
	ctx := context.Background()

	out, err := p.Call(ctx, CallInput{
		Params:         map[string]any{"url": srv.URL + "/ok"},
		IdempotencyKey: "idem-1",
	})
	require.NoError(t, err)
	assert.Equal(t, 200, out["status_code"])
	assert.Equal(t, map[string]any{"ok": true}, out["body"])
	assert.Equal(t, "idem-1", gotIdemKey)

	// 4xx is permanent, 5xx is retryable.
	_, err = p.Call(ctx, CallInput{Params: map[string]any{"url": srv.URL + "/client-error"}})
	require.Error(t, err)
	assert.True(t, IsPermanent(err))

	_, err = p.Call(ctx, CallInput{Params: map[string]any{"url": srv.URL + "/server-error"}})
	require.Error(t, err)
	assert.False(t, IsPermanent(err))
}

func TestHTTPProvider_InvalidURL(t *testing.T) {
	p := NewHTTPProvider(HTTPConfig{})
	_, err := p.Call(context.Background(), CallInput{Params: map[string]any{"url": "ftp://nope"}})
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
}
