package expressions

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowlinehq/flowline/pkg/schema"
)

func testScope(t *testing.T) *Scope {
	t.Helper()
	s := NewScope(nil, map[string]any{"run_id": "r-1"})
	require.NoError(t, s.BindTrigger(map[string]any{"file_id": "f-1"}))
	require.NoError(t, s.BindOutputs("extract", map[string]any{
		"total":  42.5,
		"vendor": map[string]any{"name": "acme"},
	}))
	return s
}

func TestInterpolator_Resolve(t *testing.T) {
	interp := NewInterpolator()
	scope := testScope(t)

	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"trigger ref", `{"file":"${{trigger.file_id}}"}`, `{"file":"f-1"}`},
		{"node output", `{"total":${{nodes.extract.total}}}`, `{"total":42.5}`},
		{"nested path", `{"v":"${{nodes.extract.vendor.name}}"}`, `{"v":"acme"}`},
		{"run metadata", `{"id":"${{run.run_id}}"}`, `{"id":"r-1"}`},
		{"embedded in string", `{"msg":"run ${{run.run_id}} done"}`, `{"msg":"run r-1 done"}`},
		{"object inline", `{"vendor":${{nodes.extract.vendor}}}`, `{"vendor":{"name":"acme"}}`},
		{"no references", `{"static":true}`, `{"static":true}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := interp.Resolve(json.RawMessage(tt.raw), scope)
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(got))
		})
	}
}

func TestInterpolator_Errors(t *testing.T) {
	interp := NewInterpolator()
	scope := testScope(t)

	tests := []struct {
		name string
		raw  string
	}{
		{"unbound node", `{"x":"${{nodes.ghost.total}}"}`},
		{"unbound field", `{"x":"${{nodes.extract.missing}}"}`},
		{"unknown namespace", `{"x":"${{secrets.KEY}}"}`},
		{"unclosed token", `{"x":"${{trigger.file_id"}`},
		{"nested token", `{"x":"${{trigger.${{run.run_id}}}}"}`},
		{"empty token", `{"x":"${{  }}"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := interp.Resolve(json.RawMessage(tt.raw), scope)
			require.Error(t, err)
			var engErr *schema.EngineError
			require.ErrorAs(t, err, &engErr)
			assert.Equal(t, schema.ErrCodeInterpolation, engErr.Code)
		})
	}
}

func TestHasInterpolation(t *testing.T) {
	assert.True(t, HasInterpolation(json.RawMessage(`{"x":"${{trigger.a}}"}`)))
	assert.False(t, HasInterpolation(json.RawMessage(`{"x":"plain"}`)))
}
