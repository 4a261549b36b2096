package executors

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowlinehq/flowline/internal/expressions"
	"github.com/flowlinehq/flowline/internal/providers"
	"github.com/flowlinehq/flowline/pkg/schema"
)

// fakeExtractor returns a canned result or error.
type fakeExtractor struct {
	result map[string]any
	err    error
	gotReq providers.ExtractRequest
}

func (f *fakeExtractor) Extract(ctx context.Context, req providers.ExtractRequest) (map[string]any, error) {
	f.gotReq = req
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

// fakeProvider records the last call input.
type fakeProvider struct {
	name   string
	result map[string]any
	err    error
	got    providers.CallInput
}

func (f *fakeProvider) Name() string                            { return f.name }
func (f *fakeProvider) Schema() providers.ProviderSchema        { return providers.ProviderSchema{} }
func (f *fakeProvider) Validate(params map[string]any) error    { return nil }
func (f *fakeProvider) Call(ctx context.Context, in providers.CallInput) (map[string]any, error) {
	f.got = in
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func testDeps(t *testing.T, adapter providers.Extractor, reg *providers.Registry) Deps {
	t.Helper()
	cel, err := expressions.NewCELEngine()
	require.NoError(t, err)
	if reg == nil {
		reg = providers.NewRegistry()
	}
	return Deps{
		CEL:       cel,
		Expr:      expressions.NewExprEngine(),
		JQ:        expressions.NewGoJQEngine(),
		Interp:    expressions.NewInterpolator(),
		Extractor: adapter,
		Providers: reg,
	}
}

func execCtx(def *schema.WorkflowDefinition, nodeID string, scope *expressions.Scope) *ExecContext {
	var node *schema.NodeDefinition
	for i := range def.Nodes {
		if def.Nodes[i].ID == nodeID {
			node = &def.Nodes[i]
		}
	}
	return &ExecContext{
		RunID:   "run-1",
		Def:     def,
		Node:    node,
		Scope:   scope,
		Attempt: 1,
	}
}

// --- Registry ---

func TestDefaultRegistry_CoversAllKinds(t *testing.T) {
	reg, err := NewDefaultRegistry(testDeps(t, &fakeExtractor{}, nil))
	require.NoError(t, err)

	kinds := []schema.NodeKind{
		schema.NodeKindStart, schema.NodeKindDecision, schema.NodeKindFork,
		schema.NodeKindJoin, schema.NodeKindExtract, schema.NodeKindApproval,
		schema.NodeKindAction,
	}
	for _, k := range kinds {
		e, err := reg.Get(k)
		require.NoError(t, err)
		assert.Equal(t, k, e.Kind())
	}

	_, err = reg.Get(schema.NodeKind("ghost"))
	require.Error(t, err)
}

// --- Decision ---

func decisionDef() *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		ID: "wf", Version: 1,
		Nodes: []schema.NodeDefinition{
			{ID: "route", Kind: schema.NodeKindDecision},
			{ID: "manager-approval", Kind: schema.NodeKindApproval},
			{ID: "auto-approve", Kind: schema.NodeKindAction},
		},
		Edges: []schema.EdgeDefinition{
			{Source: "route", Target: "manager-approval", Condition: `trigger.amount > 1000.0`},
			{Source: "route", Target: "auto-approve"},
		},
	}
}

func TestDecision_FirstMatchingEdge(t *testing.T) {
	deps := testDeps(t, nil, nil)
	e := NewDecisionExecutor(deps.CEL)
	scope := expressions.NewScope(nil, nil)
	require.NoError(t, scope.BindTrigger(map[string]any{"amount": 5000.0}))

	out := e.Execute(context.Background(), execCtx(decisionDef(), "route", scope))
	cont, ok := out.(Continue)
	require.True(t, ok)
	assert.Equal(t, "manager-approval", cont.NextOverride)
	assert.Equal(t, "manager-approval", cont.Outputs["branch"])
}

func TestDecision_DefaultEdge(t *testing.T) {
	deps := testDeps(t, nil, nil)
	e := NewDecisionExecutor(deps.CEL)
	scope := expressions.NewScope(nil, nil)
	require.NoError(t, scope.BindTrigger(map[string]any{"amount": 500.0}))

	out := e.Execute(context.Background(), execCtx(decisionDef(), "route", scope))
	cont, ok := out.(Continue)
	require.True(t, ok)
	assert.Equal(t, "auto-approve", cont.NextOverride)
}

func TestDecision_NoMatchNoDefault(t *testing.T) {
	deps := testDeps(t, nil, nil)
	e := NewDecisionExecutor(deps.CEL)
	def := decisionDef()
	def.Edges = def.Edges[:1] // drop the default edge

	scope := expressions.NewScope(nil, nil)
	require.NoError(t, scope.BindTrigger(map[string]any{"amount": 500.0}))

	out := e.Execute(context.Background(), execCtx(def, "route", scope))
	fail, ok := out.(Fail)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeNoMatchingBranch, fail.Err.Code)
	assert.False(t, fail.Retryable)
}

func TestDecision_ConditionErrorIsFatal(t *testing.T) {
	deps := testDeps(t, nil, nil)
	e := NewDecisionExecutor(deps.CEL)
	def := decisionDef()
	def.Edges[0].Condition = `nodes.ghost.total > 0.0`

	scope := expressions.NewScope(nil, nil)
	out := e.Execute(context.Background(), execCtx(def, "route", scope))
	fail, ok := out.(Fail)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeExpression, fail.Err.Code)
	assert.False(t, fail.Retryable)
}

// --- Extract ---

func extractDef(config string) *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		ID: "wf", Version: 1,
		Nodes: []schema.NodeDefinition{
			{ID: "extract", Kind: schema.NodeKindExtract, Config: json.RawMessage(config)},
		},
	}
}

func TestExtract_OutputMapAndRules(t *testing.T) {
	adapter := &fakeExtractor{result: map[string]any{
		"vendor": map[string]any{"name": "acme"},
		"lines":  []any{map[string]any{"amount": 10.0}, map[string]any{"amount": 32.5}},
	}}
	deps := testDeps(t, adapter, nil)
	e := NewExtractExecutor(adapter, deps.JQ, deps.Expr, deps.Interp)

	cfg := `{
		"prompt": "extract the invoice for ${{trigger.file_name}}",
		"source_fields": ["trigger.file"],
		"output_map": {
			"vendor_name": ".vendor.name",
			"total": "[.lines[].amount] | add"
		},
		"rules": [
			{"field": "total", "expression": "total < 40.0", "message": "total unusually high"}
		]
	}`

	scope := expressions.NewScope(nil, nil)
	require.NoError(t, scope.BindTrigger(map[string]any{
		"file_name": "inv.pdf",
		"file":      map[string]any{"file_id": "f-1", "name": "inv.pdf"},
	}))

	out := e.Execute(context.Background(), execCtx(extractDef(cfg), "extract", scope))
	cont, ok := out.(Continue)
	require.True(t, ok)

	assert.Equal(t, "acme", cont.Outputs["vendor_name"])
	assert.Equal(t, 42.5, cont.Outputs["total"])

	// Rule was falsy, so an anomaly flag rides along.
	anomalies, ok := cont.Outputs["anomalies"].([]any)
	require.True(t, ok)
	require.Len(t, anomalies, 1)
	flag := anomalies[0].(map[string]any)
	assert.Equal(t, "total", flag["field"])
	assert.Equal(t, "total unusually high", flag["message"])

	// The adapter saw the interpolated prompt and the file reference.
	assert.Equal(t, "extract the invoice for inv.pdf", adapter.gotReq.Prompt)
	require.Len(t, adapter.gotReq.Files, 1)
	assert.Equal(t, "f-1", adapter.gotReq.Files[0].ID)
}

func TestExtract_AdapterErrorRetryable(t *testing.T) {
	adapter := &fakeExtractor{err: errors.New("model overloaded")}
	deps := testDeps(t, adapter, nil)
	e := NewExtractExecutor(adapter, deps.JQ, deps.Expr, deps.Interp)

	out := e.Execute(context.Background(),
		execCtx(extractDef(`{"prompt":"x"}`), "extract", expressions.NewScope(nil, nil)))
	fail, ok := out.(Fail)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeUpstream, fail.Err.Code)
	assert.True(t, fail.Retryable)
}

func TestExtract_PermanentAdapterError(t *testing.T) {
	adapter := &fakeExtractor{err: providers.Permanent(errors.New("schema rejected"))}
	deps := testDeps(t, adapter, nil)
	e := NewExtractExecutor(adapter, deps.JQ, deps.Expr, deps.Interp)

	out := e.Execute(context.Background(),
		execCtx(extractDef(`{"prompt":"x"}`), "extract", expressions.NewScope(nil, nil)))
	fail, ok := out.(Fail)
	require.True(t, ok)
	assert.False(t, fail.Retryable)
}

// --- Approval ---

func approvalDef() *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		ID: "wf", Version: 1,
		Nodes: []schema.NodeDefinition{
			{ID: "review", Kind: schema.NodeKindApproval, Config: json.RawMessage(`{
				"title": "Review invoice",
				"source_node": "extract"
			}`)},
		},
	}
}

func approvalScope(t *testing.T) *expressions.Scope {
	t.Helper()
	scope := expressions.NewScope(nil, nil)
	require.NoError(t, scope.BindOutputs("extract", map[string]any{
		"total":     42.5,
		"file":      map[string]any{"file_id": "f-1", "name": "inv.pdf"},
		"anomalies": []any{map[string]any{"field": "total", "rule": "total < 40.0", "message": "high"}},
	}))
	return scope
}

func TestApproval_FirstEntrySuspends(t *testing.T) {
	e := NewApprovalExecutor(expressions.NewInterpolator())
	out := e.Execute(context.Background(), execCtx(approvalDef(), "review", approvalScope(t)))

	sus, ok := out.(Suspend)
	require.True(t, ok)
	assert.Equal(t, "Review invoice", sus.Payload.Title)
	assert.Equal(t, 42.5, sus.Payload.Fields["total"])
	require.Len(t, sus.Payload.Files, 1)
	assert.Equal(t, "f-1", sus.Payload.Files[0].ID)
	require.Len(t, sus.Payload.Anomalies, 1)
	assert.Equal(t, "total", sus.Payload.Anomalies[0].Field)
	// Anomalies are lifted out of the field map into their own section.
	_, has := sus.Payload.Fields["anomalies"]
	assert.False(t, has)
}

func TestApproval_ResumeDecisions(t *testing.T) {
	e := NewApprovalExecutor(expressions.NewInterpolator())
	review := &schema.ReviewPayload{Fields: map[string]any{"total": 42.5}}

	t.Run("approved", func(t *testing.T) {
		ec := execCtx(approvalDef(), "review", approvalScope(t))
		ec.Review = review
		ec.Resolution = &schema.Resolution{Decision: schema.DecisionApproved, ResolvedBy: "ops"}

		out := e.Execute(context.Background(), ec)
		cont, ok := out.(Continue)
		require.True(t, ok)
		assert.Equal(t, 42.5, cont.Outputs["total"])
		assert.Equal(t, "approved", cont.Outputs["decision"])
		assert.Equal(t, "ops", cont.Outputs["resolved_by"])
	})

	t.Run("edited", func(t *testing.T) {
		ec := execCtx(approvalDef(), "review", approvalScope(t))
		ec.Review = review
		ec.Resolution = &schema.Resolution{
			Decision:     schema.DecisionEdited,
			EditedValues: map[string]any{"total": 45.0},
		}

		out := e.Execute(context.Background(), ec)
		cont, ok := out.(Continue)
		require.True(t, ok)
		assert.Equal(t, 45.0, cont.Outputs["total"])
	})

	t.Run("rejected", func(t *testing.T) {
		ec := execCtx(approvalDef(), "review", approvalScope(t))
		ec.Review = review
		ec.Resolution = &schema.Resolution{Decision: schema.DecisionRejected, Comment: "wrong vendor"}

		out := e.Execute(context.Background(), ec)
		fail, ok := out.(Fail)
		require.True(t, ok)
		assert.Equal(t, schema.ErrCodeRejectedByReviewer, fail.Err.Code)
		assert.False(t, fail.Retryable)
		assert.Contains(t, fail.Err.Message, "wrong vendor")
	})
}

// --- Action ---

func actionDef(config string) *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		ID: "wf", Version: 1,
		Nodes: []schema.NodeDefinition{
			{ID: "notify", Kind: schema.NodeKindAction, Config: json.RawMessage(config)},
		},
	}
}

func TestAction_DelegatesWithIdempotencyKey(t *testing.T) {
	provider := &fakeProvider{name: "notify.log", result: map[string]any{"delivered": true}}
	reg := providers.NewRegistry()
	require.NoError(t, reg.Register(provider))

	e := NewActionExecutor(reg, expressions.NewInterpolator())
	scope := expressions.NewScope(nil, nil)
	require.NoError(t, scope.BindOutputs("extract", map[string]any{"total": 42.5}))

	cfg := `{"provider":"notify.log","params":{"message":"total is ${{nodes.extract.total}}"}}`
	out := e.Execute(context.Background(), execCtx(actionDef(cfg), "notify", scope))

	cont, ok := out.(Continue)
	require.True(t, ok)
	assert.Equal(t, true, cont.Outputs["delivered"])
	assert.Equal(t, "total is 42.5", provider.got.Params["message"])
	assert.Equal(t, IdempotencyKey("run-1", "notify", 1), provider.got.IdempotencyKey)
}

func TestIdempotencyKey_DeterministicPerAttempt(t *testing.T) {
	k1 := IdempotencyKey("r", "n", 1)
	assert.Equal(t, k1, IdempotencyKey("r", "n", 1))
	assert.NotEqual(t, k1, IdempotencyKey("r", "n", 2))
	assert.NotEqual(t, k1, IdempotencyKey("r", "other", 1))
}

func TestAction_UnknownProvider(t *testing.T) {
	e := NewActionExecutor(providers.NewRegistry(), expressions.NewInterpolator())
	out := e.Execute(context.Background(),
		execCtx(actionDef(`{"provider":"ghost"}`), "notify", expressions.NewScope(nil, nil)))
	fail, ok := out.(Fail)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeNotFound, fail.Err.Code)
	assert.False(t, fail.Retryable)
}

func TestAction_PermanentProviderError(t *testing.T) {
	provider := &fakeProvider{name: "http.request", err: providers.Permanent(errors.New("400"))}
	reg := providers.NewRegistry()
	require.NoError(t, reg.Register(provider))

	e := NewActionExecutor(reg, expressions.NewInterpolator())
	out := e.Execute(context.Background(),
		execCtx(actionDef(`{"provider":"http.request"}`), "notify", expressions.NewScope(nil, nil)))
	fail, ok := out.(Fail)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeUpstream, fail.Err.Code)
	assert.False(t, fail.Retryable)
}

func TestStartForkJoin_AreNoOps(t *testing.T) {
	def := &schema.WorkflowDefinition{Nodes: []schema.NodeDefinition{
		{ID: "s", Kind: schema.NodeKindStart},
		{ID: "f", Kind: schema.NodeKindFork},
		{ID: "j", Kind: schema.NodeKindJoin},
	}}
	scope := expressions.NewScope(nil, nil)

	for _, tc := range []struct {
		exec   NodeExecutor
		nodeID string
	}{
		{&StartExecutor{}, "s"},
		{&ForkExecutor{}, "f"},
		{&JoinExecutor{}, "j"},
	} {
		out := tc.exec.Execute(context.Background(), execCtx(def, tc.nodeID, scope))
		_, ok := out.(Continue)
		assert.True(t, ok)
	}
}
