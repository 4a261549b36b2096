package executors

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/flowlinehq/flowline/internal/expressions"
	"github.com/flowlinehq/flowline/internal/providers"
	"github.com/flowlinehq/flowline/pkg/schema"
)

// ExtractExecutor runs AI-extraction nodes. It hands the prompt, target
// schema, and selected source variables to the external adapter, reshapes
// the structured result through the node's jq output map, and checks the
// declared anomaly rules. Anomaly flags are advisory: they ride along in
// the outputs for downstream approval review, they never fail the node.
type ExtractExecutor struct {
	adapter providers.Extractor
	jq      *expressions.GoJQEngine
	expr    *expressions.ExprEngine
	interp  *expressions.Interpolator
}

// NewExtractExecutor creates an ExtractExecutor.
func NewExtractExecutor(adapter providers.Extractor, jq *expressions.GoJQEngine, expr *expressions.ExprEngine, interp *expressions.Interpolator) *ExtractExecutor {
	return &ExtractExecutor{adapter: adapter, jq: jq, expr: expr, interp: interp}
}

func (e *ExtractExecutor) Kind() schema.NodeKind { return schema.NodeKindExtract }

func (e *ExtractExecutor) Execute(ctx context.Context, ec *ExecContext) Outcome {
	if e.adapter == nil {
		return failf(schema.ErrCodeUpstream, ec.Node.ID, "no extraction adapter configured")
	}

	raw, err := e.interp.Resolve(ec.Node.Config, ec.Scope)
	if err != nil {
		return outcomeFromError(err, ec.Node.ID)
	}

	var cfg schema.ExtractConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return failf(schema.ErrCodeValidation, ec.Node.ID, "invalid extract config: %s", err.Error())
	}

	req := providers.ExtractRequest{
		Prompt:  cfg.Prompt,
		Schema:  cfg.OutputSchema,
		Context: make(map[string]any, len(cfg.SourceFields)),
	}
	for _, key := range cfg.SourceFields {
		val, ok := ec.Scope.Lookup(key)
		if !ok {
			return failf(schema.ErrCodeInterpolation, ec.Node.ID,
				"source field %q is not bound in the run scope", key)
		}
		req.Context[key] = val
		if ref, ok := asFileReference(val); ok {
			req.Files = append(req.Files, ref)
		}
	}

	result, err := e.adapter.Extract(ctx, req)
	if err != nil {
		engErr := schema.NewErrorf(schema.ErrCodeUpstream,
			"extraction adapter failed: %s", err.Error()).WithCause(err)
		return failErr(engErr, ec.Node.ID, !providers.IsPermanent(err))
	}

	outputs, out := e.mapOutputs(ctx, ec, cfg, result)
	if out != nil {
		return out
	}

	if flags := e.checkRules(ctx, ec, cfg, outputs); len(flags) > 0 {
		anomalies := make([]any, len(flags))
		for i, f := range flags {
			anomalies[i] = map[string]any{"field": f.Field, "rule": f.Rule, "message": f.Message}
		}
		outputs["anomalies"] = anomalies
	}

	return Continue{Outputs: outputs}
}

// mapOutputs reshapes the adapter's raw result into the node's declared
// output fields. With an output map, each field is a jq expression over
// the raw result; without one, declared output fields are copied through
// verbatim (or the whole result when no fields are declared).
func (e *ExtractExecutor) mapOutputs(ctx context.Context, ec *ExecContext, cfg schema.ExtractConfig, result map[string]any) (map[string]any, Outcome) {
	if len(cfg.OutputMap) == 0 {
		if len(ec.Node.OutputFields) == 0 {
			return result, nil
		}
		outputs := make(map[string]any, len(ec.Node.OutputFields))
		for _, f := range ec.Node.OutputFields {
			val, ok := result[f.Name]
			if !ok && f.Required {
				return nil, failf(schema.ErrCodeUpstream, ec.Node.ID,
					"adapter result is missing required field %q", f.Name)
			}
			outputs[f.Name] = val
		}
		return outputs, nil
	}

	outputs := make(map[string]any, len(cfg.OutputMap))
	for field, jqExpr := range cfg.OutputMap {
		val, err := e.jq.Evaluate(ctx, jqExpr, result)
		if err != nil {
			return nil, outcomeFromError(err, ec.Node.ID)
		}
		outputs[field] = val
	}
	return outputs, nil
}

// checkRules evaluates the declared anomaly rules against the mapped
// outputs. A rule whose expression is falsy, or fails to evaluate,
// yields a flag; either way execution proceeds.
func (e *ExtractExecutor) checkRules(ctx context.Context, ec *ExecContext, cfg schema.ExtractConfig, outputs map[string]any) []schema.AnomalyFlag {
	if len(cfg.Rules) == 0 {
		return nil
	}

	data := ec.Scope.Nested()
	for k, v := range outputs {
		data[k] = v
	}

	var flags []schema.AnomalyFlag
	for _, rule := range cfg.Rules {
		val, err := e.expr.Evaluate(ctx, rule.Expression, data)
		if err != nil {
			flags = append(flags, schema.AnomalyFlag{
				Field:   rule.Field,
				Rule:    rule.Expression,
				Message: "rule evaluation failed: " + err.Error(),
			})
			continue
		}
		if ok, _ := val.(bool); !ok {
			flags = append(flags, schema.AnomalyFlag{
				Field:   rule.Field,
				Rule:    rule.Expression,
				Message: rule.Message,
			})
		}
	}
	return flags
}

// asFileReference detects variable values that carry a stored-file handle.
func asFileReference(val any) (schema.FileReference, bool) {
	m, ok := val.(map[string]any)
	if !ok {
		return schema.FileReference{}, false
	}
	id, _ := m["file_id"].(string)
	if id == "" {
		id, _ = m["id"].(string)
	}
	if id == "" {
		return schema.FileReference{}, false
	}
	ref := schema.FileReference{ID: id}
	ref.Name, _ = m["name"].(string)
	ref.ContentType, _ = m["content_type"].(string)
	switch size := m["size"].(type) {
	case float64:
		ref.Size = int64(size)
	case int64:
		ref.Size = size
	case int:
		ref.Size = int64(size)
	}
	return ref, true
}

// outcomeFromError converts an engine error into a Fail outcome,
// preserving its retryability classification.
func outcomeFromError(err error, nodeID string) Outcome {
	var engErr *schema.EngineError
	if !errors.As(err, &engErr) {
		engErr = schema.NewError(schema.ErrCodeStepFailed, err.Error()).WithCause(err)
	}
	return failErr(engErr, nodeID, engErr.IsRetryable())
}
