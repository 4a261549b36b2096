package executors

import (
	"context"
	"encoding/json"

	"github.com/flowlinehq/flowline/internal/expressions"
	"github.com/flowlinehq/flowline/pkg/schema"
)

// ApprovalExecutor handles human-in-the-loop nodes. First entry always
// suspends the run with a review payload; re-entry consumes the reviewer's
// decision. Approved and edited decisions continue with the (possibly
// edited) field values as the node's outputs; rejection fails the node
// fatally.
type ApprovalExecutor struct {
	interp *expressions.Interpolator
}

// NewApprovalExecutor creates an ApprovalExecutor.
func NewApprovalExecutor(interp *expressions.Interpolator) *ApprovalExecutor {
	return &ApprovalExecutor{interp: interp}
}

func (e *ApprovalExecutor) Kind() schema.NodeKind { return schema.NodeKindApproval }

func (e *ApprovalExecutor) Execute(ctx context.Context, ec *ExecContext) Outcome {
	if ec.Resolution == nil {
		return e.suspend(ec)
	}
	return e.resume(ec)
}

// suspend builds the review payload from the node config and the current
// scope: the fields under review, any source file references, and the
// anomaly flags attached by the upstream extraction.
func (e *ApprovalExecutor) suspend(ec *ExecContext) Outcome {
	raw, err := e.interp.Resolve(ec.Node.Config, ec.Scope)
	if err != nil {
		return outcomeFromError(err, ec.Node.ID)
	}

	var cfg schema.ApprovalConfig
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return failf(schema.ErrCodeValidation, ec.Node.ID, "invalid approval config: %s", err.Error())
		}
	}

	fields := make(map[string]any)
	switch {
	case len(cfg.ShowFields) > 0:
		for _, key := range cfg.ShowFields {
			val, ok := ec.Scope.Lookup(key)
			if !ok {
				return failf(schema.ErrCodeInterpolation, ec.Node.ID,
					"show field %q is not bound in the run scope", key)
			}
			fields[key] = val
		}
	case cfg.SourceNode != "":
		fields = ec.Scope.NodeOutputs(cfg.SourceNode)
	}

	payload := schema.ReviewPayload{
		Title:        cfg.Title,
		Instructions: cfg.Instructions,
		Fields:       fields,
	}

	for key, val := range fields {
		if key == "anomalies" {
			payload.Anomalies = append(payload.Anomalies, asAnomalyFlags(val)...)
			delete(fields, key)
			continue
		}
		if ref, ok := asFileReference(val); ok {
			payload.Files = append(payload.Files, ref)
		}
	}

	return Suspend{Payload: payload}
}

// resume applies the reviewer's decision.
func (e *ApprovalExecutor) resume(ec *ExecContext) Outcome {
	res := ec.Resolution

	switch res.Decision {
	case schema.DecisionRejected:
		msg := "reviewer rejected the run"
		if res.Comment != "" {
			msg = "reviewer rejected the run: " + res.Comment
		}
		return failf(schema.ErrCodeRejectedByReviewer, ec.Node.ID, "%s", msg)

	case schema.DecisionApproved, schema.DecisionEdited:
		outputs := make(map[string]any)
		if ec.Review != nil {
			for k, v := range ec.Review.Fields {
				outputs[k] = v
			}
		}
		for k, v := range res.EditedValues {
			outputs[k] = v
		}
		outputs["decision"] = string(res.Decision)
		if res.ResolvedBy != "" {
			outputs["resolved_by"] = res.ResolvedBy
		}
		return Continue{Outputs: outputs}

	default:
		return failf(schema.ErrCodeValidation, ec.Node.ID,
			"unknown review decision %q", res.Decision)
	}
}

// asAnomalyFlags converts an upstream "anomalies" output value back into
// typed flags.
func asAnomalyFlags(val any) []schema.AnomalyFlag {
	items, ok := val.([]any)
	if !ok {
		return nil
	}
	flags := make([]schema.AnomalyFlag, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		flag := schema.AnomalyFlag{}
		flag.Field, _ = m["field"].(string)
		flag.Rule, _ = m["rule"].(string)
		flag.Message, _ = m["message"].(string)
		flags = append(flags, flag)
	}
	return flags
}
