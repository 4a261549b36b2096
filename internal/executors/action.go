package executors

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/flowlinehq/flowline/internal/expressions"
	"github.com/flowlinehq/flowline/internal/providers"
	"github.com/flowlinehq/flowline/pkg/schema"
)

// idempotencyNamespace seeds the deterministic idempotency key derivation.
var idempotencyNamespace = uuid.MustParse("7d5c2f1a-9b3e-4f60-8a24-d1e6c5b0a397")

// ActionExecutor runs side-effecting nodes by delegating to a registered
// provider. Each attempt carries a deterministic idempotency key derived
// from (run_id, node_id, attempt) so providers that support deduplication
// will not repeat side effects on crash-replay of the same attempt.
type ActionExecutor struct {
	registry *providers.Registry
	interp   *expressions.Interpolator
}

// NewActionExecutor creates an ActionExecutor.
func NewActionExecutor(registry *providers.Registry, interp *expressions.Interpolator) *ActionExecutor {
	return &ActionExecutor{registry: registry, interp: interp}
}

func (e *ActionExecutor) Kind() schema.NodeKind { return schema.NodeKindAction }

func (e *ActionExecutor) Execute(ctx context.Context, ec *ExecContext) Outcome {
	var cfg schema.ActionConfig
	if err := json.Unmarshal(ec.Node.Config, &cfg); err != nil {
		return failf(schema.ErrCodeValidation, ec.Node.ID, "invalid action config: %s", err.Error())
	}
	if cfg.Provider == "" {
		return failf(schema.ErrCodeValidation, ec.Node.ID, "action config has no provider")
	}

	provider, err := e.registry.Get(cfg.Provider)
	if err != nil {
		return failf(schema.ErrCodeNotFound, ec.Node.ID, "provider %q not registered", cfg.Provider)
	}

	resolved, err := e.interp.Resolve(cfg.Params, ec.Scope)
	if err != nil {
		return outcomeFromError(err, ec.Node.ID)
	}

	params := map[string]any{}
	if len(resolved) > 0 {
		if err := json.Unmarshal(resolved, &params); err != nil {
			return failf(schema.ErrCodeValidation, ec.Node.ID,
				"action params are not a JSON object after interpolation: %s", err.Error())
		}
	}

	result, err := provider.Call(ctx, providers.CallInput{
		Params:         params,
		IdempotencyKey: IdempotencyKey(ec.RunID, ec.Node.ID, ec.Attempt),
	})
	if err != nil {
		engErr := schema.NewErrorf(schema.ErrCodeUpstream,
			"provider %q failed: %s", cfg.Provider, err.Error()).WithCause(err)
		return failErr(engErr, ec.Node.ID, !providers.IsPermanent(err))
	}

	if len(ec.Node.OutputFields) > 0 {
		outputs := make(map[string]any, len(ec.Node.OutputFields))
		for _, f := range ec.Node.OutputFields {
			val, ok := result[f.Name]
			if !ok && f.Required {
				return failf(schema.ErrCodeUpstream, ec.Node.ID,
					"provider result is missing required field %q", f.Name)
			}
			outputs[f.Name] = val
		}
		return Continue{Outputs: outputs}
	}
	return Continue{Outputs: result}
}

// IdempotencyKey derives the stable per-attempt key handed to providers.
func IdempotencyKey(runID, nodeID string, attempt int) string {
	name := fmt.Sprintf("%s|%s|%d", runID, nodeID, attempt)
	return uuid.NewSHA1(idempotencyNamespace, []byte(name)).String()
}
