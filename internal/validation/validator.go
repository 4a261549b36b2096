package validation

import (
	"context"
	"encoding/json"

	"github.com/flowlinehq/flowline/internal/expressions"
	"github.com/flowlinehq/flowline/pkg/schema"
)

// Validator is the three-stage definition validation pipeline: document
// shape (JSON Schema), graph structure (cycles, reachability), then
// semantics (configs, expressions, providers, trigger). Each stage only
// runs when the previous one passed, so semantic checks never chase
// structurally broken documents.
type Validator struct {
	schemas *schemaChecker
	deps    semanticDeps
}

// Options configures the optional semantic dependencies. Nil fields skip
// the corresponding checks.
type Options struct {
	CEL       ExpressionChecker
	Expr      ExpressionChecker
	JQ        ExpressionChecker
	Providers ProviderLookup
}

// New creates a Validator. With a nil opts the expression compilers are
// built fresh and provider existence is not checked.
func New(opts *Options) (*Validator, error) {
	schemas, err := newSchemaChecker()
	if err != nil {
		return nil, err
	}

	deps := semanticDeps{}
	if opts != nil {
		deps.cel = opts.CEL
		deps.expr = opts.Expr
		deps.jq = opts.JQ
		deps.providers = opts.Providers
	}
	if deps.cel == nil {
		cel, err := expressions.NewCELEngine()
		if err != nil {
			return nil, err
		}
		deps.cel = cel
	}
	if deps.expr == nil {
		deps.expr = expressions.NewExprEngine()
	}
	if deps.jq == nil {
		deps.jq = expressions.NewGoJQEngine()
	}

	return &Validator{schemas: schemas, deps: deps}, nil
}

// ValidateDefinition runs the full pipeline over a definition.
func (v *Validator) ValidateDefinition(ctx context.Context, def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := v.schemas.checkDefinition(def)
	if !result.Valid() {
		return result
	}

	result.Merge(checkGraph(def))
	if !result.Valid() {
		return result
	}

	result.Merge(checkSemantic(def, v.deps))

	if len(def.Trigger.InputSchema) > 0 {
		if _, err := v.schemas.getOrCompile(def.Trigger.InputSchema); err != nil {
			result.AddError("trigger.input_schema", schema.ErrCodeValidation,
				"trigger input schema does not compile: "+err.Error())
		}
	}
	return result
}

// ValidateTriggerInput checks trigger input against a definition's
// declared input schema. An empty schema accepts anything.
func (v *Validator) ValidateTriggerInput(inputSchema json.RawMessage, input map[string]any) error {
	return v.schemas.checkInput(inputSchema, input)
}
