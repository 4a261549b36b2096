package validation

import (
	"encoding/json"
	"fmt"

	"github.com/robfig/cron/v3"

	"github.com/flowlinehq/flowline/pkg/schema"
)

// ExpressionChecker compiles an expression without evaluating it.
type ExpressionChecker interface {
	Check(expression string) error
}

// ProviderLookup reports whether an action provider is registered.
type ProviderLookup interface {
	Has(name string) bool
}

// semanticDeps bundles the compilers the semantic pass needs.
type semanticDeps struct {
	cel       ExpressionChecker // edge conditions
	expr      ExpressionChecker // anomaly rule expressions
	jq        ExpressionChecker // extract output maps
	providers ProviderLookup
}

// checkSemantic performs per-node and trigger analysis: kind-specific
// config blocks parse, expressions compile, providers exist, and the
// node's role matches its edges.
func checkSemantic(def *schema.WorkflowDefinition, deps semanticDeps) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	outgoing := make(map[string][]schema.EdgeDefinition)
	incoming := make(map[string]int)
	for _, e := range def.Edges {
		outgoing[e.Source] = append(outgoing[e.Source], e)
		incoming[e.Target]++
	}

	kinds := make(map[string]schema.NodeKind, len(def.Nodes))
	for _, n := range def.Nodes {
		kinds[n.ID] = n.Kind
	}

	for i := range def.Nodes {
		node := &def.Nodes[i]
		path := fmt.Sprintf("nodes[%d]", i)

		switch node.Kind {
		case schema.NodeKindStart:
			if incoming[node.ID] > 0 {
				result.AddError(path, schema.ErrCodeValidation,
					fmt.Sprintf("start node %q must have no incoming edges", node.ID))
			}

		case schema.NodeKindDecision:
			checkDecision(node, path, outgoing[node.ID], deps.cel, result)

		case schema.NodeKindFork:
			if len(outgoing[node.ID]) < 2 {
				result.AddWarning(path, schema.ErrCodeValidation,
					fmt.Sprintf("fork node %q has fewer than two outgoing edges", node.ID))
			}

		case schema.NodeKindJoin:
			if incoming[node.ID] < 2 {
				result.AddWarning(path, schema.ErrCodeValidation,
					fmt.Sprintf("join node %q has fewer than two incoming edges", node.ID))
			}

		case schema.NodeKindExtract:
			checkExtract(node, path, deps, result)

		case schema.NodeKindApproval:
			checkApproval(node, path, result)

		case schema.NodeKindAction:
			checkAction(node, path, deps.providers, result)
		}

		if node.Retry != nil && node.Retry.Max > 10 {
			result.AddWarning(path+".retry.max", schema.ErrCodeValidation,
				fmt.Sprintf("high retry count (%d) may cause long delays", node.Retry.Max))
		}
	}

	// Conditions belong on decision out-edges; anywhere else they are
	// silently ignored at runtime, which is almost certainly a mistake.
	for i, e := range def.Edges {
		if e.Condition != "" && kinds[e.Source] != schema.NodeKindDecision {
			result.AddWarning(fmt.Sprintf("edges[%d].condition", i), schema.ErrCodeValidation,
				fmt.Sprintf("condition on edge from non-decision node %q is ignored", e.Source))
		}
	}

	checkTrigger(&def.Trigger, result)
	return result
}

func checkDecision(node *schema.NodeDefinition, path string, edges []schema.EdgeDefinition, cel ExpressionChecker, result *schema.ValidationResult) {
	if len(edges) == 0 {
		result.AddError(path, schema.ErrCodeValidation,
			fmt.Sprintf("decision node %q has no outgoing edges", node.ID))
		return
	}

	defaults := 0
	for _, e := range edges {
		if e.Condition == "" {
			defaults++
			continue
		}
		if cel != nil {
			if err := cel.Check(e.Condition); err != nil {
				result.AddError(path, schema.ErrCodeExpression,
					fmt.Sprintf("condition on edge %s -> %s does not compile: %s", e.Source, e.Target, err.Error()))
			}
		}
	}
	if defaults > 1 {
		result.AddError(path, schema.ErrCodeValidation,
			fmt.Sprintf("decision node %q has %d default edges, at most one is allowed", node.ID, defaults))
	}
	if defaults == 0 {
		result.AddWarning(path, schema.ErrCodeNoMatchingBranch,
			fmt.Sprintf("decision node %q has no default edge; unmatched inputs will fail the run", node.ID))
	}
}

func checkExtract(node *schema.NodeDefinition, path string, deps semanticDeps, result *schema.ValidationResult) {
	if len(node.Config) == 0 {
		result.AddError(path+".config", schema.ErrCodeValidation,
			fmt.Sprintf("extract node %q has no config", node.ID))
		return
	}
	var cfg schema.ExtractConfig
	if err := json.Unmarshal(node.Config, &cfg); err != nil {
		result.AddError(path+".config", schema.ErrCodeValidation,
			fmt.Sprintf("extract node %q has invalid config: %v", node.ID, err))
		return
	}
	if cfg.Prompt == "" {
		result.AddError(path+".config.prompt", schema.ErrCodeValidation,
			fmt.Sprintf("extract node %q has no prompt", node.ID))
	}
	if deps.jq != nil {
		for field, expr := range cfg.OutputMap {
			if err := deps.jq.Check(expr); err != nil {
				result.AddError(path+".config.output_map."+field, schema.ErrCodeExpression,
					fmt.Sprintf("output map expression does not compile: %s", err.Error()))
			}
		}
	}
	if deps.expr != nil {
		for j, rule := range cfg.Rules {
			if rule.Expression == "" {
				result.AddError(fmt.Sprintf("%s.config.rules[%d]", path, j), schema.ErrCodeValidation,
					"rule has no expression")
				continue
			}
			if err := deps.expr.Check(rule.Expression); err != nil {
				result.AddError(fmt.Sprintf("%s.config.rules[%d]", path, j), schema.ErrCodeExpression,
					fmt.Sprintf("rule expression does not compile: %s", err.Error()))
			}
		}
	}
	if len(cfg.OutputSchema) > 0 && !json.Valid(cfg.OutputSchema) {
		result.AddError(path+".config.output_schema", schema.ErrCodeValidation,
			"output schema is not valid JSON")
	}
}

func checkApproval(node *schema.NodeDefinition, path string, result *schema.ValidationResult) {
	var cfg schema.ApprovalConfig
	if len(node.Config) > 0 {
		if err := json.Unmarshal(node.Config, &cfg); err != nil {
			result.AddError(path+".config", schema.ErrCodeValidation,
				fmt.Sprintf("approval node %q has invalid config: %v", node.ID, err))
			return
		}
	}
	if len(cfg.ShowFields) == 0 && cfg.SourceNode == "" {
		result.AddWarning(path+".config", schema.ErrCodeValidation,
			fmt.Sprintf("approval node %q surfaces no fields; reviewers will see an empty payload", node.ID))
	}
}

func checkAction(node *schema.NodeDefinition, path string, providers ProviderLookup, result *schema.ValidationResult) {
	if len(node.Config) == 0 {
		result.AddError(path+".config", schema.ErrCodeValidation,
			fmt.Sprintf("action node %q has no config", node.ID))
		return
	}
	var cfg schema.ActionConfig
	if err := json.Unmarshal(node.Config, &cfg); err != nil {
		result.AddError(path+".config", schema.ErrCodeValidation,
			fmt.Sprintf("action node %q has invalid config: %v", node.ID, err))
		return
	}
	if cfg.Provider == "" {
		result.AddError(path+".config.provider", schema.ErrCodeValidation,
			fmt.Sprintf("action node %q has no provider", node.ID))
		return
	}
	if providers != nil && !providers.Has(cfg.Provider) {
		result.AddError(path+".config.provider", schema.ErrCodeNotFound,
			fmt.Sprintf("provider %q is not registered", cfg.Provider))
	}
}

// cronParser accepts standard five-field cron specs plus the usual
// descriptors (@daily, @every 1h).
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

func checkTrigger(trigger *schema.TriggerConfig, result *schema.ValidationResult) {
	switch trigger.Type {
	case schema.TriggerManual:
		// Nothing to check.
	case schema.TriggerSchedule:
		if trigger.Cron == "" {
			result.AddError("trigger.cron", schema.ErrCodeValidation,
				"schedule trigger requires a cron expression")
			return
		}
		if _, err := cronParser.Parse(trigger.Cron); err != nil {
			result.AddError("trigger.cron", schema.ErrCodeValidation,
				fmt.Sprintf("invalid cron expression: %v", err))
		}
	case schema.TriggerWebhook:
		if trigger.WebhookPath == "" {
			result.AddError("trigger.webhook_path", schema.ErrCodeValidation,
				"webhook trigger requires a webhook_path")
		} else if trigger.WebhookPath[0] != '/' {
			result.AddError("trigger.webhook_path", schema.ErrCodeValidation,
				"webhook_path must start with /")
		}
	}
}
