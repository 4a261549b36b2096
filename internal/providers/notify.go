package providers

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/flowlinehq/flowline/pkg/schema"
)

const notifyInputSchema = `{
  "type": "object",
  "properties": {
    "channel": {"type": "string", "default": "default"},
    "subject": {"type": "string"},
    "message": {"type": "string"},
    "level": {"type": "string", "enum": ["info","warn","error"], "default": "info"}
  },
  "required": ["message"]
}`

// NotifyProvider implements the "notify.log" provider: notifications land
// in the structured log. A real deployment swaps this for mail/chat
// transports behind the same params.
type NotifyProvider struct {
	logger *slog.Logger
}

// NewNotifyProvider creates a new notify.log provider.
func NewNotifyProvider(logger *slog.Logger) *NotifyProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &NotifyProvider{logger: logger}
}

func (p *NotifyProvider) Name() string { return "notify.log" }

func (p *NotifyProvider) Schema() ProviderSchema {
	return ProviderSchema{
		Description: "Emit a notification to the structured log.",
		InputSchema: json.RawMessage(notifyInputSchema),
	}
}

func (p *NotifyProvider) Validate(params map[string]any) error {
	if stringParam(params, "message", "") == "" {
		return schema.NewError(schema.ErrCodeValidation, "notify.log: missing required param 'message'")
	}
	return nil
}

func (p *NotifyProvider) Call(ctx context.Context, input CallInput) (map[string]any, error) {
	if err := p.Validate(input.Params); err != nil {
		return nil, Permanent(err)
	}

	channel := stringParam(input.Params, "channel", "default")
	subject := stringParam(input.Params, "subject", "")
	message := stringParam(input.Params, "message", "")
	level := stringParam(input.Params, "level", "info")

	attrs := []any{
		slog.String("channel", channel),
		slog.String("subject", subject),
		slog.String("idempotency_key", input.IdempotencyKey),
	}
	switch level {
	case "error":
		p.logger.ErrorContext(ctx, message, attrs...)
	case "warn":
		p.logger.WarnContext(ctx, message, attrs...)
	default:
		p.logger.InfoContext(ctx, message, attrs...)
	}

	return map[string]any{
		"delivered": true,
		"channel":   channel,
		"sent_at":   time.Now().UTC().Format(time.RFC3339),
	}, nil
}

var _ ActionProvider = (*NotifyProvider)(nil)
