package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"text/template"

	"github.com/flowlinehq/flowline/pkg/schema"
)

const documentInputSchema = `{
  "type": "object",
  "properties": {
    "template": {"type": "string"},
    "data": {"type": "object"},
    "name": {"type": "string"},
    "content_type": {"type": "string", "default": "text/plain"}
  },
  "required": ["template", "name"]
}`

const documentOutputSchema = `{
  "type": "object",
  "properties": {
    "file_id": {"type": "string"},
    "name": {"type": "string"},
    "size": {"type": "integer"},
    "content_type": {"type": "string"}
  }
}`

// DocumentProvider implements the "document.render" provider: it renders a
// text template against run data and stores the result in the file store,
// returning a FileReference for downstream nodes.
type DocumentProvider struct {
	files FileStore
}

// NewDocumentProvider creates a new document.render provider.
func NewDocumentProvider(files FileStore) *DocumentProvider {
	return &DocumentProvider{files: files}
}

func (p *DocumentProvider) Name() string { return "document.render" }

func (p *DocumentProvider) Schema() ProviderSchema {
	return ProviderSchema{
		Description:  "Render a text template and store the result as a file.",
		InputSchema:  json.RawMessage(documentInputSchema),
		OutputSchema: json.RawMessage(documentOutputSchema),
	}
}

func (p *DocumentProvider) Validate(params map[string]any) error {
	if stringParam(params, "template", "") == "" {
		return schema.NewError(schema.ErrCodeValidation, "document.render: missing required param 'template'")
	}
	if stringParam(params, "name", "") == "" {
		return schema.NewError(schema.ErrCodeValidation, "document.render: missing required param 'name'")
	}
	return nil
}

func (p *DocumentProvider) Call(ctx context.Context, input CallInput) (map[string]any, error) {
	if err := p.Validate(input.Params); err != nil {
		return nil, Permanent(err)
	}

	tmplSrc := stringParam(input.Params, "template", "")
	name := stringParam(input.Params, "name", "")
	contentType := stringParam(input.Params, "content_type", "text/plain")
	data, _ := input.Params["data"].(map[string]any)

	tmpl, err := template.New(name).Option("missingkey=error").Parse(tmplSrc)
	if err != nil {
		return nil, Permanent(schema.NewErrorf(schema.ErrCodeValidation,
			"document.render: template parse error: %s", err.Error()).WithCause(err))
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return nil, Permanent(schema.NewErrorf(schema.ErrCodeExpression,
			"document.render: template execute error: %s", err.Error()).WithCause(err))
	}

	ref, err := p.files.Put(ctx, name, contentType, buf.Bytes())
	if err != nil {
		return nil, err // storage failures are worth retrying
	}

	return map[string]any{
		"file_id":      ref.ID,
		"name":         ref.Name,
		"size":         ref.Size,
		"content_type": ref.ContentType,
	}, nil
}

var _ ActionProvider = (*DocumentProvider)(nil)
