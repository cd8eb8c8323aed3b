package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"goa.design/agentsetup/runtime/setup/model"
)

// structured issues schema-constrained completions and validates the response
// before decoding it.
type structured struct {
	name     string
	document map[string]any
	schema   *jsonschema.Schema
}

func compileSchema(name, raw string) (*structured, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse %s schema: %w", name, err)
	}
	c := jsonschema.NewCompiler()
	url := name + ".json"
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add %s schema resource: %w", name, err)
	}
	schema, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile %s schema: %w", name, err)
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("decode %s schema: %w", name, err)
	}
	return &structured{name: name, document: m, schema: schema}, nil
}

// generate asks the model for a document satisfying s and decodes it into out.
// Provider errors are returned unchanged so rate limits stay classifiable.
func (g *Generator) generate(ctx context.Context, s *structured, system, prompt string, out any) error {
	resp, err := g.client.Complete(ctx, &model.Request{
		Model:       g.model,
		System:      system,
		Prompt:      prompt,
		Schema:      &model.Schema{Name: s.name, Document: s.document},
		MaxTokens:   g.maxTokens,
		Temperature: g.temperature,
	})
	if err != nil {
		return err
	}
	content := stripFences(resp.Content)
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(content))
	if err != nil {
		return fmt.Errorf("%s: response is not JSON: %w", s.name, err)
	}
	if err := s.schema.Validate(doc); err != nil {
		return fmt.Errorf("%s: response does not match schema: %w", s.name, err)
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(content)))
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", s.name, err)
	}
	return nil
}

// stripFences removes a surrounding Markdown code fence, which some providers
// add even when asked for raw JSON.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "```"))
}
