package aiclient

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/anthropic"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/docreview/docreview/internal/docerr"
)

// issueListSchemaJSON constrains the model's reply to a JSON array of
// issues matching the Issue shape, validated against a compiled schema
// before being trusted.
const issueListSchemaJSON = `{
  "type": "array",
  "items": {
    "type": "object",
    "required": ["type", "severity", "title", "description"],
    "properties": {
      "type": {"type": "string", "enum": ["grammar", "logic", "completeness", "other"]},
      "severity": {"type": "string", "enum": ["critical", "high", "medium", "low"]},
      "title": {"type": "string"},
      "description": {"type": "string"},
      "original_text": {"type": "string"},
      "user_impact": {"type": "string"},
      "reasoning": {"type": "string"},
      "location_hint": {"type": "string"}
    }
  }
}`

// GenkitAIClient is the default production AIClient: a Genkit instance
// backed by Anthropic's Claude, narrowed to the single Anthropic backend
// this module's domain stack wires.
type GenkitAIClient struct {
	g      *genkit.Genkit
	model  string
	schema *jsonschema.Schema
	llmOn  bool
}

// NewGenkitAIClient initializes Genkit with the Anthropic plugin. If apiKey
// is empty, it falls back to a deterministic "no issues found" response
// rather than failing construction, a degraded-mode pattern that lets the
// rest of the pipeline run in environments with no model credentials.
func NewGenkitAIClient(ctx context.Context, apiKey, model string) (*GenkitAIClient, error) {
	if strings.TrimSpace(model) == "" {
		model = "claude-sonnet-4-5-20250929"
	}

	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(issueListSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal issue list schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("issue_list.json", schemaDoc); err != nil {
		return nil, fmt.Errorf("add issue list schema resource: %w", err)
	}
	schema, err := compiler.Compile("issue_list.json")
	if err != nil {
		return nil, fmt.Errorf("compile issue list schema: %w", err)
	}

	var g *genkit.Genkit
	llmOn := false
	if apiKey != "" {
		g = genkit.Init(ctx, genkit.WithPlugins(&anthropic.Anthropic{
			APIKey:  apiKey,
			BaseURL: os.Getenv("ANTHROPIC_BASE_URL"),
		}))
		llmOn = true
		slog.Info("genkit ai client initialized", "provider", "anthropic", "model", model)
	} else {
		g = genkit.Init(ctx)
		slog.Warn("anthropic api key missing; detect stage will report no issues")
	}

	return &GenkitAIClient{g: g, model: "anthropic/" + model, schema: schema, llmOn: llmOn}, nil
}

func (c *GenkitAIClient) Analyze(ctx context.Context, chunkText string, modelConfigJSON string) ([]Issue, error) {
	if !c.llmOn {
		return nil, nil
	}

	resp, err := genkit.Generate(ctx, c.g,
		ai.WithModelName(c.model),
		ai.WithSystem(detectSystemPrompt),
		ai.WithPrompt(chunkText),
	)
	if err != nil {
		return nil, docerr.Wrap(docerr.KindTransient, docerr.CodeAIProviderError, err)
	}

	raw := extractJSONArray(resp.Text())
	if raw == "" {
		return nil, docerr.New(docerr.KindTransient, docerr.CodeAIProviderError, "model reply did not contain a JSON issue array")
	}

	jsonDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
	if err != nil {
		return nil, docerr.Wrap(docerr.KindTransient, docerr.CodeAIProviderError, err)
	}
	if err := c.schema.Validate(jsonDoc); err != nil {
		return nil, docerr.Wrapf(docerr.KindTransient, docerr.CodeAIProviderError, err, "model reply failed schema validation")
	}

	var issues []Issue
	if err := json.Unmarshal([]byte(raw), &issues); err != nil {
		return nil, docerr.Wrap(docerr.KindTransient, docerr.CodeAIProviderError, err)
	}
	return issues, nil
}

const detectSystemPrompt = `You are a document review assistant. Given a chunk of a document, ` +
	`identify grammar, logic, and completeness issues. Reply with a JSON array only, ` +
	`matching: [{"type":"grammar|logic|completeness|other","severity":"critical|high|medium|low",` +
	`"title":"...","description":"...","original_text":"...","user_impact":"...","reasoning":"...",` +
	`"location_hint":"..."}]. If there are no issues, reply with [].`

func extractJSONArray(text string) string {
	start := strings.Index(text, "[")
	end := strings.LastIndex(text, "]")
	if start < 0 || end < 0 || end < start {
		return ""
	}
	return text[start : end+1]
}
