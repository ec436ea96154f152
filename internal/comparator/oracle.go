package comparator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/kpidrift-cli/pkg/anthropic"
	"github.com/sells-group/kpidrift-cli/pkg/mistral"
)

const compareSystemPrompt = "You are a KPI comparison assistant. Two widgets are ALREADY paired, meaning they " +
	"represent the SAME KPI. Your job is to compare VALUES ONLY (ignore names/titles).\n" +
	"Normalize numbers (commas, K/M/B/%), normalize x labels (case/spacing), align series.\n" +
	"Rules:\n" +
	"- If both are single KPI values, compare the scalars.\n" +
	"- If both are lists/series, align on x labels and compare aligned y values.\n" +
	"- Return 'Matched' ONLY if values are equal up to normal rounding; otherwise 'NotMatched'.\n" +
	"- Be strict and deterministic.\n" +
	"Return STRICT JSON only with keys:\n" +
	"{\n" +
	"  \"verdict\": \"Matched\" | \"NotMatched\",\n" +
	"  \"confidence\": <float 0..1>,\n" +
	"  \"why\": [<short reasons>],\n" +
	"  \"numbers_used\": {\n" +
	"     \"left\":  {\"unit\": \"usd|%|none\", \"points\": [{\"x\": \"...\", \"y\": <number>}, ...]} OR {\"value\": <number>, \"unit\": \"...\"} ,\n" +
	"     \"right\": {\"unit\": \"usd|%|none\", \"points\": [{\"x\": \"...\", \"y\": <number>}, ...]} OR {\"value\": <number>, \"unit\": \"...\"}\n" +
	"  }\n" +
	"}\n"

func compareUserPrompt(leftJSON, rightJSON []byte) string {
	return fmt.Sprintf(
		"Compare VALUES ONLY. Ignore titles/names.\n"+
			"Return the STRICT JSON schema requested.\n"+
			"JSON A:\n%s\n\nJSON B:\n%s\n",
		leftJSON, rightJSON)
}

// OracleVerdict is the strict response shape the comparison oracle must
// return. Anything outside the closed verdict set is coerced to NotMatched.
type OracleVerdict struct {
	Verdict     string          `json:"verdict"`
	Confidence  float64         `json:"confidence"`
	Why         []string        `json:"why"`
	NumbersUsed json.RawMessage `json:"numbers_used"`
}

// Provider is one LLM backend able to judge a pair of value blobs.
type Provider interface {
	// Name is the model identity recorded on result rows; it takes part in
	// the SCD-2 natural key.
	Name() string
	Compare(ctx context.Context, leftJSON, rightJSON []byte) (*OracleVerdict, error)
}

// parseOracleVerdict decodes the oracle reply, falling back to a bracket
// scan when the JSON arrives wrapped in prose.
func parseOracleVerdict(raw string) (*OracleVerdict, error) {
	var v OracleVerdict
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		coerce(&v)
		return &v, nil
	}

	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return nil, eris.Errorf("comparator: no JSON object in oracle reply (%d bytes)", len(raw))
	}
	if err := json.Unmarshal([]byte(raw[start:end+1]), &v); err != nil {
		return nil, eris.Wrap(err, "comparator: decode oracle reply")
	}
	coerce(&v)
	return &v, nil
}

// coerce enforces the closed verdict set and the confidence range.
func coerce(v *OracleVerdict) {
	if v.Verdict != "Matched" && v.Verdict != "NotMatched" {
		v.Verdict = "NotMatched"
	}
	if v.Confidence < 0 {
		v.Confidence = 0
	}
	if v.Confidence > 1 {
		v.Confidence = 1
	}
	if len(v.NumbersUsed) == 0 {
		v.NumbersUsed = json.RawMessage("{}")
	}
}

// MistralProvider judges pairs through the Mistral chat API.
type MistralProvider struct {
	client    mistral.Client
	modelName string
}

// NewMistralProvider creates the default comparison provider.
func NewMistralProvider(client mistral.Client, modelName string) *MistralProvider {
	if modelName == "" {
		modelName = "pixtral-12b-2409"
	}
	return &MistralProvider{client: client, modelName: modelName}
}

func (p *MistralProvider) Name() string { return p.modelName }

func (p *MistralProvider) Compare(ctx context.Context, leftJSON, rightJSON []byte) (*OracleVerdict, error) {
	resp, err := p.client.ChatCompletion(ctx, mistral.ChatCompletionRequest{
		Model: p.modelName,
		Messages: []mistral.Message{
			{Role: "system", Content: []mistral.ContentPart{mistral.TextPart(compareSystemPrompt)}},
			{Role: "user", Content: []mistral.ContentPart{mistral.TextPart(compareUserPrompt(leftJSON, rightJSON))}},
		},
		ResponseFormat: mistral.JSONObject(),
	})
	if err != nil {
		return nil, eris.Wrap(err, "comparator: mistral oracle call")
	}
	if len(resp.Choices) == 0 {
		return nil, eris.New("comparator: mistral oracle returned no choices")
	}
	return parseOracleVerdict(resp.Choices[0].Message.Content)
}

// AnthropicProvider judges pairs through the Anthropic messages API.
type AnthropicProvider struct {
	client    anthropic.Client
	modelName string
}

// NewAnthropicProvider creates the alternate comparison provider.
func NewAnthropicProvider(client anthropic.Client, modelName string) *AnthropicProvider {
	if modelName == "" {
		modelName = "claude-haiku-4-5-20251001"
	}
	return &AnthropicProvider{client: client, modelName: modelName}
}

func (p *AnthropicProvider) Name() string { return p.modelName }

func (p *AnthropicProvider) Compare(ctx context.Context, leftJSON, rightJSON []byte) (*OracleVerdict, error) {
	resp, err := p.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:     p.modelName,
		MaxTokens: 1024,
		System:    []anthropic.SystemBlock{{Text: compareSystemPrompt}},
		Messages: []anthropic.Message{
			{Role: "user", Content: compareUserPrompt(leftJSON, rightJSON)},
		},
	})
	if err != nil {
		return nil, eris.Wrap(err, "comparator: anthropic oracle call")
	}
	if len(resp.Content) == 0 {
		return nil, eris.New("comparator: anthropic oracle returned no content")
	}
	resp.Usage.LogCost(p.modelName, "compare")
	return parseOracleVerdict(resp.Content[0].Text)
}
