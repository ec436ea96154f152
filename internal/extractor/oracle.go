// Package extractor runs good widget crops through the vision oracle and
// persists the structured values it reads back, one audit JSON per run.
package extractor

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/kpidrift-cli/internal/model"
	"github.com/sells-group/kpidrift-cli/pkg/mistral"
)

const graphPrompt = "You are an expert extraction engine for charts (line/bar/pie). " +
	"Given an image, extract structured values as JSON with fields: " +
	"title, x_axis_label, y_axis_label, data_points (list of {x, y})."

const graphUserPrompt = "Extract data from this chart image."

// Oracle reads chart values out of a widget crop via the vision API.
type Oracle struct {
	client    mistral.Client
	modelName string
}

// NewOracle wraps a mistral client. An empty modelName falls back to the
// client's default.
func NewOracle(client mistral.Client, modelName string) *Oracle {
	return &Oracle{client: client, modelName: modelName}
}

// ModelName reports the model identity recorded on extraction rows.
func (o *Oracle) ModelName() string {
	if o.modelName != "" {
		return o.modelName
	}
	return "pixtral-12b-2409"
}

// Extract sends one crop to the oracle and parses the reply. API errors come
// back unwrapped so callers can classify them for retry.
func (o *Oracle) Extract(ctx context.Context, png []byte) (model.ChartValues, error) {
	resp, err := o.client.ChatCompletion(ctx, mistral.ChatCompletionRequest{
		Model: o.modelName,
		Messages: []mistral.Message{
			{Role: "system", Content: []mistral.ContentPart{mistral.TextPart(graphPrompt)}},
			{Role: "user", Content: []mistral.ContentPart{
				mistral.TextPart(graphUserPrompt),
				mistral.ImagePart(png),
			}},
		},
		ResponseFormat: mistral.JSONObject(),
	})
	if err != nil {
		return model.ChartValues{}, err
	}
	if len(resp.Choices) == 0 {
		return model.ChartValues{}, eris.New("extractor: oracle returned no choices")
	}
	return ParseChartValues(resp.Choices[0].Message.Content)
}
