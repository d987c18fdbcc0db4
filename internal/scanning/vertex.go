package scanning

import (
	"context"
	"fmt"
	"strings"

	vertexai "cloud.google.com/go/vertexai/genai"
)

// Vertex implements Inferrer using Vertex AI with a JSON response schema
type Vertex struct {
	client *vertexai.Client
	model  string
}

// NewVertex creates a Vertex AI inference client
func NewVertex(ctx context.Context, projectID, region, model string) (*Vertex, error) {
	if projectID == "" {
		return nil, fmt.Errorf("vertex project id is required")
	}
	if model == "" {
		model = "gemini-2.5-flash"
	}

	client, err := vertexai.NewClient(ctx, projectID, region)
	if err != nil {
		return nil, fmt.Errorf("creating vertex client: %w", err)
	}
	return &Vertex{client: client, model: model}, nil
}

// Infer extracts schema fields, letting the service enforce the reply shape
func (v *Vertex) Infer(ctx context.Context, text string, schema Schema) (*Reply, error) {
	model := v.client.GenerativeModel(v.model)
	model.SystemInstruction = &vertexai.Content{
		Parts: []vertexai.Part{vertexai.Text(inferenceSystem)},
	}
	model.SetTemperature(0)
	model.ResponseMIMEType = "application/json"
	model.ResponseSchema = toVertexSchema(schema)

	resp, err := model.GenerateContent(ctx, vertexai.Text(inferencePrompt(text, schema)))
	if err != nil {
		return nil, fmt.Errorf("generating extraction: %w", classifyError("vertex", err))
	}

	out, err := cleanReply(vertexText(resp))
	if err != nil {
		return nil, err
	}
	return &Reply{Text: out, Model: v.model}, nil
}

// Close closes the Vertex client
func (v *Vertex) Close() error {
	return v.client.Close()
}

func vertexText(resp *vertexai.GenerateContentResponse) string {
	if resp == nil {
		return ""
	}

	var b strings.Builder
	for _, candidate := range resp.Candidates {
		if candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			if t, ok := part.(vertexai.Text); ok {
				b.WriteString(string(t))
			}
		}
		break
	}
	return b.String()
}

// toVertexSchema wraps every field as a nullable {value, confidence} object.
func toVertexSchema(schema Schema) *vertexai.Schema {
	props := make(map[string]*vertexai.Schema, len(schema.Fields))
	for _, f := range schema.Fields {
		props[f.Name] = &vertexai.Schema{
			Type:        vertexai.TypeObject,
			Description: f.Description,
			Nullable:    true,
			Properties: map[string]*vertexai.Schema{
				"value":      toVertexValue(f),
				"confidence": {Type: vertexai.TypeNumber},
			},
			Required: []string{"value"},
		}
	}
	return &vertexai.Schema{Type: vertexai.TypeObject, Properties: props}
}

func toVertexValue(f SchemaField) *vertexai.Schema {
	switch f.Type {
	case TypeEnum:
		return &vertexai.Schema{Type: vertexai.TypeString, Enum: f.Enum}
	case TypeList:
		item := &vertexai.Schema{Type: vertexai.TypeObject, Properties: map[string]*vertexai.Schema{}}
		for _, sub := range f.Items {
			item.Properties[sub.Name] = toVertexValue(sub)
		}
		return &vertexai.Schema{Type: vertexai.TypeArray, Items: item}
	default:
		return &vertexai.Schema{Type: vertexai.TypeString}
	}
}
