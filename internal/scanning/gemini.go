package scanning

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// Gemini implements Recognizer and Inferrer using Google Gemini
type Gemini struct {
	client    *genai.Client
	model     *genai.GenerativeModel
	modelName string
}

// NewGemini creates a new Gemini client for both OCR and inference
func NewGemini(ctx context.Context, apiKey string, modelName string) (*Gemini, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	if modelName == "" {
		modelName = "gemini-2.5-pro"
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}

	model := client.GenerativeModel(modelName)
	model.SetTemperature(0)

	return &Gemini{
		client:    client,
		model:     model,
		modelName: modelName,
	}, nil
}

// Recognize transcribes the receipt image
func (g *Gemini) Recognize(ctx context.Context, imageData []byte, contentType string) (string, error) {
	pngData, err := toPNG(imageData, contentType)
	if err != nil {
		return "", err
	}

	// genai.ImageData expects just the format suffix, not the full MIME type
	resp, err := g.model.GenerateContent(ctx, genai.ImageData("png", pngData), genai.Text(ocrPrompt))
	if err != nil {
		return "", fmt.Errorf("generating transcript: %w", classifyError("gemini", err))
	}

	return cleanTranscript(responseText(resp)), nil
}

// Infer extracts schema fields from normalized receipt text
func (g *Gemini) Infer(ctx context.Context, text string, schema Schema) (*Reply, error) {
	resp, err := g.model.GenerateContent(ctx,
		genai.Text(inferenceSystem),
		genai.Text(inferencePrompt(text, schema)),
	)
	if err != nil {
		return nil, fmt.Errorf("generating extraction: %w", classifyError("gemini", err))
	}

	out, err := cleanReply(responseText(resp))
	if err != nil {
		return nil, err
	}
	return &Reply{Text: out, Model: g.modelName}, nil
}

// Close closes the Gemini client
func (g *Gemini) Close() error {
	return g.client.Close()
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}

	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			b.WriteString(string(text))
		}
	}
	return b.String()
}
