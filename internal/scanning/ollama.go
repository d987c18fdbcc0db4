package scanning

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/zombor/receipt-ledger/internal/errs"
)

// Ollama implements Recognizer and Inferrer using a local Ollama server
type Ollama struct {
	baseURL     string
	visionModel string
	textModel   string
	client      *http.Client
}

// NewOllama creates a new Ollama client.
// Recommended vision models for transcription:
//   - llava:1.6 (best balance of accuracy and speed)
//   - qwen2-vl:7b (good OCR capabilities)
//
// Any instruction-tuned text model works for inference.
func NewOllama(baseURL, visionModel, textModel string) *Ollama {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if visionModel == "" {
		visionModel = "llava"
	}
	if textModel == "" {
		textModel = "llama3.1"
	}

	return &Ollama{
		baseURL:     strings.TrimRight(baseURL, "/"),
		visionModel: visionModel,
		textModel:   textModel,
		client: &http.Client{
			Timeout: 120 * time.Second, // Ollama can be slow, callers bound each attempt with ctx
		},
	}
}

// ollamaChatRequest represents the request body for Ollama's chat API
type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Format   string          `json:"format,omitempty"`
	Options  map[string]any  `json:"options,omitempty"`
}

type ollamaMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

// ollamaChatResponse represents the response from Ollama's chat API
type ollamaChatResponse struct {
	Message ollamaMessage `json:"message"`
	Done    bool          `json:"done"`
}

// Recognize transcribes the receipt image with the vision model
func (o *Ollama) Recognize(ctx context.Context, imageData []byte, contentType string) (string, error) {
	pngData, err := toPNG(imageData, contentType)
	if err != nil {
		return "", err
	}

	text, err := o.chat(ctx, ollamaChatRequest{
		Model: o.visionModel,
		Messages: []ollamaMessage{
			{
				Role:    "user",
				Content: ocrPrompt,
				Images:  []string{base64.StdEncoding.EncodeToString(pngData)},
			},
		},
	})
	if err != nil {
		return "", err
	}
	return cleanTranscript(text), nil
}

// Infer extracts schema fields with the text model in JSON mode
func (o *Ollama) Infer(ctx context.Context, text string, schema Schema) (*Reply, error) {
	content, err := o.chat(ctx, ollamaChatRequest{
		Model:  o.textModel,
		Format: "json",
		Messages: []ollamaMessage{
			{Role: "system", Content: inferenceSystem},
			{Role: "user", Content: inferencePrompt(text, schema)},
		},
	})
	if err != nil {
		return nil, err
	}

	out, err := cleanReply(content)
	if err != nil {
		return nil, err
	}
	return &Reply{Text: out, Model: o.textModel}, nil
}

func (o *Ollama) chat(ctx context.Context, body ollamaChatRequest) (string, error) {
	body.Stream = false
	body.Options = map[string]any{"temperature": 0}

	jsonData, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	url := fmt.Sprintf("%s/api/chat", o.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		if ctx.Err() == context.Canceled {
			return "", err
		}
		return "", errs.NewServiceUnavailableError("ollama", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		statusErr := fmt.Errorf("ollama API error (status %d): %s", resp.StatusCode, string(respBody))
		return "", classifyStatus("ollama", resp.StatusCode, statusErr)
	}

	var chatResp ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return "", errs.NewMalformedResponseError(fmt.Sprintf("decoding response: %v", err), "")
	}
	return strings.TrimSpace(chatResp.Message.Content), nil
}

// Close is a no-op for the HTTP client
func (o *Ollama) Close() error {
	return nil
}
