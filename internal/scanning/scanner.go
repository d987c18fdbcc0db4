package scanning

import "context"

// Recognizer is the OCR service: it turns an image into raw text.
type Recognizer interface {
	// Recognize transcribes all text in the image, top to bottom
	Recognize(ctx context.Context, imageData []byte, contentType string) (string, error)

	// Close closes the recognizer and releases resources
	Close() error
}

// Inferrer is the structured-inference service: it reads text and answers
// with a JSON object shaped by the given schema.
type Inferrer interface {
	// Infer returns the service's structured reply for text
	Infer(ctx context.Context, text string, schema Schema) (*Reply, error)

	// Close closes the inferrer and releases resources
	Close() error
}

// Reply is the raw structured reply of an inference service.
type Reply struct {
	// Text is the JSON object the service produced, with any markdown fences removed
	Text  string `json:"text"`
	Model string `json:"model"`
}
