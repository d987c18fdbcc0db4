package scanning

import (
	"strings"

	"github.com/zombor/receipt-ledger/internal/errs"
)

// cleanReply strips markdown fences and surrounding chatter from a model
// reply and returns just the JSON object.
func cleanReply(text string) (string, error) {
	raw := text
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)

	startIdx := strings.Index(text, "{")
	if startIdx == -1 {
		return "", errs.NewMalformedResponseError("no JSON object found in response", raw)
	}

	endIdx := strings.LastIndex(text, "}")
	if endIdx < startIdx {
		return "", errs.NewMalformedResponseError("invalid JSON object in response", raw)
	}

	return text[startIdx : endIdx+1], nil
}

// cleanTranscript trims fences a vision model may wrap around a transcription.
func cleanTranscript(text string) string {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```text")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	return strings.TrimSpace(text)
}
