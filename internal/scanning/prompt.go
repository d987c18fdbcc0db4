package scanning

import "fmt"

// ocrPrompt is shared by all vision providers for transcription
const ocrPrompt = `You are an OCR engine. Transcribe every piece of text visible in this receipt image exactly as printed.

Rules:
- Preserve the top-to-bottom order of the lines
- Put each printed line on its own output line
- Do not summarize, translate, correct, or reformat anything
- Do not add commentary, headings, or markdown
- If no text is readable, return an empty response`

// inferenceSystem is the system instruction for text-to-structure providers
const inferenceSystem = "You are an expert at reading receipt text and extracting structured expense data. You never guess values that are not present in the text."

// inferencePrompt builds the extraction prompt for prompt-based providers
func inferencePrompt(text string, schema Schema) string {
	return fmt.Sprintf(`Extract the following fields from the receipt text below.

Fields:
%s

Return ONLY a JSON object with one key per field name. Each value must be either null (the field is not present in the text) or an object {"value": <value>, "confidence": <number between 0 and 1>}.
Important:
- Copy amounts exactly as printed, as strings (e.g. "$45.00")
- Copy dates exactly as printed, as strings
- For list fields, "value" is an array of objects with the listed item keys
- Use null when a field cannot be found; never invent a value
- Do not include any text before or after the JSON
- Do not use markdown code blocks

Receipt text:
%s`, schema.Describe(), text)
}
