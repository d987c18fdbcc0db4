// Package extraction sends normalized receipt text to an inference service
// and turns its structured reply into typed candidate fields.
package extraction

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/zombor/receipt-ledger/internal/errs"
	"github.com/zombor/receipt-ledger/internal/normalize"
	"github.com/zombor/receipt-ledger/internal/scanning"
)

// InferenceService is the structured-inference collaborator.
type InferenceService interface {
	Infer(ctx context.Context, text string, schema scanning.Schema) (*scanning.Reply, error)
}

// Field is one candidate value. Known is false when the service did not
// supply the field at all, which is different from supplying "".
type Field struct {
	Name       string             `json:"name"`
	Type       scanning.FieldType `json:"type"`
	Raw        string             `json:"raw"`
	Known      bool               `json:"known"`
	Confidence *float64           `json:"confidence,omitempty"`
}

// LineItem is one purchased item listed on the receipt.
type LineItem struct {
	Description Field `json:"description"`
	Amount      Field `json:"amount"`
}

// Result is the parsed reply of one extraction.
type Result struct {
	Input       normalize.NormalizedText `json:"input"`
	Fields      map[string]Field         `json:"fields"`
	LineItems   []LineItem               `json:"line_items,omitempty"`
	RawResponse string                   `json:"raw_response"`
	Model       string                   `json:"model"`
}

// Field returns the named field, or an unknown field if the reply lacked it.
func (r *Result) Field(name string) Field {
	if f, ok := r.Fields[name]; ok {
		return f
	}
	return Field{Name: name}
}

// Extractor turns normalized text into candidate fields through an InferenceService.
type Extractor struct {
	service InferenceService
	schema  scanning.Schema
}

// NewExtractor creates an Extractor that requests schema from service.
func NewExtractor(service InferenceService, schema scanning.Schema) *Extractor {
	return &Extractor{service: service, schema: schema}
}

// Schema returns the target schema sent with every request.
func (e *Extractor) Schema() scanning.Schema {
	return e.schema
}

// Extract runs one inference call. Service errors are returned as
// classified by the collaborator; schema violations in the reply are
// MalformedResponseError.
func (e *Extractor) Extract(ctx context.Context, normalized normalize.NormalizedText) (*Result, error) {
	reply, err := e.service.Infer(ctx, normalized.Text(), e.schema)
	if err != nil {
		return nil, fmt.Errorf("inferring fields: %w", err)
	}
	if reply == nil {
		return nil, errs.NewMalformedResponseError("inference service returned no reply", "")
	}

	result, err := Parse(e.schema, reply.Text)
	if err != nil {
		return nil, err
	}
	result.Input = normalized
	result.Model = reply.Model
	return result, nil
}

// Parse validates a structured reply against the schema and coerces each
// field to text.
func Parse(schema scanning.Schema, raw string) (*Result, error) {
	var reply map[string]json.RawMessage
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&reply); err != nil {
		return nil, errs.NewMalformedResponseError(fmt.Sprintf("reply is not a JSON object: %v", err), raw)
	}
	if reply == nil {
		return nil, errs.NewMalformedResponseError("reply is null", raw)
	}

	result := &Result{
		Fields:      make(map[string]Field, len(schema.Fields)),
		RawResponse: raw,
	}
	for _, sf := range schema.Fields {
		if sf.Type == scanning.TypeList {
			items, err := parseList(sf, reply[sf.Name])
			if err != nil {
				return nil, errs.NewMalformedResponseError(err.Error(), raw)
			}
			result.LineItems = items
			continue
		}

		f, err := parseField(sf, reply[sf.Name])
		if err != nil {
			return nil, errs.NewMalformedResponseError(err.Error(), raw)
		}
		result.Fields[sf.Name] = f
	}
	return result, nil
}

// wrapped is the {"value": ..., "confidence": ...} envelope.
type wrapped struct {
	Value      json.RawMessage `json:"value"`
	Confidence *json.Number    `json:"confidence"`
}

func parseField(sf scanning.SchemaField, data json.RawMessage) (Field, error) {
	f := Field{Name: sf.Name, Type: sf.Type}
	value, conf, err := unwrap(sf.Name, data)
	if err != nil {
		return f, err
	}
	f.Confidence = conf

	raw, known, err := scalar(sf.Name, value)
	if err != nil {
		return f, err
	}
	f.Raw, f.Known = raw, known
	return f, nil
}

func parseList(sf scanning.SchemaField, data json.RawMessage) ([]LineItem, error) {
	value, conf, err := unwrap(sf.Name, data)
	if err != nil {
		return nil, err
	}
	if isNull(value) {
		return nil, nil
	}

	var entries []map[string]json.RawMessage
	if err := unmarshalNumber(value, &entries); err != nil {
		return nil, fmt.Errorf("field %s: expected a list of objects", sf.Name)
	}

	items := make([]LineItem, 0, len(entries))
	for i, entry := range entries {
		var item LineItem
		for _, sub := range sf.Items {
			raw, known, err := scalar(fmt.Sprintf("%s[%d].%s", sf.Name, i, sub.Name), entry[sub.Name])
			if err != nil {
				return nil, err
			}
			f := Field{Name: sub.Name, Type: sub.Type, Raw: raw, Known: known, Confidence: conf}
			switch sub.Name {
			case "description":
				item.Description = f
			case "amount":
				item.Amount = f
			}
		}
		items = append(items, item)
	}
	return items, nil
}

// unwrap accepts either the envelope object or a bare value.
func unwrap(name string, data json.RawMessage) (json.RawMessage, *float64, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return trimmed, nil, nil
	}

	var w wrapped
	if err := unmarshalNumber(trimmed, &w); err != nil {
		return nil, nil, fmt.Errorf("field %s: %v", name, err)
	}
	if w.Value == nil {
		return nil, nil, fmt.Errorf("field %s: object has no value key", name)
	}
	if w.Confidence == nil {
		return w.Value, nil, nil
	}

	c, err := w.Confidence.Float64()
	if err != nil || c < 0 || c > 1 {
		return nil, nil, fmt.Errorf("field %s: confidence %q outside 0..1", name, w.Confidence.String())
	}
	return w.Value, &c, nil
}

// scalar coerces a JSON string or number to text. Null and absent are unknown.
func scalar(name string, data json.RawMessage) (string, bool, error) {
	if isNull(data) {
		return "", false, nil
	}

	var v any
	if err := unmarshalNumber(data, &v); err != nil {
		return "", false, fmt.Errorf("field %s: %v", name, err)
	}
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t), true, nil
	case json.Number:
		return t.String(), true, nil
	default:
		return "", false, fmt.Errorf("field %s: expected string or number, got %T", name, v)
	}
}

func isNull(data json.RawMessage) bool {
	trimmed := bytes.TrimSpace(data)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

func unmarshalNumber(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}
