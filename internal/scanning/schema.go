package scanning

import (
	"fmt"
	"strings"
)

// FieldType is the semantic type of a schema field.
type FieldType string

const (
	TypeString FieldType = "string"
	TypeAmount FieldType = "amount"
	TypeDate   FieldType = "date"
	TypeEnum   FieldType = "enum"
	TypeList   FieldType = "list"
)

// SchemaField describes one field the inference service must fill in.
type SchemaField struct {
	Name        string        `json:"name"`
	Type        FieldType     `json:"type"`
	Description string        `json:"description"`
	Enum        []string      `json:"enum,omitempty"`
	Items       []SchemaField `json:"items,omitempty"`
}

// Schema is the fixed extraction target sent alongside the text.
type Schema struct {
	Name   string        `json:"name"`
	Fields []SchemaField `json:"fields"`
}

// Field returns the named field.
func (s Schema) Field(name string) (SchemaField, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return SchemaField{}, false
}

// Describe renders the schema as a bullet list for prompt-based services.
func (s Schema) Describe() string {
	var b strings.Builder
	for _, f := range s.Fields {
		describeField(&b, f, "")
	}
	return strings.TrimRight(b.String(), "\n")
}

func describeField(b *strings.Builder, f SchemaField, indent string) {
	fmt.Fprintf(b, "%s- %s (%s", indent, f.Name, f.Type)
	if len(f.Enum) > 0 {
		fmt.Fprintf(b, ": one of %s", strings.Join(f.Enum, ", "))
	}
	fmt.Fprintf(b, "): %s\n", f.Description)
	for _, item := range f.Items {
		describeField(b, item, indent+"  ")
	}
}
