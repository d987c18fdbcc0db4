package extraction

import "github.com/zombor/receipt-ledger/internal/scanning"

// Field names of the receipt extraction schema.
const (
	FieldVendor    = "vendor"
	FieldAmount    = "amount"
	FieldCurrency  = "currency"
	FieldDate      = "date"
	FieldCategory  = "category"
	FieldLineItems = "line_items"
)

// ReceiptSchema is the fixed target schema. The category enum is the
// allow-list of the active taxonomy.
func ReceiptSchema(categories []string) scanning.Schema {
	return scanning.Schema{
		Name: "receipt_expense",
		Fields: []scanning.SchemaField{
			{
				Name:        FieldVendor,
				Type:        scanning.TypeString,
				Description: "merchant or store name, usually the first or largest line of the receipt",
			},
			{
				Name:        FieldAmount,
				Type:        scanning.TypeAmount,
				Description: "final total paid (TOTAL, Grand Total, Amount Due), not the subtotal",
			},
			{
				Name:        FieldCurrency,
				Type:        scanning.TypeString,
				Description: "ISO 4217 currency code of the total, e.g. USD",
			},
			{
				Name:        FieldDate,
				Type:        scanning.TypeDate,
				Description: "transaction date exactly as printed",
			},
			{
				Name:        FieldCategory,
				Type:        scanning.TypeEnum,
				Description: "spending category of the purchase",
				Enum:        categories,
			},
			{
				Name:        FieldLineItems,
				Type:        scanning.TypeList,
				Description: "individual purchased items",
				Items: []scanning.SchemaField{
					{Name: "description", Type: scanning.TypeString, Description: "item text"},
					{Name: "amount", Type: scanning.TypeAmount, Description: "item price"},
				},
			},
		},
	}
}
