package api

import (
	"encoding/json"
	"strings"

	"github.com/example/loan-adjustments/internal/adjustment"
)

const adjustmentSchemaTemplate = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["loan", "posting_date"],
  "properties": {
    "loan": {"type": "string", "minLength": 1, "maxLength": 140},
    "posting_date": {
      "type": "string",
      "anyOf": [{"format": "date"}, {"format": "date-time"}]
    },
    "payment_account": {"type": "string", "maxLength": 140},
    "adjustments": {
      "type": "array",
      "maxItems": 500,
      "items": {
        "type": "object",
        "additionalProperties": false,
        "required": ["loan_repayment_type", "amount"],
        "properties": {
          "loan_repayment_type": {"type": "string", "enum": __REPAYMENT_TYPES__},
          "amount": {
            "type": ["number", "string"],
            "pattern": "^-?[0-9]{1,12}(\\.[0-9]{1,9})?$"
          }
        }
      }
    }
  }
}`

// adjustmentSchema is the body schema shared by create, update and preview.
// The repayment type enum comes from the domain package so the two cannot
// drift apart.
func adjustmentSchema() string {
	types, _ := json.Marshal(adjustment.RepaymentTypes())
	return strings.Replace(adjustmentSchemaTemplate, "__REPAYMENT_TYPES__", string(types), 1)
}
