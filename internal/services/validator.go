package services

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/skillswap/backend/internal/apperrors"
)

// Mutation payload names, one per write endpoint that takes a body.
const (
	PayloadCreateExchange = "create_exchange"
	PayloadRespond        = "respond"
	PayloadSignAgreement  = "sign_agreement"
	PayloadFundEscrow     = "fund_escrow"
	PayloadCancel         = "cancel"
	PayloadDispute        = "dispute"
	PayloadResolve        = "resolve"
	PayloadAdminResolve   = "admin_resolve"
	PayloadIntervene      = "intervene"
	PayloadTopUp          = "topup"
	PayloadWithdrawal     = "withdrawal"
)

// payloadSchemas holds the request body schemas, compiled once at startup.
// Handlers still bind into typed structs afterwards; the schema layer is what
// turns malformed shapes into uniform validation errors before any service
// logic runs.
var payloadSchemas = map[string]string{
	PayloadCreateExchange: `{
		"type": "object",
		"required": ["request_listing_id", "type"],
		"properties": {
			"request_listing_id": {"type": "string", "minLength": 36, "maxLength": 36},
			"request_notes": {"type": "string", "maxLength": 2000},
			"offer_listing_id": {"type": "string", "minLength": 36, "maxLength": 36},
			"offer_skill": {
				"type": "object",
				"required": ["name"],
				"properties": {
					"name": {"type": "string", "minLength": 1, "maxLength": 200},
					"level": {"type": "string", "maxLength": 50},
					"hourly_rate_cents": {"type": "integer", "minimum": 0},
					"currency": {"type": "string", "maxLength": 10},
					"details": {"type": "string", "maxLength": 2000}
				}
			},
			"offer_notes": {"type": "string", "maxLength": 2000},
			"type": {"enum": ["barter", "monetary", "hybrid"]},
			"monetary": {"$ref": "#/$defs/monetary"}
		},
		"$defs": {
			"monetary": {
				"type": "object",
				"required": ["currency", "total_amount_cents"],
				"properties": {
					"currency": {"type": "string", "minLength": 3, "maxLength": 10},
					"total_amount_cents": {"type": "integer", "minimum": 1}
				}
			}
		}
	}`,
	PayloadRespond: `{
		"type": "object",
		"required": ["accept"],
		"properties": {
			"accept": {"type": "boolean"},
			"note": {"type": "string", "maxLength": 2000}
		}
	}`,
	PayloadSignAgreement: `{
		"type": "object",
		"properties": {
			"terms": {"type": "array", "items": {"type": "string", "minLength": 1, "maxLength": 2000}, "maxItems": 50},
			"monetary": {
				"type": "object",
				"required": ["currency", "total_amount_cents"],
				"properties": {
					"currency": {"type": "string", "minLength": 3, "maxLength": 10},
					"total_amount_cents": {"type": "integer", "minimum": 1}
				}
			}
		}
	}`,
	PayloadFundEscrow: `{
		"type": "object",
		"required": ["amount_cents", "currency"],
		"properties": {
			"amount_cents": {"type": "integer", "minimum": 1},
			"currency": {"type": "string", "minLength": 3, "maxLength": 10}
		}
	}`,
	PayloadCancel: `{
		"type": "object",
		"properties": {
			"reason": {"type": "string", "maxLength": 2000}
		}
	}`,
	PayloadDispute: `{
		"type": "object",
		"required": ["reason"],
		"properties": {
			"reason": {"type": "string", "minLength": 1, "maxLength": 2000}
		}
	}`,
	PayloadResolve: `{
		"type": "object",
		"properties": {
			"note": {"type": "string", "maxLength": 2000},
			"payment_action": {"enum": ["release", "refund", "none"]}
		}
	}`,
	PayloadAdminResolve: `{
		"type": "object",
		"properties": {
			"note": {"type": "string", "maxLength": 2000},
			"payment_action": {"enum": ["release", "refund", "split", "none"]}
		}
	}`,
	PayloadIntervene: `{
		"type": "object",
		"required": ["payment_id", "action"],
		"properties": {
			"payment_id": {"type": "string", "minLength": 36, "maxLength": 36},
			"action": {"enum": ["release", "refund", "hold"]},
			"note": {"type": "string", "maxLength": 2000}
		}
	}`,
	PayloadTopUp: `{
		"type": "object",
		"required": ["amount_cents", "currency"],
		"properties": {
			"amount_cents": {"type": "integer", "minimum": 1},
			"currency": {"type": "string", "minLength": 3, "maxLength": 10}
		}
	}`,
	PayloadWithdrawal: `{
		"type": "object",
		"required": ["amount_cents", "currency"],
		"properties": {
			"amount_cents": {"type": "integer", "minimum": 1},
			"currency": {"type": "string", "minLength": 3, "maxLength": 10}
		}
	}`,
}

type Validator struct {
	schemas map[string]*jsonschema.Schema
}

// NewValidator compiles every payload schema. A schema that fails to compile
// is a programming error and aborts startup.
func NewValidator() (*Validator, error) {
	compiled := make(map[string]*jsonschema.Schema, len(payloadSchemas))
	for name, src := range payloadSchemas {
		s, err := jsonschema.CompileString("https://skillswap.dev/schemas/"+name, src)
		if err != nil {
			return nil, fmt.Errorf("compile payload schema %q: %w", name, err)
		}
		compiled[name] = s
	}
	return &Validator{schemas: compiled}, nil
}

// Validate checks the raw request body against the named payload schema.
func (v *Validator) Validate(payload string, body json.RawMessage) error {
	schema, ok := v.schemas[payload]
	if !ok {
		return fmt.Errorf("unknown payload %q", payload)
	}
	var doc interface{}
	if err := json.Unmarshal(body, &doc); err != nil {
		return apperrors.Newf(apperrors.Validation, "invalid JSON: %v", err)
	}
	if err := schema.Validate(doc); err != nil {
		return apperrors.Newf(apperrors.Validation, "%v", err)
	}
	return nil
}
