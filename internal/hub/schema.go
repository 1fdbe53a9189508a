package hub

import (
	"bytes"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// inboundSchema is the wire contract for externally submitted envelopes. The
// adapter callbacks bypass it; only the HTTP and Kafka ingress validate.
const inboundSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "envelopeId":     {"type": "string"},
    "sessionId":      {"type": "integer", "minimum": 1},
    "sessionKey":     {"type": "string", "minLength": 1},
    "deliveryId":     {"type": "string"},
    "rawType":        {"type": "string"},
    "conversationId": {"type": "string"},
    "realAddress":    {"type": "string"},
    "legacyKeys":     {"type": "array", "items": {"type": "string"}},
    "groupId":        {"type": "string"},
    "senderName":     {"type": "string"},
    "body":           {"type": "string"},
    "mediaUrl":       {"type": "string"},
    "mediaMime":      {"type": "string"},
    "receivedAt":     {"type": "string"},
    "correlationId":  {"type": "string"}
  },
  "anyOf": [
    {"required": ["sessionId"]},
    {"required": ["sessionKey"]}
  ],
  "additionalProperties": false
}`

// EnvelopeValidator checks raw inbound payloads against the envelope schema
// before they are decoded.
type EnvelopeValidator struct {
	schema *jsonschema.Schema
}

func NewEnvelopeValidator() (*EnvelopeValidator, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(inboundSchema)))
	if err != nil {
		return nil, fmt.Errorf("parse inbound schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("inbound-envelope.json", doc); err != nil {
		return nil, fmt.Errorf("register inbound schema: %w", err)
	}
	schema, err := compiler.Compile("inbound-envelope.json")
	if err != nil {
		return nil, fmt.Errorf("compile inbound schema: %w", err)
	}
	return &EnvelopeValidator{schema: schema}, nil
}

// Validate checks one raw JSON payload. The error wraps ErrInvalidInput so
// callers can map it onto a client-side failure.
func (v *EnvelopeValidator) Validate(raw []byte) error {
	value, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err := v.schema.Validate(value); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}
