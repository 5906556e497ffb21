// Package schema validates binding records, envelopes and token payloads
// against JSON schemas before they are stored or trusted.
package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Kinds of documents with a schema.
const (
	KindFingerprint     = "fingerprint"
	KindBindingRecord   = "binding_record"
	KindSecureEnvelope  = "secure_envelope"
	KindCompactEnvelope = "compact_envelope"
	KindTokenPayload    = "token_payload"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("schema validation failed")

// ValidationError lists the individual schema violations.
type ValidationError struct {
	Kind   string
	Errors []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrInvalid, e.Kind, strings.Join(e.Errors, "; "))
}

func (e *ValidationError) Unwrap() error { return ErrInvalid }

const fingerprintSchema = `{
  "type": "object",
  "required": ["version", "document_id", "timestamp", "file_info", "content_hash", "security_level", "fingerprint_hash"],
  "properties": {
    "version": {"type": "string"},
    "document_id": {"type": "string", "minLength": 1},
    "timestamp": {"type": "integer"},
    "file_info": {
      "type": "object",
      "required": ["size", "extension"],
      "properties": {
        "name": {"type": "string"},
        "size": {"type": "integer", "minimum": 0},
        "extension": {"type": "string"},
        "modified_time": {"type": "integer"}
      }
    },
    "content_hash": {"type": "string", "pattern": "^[0-9a-f]{64}$"},
    "document_metadata": {"type": "object"},
    "security_level": {"type": "string"},
    "fingerprint_hash": {"type": "string", "pattern": "^[0-9a-f]{64}$"}
  }
}`

const bindingRecordSchema = `{
  "type": "object",
  "required": ["document_id", "document_fingerprint", "qr_data", "binding_token", "status", "created_at", "expires_at", "fingerprint_hash"],
  "properties": {
    "document_id": {"type": "string", "minLength": 1, "maxLength": 128},
    "document_fingerprint": {"type": "object"},
    "qr_data": {"type": "string"},
    "secure_qr_data": {"type": "string"},
    "binding_token": {"type": "string", "minLength": 1},
    "status": {"enum": ["pre_registered", "active"]},
    "created_at": {"type": "integer"},
    "expires_at": {"type": "integer"},
    "fingerprint_hash": {"type": "string"},
    "object_key": {"type": "string"},
    "compact_envelope": {"type": "boolean"}
  }
}`

const secureEnvelopeSchema = `{
  "type": "object",
  "required": ["version", "type", "data", "binding", "created_at"],
  "properties": {
    "version": {"type": "string"},
    "type": {"const": "secure"},
    "data": {"type": "string"},
    "binding": {"type": "string", "minLength": 1},
    "created_at": {"type": "integer"}
  }
}`

const compactEnvelopeSchema = `{
  "type": "object",
  "required": ["v", "t", "b"],
  "properties": {
    "v": {"type": "string"},
    "t": {"const": "s"},
    "b": {"type": "string", "minLength": 1}
  },
  "additionalProperties": false
}`

const tokenPayloadSchema = `{
  "type": "object",
  "required": ["document_id", "expires_at", "fingerprint_hash", "issued_at", "qr_data", "version"],
  "properties": {
    "document_id": {"type": "string", "minLength": 1},
    "expires_at": {"type": "integer"},
    "fingerprint_hash": {"type": "string"},
    "issued_at": {"type": "integer"},
    "qr_data": {"type": "string"},
    "version": {"type": "string"}
  }
}`

// Validator validates documents against compiled JSON schemas.
type Validator struct {
	schemas map[string]*gojsonschema.Schema // Compiled schemas by kind
}

// NewValidator compiles every known schema.
func NewValidator() (*Validator, error) {
	v := &Validator{schemas: make(map[string]*gojsonschema.Schema)}
	for kind, src := range map[string]string{
		KindFingerprint:     fingerprintSchema,
		KindBindingRecord:   bindingRecordSchema,
		KindSecureEnvelope:  secureEnvelopeSchema,
		KindCompactEnvelope: compactEnvelopeSchema,
		KindTokenPayload:    tokenPayloadSchema,
	} {
		if err := v.loadSchema(kind, src); err != nil {
			return nil, err
		}
	}
	return v, nil
}

// MustValidator is NewValidator for schemas known to compile.
func MustValidator() *Validator {
	v, err := NewValidator()
	if err != nil {
		panic(err)
	}
	return v
}

func (v *Validator) loadSchema(kind, schemaJSON string) error {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(schemaJSON))
	if err != nil {
		return fmt.Errorf("invalid schema for %s: %w", kind, err)
	}
	v.schemas[kind] = schema
	return nil
}

// ValidateJSON validates raw JSON against the schema for kind.
func (v *Validator) ValidateJSON(kind string, doc []byte) error {
	schema, ok := v.schemas[kind]
	if !ok {
		return fmt.Errorf("schema not found for %s", kind)
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return &ValidationError{Kind: kind, Errors: []string{err.Error()}}
	}
	if !result.Valid() {
		errs := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			errs = append(errs, desc.String())
		}
		return &ValidationError{Kind: kind, Errors: errs}
	}
	return nil
}

// Validate marshals value and validates it against the schema for kind.
func (v *Validator) Validate(kind string, value any) error {
	b, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", kind, err)
	}
	return v.ValidateJSON(kind, b)
}
