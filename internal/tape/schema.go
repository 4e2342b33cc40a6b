package tape

import (
	"fmt"

	"github.com/flynn/json5"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// The lax schema checks the required top-level shape only; loading
// itself goes through Decode, not through either schema. The
// strict schema additionally pins exchange structure and rejects
// unknown top-level keys. Both accept camelCase and snake_case key
// spellings, matching the decoder.
const laxSchema = `{
  "type": "object",
  "required": ["meta", "session", "exchanges"],
  "properties": {
    "meta": {
      "type": "object",
      "required": ["program", "args", "env", "cwd"],
      "properties": {
        "createdAt": {"type": "string"},
        "created_at": {"type": "string"},
        "program": {"type": "string"},
        "args": {"type": "array", "items": {"type": "string"}},
        "env": {"type": "object", "additionalProperties": {"type": "string"}},
        "cwd": {"type": "string"},
        "pty": {
          "type": ["object", "null"],
          "properties": {
            "rows": {"type": "integer"},
            "cols": {"type": "integer"}
          },
          "additionalProperties": false
        },
        "tag": {"type": ["string", "null"]},
        "latency": {},
        "errorRate": {},
        "error_rate": {},
        "seed": {"type": ["integer", "null"]}
      },
      "additionalProperties": true
    },
    "session": {"type": "object"},
    "exchanges": {"type": "array", "items": {"type": "object"}, "minItems": 1}
  },
  "additionalProperties": true
}`

const strictSchema = `{
  "type": "object",
  "required": ["meta", "session", "exchanges"],
  "properties": {
    "meta": {
      "type": "object",
      "required": ["program", "args", "env", "cwd"],
      "properties": {
        "createdAt": {"type": "string"},
        "created_at": {"type": "string"},
        "program": {"type": "string"},
        "args": {"type": "array", "items": {"type": "string"}},
        "env": {"type": "object", "additionalProperties": {"type": "string"}},
        "cwd": {"type": "string"},
        "pty": {
          "type": ["object", "null"],
          "properties": {
            "rows": {"type": "integer"},
            "cols": {"type": "integer"}
          },
          "additionalProperties": false
        },
        "tag": {"type": ["string", "null"]},
        "latency": {},
        "errorRate": {},
        "error_rate": {},
        "seed": {"type": ["integer", "null"]}
      },
      "additionalProperties": true
    },
    "session": {"type": "object"},
    "exchanges": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["pre", "input", "output"],
        "properties": {
          "pre": {"type": "object"},
          "input": {
            "type": "object",
            "required": ["type"],
            "properties": {
              "type": {"type": "string", "enum": ["line", "raw"]},
              "dataText": {"type": ["string", "null"]},
              "data_text": {"type": ["string", "null"]},
              "dataBytesB64": {"type": ["string", "null"]},
              "data_b64": {"type": ["string", "null"]}
            },
            "additionalProperties": false
          },
          "output": {
            "type": "object",
            "required": ["chunks"],
            "properties": {
              "chunks": {
                "type": "array",
                "items": {
                  "type": "object",
                  "anyOf": [{"required": ["dataB64"]}, {"required": ["data_b64"]}],
                  "properties": {
                    "delayMs": {"type": "integer", "minimum": 0},
                    "delay_ms": {"type": "integer", "minimum": 0},
                    "dataB64": {"type": "string"},
                    "data_b64": {"type": "string"},
                    "isUtf8": {"type": ["boolean", "null"]},
                    "is_utf8": {"type": ["boolean", "null"]}
                  },
                  "additionalProperties": false
                }
              }
            },
            "additionalProperties": false
          },
          "exit": {"type": ["object", "null"]},
          "durMs": {"type": ["integer", "null"]},
          "dur_ms": {"type": ["integer", "null"]},
          "annotations": {"type": "object"}
        },
        "additionalProperties": false
      }
    }
  },
  "additionalProperties": false
}`

var (
	laxValidator    = jsonschema.MustCompileString("tape.schema.json", laxSchema)
	strictValidator = jsonschema.MustCompileString("tape.strict.schema.json", strictSchema)
)

// ValidateRaw checks a decoded JSON5 payload against the tape schema.
// The strict variant pins exchange structure and rejects unknown
// top-level keys. The returned error is a *SchemaError.
func ValidateRaw(payload any, strict bool) error {
	validator := laxValidator
	if strict {
		validator = strictValidator
	}
	if err := validator.Validate(payload); err != nil {
		if ve, ok := err.(*jsonschema.ValidationError); ok {
			leaf := ve
			for len(leaf.Causes) > 0 {
				leaf = leaf.Causes[0]
			}
			return &SchemaError{Path: leaf.InstanceLocation, Reason: leaf.Message}
		}
		return &SchemaError{Reason: err.Error()}
	}
	return nil
}

// ValidateBytes parses a raw JSON5 payload and validates it.
func ValidateBytes(data []byte, strict bool) error {
	var payload any
	if err := json5.Unmarshal(data, &payload); err != nil {
		return &SchemaError{Reason: fmt.Sprintf("invalid JSON5: %v", err)}
	}
	return ValidateRaw(payload, strict)
}
