package contracts

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const intentSchemaURL = "https://keel.schemas.local/intent.schema.json"

// intentSchemaJSON is the structural contract for inbound intents. Semantic
// checks (capability grammar, tenant existence) happen later; this gate only
// rejects malformed shapes with validation_error.
const intentSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://keel.schemas.local/intent.schema.json",
  "type": "object",
  "required": ["tenant_id", "actor", "goal"],
  "properties": {
    "id": {"type": "string"},
    "tenant_id": {"type": "string", "minLength": 1},
    "actor": {
      "type": "object",
      "required": ["type", "id"],
      "properties": {
        "type": {"enum": ["user", "agent", "service", "system"]},
        "id": {"type": "string", "minLength": 1},
        "name": {"type": "string"},
        "ip": {"type": "string"}
      }
    },
    "goal": {"type": "string", "minLength": 1},
    "intent_type": {"type": "string"},
    "tools": {"type": "array", "items": {"type": "string"}},
    "endpoints": {"type": "array", "items": {"type": "string"}},
    "content": {"type": "string"},
    "requested_capabilities": {"type": "array", "items": {"type": "string"}},
    "context": {"type": "object"},
    "request_id": {"type": "string"},
    "trace_id": {"type": "string"}
  }
}`

var (
	intentSchemaOnce sync.Once
	intentSchema     *jsonschema.Schema
	intentSchemaErr  error
)

// IntentSchema returns the compiled intent schema. Compilation happens once;
// a compile failure is a config_error and repeats on every call.
func IntentSchema() (*jsonschema.Schema, error) {
	intentSchemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource(intentSchemaURL, strings.NewReader(intentSchemaJSON)); err != nil {
			intentSchemaErr = fmt.Errorf("intent schema load failed: %w", err)
			return
		}
		intentSchema, intentSchemaErr = c.Compile(intentSchemaURL)
	})
	return intentSchema, intentSchemaErr
}

// ValidateIntent checks the wire shape of an intent. The input is
// re-marshalled through a generic decode so schema validation sees exactly
// what a caller sent.
func ValidateIntent(in *Intent) error {
	schema, err := IntentSchema()
	if err != nil {
		return err
	}
	raw, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("intent marshal: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return fmt.Errorf("intent decode: %w", err)
	}
	if err := schema.Validate(generic); err != nil {
		return fmt.Errorf("intent rejected: %w", err)
	}
	if !ValidActorType(in.Actor.Type) {
		return fmt.Errorf("intent rejected: unknown actor type %q", in.Actor.Type)
	}
	return nil
}
