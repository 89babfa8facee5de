// Package artifactschema validates circuit artifacts arriving from
// outside the process (decision documents, exported events, persisted
// enforcement results) against JSON Schemas before they are trusted.
package artifactschema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Kind names a validatable artifact.
type Kind string

const (
	KindThresholdEvent     Kind = "threshold_event"
	KindPrediction         Kind = "prediction"
	KindDeliberationResult Kind = "deliberation_result"
	KindEnforcementResult  Kind = "enforcement_result"
)

const thresholdEventSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["metric", "value", "threshold", "severity", "timestamp", "target", "event_hash"],
  "properties": {
    "metric": {"type": "string", "minLength": 1},
    "value": {"type": "number"},
    "threshold": {"type": "number"},
    "severity": {"enum": ["info", "warning", "critical", "emergency"]},
    "timestamp": {"type": "string"},
    "target": {"type": "string"},
    "details": {"type": ["object", "null"]},
    "event_hash": {"type": "string", "pattern": "^[0-9a-f]{16}$"}
  }
}`

const predictionSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["event_hash", "model", "seed", "monte_carlo_runs", "outcomes", "prediction_hash"],
  "properties": {
    "event_hash": {"type": "string", "pattern": "^[0-9a-f]{16}$"},
    "model": {"type": "string"},
    "seed": {"type": "integer"},
    "monte_carlo_runs": {"type": "integer", "minimum": 1},
    "prediction_hash": {"type": "string", "pattern": "^[0-9a-f]{16}$"},
    "outcomes": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["scenario", "probability", "reversibility", "state_hash"],
        "properties": {
          "scenario": {"enum": ["reorganize", "partial-reorganize", "defer", "rollback", "incremental"]},
          "probability": {"type": "number", "minimum": 0, "maximum": 1},
          "reversibility": {"type": "number", "minimum": 0, "maximum": 1},
          "side_effects": {"type": "array", "items": {"type": "string"}},
          "state_hash": {"type": "string"},
          "confidence_interval": {"type": "array", "items": {"type": "number"}, "minItems": 2, "maxItems": 2},
          "variance": {"type": "number", "minimum": 0}
        }
      }
    }
  }
}`

const deliberationResultSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["session_id", "decision", "rationale", "votes", "dissenting_views", "conditions", "audit_hash"],
  "properties": {
    "session_id": {"type": "string", "minLength": 1},
    "decision": {"enum": ["proceed", "pause", "reject", "defer", "conditional"]},
    "rationale": {"type": "string", "minLength": 1},
    "votes": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["stakeholder_id", "stakeholder_type", "decision", "rationale", "confidence"],
        "properties": {
          "stakeholder_type": {"enum": ["technical", "ethical", "domain", "physiological", "human-operator"]},
          "decision": {"enum": ["proceed", "pause", "reject", "defer", "conditional"]},
          "confidence": {"type": "number", "minimum": 0, "maximum": 1}
        }
      }
    },
    "dissenting_views": {"type": "array"},
    "conditions": {"type": "array", "items": {"type": "string"}},
    "audit_hash": {"type": "string", "pattern": "^[0-9a-f]{16}$"}
  }
}`

const enforcementResultSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["decision_hash", "applied", "rolled_back", "gate_log", "audit_trail", "result_hash"],
  "properties": {
    "applied": {"type": "boolean"},
    "rolled_back": {"type": "boolean"},
    "gate_log": {"type": "array"},
    "result_hash": {"type": "string", "pattern": "^[0-9a-f]{16}$"},
    "audit_trail": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["timestamp", "action", "actor", "previous_hash", "entry_hash"],
        "properties": {
          "previous_hash": {"type": "string"},
          "entry_hash": {"type": "string", "pattern": "^[0-9a-f]{32}$"}
        }
      }
    }
  }
}`

var schemaSources = map[Kind]string{
	KindThresholdEvent:     thresholdEventSchema,
	KindPrediction:         predictionSchema,
	KindDeliberationResult: deliberationResultSchema,
	KindEnforcementResult:  enforcementResultSchema,
}

var compiled = func() map[Kind]*jsonschema.Schema {
	out := make(map[Kind]*jsonschema.Schema, len(schemaSources))
	for kind, src := range schemaSources {
		c := jsonschema.NewCompiler()
		url := fmt.Sprintf("mem://%s.json", kind)
		if err := c.AddResource(url, strings.NewReader(src)); err != nil {
			panic(fmt.Sprintf("artifactschema: add %s: %v", kind, err))
		}
		s, err := c.Compile(url)
		if err != nil {
			panic(fmt.Sprintf("artifactschema: compile %s: %v", kind, err))
		}
		out[kind] = s
	}
	return out
}()

// Validate checks raw JSON against the schema for kind.
func Validate(kind Kind, raw []byte) error {
	s, ok := compiled[kind]
	if !ok {
		return fmt.Errorf("artifactschema: unknown kind %q", kind)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("artifactschema: %s: parse: %w", kind, err)
	}
	if err := s.Validate(doc); err != nil {
		return fmt.Errorf("artifactschema: %s: %w", kind, err)
	}
	return nil
}
