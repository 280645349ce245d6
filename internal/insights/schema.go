// Package insights defines the structured result expected from the model for
// one review, validates raw output against it, and normalizes topic names
// into tag vocabulary keys.
package insights

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// SchemaName is the name sent with the structured-output constraint.
const SchemaName = "review_insight"

const schemaURL = "mem://review_insight.json"

var schemaDoc = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["sentiment", "score", "summary", "topics"],
  "properties": {
    "sentiment": {"type": "string", "enum": ["positive", "neutral", "negative", "mixed"]},
    "score": {"type": "number", "minimum": 0, "maximum": 1},
    "summary": {"type": "string", "minLength": 1, "maxLength": 400},
    "topics": {
      "type": "array",
      "maxItems": 20,
      "items": {
        "type": "object",
        "additionalProperties": false,
        "required": ["name", "category", "polarity", "confidence"],
        "properties": {
          "name": {"type": "string", "minLength": 1, "maxLength": 60},
          "category": {"type": "string", "enum": ["service", "product", "price", "cleanliness", "staff", "wait_time", "ambience", "location", "other"]},
          "polarity": {"type": "string", "enum": ["positive", "neutral", "negative"]},
          "confidence": {"type": "number", "minimum": 0, "maximum": 1},
          "evidence": {"type": "string", "maxLength": 200}
        }
      }
    }
  }
}`

var (
	compileOnce sync.Once
	compiled    *jsonschema.Schema
	compileErr  error
)

// Schema returns the JSON Schema document for the structured-output request.
func Schema() json.RawMessage { return json.RawMessage(schemaDoc) }

func schema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaDoc))
		if err != nil {
			compileErr = err
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource(schemaURL, doc); err != nil {
			compileErr = err
			return
		}
		compiled, compileErr = c.Compile(schemaURL)
	})
	return compiled, compileErr
}
