package llm

import (
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

// jsonLoader is the subset of gojsonschema.JSONLoader this package depends
// on, named locally so callers don't need to import gojsonschema directly.
type jsonLoader = gojsonschema.JSONLoader

// validationError carries field-level detail from a failed schema check.
type validationError struct {
	Field       string
	Description string
}

func (e validationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Description)
}

var analysisSchemaLoader = gojsonschema.NewStringLoader(`{
  "type": "object",
  "required": ["significant_change", "momentum_impact"],
  "properties": {
    "significant_change": {"type": "string", "minLength": 1},
    "talking_points": {"type": "array", "items": {"type": "string"}},
    "momentum_impact": {"type": "string", "enum": ["home", "away", "neutral"]},
    "magnitude": {"type": "number"},
    "high_intensity_events": {"type": "array", "items": {"type": "string"}}
  }
}`)

var narrationSchemaLoader = gojsonschema.NewStringLoader(`{
  "type": "object",
  "required": ["segments"],
  "properties": {
    "segments": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["text", "kind"],
        "properties": {
          "text": {"type": "string", "minLength": 1},
          "kind": {"type": "string", "enum": ["play_by_play", "mixed", "filler"]},
          "speaker": {"type": "string", "enum": ["A", "B"]},
          "emotion": {"type": "string"}
        }
      }
    }
  }
}`)

// validateJSON validates raw bytes against loader, the same low-level
// entry point shape used for structural validation elsewhere in this
// ecosystem: load the document, run the schema, convert errors.
func validateJSON(raw []byte, loader jsonLoader) ([]validationError, error) {
	doc := gojsonschema.NewBytesLoader(raw)
	result, err := gojsonschema.Validate(loader, doc)
	if err != nil {
		return nil, fmt.Errorf("llm: schema validation failed: %w", err)
	}
	if result.Valid() {
		return nil, nil
	}
	errs := make([]validationError, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		errs = append(errs, validationError{Field: e.Field(), Description: e.Description()})
	}
	return errs, nil
}
