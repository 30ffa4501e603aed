package service

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/iago/pdfqueue-back/internal/domain"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// PayloadValidator checks worker request bodies against JSON schemas before
// anything is decoded or mutated.
type PayloadValidator struct {
	results *jsonschema.Schema
	failure *jsonschema.Schema
}

func NewPayloadValidator() (*PayloadValidator, error) {
	results, err := compileSchema("results.json", resultsSchema())
	if err != nil {
		return nil, err
	}
	failure, err := compileSchema("failure.json", failureSchema())
	if err != nil {
		return nil, err
	}
	return &PayloadValidator{results: results, failure: failure}, nil
}

// ValidateResults validates a results upload body.
func (v *PayloadValidator) ValidateResults(body []byte) error {
	return validateAgainst(v.results, body)
}

// ValidateFailure validates an error report body.
func (v *PayloadValidator) ValidateFailure(body []byte) error {
	return validateAgainst(v.failure, body)
}

func validateAgainst(schema *jsonschema.Schema, body []byte) error {
	decoder := json.NewDecoder(bytes.NewReader(body))
	decoder.UseNumber()
	var value any
	if err := decoder.Decode(&value); err != nil {
		return fmt.Errorf("invalid JSON payload: %w", domain.ErrValidation)
	}
	if err := schema.Validate(value); err != nil {
		return fmt.Errorf("%s: %w", describeSchemaError(err), domain.ErrValidation)
	}
	return nil
}

// describeSchemaError reduces a schema failure to its first concrete cause.
func describeSchemaError(err error) string {
	validationErr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return err.Error()
	}
	for len(validationErr.Causes) > 0 {
		validationErr = validationErr.Causes[0]
	}
	location := validationErr.InstanceLocation
	if location == "" {
		location = "/"
	}
	return fmt.Sprintf("payload %s: %s", location, validationErr.Message)
}

func compileSchema(name string, schema map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("marshal schema %s: %w", name, err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("add schema %s: %w", name, err)
	}
	compiled, err := compiler.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", name, err)
	}
	return compiled, nil
}

func resultsSchema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []string{"job_id"},
		"properties": map[string]any{
			"job_id":        nonEmptyString(),
			"worker_id":     map[string]any{"type": "string"},
			"questions":     map[string]any{"type": []string{"array", "null"}, "items": questionSchema()},
			"mmd_content":   map[string]any{"type": []string{"string", "null"}},
			"error_message": map[string]any{"type": []string{"string", "null"}},
		},
	}
}

func failureSchema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []string{"job_id", "error_message"},
		"properties": map[string]any{
			"job_id":        nonEmptyString(),
			"worker_id":     map[string]any{"type": "string"},
			"error_message": nonEmptyString(),
		},
	}
}

func questionSchema() map[string]any {
	props := map[string]any{
		"multiAnswers": map[string]any{
			"type":  []string{"array", "null"},
			"items": map[string]any{"type": "string"},
		},
		"asked": map[string]any{"type": []string{"boolean", "null"}},
	}
	for _, field := range []string{
		"question", "option1", "option2", "option3", "option4", "answer",
		"explanation", "solution", "status", "yearOfAppearance", "questionCategory",
	} {
		props[field] = map[string]any{"type": []string{"string", "null"}}
	}
	for _, field := range []string{
		"entranceExamId", "standardId", "subjectId", "chapterId", "topicId", "subTopicId",
		"patternId", "questionLevelId", "questionTypeId", "yearOfAppearanceId", "marks", "userId",
	} {
		props[field] = refIDProp()
	}
	return map[string]any{
		"type":       "object",
		"properties": props,
	}
}

// refIDProp accepts integers or numeric strings; the pattern only applies
// to string values.
func refIDProp() map[string]any {
	return map[string]any{
		"type":    []string{"integer", "string", "null"},
		"pattern": `^\s*(-?\d+)?\s*$`,
	}
}

func nonEmptyString() map[string]any {
	return map[string]any{"type": "string", "minLength": 1, "pattern": `\S`}
}
