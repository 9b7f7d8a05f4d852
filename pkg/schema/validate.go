package schema

import (
	"encoding/json"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const requestSchema = `{
	"type": "object",
	"properties": {
		"job_id": {"type": "string", "minLength": 1},
		"user_id": {"type": "string", "minLength": 1},
		"input_file_name": {"type": "string", "minLength": 1},
		"input_bucket": {"type": "string", "minLength": 1},
		"input_key": {"type": "string", "minLength": 1}
	},
	"required": ["job_id", "user_id", "input_file_name", "input_bucket", "input_key"]
}`

const completeSchema = `{
	"type": "object",
	"properties": {
		"job_id": {"type": "string", "minLength": 1},
		"user_id": {"type": "string", "minLength": 1},
		"result_key": {"type": "string", "minLength": 1},
		"complete_time": {"type": "integer", "minimum": 0}
	},
	"required": ["job_id", "user_id", "result_key", "complete_time"]
}`

var (
	compiledRequest  = jsonschema.MustCompileString("annotation_request.json", requestSchema)
	compiledComplete = jsonschema.MustCompileString("annotation_complete.json", completeSchema)
)

// ParseRequest unwraps, validates and decodes an annotation request message.
// Any failure is reported as a *PayloadError.
func ParseRequest(data []byte) (AnnotationRequest, error) {
	var req AnnotationRequest
	if err := parseInto(data, compiledRequest, &req); err != nil {
		return AnnotationRequest{}, err
	}
	return req, nil
}

// ParseComplete unwraps, validates and decodes a completion message.
func ParseComplete(data []byte) (AnnotationComplete, error) {
	var done AnnotationComplete
	if err := parseInto(data, compiledComplete, &done); err != nil {
		return AnnotationComplete{}, err
	}
	return done, nil
}

func parseInto(data []byte, schema *jsonschema.Schema, dst any) error {
	inner, err := Unwrap(data)
	if err != nil {
		return err
	}
	var generic any
	if err := json.Unmarshal(inner, &generic); err != nil {
		return &PayloadError{Reason: "decode message", Err: err}
	}
	if err := schema.Validate(generic); err != nil {
		return &PayloadError{Reason: "validate message", Err: err}
	}
	if err := json.Unmarshal(inner, dst); err != nil {
		return &PayloadError{Reason: "decode message", Err: err}
	}
	return nil
}
