// Package schema defines the wire messages exchanged over the notification
// bus between the intake layer, the annotation worker and the archival
// worker.
package schema

import (
	"encoding/json"
	"fmt"
)

// Envelope is the outer wrapper around every bus message. The inner payload
// travels as a JSON string in Message, so consumers decode twice.
type Envelope struct {
	Message string `json:"Message"`
}

// AnnotationRequest announces a freshly submitted job. Published by intake,
// consumed by the annotation worker.
type AnnotationRequest struct {
	JobID         string `json:"job_id"`
	UserID        string `json:"user_id"`
	InputFileName string `json:"input_file_name"`
	InputBucket   string `json:"input_bucket"`
	InputKey      string `json:"input_key"`
}

// AnnotationComplete announces a job's transition to COMPLETED. Published by
// the annotation worker, consumed by the archival worker.
type AnnotationComplete struct {
	JobID        string `json:"job_id"`
	UserID       string `json:"user_id"`
	ResultKey    string `json:"result_key"`
	CompleteTime int64  `json:"complete_time"`
}

// Wrap marshals v and encloses it in the bus envelope.
func Wrap(v any) ([]byte, error) {
	inner, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	outer, err := json.Marshal(Envelope{Message: string(inner)})
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return outer, nil
}

// Unwrap extracts the inner payload bytes from an enveloped message.
func Unwrap(data []byte) ([]byte, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &PayloadError{Reason: "decode envelope", Err: err}
	}
	if env.Message == "" {
		return nil, &PayloadError{Reason: "empty envelope message"}
	}
	return []byte(env.Message), nil
}

// PayloadError marks a message body as permanently unusable. Consumers that
// see it should drop the message rather than let the bus redeliver it.
type PayloadError struct {
	Reason string
	Err    error
}

func (e *PayloadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("bad payload: %s: %v", e.Reason, e.Err)
	}
	return "bad payload: " + e.Reason
}

func (e *PayloadError) Unwrap() error { return e.Err }
