// Package jmap implements the batch-request core of a JMAP endpoint:
// invocation/response framing, the creation-key idmap, the method
// registry, and the executor that drives one HTTP batch from parsed JSON
// body to response array.
package jmap

import (
	"encoding/json"
	"fmt"
)

// Invocation is one [method_name, args_object, client_tag] triple from a
// request batch.
type Invocation struct {
	Name string
	Args map[string]interface{}
	Tag  string
}

// UnmarshalJSON accepts the three-element array form on the wire. It
// returns an error for anything short of a well-formed triple; callers
// decoding a batch (DecodeBody) skip an invocation that fails to parse
// rather than let it fail the whole batch, so this is free to be strict.
func (inv *Invocation) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("jmap: invocation is not an array: %w", err)
	}
	if len(raw) != 3 {
		return fmt.Errorf("jmap: invocation has %d elements, want 3", len(raw))
	}
	if err := json.Unmarshal(raw[0], &inv.Name); err != nil {
		return fmt.Errorf("jmap: invocation method name: %w", err)
	}
	inv.Args = nil
	if err := json.Unmarshal(raw[1], &inv.Args); err != nil {
		return fmt.Errorf("jmap: invocation args: %w", err)
	}
	if err := json.Unmarshal(raw[2], &inv.Tag); err != nil {
		return fmt.Errorf("jmap: invocation tag: %w", err)
	}
	return nil
}

// Response is one [response_name, payload_object, client_tag] triple
// appended to the batch output array.
type Response struct {
	Name    string
	Payload interface{}
	Tag     string
}

// MarshalJSON emits the three-element array form.
func (r Response) MarshalJSON() ([]byte, error) {
	return json.Marshal([3]interface{}{r.Name, r.Payload, r.Tag})
}

// ErrorResponse builds an ["error", {"type": code}, tag] response, the
// shape used for every per-invocation failure.
func ErrorResponse(tag string, code ErrorCode) Response {
	return Response{Name: "error", Payload: map[string]interface{}{"type": string(code)}, Tag: tag}
}
