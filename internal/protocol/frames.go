// Package protocol defines the JSON frames exchanged with the Keyvox engine
// over its localhost WebSocket.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// TypeResponse is the frame type carried by every correlated reply.
const TypeResponse = "response"

var ErrMissingType = errors.New("frame has no type")

// Command is an outgoing request. Payload fields are flattened next to type
// and request_id on the wire.
type Command struct {
	Type      string
	RequestID string
	Payload   map[string]any
}

func (c Command) MarshalJSON() ([]byte, error) {
	flat := make(map[string]any, len(c.Payload)+2)
	for k, v := range c.Payload {
		flat[k] = v
	}
	flat["type"] = c.Type
	flat["request_id"] = c.RequestID
	return json.Marshal(flat)
}

// RequestID accepts the string, number and null forms the engine may echo.
type RequestID string

func (id *RequestID) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*id = ""
		return nil
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return err
		}
		*id = RequestID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(trimmed, &n); err != nil {
		return fmt.Errorf("request_id must be string, number or null: %w", err)
	}
	if i, err := strconv.ParseInt(n.String(), 10, 64); err == nil {
		*id = RequestID(strconv.FormatInt(i, 10))
		return nil
	}
	*id = RequestID(n.String())
	return nil
}

// ErrorInfo is the error object of a failed response.
type ErrorInfo struct {
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Details json.RawMessage `json:"details,omitempty"`
}

// Response is the reply to exactly one Command.
type Response struct {
	Type            string          `json:"type"`
	ProtocolVersion string          `json:"protocol_version"`
	Timestamp       string          `json:"timestamp"`
	RequestID       RequestID       `json:"request_id"`
	ResponseType    string          `json:"response_type"`
	OK              bool            `json:"ok"`
	Result          json.RawMessage `json:"result,omitempty"`
	Error           *ErrorInfo      `json:"error,omitempty"`
}

// DecodeResult unmarshals the result object into v.
func (r *Response) DecodeResult(v any) error {
	if len(r.Result) == 0 || bytes.Equal(bytes.TrimSpace(r.Result), []byte("null")) {
		return fmt.Errorf("%s response has no result", r.ResponseType)
	}
	if err := json.Unmarshal(r.Result, v); err != nil {
		return fmt.Errorf("decode %s result: %w", r.ResponseType, err)
	}
	return nil
}

// Inbound is one decoded frame: exactly one of Response or Event is set.
type Inbound struct {
	Response *Response
	Event    Event
}

type envelope struct {
	Type string `json:"type"`
}

// Decode classifies a raw frame by its type field.
func Decode(data []byte) (Inbound, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Inbound{}, fmt.Errorf("decode frame: %w", err)
	}
	if env.Type == "" {
		return Inbound{}, ErrMissingType
	}

	if env.Type == TypeResponse {
		var resp Response
		if err := json.Unmarshal(data, &resp); err != nil {
			return Inbound{}, fmt.Errorf("decode response: %w", err)
		}
		return Inbound{Response: &resp}, nil
	}

	event, err := decodeEvent(env.Type, data)
	if err != nil {
		return Inbound{}, err
	}
	return Inbound{Event: event}, nil
}
