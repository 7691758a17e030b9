// Package jsonrpc implements the request/response envelope types shared
// by the dispatcher, cache, and backend connections.
package jsonrpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// Error codes from the JSON-RPC 2.0 spec plus the gateway's own range,
// per the error taxonomy in the design document.
const (
	CodeInvalidRequest = -32600
	CodeInternal       = -32603
	CodeRateLimited    = -32000
)

// Request is a single JSON-RPC call. Params defaults to an empty array
// and Jsonrpc defaults to "2.0" when absent from the wire payload — both
// handled in UnmarshalJSON so callers never see the zero value.
type Request struct {
	Jsonrpc string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

func (r *Request) UnmarshalJSON(data []byte) error {
	type alias Request
	aux := alias{}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*r = Request(aux)
	if r.Jsonrpc == "" {
		r.Jsonrpc = "2.0"
	}
	if len(r.Params) == 0 {
		r.Params = json.RawMessage("[]")
	}
	if r.Method == "" {
		return fmt.Errorf("jsonrpc: missing method")
	}
	return nil
}

// Error is a JSON-RPC error object, copied verbatim from an upstream
// response or synthesized by the dispatcher.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Response is a single JSON-RPC response. Exactly one of Result/Error is
// populated.
type Response struct {
	Jsonrpc string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// NewResult builds a success response, preserving id byte-for-byte.
func NewResult(id json.RawMessage, result json.RawMessage) *Response {
	return &Response{Jsonrpc: "2.0", ID: id, Result: result}
}

// NewError builds an error response, preserving id byte-for-byte.
func NewError(id json.RawMessage, code int, message string, data json.RawMessage) *Response {
	return &Response{Jsonrpc: "2.0", ID: id, Error: &Error{Code: code, Message: message, Data: data}}
}

// RequestOrBatch decodes either a single request object or a batch array.
// The boundary (HTTP handler) calls this once per inbound body.
type RequestOrBatch struct {
	Single *Request
	Batch  []Request
}

func DecodeRequestOrBatch(body []byte) (*RequestOrBatch, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("jsonrpc: empty request body")
	}
	if trimmed[0] == '[' {
		var batch []Request
		if err := json.Unmarshal(trimmed, &batch); err != nil {
			return nil, err
		}
		return &RequestOrBatch{Batch: batch}, nil
	}
	var single Request
	if err := json.Unmarshal(trimmed, &single); err != nil {
		return nil, err
	}
	return &RequestOrBatch{Single: &single}, nil
}

// BatchOrSingle mirrors RequestOrBatch on the way out: exactly one of
// Single/Batch is populated, and MarshalJSON renders a batch reply as a
// JSON array and a single reply as a bare object, matching whichever
// shape the client sent in.
type BatchOrSingle struct {
	Single *Response
	Batch  []*Response
}

func (b *BatchOrSingle) MarshalJSON() ([]byte, error) {
	if b.Batch != nil {
		return json.Marshal(b.Batch)
	}
	return json.Marshal(b.Single)
}

// CanonicalParams re-encodes params with map keys in lexicographic order
// so cache keys are stable regardless of the encoding order the client
// (or an upstream json library) happened to use. Returns "" for empty/
// null params so cache.Key.Params can stay a plain string.
func CanonicalParams(params json.RawMessage) (string, error) {
	trimmed := bytes.TrimSpace(params)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		return "", nil
	}
	var v any
	if err := json.Unmarshal(trimmed, &v); err != nil {
		return "", err
	}
	if arr, ok := v.([]any); ok && len(arr) == 0 {
		return "", nil
	}
	canon, err := canonicalMarshal(v)
	if err != nil {
		return "", err
	}
	return string(canon), nil
}

func canonicalMarshal(v any) ([]byte, error) {
	switch t := v.(type) {
	case map[string]any:
		buf := bytes.NewBufferString("{")
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			vb, err := canonicalMarshal(t[k])
			if err != nil {
				return nil, err
			}
			buf.Write(vb)
		}
		buf.WriteByte('}')
		return buf.Bytes(), nil
	case []any:
		buf := bytes.NewBufferString("[")
		for i, e := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			eb, err := canonicalMarshal(e)
			if err != nil {
				return nil, err
			}
			buf.Write(eb)
		}
		buf.WriteByte(']')
		return buf.Bytes(), nil
	default:
		return json.Marshal(t)
	}
}
