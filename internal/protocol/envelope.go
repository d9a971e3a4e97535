package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"expensedb/internal/core"
)

// Request is sent from the host to the worker.
type Request struct {
	Op     Operation       `json:"operation"`
	ID     string          `json:"id"`
	Params json.RawMessage `json:"parameters,omitempty"`
}

// Response is sent back for every request, successful or not. Exactly one of
// Result and Error is set.
type Response struct {
	Op     Operation       `json:"operation"`
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
	Kind   ErrorKind       `json:"kind,omitempty"`
}

// NewRequest builds a request with a fresh correlation id. A nil params
// sends no parameters.
func NewRequest(op Operation, params any) (*Request, error) {
	req := &Request{Op: op, ID: uuid.NewString()}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal %s parameters: %w", op, err)
		}
		req.Params = raw
	}
	return req, nil
}

// ToJSON converts the request to JSON bytes
func (r *Request) ToJSON() ([]byte, error) {
	return json.Marshal(r)
}

// RequestFromJSON decodes an envelope. The operation is not checked here so
// that the dispatcher can still answer unknown operations with the echoed id.
func RequestFromJSON(data []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("%w: malformed request envelope: %v", core.ErrInvalid, err)
	}
	return &req, nil
}

// Decode unmarshals the parameters into v. Missing parameters leave v at its
// zero value.
func (r *Request) Decode(v any) error {
	if len(r.Params) == 0 || string(r.Params) == "null" {
		return nil
	}
	if err := json.Unmarshal(r.Params, v); err != nil {
		return fmt.Errorf("%w: %s parameters: %v", core.ErrInvalid, r.Op, err)
	}
	return nil
}

// Success builds the response for a request that produced result.
func Success(req *Request, result any) (*Response, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal %s result: %w", req.Op, err)
	}
	return &Response{Op: req.Op, ID: req.ID, Result: raw}, nil
}

// Failure builds the error response for op/id. The kind is derived from the
// core sentinel wrapped by err.
func Failure(op Operation, id string, err error) *Response {
	kind := KindOf(err)
	msg := err.Error()
	if msg == "" {
		msg = string(kind)
	}
	return &Response{Op: op, ID: id, Error: msg, Kind: kind}
}

// ToJSON converts the response to JSON bytes
func (r *Response) ToJSON() ([]byte, error) {
	return json.Marshal(r)
}

func ResponseFromJSON(data []byte) (*Response, error) {
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("malformed response envelope: %w", err)
	}
	return &resp, nil
}

// Validate checks that exactly one of result and error is present.
func (r *Response) Validate() error {
	hasResult := len(r.Result) > 0
	hasError := r.Error != ""
	switch {
	case hasResult && hasError:
		return errors.New("response carries both result and error")
	case !hasResult && !hasError:
		return errors.New("response carries neither result nor error")
	}
	return nil
}

// Err returns the remote failure, or nil for a successful response.
func (r *Response) Err() error {
	if r.Error == "" {
		return nil
	}
	return &RemoteError{Op: r.Op, Kind: r.Kind, Message: r.Error}
}

// Decode unmarshals the result into v.
func (r *Response) Decode(v any) error {
	if err := r.Err(); err != nil {
		return err
	}
	if err := json.Unmarshal(r.Result, v); err != nil {
		return fmt.Errorf("decode %s result: %w", r.Op, err)
	}
	return nil
}
