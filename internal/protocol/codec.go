package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// requiredRequestFields are the keys every request document must carry.
var requiredRequestFields = []string{"input", "code", "originContext"}

// EncodeRequest serializes a Request to JSON and writes it to w.
func EncodeRequest(w io.Writer, req *Request) error {
	if req.Code == "" {
		return fmt.Errorf("request has empty code")
	}
	if len(req.Input) == 0 {
		req.Input = json.RawMessage("{}")
	}

	encoder := json.NewEncoder(w)
	if err := encoder.Encode(req); err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	return nil
}

// DecodeRequest parses the full text of a request channel. The document must
// be a JSON object with input, code and originContext; code must be a
// non-empty string.
func DecodeRequest(text string) (*Request, error) {
	if len(bytes.TrimSpace([]byte(text))) == 0 {
		return nil, fmt.Errorf("request is empty")
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(text), &fields); err != nil {
		return nil, fmt.Errorf("request is not a JSON object: %w", err)
	}
	for _, name := range requiredRequestFields {
		if _, ok := fields[name]; !ok {
			return nil, fmt.Errorf("request missing required field: %s", name)
		}
	}

	var req Request
	if err := json.Unmarshal([]byte(text), &req); err != nil {
		return nil, fmt.Errorf("failed to decode request: %w", err)
	}
	if req.Code == "" {
		return nil, fmt.Errorf("request has empty code")
	}
	return &req, nil
}

// EncodeResponse serializes a Response to JSON and writes it to w.
func EncodeResponse(w io.Writer, resp *Response) error {
	if resp.Type == TypeError && resp.Error == nil {
		return fmt.Errorf("error response has no error body")
	}

	encoder := json.NewEncoder(w)
	if err := encoder.Encode(resp); err != nil {
		return fmt.Errorf("failed to encode response: %w", err)
	}
	return nil
}

// DecodeResponse parses the full text of a response channel. It does not
// reject unknown result types; callers decide how to treat them.
func DecodeResponse(text string) (*Response, error) {
	if len(bytes.TrimSpace([]byte(text))) == 0 {
		return nil, fmt.Errorf("worker produced no response")
	}

	var resp Response
	if err := json.Unmarshal([]byte(text), &resp); err != nil {
		return nil, fmt.Errorf("response is not valid JSON: %w", err)
	}

	if resp.Type == TypeError && resp.Error == nil {
		return nil, fmt.Errorf("response has type=error but no error body")
	}
	return &resp, nil
}
