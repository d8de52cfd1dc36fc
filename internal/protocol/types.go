package protocol

import "encoding/json"

// Result types carried in Response.Type.
const (
	TypeSuccess = "success"
	TypeError   = "error"
)

// Request is the document a controller writes to the worker's request channel.
type Request struct {
	Input         json.RawMessage `json:"input"`
	Code          string          `json:"code"`
	OriginContext string          `json:"originContext"`
}

// Response is the single terminal document a worker writes back. Exactly one
// of Data (Type == "success") or Error (Type == "error") is meaningful.
type Response struct {
	Type  string          `json:"type"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *Failure        `json:"error,omitempty"`
}

// Failure describes an error raised inside the worker. Stack is the
// worker-local trace; its first line repeats name and message.
type Failure struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Stack   string `json:"stack"`
}

// Success builds a success response. A nil data value is sent as JSON null.
func Success(data json.RawMessage) *Response {
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	return &Response{Type: TypeSuccess, Data: data}
}

// Error builds an error response.
func Error(f Failure) *Response {
	return &Response{Type: TypeError, Error: &f}
}
