package bridge

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// JSONRPCVersion is the protocol version sent on every request.
const JSONRPCVersion = "2.0"

// Methods used against backends.
const (
	MethodToolsList = "tools/list"
	MethodToolsCall = "tools/call"
)

// Request is a JSON-RPC 2.0 request. Field order matters for the wire format
// of the discovery request.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

// NewRequest builds a request with the protocol version filled in.
func NewRequest(id int64, method string, params any) *Request {
	if params == nil {
		params = map[string]any{}
	}
	return &Request{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Method:  method,
		Params:  params,
	}
}

// Response is a JSON-RPC 2.0 response as read from a backend.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`

	// raw is the line the response was parsed from.
	raw string
}

// Raw returns the line the response was parsed from.
func (r *Response) Raw() string {
	return r.raw
}

// HasID reports whether the response carries id. String ids holding the
// same number match too.
func (r *Response) HasID(id int64) bool {
	raw := bytes.TrimSpace(r.ID)
	if len(raw) == 0 {
		return false
	}
	want := strconv.FormatInt(id, 10)
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return false
		}
		return s == want
	}
	return string(raw) == want
}

// RPCError is the error member of a response.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("json-rpc error %d: %s", e.Code, e.Message)
}

// MalformedError is delivered for a line that is not a JSON-RPC response.
type MalformedError struct {
	Line string
	Err  error
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("malformed response %q: %v", e.Line, e.Err)
}

func (e *MalformedError) Unwrap() error {
	return e.Err
}

// toolCallParams are the params of a tools/call request.
type toolCallParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// toolsListResult is the result of a tools/list request.
type toolsListResult struct {
	Tools []json.RawMessage `json:"tools"`
}

// toolDefinition is the part of a discovered tool the bridge reads. The
// full object is kept as raw JSON.
type toolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}
