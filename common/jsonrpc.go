package common

import (
	"encoding/json"
	"errors"
	"fmt"
)

const JSONRPCVersion = "2.0"

// JSON-RPC 2.0 and engine API error codes
const (
	CodeParseError               = -32700
	CodeInvalidRequest           = -32600
	CodeMethodNotFound           = -32601
	CodeInvalidParams            = -32602
	CodeInternalError            = -32603
	CodeServerError              = -32000
	CodeUnknownPayload           = -38001
	CodeInvalidForkchoiceState   = -38002
	CodeInvalidPayloadAttributes = -38003
)

type JSONRPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	ID      json.RawMessage   `json:"id,omitempty"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
}

type JSONRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC error object. It is also the error type for an engine
// that was reachable but rejected the call.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

func NewRPCError(code int, message string) *RPCError {
	return &RPCError{Code: code, Message: message}
}

// RPCErrorFromErr maps an internal error onto the JSON-RPC error returned to the consensus client
func RPCErrorFromErr(err error) *RPCError {
	var rpcErr *RPCError
	switch {
	case errors.As(err, &rpcErr):
		return rpcErr
	case IsCacheMiss(err):
		return NewRPCError(CodeUnknownPayload, "Unknown payload")
	case IsTimeout(err):
		return NewRPCError(CodeInternalError, "execution engine timeout: "+err.Error())
	case errors.Is(err, ErrTransport):
		return NewRPCError(CodeInternalError, "execution engine unavailable: "+err.Error())
	case errors.Is(err, ErrProtocol):
		return NewRPCError(CodeInternalError, "invalid execution engine response: "+err.Error())
	default:
		return NewRPCError(CodeInternalError, err.Error())
	}
}
