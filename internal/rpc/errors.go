package rpc

import (
	"errors"
	"fmt"
)

// Reserved JSON-RPC 2.0 error codes. Adapters must not redefine these.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Adapter-defined application errors live in [CodeAdapterMin, CodeAdapterMax].
const (
	CodeAdapterMin = -32099
	CodeAdapterMax = -32000
)

// ErrChannelClosed is returned for calls made after the channel broke or
// was closed. Pending calls fail with it when the peer hangs up.
var ErrChannelClosed = errors.New("rpc channel closed")

// Error is an application-level JSON-RPC error returned by the adapter.
// It fails the single call that triggered it; the channel stays usable.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// IsAdapterDefined reports whether the code is in the adapter-defined range.
func (e *Error) IsAdapterDefined() bool {
	return e.Code >= CodeAdapterMin && e.Code <= CodeAdapterMax
}

// ProtocolError reports bytes on the channel that do not form a valid
// envelope. It is fatal: the reader stops and every pending and future
// call fails. Distinct from Error, which is a well-formed reply.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol error: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("protocol error: %s", e.Reason)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}
