package mc3e

import "fmt"

// protocolMessages maps the documented subset of MC 3E return codes to
// text. Unknown codes still surface with a generic message rather than
// failing to construct the error.
var protocolMessages = map[string]string{
	"4001": "read error",
	"C050": "ascii conversion error",
	"C051": "command error",
}

// ProtocolError represents a non-zero MC 3E return code.
type ProtocolError struct {
	Code string
}

func (e *ProtocolError) Error() string {
	if msg, ok := protocolMessages[e.Code]; ok {
		return fmt.Sprintf("mc3e: protocol error %s: %s", e.Code, msg)
	}
	return fmt.Sprintf("mc3e: protocol error %s", e.Code)
}

// Message returns the textual mapping for the error's code, or "" if the
// code has no documented mapping.
func (e *ProtocolError) Message() string {
	return protocolMessages[e.Code]
}

func NewProtocolError(code string) *ProtocolError {
	return &ProtocolError{Code: code}
}

// TransportError wraps a socket-level failure (connect/read/write timeout,
// malformed frame at the transport layer).
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("mc3e: transport error during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func NewTransportError(op string, err error) *TransportError {
	return &TransportError{Op: op, Err: err}
}
