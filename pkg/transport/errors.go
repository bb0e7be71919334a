package transport

import "fmt"

// ErrorKind classifies the failure modes Transport constructs typed
// errors for.
type ErrorKind string

const (
	KindTransportConnect   ErrorKind = "TransportConnect"
	KindTransportHandshake ErrorKind = "TransportHandshake"
	KindTransportAuth      ErrorKind = "TransportAuth"
	KindTransportWrite     ErrorKind = "TransportWrite"
	KindTransportRead      ErrorKind = "TransportRead"
	KindSerialize          ErrorKind = "Serialize"
)

// TransportError wraps a lower-level error with the phase of the
// connect/handshake/read/write pipeline it occurred in. Unwrap exposes
// the underlying cause so callers can still errors.Is/errors.As
// against net, tls, or encoding errors.
type TransportError struct {
	Kind ErrorKind
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %s: %v", e.Kind, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func newTransportError(kind ErrorKind, err error) *TransportError {
	return &TransportError{Kind: kind, Err: err}
}
