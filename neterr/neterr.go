// Package neterr defines the error taxonomy shared by every engine in this
// library: transport failures, TLS/auth failures, protocol (defragmenter)
// failures, and ErrUnsupported. Cancellation has no type here: it surfaces
// as the context's own error.
package neterr

import "fmt"

// TransportError wraps a socket read/write/accept/connect/bind failure. It is
// surfaced via a peer-error or engine-error event and terminates the
// affected peer.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("transport: %s: %v", e.Op, e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// NewTransportError wraps err, tagged with the operation that failed
// ("dial", "accept", "read", "write", ...).
func NewTransportError(op string, err error) *TransportError {
	return &TransportError{Op: op, Err: err}
}

// AuthError wraps a TLS handshake or certificate failure. It terminates the
// affected peer before a connection-established event is emitted.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string { return fmt.Sprintf("auth: %v", e.Err) }
func (e *AuthError) Unwrap() error { return e.Err }

// NewAuthError wraps a TLS/auth failure.
func NewAuthError(err error) *AuthError { return &AuthError{Err: err} }

// ProtocolError wraps an "unhandled" Defragmenter error (one that isn't a
// clean FrameDropped/StreamClosed outcome). It is surfaced via an
// unhandled-error event and terminates the peer with CloseReason Unknown.
type ProtocolError struct {
	Err error
}

func (e *ProtocolError) Error() string { return fmt.Sprintf("protocol: %v", e.Err) }
func (e *ProtocolError) Unwrap() error { return e.Err }

// NewProtocolError wraps a defragmenter's unhandled error.
func NewProtocolError(err error) *ProtocolError { return &ProtocolError{Err: err} }

// ErrUnsupported is returned by engines (e.g. the Windows named-pipe
// transport on non-Windows platforms) when a capability simply isn't
// available on the current build.
var ErrUnsupported = fmt.Errorf("asyncnet: unsupported on this platform")
