// Package chat holds the frame connection abstraction shared by the client
// and the relay, and the relay's room hub.
package chat

import "context"

// Conn abstracts a bidirectional frame connection.
// This interface isolates transport details from the push protocol.
type Conn interface {
	// Read reads a single encoded frame.
	// Returns io.EOF when the connection is closed.
	Read(ctx context.Context) ([]byte, error)

	// Write sends a single encoded frame.
	Write(ctx context.Context, data []byte) error

	// Close closes the connection.
	Close() error

	// RemoteAddr returns the remote address for logging.
	RemoteAddr() string
}
