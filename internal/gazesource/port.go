package gazesource

import "io"

// Porter is the minimal interface needed for the bridge's serial port.
// Tests and replays substitute their own implementations.
type Porter interface {
	io.ReadWriter
	io.Closer
}
