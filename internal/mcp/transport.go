package mcp

import "context"

// Transport moves raw JSON-RPC frames to and from one server. The
// client owns message interpretation; transports only carry bytes.
//
// Messages is closed when the transport dies; the terminal cause is
// then available on Err. Ready is closed once the transport can accept
// Send calls (immediately for stdio, after the endpoint event for SSE).
type Transport interface {
	Start(ctx context.Context) error
	Send(ctx context.Context, data []byte) error
	Messages() <-chan []byte
	Ready() <-chan struct{}
	Err() <-chan error
	Close() error
}

// maxFrameBytes caps a single inbound frame. Servers that emit larger
// lines are treated as broken rather than buffered without bound.
const maxFrameBytes = 1 << 20
