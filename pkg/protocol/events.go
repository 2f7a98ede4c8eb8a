// Package protocol defines the frames the gateway streams to observer
// clients over WebSocket. The stream is one-way: server to client.
package protocol

import "time"

// Version is bumped when a frame shape changes incompatibly.
const Version = 1

// Frame types carried in Frame.Type.
const (
	FrameHello    = "hello"
	FrameEvent    = "event"
	FrameShutdown = "shutdown"
)

// Frame is one JSON message on the observer stream.
type Frame struct {
	Type string `json:"type"`
	// Protocol is set on hello frames only.
	Protocol int `json:"protocol,omitempty"`
	// Event is set on event frames only.
	Event *Event    `json:"event,omitempty"`
	Time  time.Time `json:"time"`
}

// Event mirrors one bus event. Path is KB-relative for kb.* topics.
type Event struct {
	Topic  string         `json:"topic"`
	UserID int64          `json:"user_id,omitempty"`
	KBID   string         `json:"kb_id,omitempty"`
	Path   string         `json:"path,omitempty"`
	Source string         `json:"source,omitempty"`
	Time   time.Time      `json:"time"`
	Data   map[string]any `json:"data,omitempty"`
}

// Hello is the first frame on every connection.
func Hello() Frame {
	return Frame{Type: FrameHello, Protocol: Version, Time: time.Now().UTC()}
}

// Shutdown announces that the server is going away.
func Shutdown() Frame {
	return Frame{Type: FrameShutdown, Time: time.Now().UTC()}
}
