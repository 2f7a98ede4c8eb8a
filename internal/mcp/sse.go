package mcp

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/notemill/notemill/internal/fault"
)

// SSETransport speaks the HTTP+SSE MCP transport: a long-lived GET
// stream carries server-to-client frames, and client-to-server frames
// are POSTed to the endpoint the server announces as its first event.
type SSETransport struct {
	serverName string
	baseURL    string
	httpc      *http.Client

	mu      sync.Mutex
	postURL string

	cancel context.CancelFunc
	body   io.ReadCloser

	messages chan []byte
	ready    chan struct{}
	errCh    chan error

	readyOnce sync.Once
	closeOnce sync.Once
}

// NewSSETransport prepares an SSE transport for the given stream URL.
func NewSSETransport(serverName, streamURL string) *SSETransport {
	return &SSETransport{
		serverName: serverName,
		baseURL:    streamURL,
		httpc:      &http.Client{Timeout: 0},
		messages:   make(chan []byte, 16),
		ready:      make(chan struct{}),
		errCh:      make(chan error, 1),
	}
}

// Start opens the event stream. Ready is closed only once the server
// has announced its message endpoint; until then Send must not be
// called, which is how the handshake is kept after the reader is up.
func (t *SSETransport) Start(ctx context.Context) error {
	streamCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, t.baseURL, nil)
	if err != nil {
		cancel()
		return fault.Wrap(fault.Permanent, "mcp.sse.start", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := t.httpc.Do(req)
	if err != nil {
		cancel()
		return fault.Wrap(fault.Transient, "mcp.sse.start", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return fault.Newf(fault.Transient, "sse stream returned %s", resp.Status)
	}
	t.body = resp.Body

	go t.readLoop(resp.Body)
	return nil
}

// readLoop parses the SSE framing: "event:" names the event, "data:"
// lines accumulate, a blank line dispatches.
func (t *SSETransport) readLoop(body io.Reader) {
	defer close(t.messages)

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), maxFrameBytes)

	event := ""
	var data bytes.Buffer
	dispatch := func() {
		if data.Len() == 0 {
			return
		}
		payload := data.String()
		data.Reset()
		name := event
		event = ""
		if name == "" {
			name = "message"
		}
		switch name {
		case "endpoint":
			t.setEndpoint(payload)
		case "message":
			frame := make([]byte, len(payload))
			copy(frame, payload)
			t.messages <- frame
		}
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			dispatch()
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	dispatch()

	err := scanner.Err()
	if err == nil {
		err = io.EOF
	}
	select {
	case t.errCh <- fault.Wrap(fault.Transient, "mcp.sse.read", err):
	default:
	}
}

// setEndpoint resolves the announced endpoint against the stream URL
// and marks the transport ready.
func (t *SSETransport) setEndpoint(endpoint string) {
	base, err := url.Parse(t.baseURL)
	if err != nil {
		return
	}
	ref, err := url.Parse(strings.TrimSpace(endpoint))
	if err != nil {
		return
	}
	t.mu.Lock()
	t.postURL = base.ResolveReference(ref).String()
	t.mu.Unlock()
	t.readyOnce.Do(func() { close(t.ready) })
}

// Send POSTs one frame to the announced endpoint.
func (t *SSETransport) Send(ctx context.Context, data []byte) error {
	t.mu.Lock()
	target := t.postURL
	t.mu.Unlock()
	if target == "" {
		return fault.New(fault.Transient, "sse endpoint not announced yet")
	}

	postCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(postCtx, http.MethodPost, target, bytes.NewReader(data))
	if err != nil {
		return fault.Wrap(fault.Permanent, "mcp.sse.send", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpc.Do(req)
	if err != nil {
		return fault.Wrap(fault.Transient, "mcp.sse.send", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4*1024))

	if resp.StatusCode >= 400 {
		return fault.Wrap(fault.Transient, "mcp.sse.send",
			fmt.Errorf("endpoint returned %s", resp.Status))
	}
	return nil
}

func (t *SSETransport) Messages() <-chan []byte { return t.messages }
func (t *SSETransport) Ready() <-chan struct{}  { return t.ready }
func (t *SSETransport) Err() <-chan error       { return t.errCh }

func (t *SSETransport) Close() error {
	t.closeOnce.Do(func() {
		if t.cancel != nil {
			t.cancel()
		}
		if t.body != nil {
			t.body.Close()
		}
	})
	return nil
}
