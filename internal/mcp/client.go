package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/notemill/notemill/internal/fault"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultCallTimeout    = 60 * time.Second
	defaultMaxReconnects  = 10
	initialBackoff        = 2 * time.Second
	maxBackoff            = 60 * time.Second
)

// TransportFactory builds a fresh transport for each (re)connect.
type TransportFactory func() Transport

// ClientOptions tune one client. Zero values fall back to defaults.
type ClientOptions struct {
	// Lifetime bounds the connection itself. Transports start on this
	// context, never on the context of the call that happened to dial,
	// so a server outlives the task that first needed it. Nil means
	// context.Background.
	Lifetime context.Context

	ConnectTimeout   time.Duration
	CallTimeout      time.Duration
	MaxReconnects    int
	ReconnectBackoff time.Duration
}

func (o ClientOptions) withDefaults() ClientOptions {
	if o.Lifetime == nil {
		o.Lifetime = context.Background()
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = defaultConnectTimeout
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = defaultCallTimeout
	}
	if o.MaxReconnects <= 0 {
		o.MaxReconnects = defaultMaxReconnects
	}
	if o.ReconnectBackoff <= 0 {
		o.ReconnectBackoff = initialBackoff
	}
	return o
}

// Client is a JSON-RPC 2.0 client for one MCP server. A single read
// loop routes responses to waiters by id; ids are monotone and waiters
// are registered before the request is written, so a reply can never
// arrive before anyone is listening. Writes are serialized.
type Client struct {
	name    string
	factory TransportFactory
	opts    ClientOptions

	nextID atomic.Int64

	pendingMu sync.Mutex
	pending   map[int64]chan *Response

	writeMu sync.Mutex

	mu         sync.Mutex
	transport  Transport
	connected  bool
	closed     bool
	generation uint64

	reconnectMu sync.Mutex

	serverInfo Implementation

	toolsMu sync.RWMutex
	tools   []Tool
}

// NewClient prepares a client; Connect establishes the session.
func NewClient(name string, factory TransportFactory, opts ClientOptions) *Client {
	return &Client{
		name:    name,
		factory: factory,
		opts:    opts.withDefaults(),
		pending: make(map[int64]chan *Response),
	}
}

// Connect starts a transport, waits for it to become ready, then runs
// the initialize handshake and caches the server's tool list. ctx
// bounds the dial and handshake only; the connection's lifetime is set
// by ClientOptions.Lifetime.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = false
	return c.connectLocked(ctx)
}

// connectLocked dials and runs the handshake. ctx bounds only the
// ready-wait and the handshake calls; the transport itself runs on the
// client's lifetime context.
func (c *Client) connectLocked(ctx context.Context) error {
	t := c.factory()
	if err := t.Start(c.opts.Lifetime); err != nil {
		t.Close()
		return fmt.Errorf("start transport for %s: %w", c.name, err)
	}

	select {
	case <-t.Ready():
	case err := <-t.Err():
		t.Close()
		return fault.Wrap(fault.Transient, "mcp.connect", err)
	case <-time.After(c.opts.ConnectTimeout):
		t.Close()
		return fault.Newf(fault.Timeout, "%s: transport not ready within %s", c.name, c.opts.ConnectTimeout)
	case <-ctx.Done():
		t.Close()
		return fault.Wrap(fault.KindOf(ctx.Err()), "mcp.connect", ctx.Err())
	}

	c.transport = t
	go c.readLoop(t)

	hsCtx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer cancel()

	var init InitializeResult
	err := c.callOn(hsCtx, t, methodInitialize, initializeParams{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    clientCapabilities{Roots: &rootsCapability{ListChanged: true}},
		ClientInfo:      Implementation{Name: clientName, Version: clientVersion},
	}, &init)
	if err != nil {
		t.Close()
		return fmt.Errorf("initialize %s: %w", c.name, err)
	}
	if init.ProtocolVersion != "" && init.ProtocolVersion != ProtocolVersion {
		slog.Debug("mcp.protocol.mismatch",
			"server", c.name, "ours", ProtocolVersion, "theirs", init.ProtocolVersion)
	}
	c.serverInfo = init.ServerInfo

	if err := c.notifyOn(hsCtx, t, methodInitializedNf); err != nil {
		t.Close()
		return fmt.Errorf("initialized notification %s: %w", c.name, err)
	}

	var lt listToolsResult
	if err := c.callOn(hsCtx, t, methodListTools, struct{}{}, &lt); err != nil {
		var rpcErr *RPCError
		if !errors.As(err, &rpcErr) {
			t.Close()
			return fmt.Errorf("list tools %s: %w", c.name, err)
		}
		// servers without a tools capability answer with an error;
		// treat that as an empty tool set
		lt.Tools = nil
	}
	c.toolsMu.Lock()
	c.tools = lt.Tools
	c.toolsMu.Unlock()

	c.connected = true
	c.generation++
	return nil
}

// readLoop is the sole consumer of inbound frames for one transport.
func (c *Client) readLoop(t Transport) {
	for raw := range t.Messages() {
		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			slog.Debug("mcp.recv.malformed", "server", c.name, "error", err)
			continue
		}
		switch {
		case env.ID != nil && env.Method == "":
			c.routeResponse(&Response{JSONRPC: env.JSONRPC, ID: *env.ID, Result: env.Result, Error: env.Error})
		case env.Method != "":
			c.handleServerMessage(t, &env)
		}
	}
	c.handleDisconnect(t)
}

func (c *Client) routeResponse(resp *Response) {
	c.pendingMu.Lock()
	ch, ok := c.pending[resp.ID]
	if ok {
		delete(c.pending, resp.ID)
	}
	c.pendingMu.Unlock()
	if !ok {
		slog.Debug("mcp.recv.orphan", "server", c.name, "id", resp.ID)
		return
	}
	ch <- resp
}

// handleServerMessage answers server-to-client requests (only ping is
// supported) and logs notifications.
func (c *Client) handleServerMessage(t Transport, env *envelope) {
	if env.ID == nil {
		slog.Debug("mcp.notification", "server", c.name, "method", env.Method)
		return
	}
	reply := Response{JSONRPC: "2.0", ID: *env.ID}
	if env.Method == methodPing {
		reply.Result = json.RawMessage(`{}`)
	} else {
		reply.Error = &RPCError{Code: -32601, Message: "method not found"}
	}
	data, err := json.Marshal(reply)
	if err != nil {
		return
	}
	c.writeMu.Lock()
	t.Send(context.Background(), data)
	c.writeMu.Unlock()
}

// handleDisconnect fails every in-flight waiter so callers see the
// broken connection instead of hanging.
func (c *Client) handleDisconnect(t Transport) {
	var cause error
	select {
	case cause = <-t.Err():
	default:
		cause = errors.New("transport closed")
	}

	c.pendingMu.Lock()
	waiters := c.pending
	c.pending = make(map[int64]chan *Response)
	c.pendingMu.Unlock()
	for _, ch := range waiters {
		close(ch)
	}
	if len(waiters) > 0 {
		slog.Warn("mcp.pending.failed", "server", c.name, "count", len(waiters), "cause", cause)
	}

	c.mu.Lock()
	if c.transport == t {
		c.connected = false
	}
	c.mu.Unlock()
}

func (c *Client) dropWaiter(id int64) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

// callOn sends one request on the given transport and waits for the
// matching response. The waiter goes into the pending map before the
// write so the read loop can never race past it.
func (c *Client) callOn(ctx context.Context, t Transport, method string, params any, out any) error {
	id := c.nextID.Add(1)
	ch := make(chan *Response, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()

	data, err := json.Marshal(Request{JSONRPC: "2.0", ID: &id, Method: method, Params: params})
	if err != nil {
		c.dropWaiter(id)
		return fault.Wrap(fault.Permanent, "mcp.call", err)
	}

	c.writeMu.Lock()
	err = t.Send(ctx, data)
	c.writeMu.Unlock()
	if err != nil {
		c.dropWaiter(id)
		return err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return fault.Newf(fault.Transient, "%s: connection lost before reply to %s", c.name, method)
		}
		if resp.Error != nil {
			return resp.Error
		}
		if out != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, out); err != nil {
				return fault.Wrap(fault.Permanent, "mcp.call", err)
			}
		}
		return nil
	case <-ctx.Done():
		c.dropWaiter(id)
		return fault.Wrap(fault.KindOf(ctx.Err()), "mcp.call", ctx.Err())
	}
}

// notifyOn sends a notification (no id, no reply).
func (c *Client) notifyOn(ctx context.Context, t Transport, method string) error {
	data, err := json.Marshal(Request{JSONRPC: "2.0", Method: method})
	if err != nil {
		return fault.Wrap(fault.Permanent, "mcp.notify", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return t.Send(ctx, data)
}

func (c *Client) call(ctx context.Context, method string, params any, out any) error {
	c.mu.Lock()
	t, ok, closed := c.transport, c.connected, c.closed
	c.mu.Unlock()
	if closed {
		return fault.Newf(fault.Permanent, "%s: client closed", c.name)
	}
	if t == nil || !ok {
		return fault.Newf(fault.Transient, "%s: not connected", c.name)
	}
	return c.callOn(ctx, t, method, params, out)
}

// callRetry reconnects once on a transient failure and re-issues the
// current call exactly once. JSON-RPC errors are answers, not outages,
// and never trigger a reconnect.
func (c *Client) callRetry(ctx context.Context, method string, params any, out any) error {
	gen := c.currentGeneration()
	err := c.call(ctx, method, params, out)
	if err == nil || !fault.IsRetryable(err) || ctx.Err() != nil {
		return err
	}
	slog.Warn("mcp.call.retry", "server", c.name, "method", method, "error", err)
	if rerr := c.reconnect(ctx, gen); rerr != nil {
		return err
	}
	return c.call(ctx, method, params, out)
}

func (c *Client) currentGeneration() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}

// reconnect tears the session down and dials again with exponential
// backoff, giving up after the configured number of attempts. If
// another goroutine already reconnected past sinceGen, it is a no-op.
func (c *Client) reconnect(ctx context.Context, sinceGen uint64) error {
	c.reconnectMu.Lock()
	defer c.reconnectMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fault.Newf(fault.Permanent, "%s: client closed", c.name)
	}
	if c.connected && c.generation > sinceGen {
		c.mu.Unlock()
		return nil
	}
	old := c.transport
	c.transport = nil
	c.connected = false
	c.mu.Unlock()
	if old != nil {
		old.Close()
	}

	var lastErr error
	for attempt := 1; attempt <= c.opts.MaxReconnects; attempt++ {
		backoff := c.opts.ReconnectBackoff * time.Duration(1<<uint(attempt-1))
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return fault.Wrap(fault.KindOf(ctx.Err()), "mcp.reconnect", ctx.Err())
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return fault.Newf(fault.Permanent, "%s: client closed", c.name)
		}
		err := c.connectLocked(ctx)
		c.mu.Unlock()
		if err == nil {
			slog.Info("mcp.server.reconnected", "server", c.name, "attempt", attempt)
			return nil
		}
		lastErr = err
		slog.Warn("mcp.reconnect.attempt_failed", "server", c.name, "attempt", attempt, "error", err)
	}
	return fault.Wrap(fault.Transient, "mcp.reconnect",
		fmt.Errorf("%s: gave up after %d attempts: %w", c.name, c.opts.MaxReconnects, lastErr))
}

// Reconnect forces a fresh session, used by the health loop after a
// failed ping.
func (c *Client) Reconnect(ctx context.Context) error {
	return c.reconnect(ctx, c.currentGeneration())
}

// Connected reports whether the last handshake completed and the
// transport has not failed since.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// ServerInfo returns the identity the server reported at initialize.
func (c *Client) ServerInfo() Implementation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverInfo
}

// Tools returns the tool list cached at connect time.
func (c *Client) Tools() []Tool {
	c.toolsMu.RLock()
	defer c.toolsMu.RUnlock()
	out := make([]Tool, len(c.tools))
	copy(out, c.tools)
	return out
}

// RefreshTools re-queries tools/list and updates the cache.
func (c *Client) RefreshTools(ctx context.Context) ([]Tool, error) {
	var lt listToolsResult
	if err := c.callRetry(ctx, methodListTools, struct{}{}, &lt); err != nil {
		return nil, err
	}
	c.toolsMu.Lock()
	c.tools = lt.Tools
	c.toolsMu.Unlock()
	return lt.Tools, nil
}

// CallTool invokes a remote tool. JSON-RPC error responses become a
// failed result rather than an error; only transport-level failures
// surface as errors.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (*CallToolResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
	defer cancel()

	var res CallToolResult
	err := c.callRetry(callCtx, methodCallTool, callToolParams{Name: name, Arguments: args}, &res)
	if err != nil {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) {
			return &CallToolResult{
				IsError: true,
				Content: []Content{{Type: "text", Text: rpcErr.Message}},
			}, nil
		}
		return nil, err
	}
	return &res, nil
}

// ListResources queries resources/list.
func (c *Client) ListResources(ctx context.Context) ([]Resource, error) {
	var res listResourcesResult
	if err := c.callRetry(ctx, methodListResources, struct{}{}, &res); err != nil {
		return nil, err
	}
	return res.Resources, nil
}

// ReadResource queries resources/read for one URI.
func (c *Client) ReadResource(ctx context.Context, uri string) (*ReadResourceResult, error) {
	var res ReadResourceResult
	if err := c.callRetry(ctx, methodReadResource, readResourceParams{URI: uri}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ListPrompts queries prompts/list.
func (c *Client) ListPrompts(ctx context.Context) ([]Prompt, error) {
	var res listPromptsResult
	if err := c.callRetry(ctx, methodListPrompts, struct{}{}, &res); err != nil {
		return nil, err
	}
	return res.Prompts, nil
}

// GetPrompt renders one prompt with arguments.
func (c *Client) GetPrompt(ctx context.Context, name string, args map[string]string) (*GetPromptResult, error) {
	var res GetPromptResult
	if err := c.callRetry(ctx, methodGetPrompt, getPromptParams{Name: name, Arguments: args}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Ping checks liveness. Servers predating the ping method answer with
// "method not found", which still proves the connection works.
func (c *Client) Ping(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	err := c.call(pingCtx, methodPing, struct{}{}, nil)
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		if rpcErr.Code == -32601 || strings.Contains(strings.ToLower(rpcErr.Message), "method not found") {
			return nil
		}
	}
	return err
}

// Close tears down the transport; in-flight calls fail and no
// reconnect is attempted until Connect is called again.
func (c *Client) Close() error {
	c.mu.Lock()
	t := c.transport
	c.transport = nil
	c.connected = false
	c.closed = true
	c.mu.Unlock()
	if t != nil {
		return t.Close()
	}
	return nil
}
