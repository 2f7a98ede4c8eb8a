package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/notemill/notemill/internal/fault"
)

// fakeServer scripts an in-memory MCP server shared by the transports
// a client creates across reconnects.
type fakeServer struct {
	mu         sync.Mutex
	tools      []Tool
	calls      []string
	toolCalls  int
	failSends  int  // fail the next N tools/call sends at the transport
	muteCalls  bool // never answer tools/call
	callErr    *RPCError
	pingErr    *RPCError
	replyDelay func() time.Duration
	transports []*fakeTransport
}

type rawReq struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

func (s *fakeServer) factory() Transport {
	t := &fakeTransport{
		srv:      s,
		messages: make(chan []byte, 32),
		ready:    make(chan struct{}),
		errCh:    make(chan error, 1),
	}
	s.mu.Lock()
	s.transports = append(s.transports, t)
	s.mu.Unlock()
	return t
}

func (s *fakeServer) transportCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.transports)
}

func (s *fakeServer) methodCalls(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.calls {
		if m == method {
			n++
		}
	}
	return n
}

// respond computes the scripted reply; nil means stay silent.
func (s *fakeServer) respond(req rawReq) *Response {
	if req.ID == nil {
		return nil
	}
	resp := &Response{JSONRPC: "2.0", ID: *req.ID}
	switch req.Method {
	case methodInitialize:
		resp.Result, _ = json.Marshal(InitializeResult{
			ProtocolVersion: ProtocolVersion,
			ServerInfo:      Implementation{Name: "fake", Version: "0.0.1"},
		})
	case methodListTools:
		s.mu.Lock()
		tools := s.tools
		s.mu.Unlock()
		resp.Result, _ = json.Marshal(listToolsResult{Tools: tools})
	case methodPing:
		s.mu.Lock()
		pingErr := s.pingErr
		s.mu.Unlock()
		if pingErr != nil {
			resp.Error = pingErr
			break
		}
		resp.Result = json.RawMessage(`{}`)
	case methodCallTool:
		s.mu.Lock()
		mute, rpcErr := s.muteCalls, s.callErr
		s.toolCalls++
		s.mu.Unlock()
		if mute {
			return nil
		}
		if rpcErr != nil {
			resp.Error = rpcErr
			break
		}
		var p callToolParams
		json.Unmarshal(req.Params, &p)
		text := fmt.Sprintf("ok:%s", p.Name)
		if n, ok := p.Arguments["n"]; ok {
			text = fmt.Sprintf("ok:%v", n)
		}
		resp.Result, _ = json.Marshal(CallToolResult{Content: []Content{{Type: "text", Text: text}}})
	default:
		resp.Error = &RPCError{Code: -32601, Message: "method not found"}
	}
	return resp
}

// fakeTransport delivers replies synchronously inside Send by default,
// which is the harshest ordering for waiter registration: the response
// exists before Send even returns.
type fakeTransport struct {
	srv      *fakeServer
	messages chan []byte
	ready    chan struct{}
	errCh    chan error

	mu     sync.Mutex
	closed bool
}

func (t *fakeTransport) Start(context.Context) error {
	close(t.ready)
	return nil
}

func (t *fakeTransport) Send(_ context.Context, data []byte) error {
	var req rawReq
	if err := json.Unmarshal(data, &req); err != nil {
		return err
	}

	t.srv.mu.Lock()
	t.srv.calls = append(t.srv.calls, req.Method)
	if req.Method == methodCallTool && t.srv.failSends > 0 {
		t.srv.failSends--
		t.srv.mu.Unlock()
		return fault.New(fault.Transient, "pipe broken")
	}
	delay := t.srv.replyDelay
	t.srv.mu.Unlock()

	resp := t.srv.respond(req)
	if resp == nil {
		return nil
	}
	frame, _ := json.Marshal(resp)
	if delay != nil {
		go func() {
			time.Sleep(delay())
			t.deliver(frame)
		}()
		return nil
	}
	t.deliver(frame)
	return nil
}

func (t *fakeTransport) deliver(frame []byte) {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return
	}
	t.messages <- frame
}

func (t *fakeTransport) die(err error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.mu.Unlock()
	select {
	case t.errCh <- err:
	default:
	}
	close(t.messages)
}

func (t *fakeTransport) Messages() <-chan []byte { return t.messages }
func (t *fakeTransport) Ready() <-chan struct{}  { return t.ready }
func (t *fakeTransport) Err() <-chan error       { return t.errCh }

func (t *fakeTransport) Close() error {
	t.die(errors.New("transport closed"))
	return nil
}

func newTestClient(srv *fakeServer) *Client {
	return NewClient("fake", srv.factory, ClientOptions{
		ConnectTimeout:   time.Second,
		CallTimeout:      2 * time.Second,
		MaxReconnects:    3,
		ReconnectBackoff: 5 * time.Millisecond,
	})
}

func TestConnectHandshake(t *testing.T) {
	srv := &fakeServer{tools: []Tool{{Name: "search"}, {Name: "fetch"}}}
	c := newTestClient(srv)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	srv.mu.Lock()
	got := append([]string(nil), srv.calls...)
	srv.mu.Unlock()
	want := []string{methodInitialize, methodInitializedNf, methodListTools}
	if len(got) != len(want) {
		t.Fatalf("handshake calls = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("handshake calls = %v, want %v", got, want)
		}
	}
	if name := c.ServerInfo().Name; name != "fake" {
		t.Errorf("ServerInfo.Name = %q, want fake", name)
	}
	if tools := c.Tools(); len(tools) != 2 || tools[0].Name != "search" {
		t.Errorf("cached tools = %+v", tools)
	}
	if !c.Connected() {
		t.Error("Connected() = false after handshake")
	}
}

func TestCallToolRoundTrip(t *testing.T) {
	srv := &fakeServer{tools: []Tool{{Name: "echo"}}}
	c := newTestClient(srv)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	res, err := c.CallTool(context.Background(), "echo", map[string]any{"q": "hi"})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if res.IsError {
		t.Fatalf("unexpected tool error: %s", res.Text())
	}
	if res.Text() != "ok:echo" {
		t.Errorf("Text() = %q, want ok:echo", res.Text())
	}
}

func TestSequentialIDsAreMonotone(t *testing.T) {
	srv := &fakeServer{}
	c := newTestClient(srv)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	before := c.nextID.Load()
	for i := 0; i < 3; i++ {
		if _, err := c.CallTool(context.Background(), "t", nil); err != nil {
			t.Fatalf("CallTool %d: %v", i, err)
		}
	}
	if got := c.nextID.Load(); got != before+3 {
		t.Errorf("nextID advanced by %d, want 3", got-before)
	}
}

func TestConcurrentCallsCorrelate(t *testing.T) {
	srv := &fakeServer{
		replyDelay: func() time.Duration {
			return time.Duration(rand.Intn(5)) * time.Millisecond
		},
	}
	c := newTestClient(srv)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	const n = 16
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := c.CallTool(context.Background(), "echo", map[string]any{"n": i})
			if err != nil {
				errs <- err
				return
			}
			if want := fmt.Sprintf("ok:%d", i); res.Text() != want {
				errs <- fmt.Errorf("call %d got %q", i, res.Text())
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestServerErrorBecomesFailedResult(t *testing.T) {
	srv := &fakeServer{callErr: &RPCError{Code: -32000, Message: "backend exploded"}}
	c := newTestClient(srv)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	res, err := c.CallTool(context.Background(), "boom", nil)
	if err != nil {
		t.Fatalf("CallTool returned transport error: %v", err)
	}
	if !res.IsError {
		t.Fatal("expected IsError result")
	}
	if res.Text() != "backend exploded" {
		t.Errorf("Text() = %q", res.Text())
	}
	// an answered error is not an outage: no reconnect
	if n := srv.transportCount(); n != 1 {
		t.Errorf("transports = %d, want 1", n)
	}
}

func TestDisconnectFailsPendingCall(t *testing.T) {
	srv := &fakeServer{muteCalls: true}
	c := newTestClient(srv)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	done := make(chan error, 1)
	go func() {
		_, err := c.CallTool(context.Background(), "hang", nil)
		done <- err
	}()

	// wait until the call is pending, then kill the transport
	deadline := time.After(time.Second)
	for srv.methodCalls(methodCallTool) == 0 {
		select {
		case <-deadline:
			t.Fatal("call never reached the server")
		case <-time.After(time.Millisecond):
		}
	}
	srv.mu.Lock()
	tr := srv.transports[len(srv.transports)-1]
	srv.mu.Unlock()
	tr.die(errors.New("peer went away"))

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected error after disconnect")
		}
		if !fault.Is(err, fault.Transient) {
			t.Errorf("error kind = %v, want Transient: %v", fault.KindOf(err), err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("pending call still hanging after disconnect")
	}
}

func TestReconnectReissuesCallOnce(t *testing.T) {
	srv := &fakeServer{failSends: 1}
	c := newTestClient(srv)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	res, err := c.CallTool(context.Background(), "echo", nil)
	if err != nil {
		t.Fatalf("CallTool after transient failure: %v", err)
	}
	if res.IsError || res.Text() != "ok:echo" {
		t.Errorf("result = %+v", res)
	}
	if n := srv.transportCount(); n < 2 {
		t.Errorf("transports = %d, want a reconnect", n)
	}
	srv.mu.Lock()
	served := srv.toolCalls
	srv.mu.Unlock()
	// the first attempt died in the pipe before reaching the server,
	// so exactly the re-issued call was served
	if served != 1 {
		t.Errorf("server served %d tool calls, want 1", served)
	}
	if sends := srv.methodCalls(methodCallTool); sends != 2 {
		t.Errorf("tools/call send attempts = %d, want 2", sends)
	}
}

func TestPingMethodNotFoundIsHealthy(t *testing.T) {
	srv := &fakeServer{}
	c := newTestClient(srv)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	if err := c.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}

	// servers predating the ping method answer -32601; the connection
	// still works, so that counts as healthy
	srv.mu.Lock()
	srv.pingErr = &RPCError{Code: -32601, Message: "Method not found"}
	srv.mu.Unlock()
	if err := c.Ping(context.Background()); err != nil {
		t.Fatalf("Ping with method-not-found answer: %v", err)
	}

	srv.mu.Lock()
	srv.pingErr = &RPCError{Code: -32000, Message: "internal"}
	srv.mu.Unlock()
	if err := c.Ping(context.Background()); err == nil {
		t.Fatal("expected error from failing ping")
	}
}

func TestCloseStopsReconnects(t *testing.T) {
	srv := &fakeServer{}
	c := newTestClient(srv)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	c.Close()

	_, err := c.CallTool(context.Background(), "echo", nil)
	if err == nil {
		t.Fatal("expected error after Close")
	}
	if fault.IsRetryable(err) {
		t.Errorf("error after Close is retryable: %v", err)
	}
	if n := srv.transportCount(); n != 1 {
		t.Errorf("transports = %d after Close, want 1", n)
	}
}
