package mcp

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"

	"github.com/notemill/notemill/internal/fault"
)

// StdioTransport runs a server as a child process and exchanges
// newline-delimited JSON over its stdin/stdout. Stderr is drained to
// debug logs so a chatty server cannot block.
type StdioTransport struct {
	serverName string
	command    string
	args       []string
	env        map[string]string

	cmd   *exec.Cmd
	stdin io.WriteCloser

	messages chan []byte
	ready    chan struct{}
	errCh    chan error

	closeOnce sync.Once
}

// NewStdioTransport prepares a child-process transport. Start launches
// the command; env entries are appended to the parent environment.
func NewStdioTransport(serverName, command string, args []string, env map[string]string) *StdioTransport {
	return &StdioTransport{
		serverName: serverName,
		command:    command,
		args:       args,
		env:        env,
		messages:   make(chan []byte, 16),
		ready:      make(chan struct{}),
		errCh:      make(chan error, 1),
	}
}

func (t *StdioTransport) Start(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, t.command, t.args...)
	cmd.Env = os.Environ()
	for k, v := range t.env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fault.Wrap(fault.Permanent, "mcp.stdio.start", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fault.Wrap(fault.Permanent, "mcp.stdio.start", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fault.Wrap(fault.Permanent, "mcp.stdio.start", err)
	}

	if err := cmd.Start(); err != nil {
		return fault.Wrap(fault.Permanent, "mcp.stdio.start",
			fmt.Errorf("spawn %s: %w", t.command, err))
	}
	t.cmd = cmd
	t.stdin = stdin

	go t.readLoop(stdout)
	go t.drainStderr(stderr)

	// A pipe transport is writable as soon as the process is up.
	close(t.ready)
	return nil
}

func (t *StdioTransport) readLoop(stdout io.Reader) {
	defer close(t.messages)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxFrameBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		frame := make([]byte, len(line))
		copy(frame, line)
		t.messages <- frame
	}

	err := scanner.Err()
	if err == nil {
		err = io.EOF
	}
	select {
	case t.errCh <- fault.Wrap(fault.Transient, "mcp.stdio.read", err):
	default:
	}
}

func (t *StdioTransport) drainStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 16*1024), maxFrameBytes)
	for scanner.Scan() {
		slog.Debug("mcp.stdio.stderr", "server", t.serverName, "line", scanner.Text())
	}
}

// Send writes one frame followed by a newline. Callers serialize
// writes; the transport does not lock.
func (t *StdioTransport) Send(_ context.Context, data []byte) error {
	if t.stdin == nil {
		return fault.New(fault.Transient, "stdio transport not started")
	}
	if _, err := t.stdin.Write(append(data, '\n')); err != nil {
		return fault.Wrap(fault.Transient, "mcp.stdio.send", err)
	}
	return nil
}

func (t *StdioTransport) Messages() <-chan []byte { return t.messages }
func (t *StdioTransport) Ready() <-chan struct{}  { return t.ready }
func (t *StdioTransport) Err() <-chan error       { return t.errCh }

// Close shuts stdin so well-behaved servers exit, then kills the
// process and reaps it.
func (t *StdioTransport) Close() error {
	t.closeOnce.Do(func() {
		if t.stdin != nil {
			t.stdin.Close()
		}
		if t.cmd != nil && t.cmd.Process != nil {
			t.cmd.Process.Kill()
			t.cmd.Wait()
		}
	})
	return nil
}
