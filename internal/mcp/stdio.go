package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// stopGrace is how long Close waits for the subprocess to exit
	// after its stdin is closed before killing it.
	stopGrace = 5 * time.Second
	// killWait bounds the wait for the reader to finish after a kill.
	killWait = time.Second
)

// StdioTransport communicates with an MCP server running as a
// subprocess. Requests are written to its stdin one JSON message per
// line; a background reader frames JSON values from stdout.
type StdioTransport struct {
	cfg    TransportConfig
	logger *slog.Logger
	grace  time.Duration

	// sem serializes requests. A buffered channel rather than a mutex so
	// waiting honours context cancellation.
	sem chan struct{}

	mu        sync.Mutex
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	pipes     []io.Closer
	inbox     *inbox
	exited    chan struct{}
	connected atomic.Bool
}

// NewStdioTransport creates a stdio transport for the given config.
// The subprocess is not started until Connect.
func NewStdioTransport(cfg TransportConfig) *StdioTransport {
	if cfg.Kind == "" {
		cfg.Kind = KindStdio
	}
	return &StdioTransport{
		cfg:    cfg,
		logger: cfg.logger(),
		grace:  stopGrace,
		sem:    make(chan struct{}, 1),
	}
}

// acquire takes the request slot, honouring ctx.
func (t *StdioTransport) acquire(ctx context.Context) error {
	select {
	case t.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	// Both cases may be ready at once; select picks randomly.
	if err := ctx.Err(); err != nil {
		<-t.sem
		return err
	}
	return nil
}

func (t *StdioTransport) release() {
	<-t.sem
}

// Connect launches the subprocess. Calling Connect on a running
// transport is a no-op. The subprocess outlives ctx; only Close stops it.
func (t *StdioTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.connected.Load() {
		return nil
	}
	if t.cfg.Command == "" {
		return connectionError("command cannot be empty", nil)
	}
	if err := ctx.Err(); err != nil {
		return classify("connect", err)
	}

	t.logger.Info("starting MCP subprocess",
		"command", t.cfg.Command,
		"args", t.cfg.Args,
	)

	cmd := exec.Command(t.cfg.Command, t.cfg.Args...)
	cmd.Env = append(os.Environ(), envList(t.cfg.Env)...)
	detach(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return connectionError("create stdin pipe", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return connectionError("create stdout pipe", err)
	}
	// Capture stderr for logging; it is not part of the protocol.
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return connectionError("create stderr pipe", err)
	}

	if err := cmd.Start(); err != nil {
		stderr.Close()
		stdout.Close()
		stdin.Close()
		return connectionError(fmt.Sprintf("start subprocess %s", t.cfg.Command), err)
	}

	t.cmd = cmd
	t.stdin = stdin
	t.pipes = []io.Closer{stdout, stderr}
	t.inbox = newInbox(t.logger, t.cfg.notify)
	t.exited = make(chan struct{})
	t.connected.Store(true)

	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		t.drainStderr(stderr)
	}()
	go t.readLoop(cmd, stdout, t.inbox, stderrDone, t.exited)

	t.logger.Info("MCP subprocess started", "pid", cmd.Process.Pid)
	return nil
}

// envList renders env as sorted KEY=VALUE pairs.
func envList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// drainStderr reads stderr lines and logs them at debug level.
func (t *StdioTransport) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		t.logger.Debug("MCP subprocess stderr", "line", scanner.Text())
	}
}

// readLoop frames stdout until EOF, then reaps the process. Wait must
// not run before all reads from the pipes have completed.
func (t *StdioTransport) readLoop(cmd *exec.Cmd, stdout io.Reader, box *inbox, stderrDone, exited chan struct{}) {
	f := newFramer(stdout, t.logger)
	var readErr error
	for {
		data, err := f.Next()
		if err != nil {
			readErr = err
			break
		}
		t.logger.Log(context.Background(), levelTrace, "MCP recv", "payload", string(data))
		box.deliver(data)
	}

	<-stderrDone
	waitErr := cmd.Wait()
	t.connected.Store(false)
	if waitErr != nil {
		t.logger.Debug("MCP subprocess exited", "error", waitErr)
		readErr = fmt.Errorf("subprocess exited: %w", waitErr)
	} else {
		t.logger.Debug("MCP subprocess exited")
		if readErr == io.EOF {
			readErr = fmt.Errorf("subprocess exited")
		}
	}
	box.fail(readErr)
	close(exited)
}

// Send writes a request to stdin and waits for its response. Only one
// request is in flight at a time.
func (t *StdioTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	if err := t.acquire(ctx); err != nil {
		return nil, classify("waiting for stdio transport", err)
	}
	defer t.release()

	box, err := t.write(req)
	if err != nil {
		return nil, err
	}
	return box.await(ctx, req.ID)
}

// Notify writes a notification to stdin. No response is expected.
func (t *StdioTransport) Notify(ctx context.Context, notif *Notification) error {
	if err := t.acquire(ctx); err != nil {
		return classify("waiting for stdio transport", err)
	}
	defer t.release()

	_, err := t.write(notif)
	return err
}

func (t *StdioTransport) write(v any) (*inbox, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.connected.Load() || t.stdin == nil {
		return nil, connectionError("stdio transport not connected", nil)
	}

	t.inbox.drain()
	t.logger.Log(context.Background(), levelTrace, "MCP send", "payload", string(data))
	if _, err := t.stdin.Write(append(data, '\n')); err != nil {
		return nil, connectionError("write to subprocess stdin", err)
	}
	return t.inbox, nil
}

// IsConnected reports whether the subprocess is running.
func (t *StdioTransport) IsConnected() bool {
	return t.connected.Load()
}

// Close closes stdin, waits up to five seconds for the subprocess to
// exit, then kills its process group. If a descendant still holds the
// output pipes after the kill, they are closed from this end.
func (t *StdioTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cmd == nil {
		return nil
	}
	cmd, exited, pipes := t.cmd, t.exited, t.pipes
	t.cmd = nil
	t.pipes = nil
	t.connected.Store(false)

	pid := cmd.Process.Pid
	t.logger.Info("stopping MCP subprocess", "pid", pid)

	if t.stdin != nil {
		t.stdin.Close()
		t.stdin = nil
	}

	select {
	case <-exited:
		return nil
	case <-time.After(t.grace):
	}

	t.logger.Warn("MCP subprocess did not exit gracefully, killing", "pid", pid)
	if err := killTree(cmd.Process); err != nil {
		t.logger.Debug("kill MCP subprocess", "pid", pid, "error", err)
	}
	select {
	case <-exited:
		return nil
	case <-time.After(killWait):
	}

	t.logger.Warn("MCP subprocess output still open after kill, closing pipes", "pid", pid)
	for _, p := range pipes {
		p.Close()
	}
	select {
	case <-exited:
	case <-time.After(killWait):
		t.logger.Error("MCP subprocess reader did not stop", "pid", pid)
	}
	return nil
}
