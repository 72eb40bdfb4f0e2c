// Package rpc drives a line-delimited JSON-RPC session with a server
// process over its standard streams.
//
// A Session has exactly one request in flight at a time. Call and
// CallSequence hold the session lock for the whole round trip and there is
// no other way to send, so responses can never be reordered.
package rpc

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/roach88/context-compat/internal/log"
	"github.com/roach88/context-compat/internal/proc"
)

// DefaultCallTimeout bounds one round trip when Config.CallTimeout is zero.
const DefaultCallTimeout = 10 * time.Second

// closeGrace is how long Close waits for the server to exit after its
// stdin is closed before killing it.
const closeGrace = 2 * time.Second

// waitDelay bounds how long reaping a dead server waits for descendants
// that inherited its stderr.
const waitDelay = 2 * time.Second

// Config describes the server process.
type Config struct {
	Binary string
	Args   []string
	Env    map[string]string
	Dir    string

	// CallTimeout bounds each request/response round trip.
	CallTimeout time.Duration

	Logger *log.Logger
}

// Session is one connection to one server process.
type Session struct {
	cfg    Config
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *os.File
	stderr *lockedBuffer

	lines    chan []byte
	closing  chan struct{}
	exited   chan struct{}
	readDone chan struct{}
	readErr  error
	waitErr  error

	mu            sync.Mutex
	nextID        int64
	answered      map[string]bool
	broken        error
	notifications int

	closeOnce sync.Once
	closeErr  error
}

// Start spawns the server. A binary that cannot be started yields a
// *proc.SpawnError.
func Start(ctx context.Context, cfg Config) (*Session, error) {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	if cfg.Binary == "" {
		return nil, &proc.SpawnError{Binary: cfg.Binary, Err: errors.New("empty binary path")}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// #nosec G204 -- binary paths come from harness configuration.
	cmd := exec.Command(cfg.Binary, cfg.Args...)
	cmd.Dir = cfg.Dir
	cmd.WaitDelay = waitDelay
	if len(cfg.Env) != 0 {
		cmd.Env = proc.MergeEnv(cmd.Environ(), cfg.Env)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	// The stdout pipe is ours rather than exec's so Close can shut the read
	// end even when a descendant of the server still holds the write end.
	stdout, stdoutW, err := os.Pipe()
	if err != nil {
		_ = stdin.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	cmd.Stdout = stdoutW
	stderr := &lockedBuffer{}
	cmd.Stderr = stderr

	err = cmd.Start()
	_ = stdoutW.Close()
	if err != nil {
		_ = stdout.Close()
		return nil, &proc.SpawnError{Binary: cfg.Binary, Err: err}
	}

	s := &Session{
		cfg:      cfg,
		cmd:      cmd,
		stdin:    stdin,
		stdout:   stdout,
		stderr:   stderr,
		lines:    make(chan []byte, 64),
		closing:  make(chan struct{}),
		exited:   make(chan struct{}),
		readDone: make(chan struct{}),
		answered: make(map[string]bool),
	}
	go s.readLoop()
	go s.reap()

	cfg.Logger.Debug("server started", map[string]any{"binary": cfg.Binary, "pid": cmd.Process.Pid})
	return s, nil
}

// readLoop forwards stdout lines until EOF or until Close shuts the pipe.
// After Close starts it keeps draining so the server never blocks on a full
// pipe.
func (s *Session) readLoop() {
	defer close(s.readDone)
	r := bufio.NewReader(s.stdout)
	for {
		line, err := r.ReadBytes('\n')
		if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
			select {
			case s.lines <- trimmed:
			case <-s.closing:
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.readErr = err
			}
			break
		}
	}
	close(s.lines)
}

// reap waits for the server process. WaitDelay keeps this bounded when the
// server is dead but a descendant still holds its stderr.
func (s *Session) reap() {
	s.waitErr = s.cmd.Wait()
	close(s.exited)
}

// Call sends one request and blocks until the response with the same id
// arrives. Application errors come back in Response.Error with a nil Go
// error. A *ProtocolError or *TimeoutError breaks the session: the server
// is killed and every later call fails with the same error.
func (s *Session) Call(ctx context.Context, method string, params any) (*Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.call(ctx, method, params)
}

// CallSequence sends calls one at a time, in order, holding the session for
// the whole sequence. On failure it returns the responses received so far.
func (s *Session) CallSequence(ctx context.Context, calls []Call) ([]*Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Response, 0, len(calls))
	for _, c := range calls {
		resp, err := s.call(ctx, c.Method, c.Params)
		if err != nil {
			return out, err
		}
		out = append(out, resp)
	}
	return out, nil
}

// Notify sends a notification, which gets no response.
func (s *Session) Notify(method string, params any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.broken != nil {
		return s.broken
	}
	req := struct {
		JSONRPC string `json:"jsonrpc"`
		Method  string `json:"method"`
		Params  any    `json:"params,omitempty"`
	}{Version, method, params}
	return s.write(method, req)
}

func (s *Session) call(ctx context.Context, method string, params any) (*Response, error) {
	if s.broken != nil {
		return nil, s.broken
	}

	s.nextID++
	id := json.RawMessage(strconv.FormatInt(s.nextID, 10))
	if err := s.write(method, Request{JSONRPC: Version, ID: id, Method: method, Params: params}); err != nil {
		return nil, err
	}

	timer := time.NewTimer(s.cfg.CallTimeout)
	defer timer.Stop()

	want := compactID(id)
	for {
		select {
		case line, ok := <-s.lines:
			if !ok {
				return nil, s.fail(&ProtocolError{Kind: KindClosed, Method: method, Detail: s.closedDetail()})
			}
			resp, err := s.match(method, want, line)
			if err != nil {
				return nil, s.fail(err)
			}
			if resp == nil {
				continue
			}
			return resp, nil
		case <-timer.C:
			return nil, s.fail(&TimeoutError{Method: method, Timeout: s.cfg.CallTimeout})
		case <-ctx.Done():
			return nil, s.fail(fmt.Errorf("%s: %w", method, ctx.Err()))
		}
	}
}

// match checks one incoming line against the outstanding id. It returns
// (nil, nil) for lines to skip.
func (s *Session) match(method, want string, line []byte) (*Response, error) {
	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, &ProtocolError{Kind: KindMalformed, Method: method, Detail: "response is not a JSON object", Line: string(line)}
	}
	if env.isNotification() {
		s.notifications++
		s.cfg.Logger.Debug("server notification", map[string]any{"method": env.Method})
		return nil, nil
	}
	if env.JSONRPC != Version {
		return nil, &ProtocolError{Kind: KindMalformed, Method: method, Detail: fmt.Sprintf("jsonrpc is %q, want %q", env.JSONRPC, Version), Line: string(line)}
	}
	if isNullID(env.ID) {
		return nil, &ProtocolError{Kind: KindUnmatchedID, Method: method, Detail: "response has no id", Line: string(line)}
	}

	got := compactID(env.ID)
	if got != want {
		if s.answered[got] {
			return nil, &ProtocolError{Kind: KindIDCollision, Method: method, Detail: fmt.Sprintf("second response for id %s", got), Line: string(line)}
		}
		return nil, &ProtocolError{Kind: KindUnmatchedID, Method: method, Detail: fmt.Sprintf("response id %s does not match request id %s", got, want), Line: string(line)}
	}

	hasResult := len(env.Result) > 0
	hasError := len(env.Error) > 0 && !bytes.Equal(env.Error, []byte("null"))
	if hasResult == hasError {
		return nil, &ProtocolError{Kind: KindMalformed, Method: method, Detail: "response must carry exactly one of result and error", Line: string(line)}
	}

	resp := &Response{JSONRPC: env.JSONRPC, ID: env.ID}
	if hasError {
		var rpcErr Error
		if err := json.Unmarshal(env.Error, &rpcErr); err != nil {
			return nil, &ProtocolError{Kind: KindMalformed, Method: method, Detail: "error member is not an error object", Line: string(line)}
		}
		resp.Error = &rpcErr
	} else {
		resp.Result = env.Result
	}
	s.answered[got] = true
	return resp, nil
}

func (s *Session) write(method string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", method, err)
	}
	if _, err := s.stdin.Write(append(data, '\n')); err != nil {
		return s.fail(&ProtocolError{Kind: KindClosed, Method: method, Detail: "server stopped reading requests: " + err.Error()})
	}
	return nil
}

// fail marks the session broken and kills the server.
func (s *Session) fail(err error) error {
	s.broken = err
	s.cfg.Logger.Warn("session broken", map[string]any{"error": err.Error(), "binary": s.cfg.Binary})
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	return err
}

func (s *Session) closedDetail() string {
	if s.readErr != nil {
		return "reading server output: " + s.readErr.Error()
	}
	select {
	case <-s.exited:
		if s.waitErr != nil {
			return "server exited: " + s.waitErr.Error()
		}
		return "server exited"
	case <-time.After(100 * time.Millisecond):
		return "server closed its output"
	}
}

// Notifications returns how many server notifications were skipped.
func (s *Session) Notifications() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.notifications
}

// Err returns the error that broke the session, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.broken
}

// Stderr returns everything the server wrote to stderr so far.
func (s *Session) Stderr() string {
	return s.stderr.String()
}

// Close ends the session: stdin is closed, the server gets a grace period
// to exit and is then killed. It returns within closeGrace plus waitDelay
// even when descendants of the server keep its output streams open. It is
// safe to call more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		close(s.closing)
		_ = s.stdin.Close()
		defer s.closeStdout()

		select {
		case <-s.exited:
		case <-time.After(closeGrace):
			_ = s.cmd.Process.Kill()
			<-s.exited
			s.closeErr = fmt.Errorf("%s did not exit within %s of stdin closing", s.cfg.Binary, closeGrace)
			return
		}

		s.mu.Lock()
		broken := s.broken
		s.mu.Unlock()
		if broken == nil && s.waitErr != nil {
			s.closeErr = fmt.Errorf("%s exited: %w", s.cfg.Binary, s.waitErr)
		}
	})
	return s.closeErr
}

// closeStdout gives the reader a moment to hit EOF on its own, then shuts
// the read end so a descendant holding the write end cannot pin it.
func (s *Session) closeStdout() {
	select {
	case <-s.readDone:
	case <-time.After(100 * time.Millisecond):
	}
	_ = s.stdout.Close()
	<-s.readDone
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
