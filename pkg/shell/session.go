// Package shell drives one interactive remote shell over SSH. It exposes a
// command/response primitive on top of unframed, prompt-delimited text:
// command boundaries are inferred from prompt characters in the accumulated
// output, bounded by explicit timeouts on every blocking operation.
package shell

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/nce-project/nce/pkg/lg"
)

const (
	defaultPort           = 22
	defaultConnectTimeout = 30 * time.Second
	defaultCommandTimeout = 10 * time.Second

	// settleDelay lets stale output drain before a command is written.
	defaultSettleDelay = 500 * time.Millisecond

	// warm-up after the channel opens: pause, then a bounded read to
	// absorb login banners and the first prompt.
	defaultWarmupDelay  = 2 * time.Second
	defaultWarmupWindow = 3 * time.Second

	// chunkIdle bounds a single read wait inside the accumulate loop.
	chunkIdle   = 500 * time.Millisecond
	readBufSize = 1024
)

// failureKeywords classify a command as failed when any of them appears in
// the case-folded output. Lexical only; no semantic understanding.
var failureKeywords = []string{"error", "invalid", "failed", "incorrect", "%"}

// ErrSessionClosed is returned by Execute once the underlying stream is
// dead (closed locally or disconnected by the device).
var ErrSessionClosed = errors.New("shell: session closed")

// ConnectError reports a failure to establish the session. The batch never
// starts; this layer does not retry.
type ConnectError struct {
	Addr string
	User string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("cannot connect to device %s as user %s: %v", e.Addr, e.User, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// Config carries everything needed to open one session. Credentials are
// request-scoped: no package-level connection state.
type Config struct {
	Addr     string
	Port     int
	User     string
	Password string
	KeyPath  string

	ConnectTimeout time.Duration
	CommandTimeout time.Duration
	SettleDelay    time.Duration
	WarmupDelay    time.Duration
	WarmupWindow   time.Duration
}

func (c Config) withDefaults() Config {
	if c.Port == 0 {
		c.Port = defaultPort
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
	if c.CommandTimeout == 0 {
		c.CommandTimeout = defaultCommandTimeout
	}
	if c.SettleDelay == 0 {
		c.SettleDelay = defaultSettleDelay
	}
	if c.WarmupDelay == 0 {
		c.WarmupDelay = defaultWarmupDelay
	}
	if c.WarmupWindow == 0 {
		c.WarmupWindow = defaultWarmupWindow
	}
	return c
}

// Result is one command's outcome. Immutable once produced.
type Result struct {
	Command string `json:"command" bson:"command"`
	Output  string `json:"output" bson:"output"`
	Success bool   `json:"success" bson:"success"`
	Reason  string `json:"reason,omitempty" bson:"reason,omitempty"`
}

// ReasonTimeout is the classification for a read window that elapsed
// without a recognizable prompt.
const ReasonTimeout = "timeout"

// ReasonRejected is the classification for output carrying a failure keyword.
const ReasonRejected = "failure keyword detected in command output"

// session lifecycle states
type state int

const (
	stateDisconnected state = iota
	stateConnecting
	stateConnected
	stateReady
	stateAwaitingOutput
	stateDisconnecting
)

func (s state) String() string {
	switch s {
	case stateDisconnected:
		return "disconnected"
	case stateConnecting:
		return "connecting"
	case stateConnected:
		return "connected"
	case stateReady:
		return "ready"
	case stateAwaitingOutput:
		return "awaiting-output"
	case stateDisconnecting:
		return "disconnecting"
	}
	return "unknown"
}

// conn is the closable transport under a session. Production sessions wrap
// an *ssh.Client; tests inject fakes that count Close calls.
type conn interface {
	io.Closer
	Wait() error
}

type readChunk struct {
	data []byte
	err  error
}

// Session owns exactly one interactive shell on one device. It must be used
// by a single goroutine: commands are strictly sequential because prompt
// detection cannot disambiguate interleaved responses on one text stream.
type Session struct {
	cfg     Config
	logger  lg.Logger
	matcher PromptMatcher

	conn   conn
	stdin  io.WriteCloser
	chunks chan readChunk
	done   chan struct{}

	state     state
	dead      bool
	closeOnce sync.Once
	closeErr  error
}

// sshConn adapts an established ssh client/session pair to conn.
type sshConn struct {
	client *ssh.Client
	sess   *ssh.Session
	pw     *io.PipeWriter
}

func (c *sshConn) Close() error {
	_ = c.sess.Close()
	_ = c.pw.Close()
	return c.client.Close()
}

func (c *sshConn) Wait() error { return c.client.Wait() }

// Dial connects, authenticates, opens an interactive channel with a vt100
// PTY and drains the login banner. On any failure the session ends up
// disconnected and a *ConnectError is returned; no retry at this layer.
func Dial(ctx context.Context, cfg Config, logger lg.Logger) (*Session, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = lg.Discard
	}
	logger = logger.With(lg.String("device", cfg.Addr), lg.String("user", cfg.User))

	if err := ctx.Err(); err != nil {
		return nil, &ConnectError{Addr: cfg.Addr, User: cfg.User, Err: err}
	}

	auth, err := authMethods(cfg)
	if err != nil {
		return nil, &ConnectError{Addr: cfg.Addr, User: cfg.User, Err: err}
	}

	clientCfg := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         cfg.ConnectTimeout,
		BannerCallback:  func(string) error { return nil },
	}

	logger.Debug("connecting", lg.String("state", stateConnecting.String()))
	addr := net.JoinHostPort(cfg.Addr, strconv.Itoa(cfg.Port))
	client, err := ssh.Dial("tcp", addr, clientCfg)
	if err != nil {
		return nil, &ConnectError{Addr: cfg.Addr, User: cfg.User, Err: err}
	}

	sess, err := client.NewSession()
	if err != nil {
		_ = client.Close()
		return nil, &ConnectError{Addr: cfg.Addr, User: cfg.User, Err: fmt.Errorf("open channel: %w", err)}
	}

	// Combine stdout and stderr into one stream; device CLIs interleave
	// them on the terminal anyway.
	pr, pw := io.Pipe()
	sess.Stdout = pw
	sess.Stderr = pw

	stdin, err := sess.StdinPipe()
	if err != nil {
		_ = pw.Close()
		_ = sess.Close()
		_ = client.Close()
		return nil, &ConnectError{Addr: cfg.Addr, User: cfg.User, Err: fmt.Errorf("stdin pipe: %w", err)}
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := sess.RequestPty("vt100", 50, 200, modes); err != nil {
		_ = stdin.Close()
		_ = pw.Close()
		_ = sess.Close()
		_ = client.Close()
		return nil, &ConnectError{Addr: cfg.Addr, User: cfg.User, Err: fmt.Errorf("request pty: %w", err)}
	}
	if err := sess.Shell(); err != nil {
		_ = stdin.Close()
		_ = pw.Close()
		_ = sess.Close()
		_ = client.Close()
		return nil, &ConnectError{Addr: cfg.Addr, User: cfg.User, Err: fmt.Errorf("start shell: %w", err)}
	}

	s := &Session{
		cfg:     cfg,
		logger:  logger,
		matcher: DefaultMatcher,
		conn:    &sshConn{client: client, sess: sess, pw: pw},
		stdin:   stdin,
		chunks:  make(chan readChunk, 64),
		done:    make(chan struct{}),
		state:   stateConnected,
	}
	go s.pump(pr)

	// Warm-up drain: let the device print its banner and first prompt,
	// then absorb it so it does not pollute the first command's output.
	time.Sleep(cfg.WarmupDelay)
	banner, _, _ := s.readUntil(cfg.WarmupWindow)
	s.logger.Debug("session ready",
		lg.String("state", stateReady.String()),
		lg.String("initialOutput", banner))
	s.state = stateReady

	return s, nil
}

func authMethods(cfg Config) ([]ssh.AuthMethod, error) {
	var auth []ssh.AuthMethod
	if cfg.Password != "" {
		auth = append(auth, ssh.Password(cfg.Password))
	}
	if cfg.KeyPath != "" {
		key, err := os.ReadFile(cfg.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("unable to read private key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("unable to parse private key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if len(auth) == 0 {
		return nil, errors.New("either a password or a key path is required")
	}
	return auth, nil
}

// SetMatcher replaces the prompt matcher. Call before the first command.
func (s *Session) SetMatcher(m PromptMatcher) {
	if m != nil {
		s.matcher = m
	}
}

// pump reads the combined output stream into the chunk channel so the
// accumulate loop can apply timeouts with a select.
func (s *Session) pump(r io.Reader) {
	buf := make([]byte, readBufSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			select {
			case s.chunks <- readChunk{data: data}:
			case <-s.done:
				return
			}
		}
		if err != nil {
			select {
			case s.chunks <- readChunk{err: err}:
			case <-s.done:
			}
			return
		}
	}
}

// readUntil accumulates output until the prompt matcher fires or the window
// elapses, whichever comes first. It returns the buffer, whether a prompt
// was seen, and any stream error encountered.
func (s *Session) readUntil(window time.Duration) (string, bool, error) {
	var buf strings.Builder
	deadline := time.NewTimer(window)
	defer deadline.Stop()
	idle := time.NewTimer(chunkIdle)
	defer idle.Stop()

	for {
		idle.Reset(chunkIdle)
		select {
		case ch := <-s.chunks:
			if ch.err != nil {
				s.dead = true
				return buf.String(), false, ch.err
			}
			buf.Write(ch.data)
			if s.matcher.Match(buf.String()) {
				return buf.String(), true, nil
			}
		case <-idle.C:
			// No data in this chunk window; the prompt may already be
			// sitting in the buffer from a previous chunk boundary.
			if buf.Len() > 0 && s.matcher.Match(buf.String()) {
				return buf.String(), true, nil
			}
		case <-deadline.C:
			return buf.String(), false, nil
		}
	}
}

// Send writes one command terminated by CRLF (required by most device CLIs)
// and reads until a prompt or the timeout. The returned flag reports
// whether a prompt terminator was seen.
func (s *Session) Send(command string, timeout time.Duration) (string, bool, error) {
	if s.dead || s.state == stateDisconnected || s.state == stateDisconnecting {
		return "", false, ErrSessionClosed
	}
	if timeout <= 0 {
		timeout = s.cfg.CommandTimeout
	}

	// Give any stale output from the previous command a moment to drain.
	time.Sleep(s.cfg.SettleDelay)

	s.state = stateAwaitingOutput
	defer func() { s.state = stateReady }()

	s.logger.Debug("sending command", lg.String("command", command))
	if _, err := io.WriteString(s.stdin, command+"\r\n"); err != nil {
		return "", false, fmt.Errorf("write command: %w", err)
	}

	output, prompted, err := s.readUntil(timeout)
	if err != nil {
		return output, prompted, fmt.Errorf("read output: %w", err)
	}
	return output, prompted, nil
}

// Execute runs one command and classifies its outcome. Classification is
// lexical: the command failed iff its case-folded output contains a failure
// keyword. A read window that elapses without a prompt is reported as a
// timeout; a transport error is recorded on the result without terminating
// the session. The returned error is non-nil only when the session is
// already dead, which the orchestrator treats as fatal for the batch.
func (s *Session) Execute(command string, timeout time.Duration) (Result, error) {
	output, prompted, err := s.Send(command, timeout)
	if err != nil {
		if errors.Is(err, ErrSessionClosed) {
			return Result{Command: command, Success: false, Reason: err.Error()}, ErrSessionClosed
		}
		// Transport hiccup: record it and keep the session; if the stream
		// is really gone the next command will fail with ErrSessionClosed.
		return Result{
			Command: command,
			Output:  output,
			Success: false,
			Reason:  err.Error(),
		}, nil
	}

	// Keyword classification first: rejected output often carries no
	// prompt terminator at all ("% Invalid input detected"), and a device
	// complaint is more useful to report than the missing prompt.
	lowered := strings.ToLower(output)
	for _, kw := range failureKeywords {
		if strings.Contains(lowered, kw) {
			return Result{
				Command: command,
				Output:  output,
				Success: false,
				Reason:  ReasonRejected,
			}, nil
		}
	}

	if !prompted {
		return Result{
			Command: command,
			Output:  output,
			Success: false,
			Reason:  ReasonTimeout,
		}, nil
	}
	return Result{Command: command, Output: output, Success: true}, nil
}

// Alive reports whether the stream is still usable.
func (s *Session) Alive() bool {
	return !s.dead && s.state != stateDisconnected && s.state != stateDisconnecting
}

// Close tears the session down: write side first, then the connection,
// then waits for it to fully close. Idempotent; the underlying transport
// is closed exactly once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.state = stateDisconnecting
		close(s.done)
		if s.stdin != nil {
			_ = s.stdin.Close()
		}
		if s.conn != nil {
			s.closeErr = s.conn.Close()
			_ = s.conn.Wait()
		}
		s.state = stateDisconnected
		s.logger.Debug("session closed", lg.String("state", stateDisconnected.String()))
	})
	return s.closeErr
}
