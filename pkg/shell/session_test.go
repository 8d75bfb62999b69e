package shell

import (
	"errors"
	"io"
	"testing"
	"time"

	"github.com/nce-project/nce/pkg/lg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn records teardown calls so tests can verify the transport is
// closed exactly once per session.
type fakeConn struct {
	closes int
	waits  int
}

func (c *fakeConn) Close() error { c.closes++; return nil }
func (c *fakeConn) Wait() error  { c.waits++; return nil }

// reply is what the fake device streams back after one write.
type reply struct {
	chunks []string
	err    error
}

// fakeStdin plays the device side: each write consumes the next scripted
// reply and feeds its chunks into the session's read channel.
type fakeStdin struct {
	sess     *Session
	writes   []string
	replies  []reply
	writeErr error
	closed   int
}

func (f *fakeStdin) Write(p []byte) (int, error) {
	if f.writeErr != nil {
		return 0, f.writeErr
	}
	f.writes = append(f.writes, string(p))
	if len(f.replies) > 0 {
		r := f.replies[0]
		f.replies = f.replies[1:]
		for _, c := range r.chunks {
			f.sess.chunks <- readChunk{data: []byte(c)}
		}
		if r.err != nil {
			f.sess.chunks <- readChunk{err: r.err}
		}
	}
	return len(p), nil
}

func (f *fakeStdin) Close() error { f.closed++; return nil }

func newTestSession(replies ...reply) (*Session, *fakeStdin, *fakeConn) {
	conn := &fakeConn{}
	s := &Session{
		cfg: Config{
			CommandTimeout: 50 * time.Millisecond,
		},
		logger:  lg.Discard,
		matcher: DefaultMatcher,
		conn:    conn,
		chunks:  make(chan readChunk, 64),
		done:    make(chan struct{}),
		state:   stateReady,
	}
	stdin := &fakeStdin{sess: s, replies: replies}
	s.stdin = stdin
	return s, stdin, conn
}

func TestExecuteSuccess(t *testing.T) {
	s, stdin, _ := newTestSession(reply{chunks: []string{"Router(config)#"}})

	res, err := s.Execute("hostname edge-1", 0)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "hostname edge-1", res.Command)
	assert.Equal(t, "Router(config)#", res.Output)
	assert.Empty(t, res.Reason)

	// Commands go out with a CRLF terminator.
	require.Len(t, stdin.writes, 1)
	assert.Equal(t, "hostname edge-1\r\n", stdin.writes[0])
}

func TestExecuteRejectedByKeyword(t *testing.T) {
	tests := []struct {
		name   string
		output string
	}{
		{"percent marker", "% Invalid input detected"},
		{"error word", "Error: unknown command\nRouter#"},
		{"failed word", "operation FAILED\nRouter#"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _, _ := newTestSession(reply{chunks: []string{tt.output}})

			res, err := s.Execute("bogus command", 0)
			require.NoError(t, err)
			assert.False(t, res.Success)
			assert.Equal(t, ReasonRejected, res.Reason)
			assert.Equal(t, tt.output, res.Output)
		})
	}
}

func TestExecuteTimeout(t *testing.T) {
	// Output with no prompt terminator and no failure keyword: the read
	// window elapses and the partial buffer is still returned.
	s, _, _ := newTestSession(reply{chunks: []string{"building configuration"}})

	res, err := s.Execute("show running-config", 20*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, ReasonTimeout, res.Reason)
	assert.Equal(t, "building configuration", res.Output)
}

func TestExecuteEarlyTermination(t *testing.T) {
	// A terminator character inside legitimate output ends the read early
	// and truncates the rest. Documented heuristic tradeoff.
	s, _, _ := newTestSession(reply{chunks: []string{"snmp target 10.0.0.1:", "162 set\nRouter#"}})

	res, err := s.Execute("show snmp", 0)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "snmp target 10.0.0.1:", res.Output)
}

func TestExecuteWriteErrorKeepsSession(t *testing.T) {
	s, stdin, _ := newTestSession()
	stdin.writeErr = errors.New("broken pipe")

	res, err := s.Execute("hostname edge-1", 0)
	require.NoError(t, err, "a transport error must not terminate the session by itself")
	assert.False(t, res.Success)
	assert.Contains(t, res.Reason, "broken pipe")
	assert.True(t, s.Alive())
}

func TestExecuteReadErrorMarksSessionDead(t *testing.T) {
	s, _, _ := newTestSession(reply{chunks: []string{"partial"}, err: io.EOF})

	res, err := s.Execute("show version", 0)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Reason, "EOF")

	// The stream is gone: the next command fails fatally.
	_, err = s.Execute("show version", 0)
	assert.ErrorIs(t, err, ErrSessionClosed)
	assert.False(t, s.Alive())
}

func TestCloseIsIdempotent(t *testing.T) {
	s, stdin, conn := newTestSession()

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	assert.Equal(t, 1, conn.closes, "transport must be closed exactly once")
	assert.Equal(t, 1, conn.waits)
	assert.Equal(t, 1, stdin.closed)
}

func TestExecuteAfterCloseFails(t *testing.T) {
	s, _, _ := newTestSession()
	require.NoError(t, s.Close())

	_, err := s.Execute("show version", 0)
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestSetMatcherOverridesPromptDetection(t *testing.T) {
	// "#" would normally end the read; a regexp matcher waits for the
	// full config prompt instead.
	s, _, _ := newTestSession(reply{chunks: []string{"up#time 4 days\n", "edge-1(config)#"}})
	m, err := NewRegexpMatcher(`\(config\)#`)
	require.NoError(t, err)
	s.SetMatcher(m)

	res, execErr := s.Execute("show uptime", 0)
	require.NoError(t, execErr)
	assert.True(t, res.Success)
	assert.Equal(t, "up#time 4 days\nedge-1(config)#", res.Output)
}
