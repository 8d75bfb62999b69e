package runner_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nce-project/nce/pkg/lg"
	"github.com/nce-project/nce/pkg/profile"
	"github.com/nce-project/nce/pkg/runner"
	"github.com/nce-project/nce/pkg/shell"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSession scripts per-command outcomes and records what a batch did to
// it: order of execution and number of Close calls.
type fakeSession struct {
	failing    map[string]string // command -> failure reason
	fatalOn    string            // command at which Execute returns a fatal error
	executed   []string
	closeCount int
}

func (f *fakeSession) Execute(command string, _ time.Duration) (shell.Result, error) {
	f.executed = append(f.executed, command)
	if command == f.fatalOn {
		return shell.Result{Command: command}, shell.ErrSessionClosed
	}
	if reason, ok := f.failing[command]; ok {
		return shell.Result{
			Command: command,
			Output:  "% " + reason,
			Success: false,
			Reason:  shell.ReasonRejected,
		}, nil
	}
	return shell.Result{Command: command, Output: "edge-1(config)#", Success: true}, nil
}

func (f *fakeSession) SetMatcher(shell.PromptMatcher) {}

func (f *fakeSession) Close() error {
	f.closeCount++
	return nil
}

func newTestRunner(sess *fakeSession) *runner.Runner {
	r := runner.New(profile.NewRegistry(lg.Discard), lg.Discard)
	r.SetDial(func(context.Context, shell.Config, lg.Logger) (runner.Session, error) {
		return sess, nil
	})
	return r
}

func request(commands ...string) runner.BatchRequest {
	return runner.BatchRequest{
		Commands:      commands,
		EquipmentType: profile.CiscoIOS,
		Delay:         time.Millisecond,
	}
}

func TestRunAllPhasesSucceed(t *testing.T) {
	sess := &fakeSession{}
	r := newTestRunner(sess)

	report, err := r.Run(context.Background(), request("hostname edge-1", "ip domain-name lab.local"))
	require.NoError(t, err)

	assert.True(t, report.Success)
	assert.Equal(t, profile.CiscoIOS, report.EquipmentType)
	assert.Equal(t, 2, report.TotalCommands)
	// entry (enable, configure terminal) + main (2) + exit (end, exit)
	assert.Equal(t,
		[]string{"enable", "configure terminal", "hostname edge-1", "ip domain-name lab.local", "end", "exit"},
		sess.executed)
	assert.Equal(t, 6, report.SuccessfulCommands)
	assert.Equal(t, 1, sess.closeCount)
}

func TestRunEntryFailureSkipsMainRunsExit(t *testing.T) {
	sess := &fakeSession{failing: map[string]string{"enable": "access denied"}}
	r := newTestRunner(sess)

	report, err := r.Run(context.Background(), request("hostname edge-1", "no ip domain-lookup"))
	require.NoError(t, err)

	assert.False(t, report.Success)
	// Only the first entry command plus both exit commands were attempted.
	assert.Equal(t, []string{"enable", "end", "exit"}, sess.executed)
	require.Len(t, report.Results, 3)
	assert.Equal(t, 2, report.SuccessfulCommands)
	assert.Equal(t, 1, sess.closeCount)
}

func TestRunMainPhaseContinuesOnError(t *testing.T) {
	sess := &fakeSession{failing: map[string]string{"bad command": "invalid input"}}
	r := newTestRunner(sess)

	report, err := r.Run(context.Background(), request("first", "bad command", "third"))
	require.NoError(t, err)

	assert.False(t, report.Success, "a failed main command fails the batch")
	assert.Contains(t, sess.executed, "first")
	assert.Contains(t, sess.executed, "bad command")
	assert.Contains(t, sess.executed, "third", "failure must not stop later commands")

	// Exactly two of the three main commands succeeded.
	mainResults := report.Results[2:5]
	succeeded := 0
	for _, res := range mainResults {
		if res.Success {
			succeeded++
		}
	}
	assert.Equal(t, 2, succeeded)

	// Entry (2) + main successes (2) + exit (2).
	assert.Equal(t, 6, report.SuccessfulCommands)
}

func TestRunSkipsCommandsDuplicatingEntryPhase(t *testing.T) {
	sess := &fakeSession{}
	r := newTestRunner(sess)

	report, err := r.Run(context.Background(), request("configure terminal", "hostname edge-1"))
	require.NoError(t, err)

	assert.True(t, report.Success)
	occurrences := 0
	for _, cmd := range sess.executed {
		if cmd == "configure terminal" {
			occurrences++
		}
	}
	assert.Equal(t, 1, occurrences, "entry-phase duplicate must be executed only once")
}

func TestRunExitFailureDoesNotChangeSuccess(t *testing.T) {
	sess := &fakeSession{failing: map[string]string{"end": "cannot leave config mode"}}
	r := newTestRunner(sess)

	report, err := r.Run(context.Background(), request("hostname edge-1"))
	require.NoError(t, err)

	assert.True(t, report.Success, "exit-phase outcomes never gate overall success")
	assert.Contains(t, sess.executed, "end")
	assert.Contains(t, sess.executed, "exit")
}

func TestRunFatalTransportErrorAbortsAndTearsDown(t *testing.T) {
	sess := &fakeSession{fatalOn: "second"}
	r := newTestRunner(sess)

	report, err := r.Run(context.Background(), request("first", "second", "third"))
	require.NoError(t, err)

	assert.False(t, report.Success)
	assert.Contains(t, report.Error, "main phase")
	assert.NotContains(t, sess.executed, "third", "remaining phases abort on a dead session")
	assert.NotContains(t, sess.executed, "end", "exit phase aborts on a dead session")
	assert.Equal(t, 1, sess.closeCount, "teardown runs exactly once even on abort")

	// Partial results survive alongside the top-level error.
	assert.NotEmpty(t, report.Results)
	assert.Equal(t, countSuccesses(report.Results), report.SuccessfulCommands)
}

func TestRunConnectionFailure(t *testing.T) {
	r := runner.New(profile.NewRegistry(lg.Discard), lg.Discard)
	connErr := &shell.ConnectError{Addr: "10.0.0.1", User: "admin", Err: errors.New("handshake failed")}
	r.SetDial(func(context.Context, shell.Config, lg.Logger) (runner.Session, error) {
		return nil, connErr
	})

	report, err := r.Run(context.Background(), request("hostname edge-1"))
	require.Error(t, err)
	assert.ErrorContains(t, err, "10.0.0.1")
	assert.ErrorContains(t, err, "admin")
	assert.Empty(t, report.Results)
	assert.False(t, report.Success)
	assert.NotEmpty(t, report.Error)
}

func TestRunUnknownEquipmentTypeUsesDefault(t *testing.T) {
	sess := &fakeSession{}
	r := newTestRunner(sess)

	req := request("hostname edge-1")
	req.EquipmentType = "frobnitz_os"
	report, err := r.Run(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, profile.DefaultType, report.EquipmentType)
	assert.Equal(t, "enable", sess.executed[0])
}

func TestRunMikrotikHasNoBracketingPhases(t *testing.T) {
	sess := &fakeSession{}
	r := newTestRunner(sess)

	req := request("/system identity set name=edge-1")
	req.EquipmentType = profile.Mikrotik
	report, err := r.Run(context.Background(), req)
	require.NoError(t, err)

	assert.True(t, report.Success)
	assert.Equal(t, []string{"/system identity set name=edge-1"}, sess.executed)
}

func TestReportInvariantSuccessfulCount(t *testing.T) {
	sess := &fakeSession{failing: map[string]string{"bad": "invalid"}}
	r := newTestRunner(sess)

	report, err := r.Run(context.Background(), request("good", "bad"))
	require.NoError(t, err)
	assert.Equal(t, countSuccesses(report.Results), report.SuccessfulCommands)
}

func countSuccesses(results []shell.Result) int {
	n := 0
	for _, res := range results {
		if res.Success {
			n++
		}
	}
	return n
}
