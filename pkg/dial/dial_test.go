package dial_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nce-project/nce/pkg/dial"
	"github.com/nce-project/nce/pkg/lg"
	"github.com/nce-project/nce/pkg/runner"
	"github.com/nce-project/nce/pkg/shell"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSession struct{}

func (stubSession) Execute(string, time.Duration) (shell.Result, error) {
	return shell.Result{Success: true}, nil
}
func (stubSession) SetMatcher(shell.PromptMatcher) {}
func (stubSession) Close() error                   { return nil }

func TestNewResilientRetriesUntilSuccess(t *testing.T) {
	attempts := 0
	base := func(context.Context, shell.Config, lg.Logger) (runner.Session, error) {
		attempts++
		if attempts < 3 {
			return nil, errors.New("connection refused")
		}
		return stubSession{}, nil
	}

	d := dial.NewResilient(base)
	sess, err := d(context.Background(), shell.Config{Addr: "192.0.2.1"}, lg.Discard)
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, 3, attempts)
}

func TestNewResilientHonorsContextCancel(t *testing.T) {
	base := func(context.Context, shell.Config, lg.Logger) (runner.Session, error) {
		return nil, errors.New("connection refused")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d := dial.NewResilient(base)
	_, err := d(ctx, shell.Config{Addr: "192.0.2.1"}, lg.Discard)
	assert.Error(t, err)
}
