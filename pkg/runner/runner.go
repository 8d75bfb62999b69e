// Package runner sequences one configuration batch against one device:
// resolve the equipment profile, open a session, run the entry, main and
// exit phases, and aggregate the outcomes into a report. The session is
// torn down on every path out of a batch.
package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/nce-project/nce/pkg/lg"
	"github.com/nce-project/nce/pkg/profile"
	"github.com/nce-project/nce/pkg/shell"
)

// DefaultDelay is the pause between consecutive commands. It keeps slow
// devices from interleaving one command's tail output into the next
// command's read window.
const DefaultDelay = 1 * time.Second

// Session is the slice of shell.Session the runner needs. Tests inject
// scripted fakes; production uses real SSH sessions.
type Session interface {
	Execute(command string, timeout time.Duration) (shell.Result, error)
	SetMatcher(m shell.PromptMatcher)
	Close() error
}

// DialFunc opens a session for a batch. The default performs a single dial
// with no retry; callers that want retry policy inject their own.
type DialFunc func(ctx context.Context, cfg shell.Config, logger lg.Logger) (Session, error)

func defaultDial(ctx context.Context, cfg shell.Config, logger lg.Logger) (Session, error) {
	return shell.Dial(ctx, cfg, logger)
}

// BatchRequest is one execution request: an ordered list of finalized
// command strings for one device. Placeholder substitution happens
// upstream; commands arrive literal.
type BatchRequest struct {
	Commands      []string
	EquipmentType string
	Device        shell.Config
	Delay         time.Duration
}

// Report aggregates one batch. SuccessfulCommands always equals the number
// of successful results across all phases; Success reflects only the entry
// and main phases, since the exit sequence is best-effort cleanup.
type Report struct {
	EquipmentType      string         `json:"equipmentType" bson:"equipmentType"`
	TotalCommands      int            `json:"totalCommands" bson:"totalCommands"`
	SuccessfulCommands int            `json:"successfulCommands" bson:"successfulCommands"`
	Results            []shell.Result `json:"results" bson:"results"`
	Success            bool           `json:"success" bson:"success"`
	Error              string         `json:"error,omitempty" bson:"error,omitempty"`
}

// Runner executes batches. Safe for concurrent use: each Run owns its own
// session and the registry is immutable.
type Runner struct {
	registry *profile.Registry
	dial     DialFunc
	logger   lg.Logger
	delay    time.Duration
}

func New(registry *profile.Registry, logger lg.Logger) *Runner {
	if logger == nil {
		logger = lg.Discard
	}
	return &Runner{
		registry: registry,
		dial:     defaultDial,
		logger:   logger,
		delay:    DefaultDelay,
	}
}

// SetDial replaces the dial function. Used by services to inject a
// resilient dialer and by tests to inject fakes.
func (r *Runner) SetDial(dial DialFunc) {
	if dial != nil {
		r.dial = dial
	}
}

// Run executes one batch. The returned error is non-nil only when the
// session could not be established at all; every other failure mode is
// carried inside the report.
func (r *Runner) Run(ctx context.Context, req BatchRequest) (Report, error) {
	p := r.registry.Resolve(req.EquipmentType)
	logger := r.logger.With(
		lg.String("device", req.Device.Addr),
		lg.String("equipmentType", p.Type))

	report := Report{
		EquipmentType: p.Type,
		TotalCommands: len(req.Commands),
	}

	sess, err := r.dial(ctx, req.Device, r.logger)
	if err != nil {
		logger.Error("connection failed", lg.Err(err))
		report.Error = err.Error()
		return report, err
	}
	defer func() {
		if cerr := sess.Close(); cerr != nil {
			logger.Warn("session close failed", lg.Err(cerr))
		}
	}()

	if p.PromptExpr != "" {
		m, merr := shell.NewRegexpMatcher(p.PromptExpr)
		if merr != nil {
			logger.Warn("bad prompt expression, keeping default matcher", lg.Err(merr))
		} else {
			sess.SetMatcher(m)
		}
	}

	delay := req.Delay
	if delay == 0 {
		delay = r.delay
	}

	// Configuration-entry phase: fail fast, later entry commands assume
	// the earlier ones succeeded.
	entryOK := true
	for _, cmd := range p.EntryCommands {
		res, execErr := sess.Execute(cmd, req.Device.CommandTimeout)
		report.Results = append(report.Results, res)
		if execErr != nil {
			return r.abort(&report, logger, "entry", execErr), nil
		}
		if !res.Success {
			logger.Warn("entry command failed, skipping main phase",
				lg.String("command", cmd), lg.String("reason", res.Reason))
			entryOK = false
			break
		}
		if err := sleep(ctx, delay); err != nil {
			return r.abort(&report, logger, "entry", err), nil
		}
	}

	// Main phase: commands are typically independent, so one failure does
	// not stop the rest. Commands already issued during entry are skipped.
	mainOK := true
	if entryOK {
		entrySet := make(map[string]struct{}, len(p.EntryCommands))
		for _, cmd := range p.EntryCommands {
			entrySet[cmd] = struct{}{}
		}
		for _, cmd := range req.Commands {
			if _, dup := entrySet[cmd]; dup {
				logger.Debug("skipping duplicate of entry command", lg.String("command", cmd))
				continue
			}
			res, execErr := sess.Execute(cmd, req.Device.CommandTimeout)
			report.Results = append(report.Results, res)
			if execErr != nil {
				return r.abort(&report, logger, "main", execErr), nil
			}
			if !res.Success {
				mainOK = false
			}
			if err := sleep(ctx, delay); err != nil {
				return r.abort(&report, logger, "main", err), nil
			}
		}
	}

	// Exit/commit phase: always attempted to bring the device back to a
	// consistent baseline. Outcomes here never change overall success.
	for _, cmd := range p.ExitCommands {
		res, execErr := sess.Execute(cmd, req.Device.CommandTimeout)
		report.Results = append(report.Results, res)
		if execErr != nil {
			return r.abort(&report, logger, "exit", execErr), nil
		}
		if err := sleep(ctx, delay); err != nil {
			return r.abort(&report, logger, "exit", err), nil
		}
	}

	report.Success = entryOK && mainOK
	report.SuccessfulCommands = countSuccessful(report.Results)
	logger.Info("batch finished",
		lg.Bool("success", report.Success),
		lg.Int("commands", report.TotalCommands),
		lg.Int("successful", report.SuccessfulCommands))
	return report, nil
}

// abort finalizes a report after a fatal mid-batch failure (dead stream or
// canceled context). Remaining phases are skipped; teardown still runs via
// the deferred close in Run.
func (r *Runner) abort(report *Report, logger lg.Logger, phase string, err error) Report {
	report.Error = fmt.Sprintf("aborted during %s phase: %v", phase, err)
	report.Success = false
	report.SuccessfulCommands = countSuccessful(report.Results)
	logger.Error("batch aborted", lg.String("phase", phase), lg.Err(err))
	return *report
}

func countSuccessful(results []shell.Result) int {
	n := 0
	for _, res := range results {
		if res.Success {
			n++
		}
	}
	return n
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
