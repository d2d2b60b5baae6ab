// Package workflow composes backup and restore operations as chains of
// named stages, generalizing the step-by-step orchestrator the teacher
// used for cloning (setup/run/close per step) into a declarative chain
// with symmetric teardown.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/vbp1/pgbackup/internal/debug"
	"github.com/vbp1/pgbackup/internal/errs"
)

// Stage is one link in an operation's chain. Setup prepares resources;
// Execute does the stage's work; Teardown releases whatever Setup
// acquired and always runs if Setup succeeded, regardless of whether
// Execute (or a later stage) failed.
type Stage struct {
	Name     string
	Setup    func(ctx context.Context, st *State) error
	Execute  func(ctx context.Context, st *State) error
	Teardown func(ctx context.Context, st *State) error
}

// State carries values produced by earlier stages to later ones and to
// teardown. Stages agree on key names by convention; State itself is
// just a typed bag.
type State struct {
	values map[string]any
}

func NewState() *State {
	return &State{values: make(map[string]any)}
}

func (s *State) Set(key string, v any) { s.values[key] = v }

func (s *State) Get(key string) (any, bool) {
	v, ok := s.values[key]
	return v, ok
}

// StageError reports which stage failed and how, per §7's
// (error_kind, stage_name) propagation contract. Kind is one of the
// errs package's error kinds.
type StageError struct {
	Stage string
	Kind  string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %s: %v", e.Stage, e.Kind, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// stageErrorFor wraps err as a StageError, pulling the real error_kind out
// of an *errs.Error when the failing stage produced one, and falling back
// to "internal" for a plain error.
func stageErrorFor(stage string, err error) *StageError {
	var e *errs.Error
	if errors.As(err, &e) {
		return &StageError{Stage: stage, Kind: e.Kind.String(), Err: err}
	}
	return &StageError{Stage: stage, Kind: "internal", Err: err}
}

// Chain is an ordered sequence of stages executed as one operation.
type Chain struct {
	Name   string
	Stages []Stage
	Logger *slog.Logger
}

// Run executes every stage's Setup then Execute in order, stopping at
// the first failure. Teardown is run for every stage whose Setup
// completed, in reverse order, regardless of success, matching §4.11's
// "teardown is run for every stage that completed setup, in reverse
// order, regardless of success."
func (c *Chain) Run(ctx context.Context, st *State) error {
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var setupOK []Stage
	var runErr error

stages:
	for _, stage := range c.Stages {
		debug.StopIf(c.Name + ":" + stage.Name)

		if stage.Setup != nil {
			if err := stage.Setup(ctx, st); err != nil {
				runErr = stageErrorFor(stage.Name, err)
				break stages
			}
		}
		setupOK = append(setupOK, stage)

		if stage.Execute != nil {
			if err := stage.Execute(ctx, st); err != nil {
				runErr = stageErrorFor(stage.Name, err)
				break stages
			}
		}

		select {
		case <-ctx.Done():
			runErr = &StageError{Stage: stage.Name, Kind: "cancelled", Err: ctx.Err()}
			break stages
		default:
		}
	}

	for i := len(setupOK) - 1; i >= 0; i-- {
		stage := setupOK[i]
		if stage.Teardown == nil {
			continue
		}
		if err := stage.Teardown(ctx, st); err != nil {
			logger.Warn("stage teardown failed", "chain", c.Name, "stage", stage.Name, "err", err)
		}
	}

	if runErr != nil {
		logger.Error("chain failed", "chain", c.Name, "err", runErr)
	}
	return runErr
}
