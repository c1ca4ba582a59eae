// Package lifecycle implements the pipeline stage state machine.
package lifecycle

import (
	"fmt"

	"github.com/dwsmith1983/rollout/pkg/types"
)

// Start is the state before any stage has run.
const Start types.Stage = ""

// Transition table: from -> allowed tos. Every stage may jump straight to
// notify when it fails; notify is terminal.
var validTransitions = map[types.Stage][]types.Stage{
	Start:                    {types.StagePrerequisites, types.StageNotify},
	types.StagePrerequisites: {types.StageDependencies, types.StageNotify},
	types.StageDependencies:  {types.StageTests, types.StageNotify},
	types.StageTests:         {types.StageBuild, types.StageNotify},
	types.StageBuild:         {types.StageBackup, types.StageNotify},
	types.StageBackup:        {types.StageActivation, types.StageNotify},
	types.StageActivation:    {types.StageNotify},
	types.StageNotify:        {},
}

// CanTransition checks if moving from one stage to another is valid.
func CanTransition(from, to types.Stage) bool {
	allowed, ok := validTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// Transition validates a stage change, or returns an error if it is invalid.
func Transition(from, to types.Stage) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("invalid transition from %q to %q", from, to)
	}
	return nil
}

// IsTerminal returns true if no stage may follow.
func IsTerminal(stage types.Stage) bool {
	return stage == types.StageNotify
}

// Tracker follows a single run through the stage sequence.
type Tracker struct {
	current types.Stage
}

// Current returns the stage most recently entered.
func (t *Tracker) Current() types.Stage { return t.current }

// Enter moves the tracker to stage. Since the table only moves forward, a
// stage can never be entered twice.
func (t *Tracker) Enter(stage types.Stage) error {
	if err := Transition(t.current, stage); err != nil {
		return err
	}
	t.current = stage
	return nil
}
