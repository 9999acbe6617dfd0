package engine

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/secflow-io/secflow/pkg/models"
)

// ErrInvalidTransition indicates an attempted state change outside the
// transition table. Undefined transitions are rejected, never coerced.
var ErrInvalidTransition = errors.New("invalid workflow transition")

// transitionTable enumerates every permitted state change. The engine
// validates each transition against this table before persisting it.
var transitionTable = map[models.WorkflowState][]models.WorkflowState{
	models.StatePending:          {models.StateScanningDone},
	models.StateScanningDone:     {models.StateRiskAssessment},
	models.StateRiskAssessment:   {models.StateDecision},
	models.StateDecision:         {models.StateRemediation, models.StateAwaitingApproval, models.StateIgnored},
	models.StateAwaitingApproval: {models.StateRemediation, models.StateRejectedFinal},
	models.StateRemediation:      {models.StateCompleted, models.StateFailed},
	models.StateFailed:           {models.StatePending, models.StateAwaitingApproval},
}

// CanTransition reports whether from -> to appears in the transition table.
func CanTransition(from, to models.WorkflowState) bool {
	return slices.Contains(transitionTable[from], to)
}

// Transitions returns the permitted outgoing transitions from a state.
func Transitions(from models.WorkflowState) []models.WorkflowState {
	return slices.Clone(transitionTable[from])
}

// transition applies a table-validated state change to the in-memory
// workflow. The caller persists it through the store's version check.
func transition(workflow *models.Workflow, to models.WorkflowState) error {
	if !CanTransition(workflow.State, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, workflow.State, to)
	}

	now := time.Now().UTC()
	workflow.State = to
	workflow.UpdatedAt = now

	if to.Terminal() {
		workflow.CompletedAt = &now
	}

	return nil
}

// forceFail is the administrative override for cancellation and unrecoverable
// internal errors: it moves any non-terminal workflow to failed without
// consulting the table. Terminal workflows are left untouched.
func forceFail(workflow *models.Workflow) error {
	if workflow.State.Terminal() {
		return fmt.Errorf("%w: %s is terminal", ErrInvalidTransition, workflow.State)
	}

	now := time.Now().UTC()
	workflow.State = models.StateFailed
	workflow.UpdatedAt = now

	return nil
}
