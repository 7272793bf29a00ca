// Package lifecycle implements the guarded finite state machine for a
// negotiation thread. The machine only knows legal (state, trigger) pairs;
// evaluating guard conditions (round caps, validation results, confidence
// thresholds) is the orchestrator's job.
package lifecycle

import (
	"fmt"
	"time"

	"github.com/g960059/dealgate/internal/model"
)

// InvalidTransitionError reports a trigger fired from a state with no
// matching edge in the transition table. The machine's state is unchanged.
type InvalidTransitionError struct {
	From    model.ThreadState
	Trigger model.Trigger
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("%s: no transition from %q on %q", model.ErrInvalidTransition, e.From, e.Trigger)
}

type edge struct {
	from    model.ThreadState
	trigger model.Trigger
}

var transitions = map[edge]model.ThreadState{
	{model.StateAwaitingReply, model.TriggerCounterReply}:       model.StateCounterReceived,
	{model.StateAwaitingReply, model.TriggerAcceptanceReply}:    model.StateAgreed,
	{model.StateAwaitingReply, model.TriggerRejectionReply}:     model.StateRejected,
	{model.StateAwaitingReply, model.TriggerReplyTimeout}:       model.StateStalled,
	{model.StateCounterReceived, model.TriggerCounterValidated}: model.StateCounterSent,
	{model.StateCounterReceived, model.TriggerEscalate}:         model.StateEscalated,
	{model.StateCounterSent, model.TriggerDispatched}:           model.StateAwaitingReply,
	{model.StateEscalated, model.TriggerHumanApproved}:          model.StateAwaitingReply,
	{model.StateEscalated, model.TriggerHumanDeclined}:          model.StateRejected,
}

// Machine holds the current state of one thread plus the append-only
// transition history accumulated during this process's ownership of it.
type Machine struct {
	threadID string
	state    model.ThreadState
	history  []model.TransitionRecord
}

// New starts a machine at the beginning of the lifecycle.
func New(threadID string) *Machine {
	return Restore(threadID, model.StateAwaitingReply)
}

// Restore resumes a machine at a persisted state.
func Restore(threadID string, state model.ThreadState) *Machine {
	return &Machine{threadID: threadID, state: state}
}

func (m *Machine) State() model.ThreadState {
	return m.state
}

// History returns the transitions recorded by this machine instance, in
// order. The returned slice is a copy.
func (m *Machine) History() []model.TransitionRecord {
	out := make([]model.TransitionRecord, len(m.history))
	copy(out, m.history)
	return out
}

// Fire applies one trigger atomically. It returns the new state, or an
// InvalidTransitionError if the table has no edge for the current state and
// trigger, in which case the state is unchanged.
func (m *Machine) Fire(trigger model.Trigger, now time.Time) (model.ThreadState, error) {
	next, ok := transitions[edge{m.state, trigger}]
	if !ok {
		return m.state, &InvalidTransitionError{From: m.state, Trigger: trigger}
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}
	m.history = append(m.history, model.TransitionRecord{
		ThreadID: m.threadID,
		From:     m.state,
		Trigger:  trigger,
		To:       next,
		At:       now,
	})
	m.state = next
	return next, nil
}

// CanFire reports whether the table has an edge for the current state and
// trigger without mutating anything.
func (m *Machine) CanFire(trigger model.Trigger) bool {
	_, ok := transitions[edge{m.state, trigger}]
	return ok
}

// Triggers lists every trigger that appears in the transition table.
// Used by closure tests and by API input validation.
func Triggers() []model.Trigger {
	return []model.Trigger{
		model.TriggerCounterReply,
		model.TriggerAcceptanceReply,
		model.TriggerRejectionReply,
		model.TriggerReplyTimeout,
		model.TriggerCounterValidated,
		model.TriggerEscalate,
		model.TriggerDispatched,
		model.TriggerHumanApproved,
		model.TriggerHumanDeclined,
	}
}

// States lists every state that appears in the transition table.
func States() []model.ThreadState {
	return []model.ThreadState{
		model.StateAwaitingReply,
		model.StateCounterReceived,
		model.StateCounterSent,
		model.StateEscalated,
		model.StateAgreed,
		model.StateRejected,
		model.StateStalled,
	}
}
