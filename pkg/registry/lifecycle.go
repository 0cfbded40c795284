package registry

import "fmt"

// TransitionRule defines an allowed agent status transition.
type TransitionRule struct {
	From AgentStatus
	To   AgentStatus
}

// DefaultTransitions defines the allowed agent status transitions. Retired is
// terminal.
var DefaultTransitions = []TransitionRule{
	{From: StatusQuarantined, To: StatusActive},
	{From: StatusActive, To: StatusQuarantined},
	{From: StatusActive, To: StatusSuspended},
	{From: StatusSuspended, To: StatusActive},
	{From: StatusQuarantined, To: StatusSuspended},
	{From: StatusSuspended, To: StatusQuarantined},
	{From: StatusActive, To: StatusRetired},
	{From: StatusQuarantined, To: StatusRetired},
	{From: StatusSuspended, To: StatusRetired},
}

// LifecycleMachine validates agent status transitions.
type LifecycleMachine struct {
	transitions []TransitionRule
}

// NewLifecycleMachine creates a machine with default rules.
func NewLifecycleMachine() *LifecycleMachine {
	return &LifecycleMachine{transitions: DefaultTransitions}
}

// ValidateTransition checks if a transition from->to is allowed.
// Returns nil if allowed, a *TransitionError otherwise.
func (m *LifecycleMachine) ValidateTransition(from, to AgentStatus) error {
	if from == to {
		return nil
	}
	if from == StatusRetired {
		return &TransitionError{
			Code:    "AGENT_RETIRED",
			From:    from,
			To:      to,
			Message: "agent is retired; retired agents cannot change status",
		}
	}
	for _, t := range m.transitions {
		if t.From == from && t.To == to {
			return nil
		}
	}
	return &TransitionError{
		Code:    "AGENT_INVALID_TRANSITION",
		From:    from,
		To:      to,
		Message: fmt.Sprintf("no transition defined from %s to %s", from, to),
	}
}

// AllowedTransitions returns all valid target states from the given state.
func (m *LifecycleMachine) AllowedTransitions(from AgentStatus) []AgentStatus {
	var allowed []AgentStatus
	for _, t := range m.transitions {
		if t.From == from {
			allowed = append(allowed, t.To)
		}
	}
	return allowed
}

// TransitionError is a structured error for invalid transitions.
type TransitionError struct {
	Code    string      `json:"code"`
	From    AgentStatus `json:"from"`
	To      AgentStatus `json:"to"`
	Message string      `json:"message"`
}

func (e *TransitionError) Error() string {
	return e.Message
}
