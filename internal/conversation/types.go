// Package conversation holds the single-session conversation state machine.
// It separates committed history (finalized user/therapist exchanges) from
// the user's pending question buffer, and serializes turn processing with a
// session-scoped lock.
package conversation

import (
	"time"
)

// Role identifies a message participant.
type Role string

const (
	RoleUser       Role = "user"
	RoleTherapist  Role = "therapist"
	RoleSupervisor Role = "supervisor"
	RoleSystem     Role = "system"
)

// Message is one conversation entry. Messages are immutable once created.
type Message struct {
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
	// PromptRef identifies the prompt used to produce an assistant message.
	PromptRef string `json:"prompt_ref,omitempty"`
	// Pending marks the synthetic trailing message representing a question
	// that has not been committed yet. Only set on display projections.
	Pending bool `json:"pending,omitempty"`
	// StageTransition marks system messages announcing a stage change so
	// model context builders can exclude them.
	StageTransition bool `json:"stage_transition,omitempty"`
}

// NewMessage creates a message with the given role and text.
func NewMessage(role Role, text string) Message {
	return Message{Role: role, Text: text, Timestamp: time.Now()}
}

// NewUserMessage creates a user message.
func NewUserMessage(text string) Message {
	return NewMessage(RoleUser, text)
}

// NewTherapistMessage creates a therapist message tagged with the prompt
// that produced it.
func NewTherapistMessage(text, promptRef string) Message {
	m := NewMessage(RoleTherapist, text)
	m.PromptRef = promptRef
	return m
}

// NewStageTransitionMessage creates a system message announcing a stage change.
func NewStageTransitionMessage(text string) Message {
	m := NewMessage(RoleSystem, text)
	m.StageTransition = true
	return m
}

// Stats reports conversation metrics for the display layer.
type Stats struct {
	CommittedExchanges int  `json:"committed_exchanges"`
	CommittedMessages  int  `json:"committed_messages"`
	HasPendingQuestion bool `json:"has_pending_question"`
	PendingLength      int  `json:"pending_length"`
	Processing         bool `json:"processing"`
}

// WithoutStageTransitions filters stage-transition system messages out of a
// history slice. Model context builders use this so agents never see the
// UI-facing transition announcements.
func WithoutStageTransitions(history []Message) []Message {
	out := make([]Message, 0, len(history))
	for _, m := range history {
		if m.StageTransition {
			continue
		}
		out = append(out, m)
	}
	return out
}
