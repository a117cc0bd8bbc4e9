package conversation

import (
	"strings"
	"sync"
)

// State is the per-session conversation state machine.
//
// It moves Idle -> Accepting (buffer has text) -> Processing (locked) and
// back to Idle via Commit or to Accepting via Abort. The processing flag is
// the session-scoped mutual exclusion for orchestration runs: while a turn
// is in flight no new input is accepted and the committed history is frozen.
//
// Committed history only ever grows by atomic (user, therapist) pairs, so
// it never contains an orphaned question or reply.
type State struct {
	mu sync.Mutex

	committed       []Message
	currentQuestion string
	processing      bool
}

// NewState creates an empty conversation state.
func NewState() *State {
	return &State{}
}

// AcceptInput adds user text to the pending question buffer.
//
// Returns false without mutating anything if a turn is being processed.
// Empty or whitespace-only input is accepted silently as a no-op. When the
// buffer already holds different text the new text is appended space-joined,
// modeling a burst of quick messages handled as one logical turn; submitting
// the identical text again is a no-op (duplicate-submit protection).
func (s *State) AcceptInput(text string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.processing {
		return false
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return true
	}

	if s.currentQuestion == "" {
		s.currentQuestion = text
		return true
	}
	if s.currentQuestion != text {
		s.currentQuestion += " " + text
	}
	return true
}

// StartProcessing freezes the pending question and flips to Processing.
//
// It returns a copy of the committed history and the frozen question for
// the orchestrator to use. The buffer is not cleared here; it is cleared
// only on Commit so that Abort can preserve it for a retry.
func (s *State) StartProcessing() ([]Message, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.processing {
		return nil, "", ErrAlreadyProcessing
	}
	if strings.TrimSpace(s.currentQuestion) == "" {
		return nil, "", ErrNoPendingQuestion
	}

	s.processing = true
	return s.copyCommitted(), s.currentQuestion, nil
}

// Commit finalizes the in-flight turn, appending the frozen question and
// the therapist reply to committed history as one atomic pair, then clears
// the buffer and the processing flag.
func (s *State) Commit(therapistReply, promptRef string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.processing {
		return ErrNotProcessing
	}
	if s.currentQuestion == "" {
		return ErrNoPendingQuestion
	}
	therapistReply = strings.TrimSpace(therapistReply)
	if therapistReply == "" {
		return ErrEmptyReply
	}

	s.committed = append(s.committed,
		NewUserMessage(s.currentQuestion),
		NewTherapistMessage(therapistReply, promptRef),
	)
	s.currentQuestion = ""
	s.processing = false
	return nil
}

// AppendSystem appends a system message (stage transition announcement) to
// committed history. Only legal while processing, immediately before the
// commit that completes the turn.
func (s *State) AppendSystem(msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.processing {
		return ErrNotProcessing
	}
	s.committed = append(s.committed, msg)
	return nil
}

// Abort cancels the in-flight turn, clearing only the processing flag.
// The question buffer is preserved so the user can retry without data loss.
func (s *State) Abort() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.processing {
		return ErrNotProcessing
	}
	s.processing = false
	return nil
}

// CommittedContext returns a copy of the committed history.
func (s *State) CommittedContext() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.copyCommitted()
}

// CurrentQuestion returns the pending question buffer.
func (s *State) CurrentQuestion() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentQuestion
}

// HasPendingQuestion reports whether a non-empty question is buffered.
func (s *State) HasPendingQuestion() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return strings.TrimSpace(s.currentQuestion) != ""
}

// IsProcessing reports whether a turn is in flight.
func (s *State) IsProcessing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processing
}

// FullConversationForDisplay returns committed history plus, if present, a
// synthetic trailing message for the pending question marked Pending. It is
// a read-only projection and never mutates state.
func (s *State) FullConversationForDisplay() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := s.copyCommitted()
	if strings.TrimSpace(s.currentQuestion) != "" {
		pending := NewUserMessage(s.currentQuestion)
		pending.Pending = true
		out = append(out, pending)
	}
	return out
}

// Stats returns conversation metrics.
func (s *State) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	exchanges := 0
	for _, m := range s.committed {
		if m.Role == RoleUser {
			exchanges++
		}
	}
	return Stats{
		CommittedExchanges: exchanges,
		CommittedMessages:  len(s.committed),
		HasPendingQuestion: strings.TrimSpace(s.currentQuestion) != "",
		PendingLength:      len(s.currentQuestion),
		Processing:         s.processing,
	}
}

// Reset clears all state. It fails while a turn is in flight.
func (s *State) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.processing {
		return ErrResetWhileProcessing
	}
	s.committed = nil
	s.currentQuestion = ""
	return nil
}

func (s *State) copyCommitted() []Message {
	out := make([]Message, len(s.committed))
	copy(out, s.committed)
	return out
}
