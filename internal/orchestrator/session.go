package orchestrator

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fyrsmithlabs/dialogd/internal/conversation"
	"github.com/fyrsmithlabs/dialogd/internal/stage"
)

// Session aggregates one conversation's state: the state machine, the
// current stage and per-role native-memory bookkeeping. Orchestration runs
// on a session are serialized by the state machine's processing flag;
// independent sessions proceed fully in parallel.
type Session struct {
	ID        string
	State     *conversation.State
	CreatedAt time.Time

	mu               sync.RWMutex
	stageID          string
	supervisorCalled bool
	therapistCalled  bool
	convIDs          map[conversation.Role]string
	delivered        map[conversation.Role]string
}

// NewSession creates a session positioned on the graph's first stage.
func NewSession(stages *stage.Graph) *Session {
	s := &Session{
		ID:        uuid.NewString(),
		State:     conversation.NewState(),
		CreatedAt: time.Now(),
		convIDs:   make(map[conversation.Role]string),
		delivered: make(map[conversation.Role]string),
	}
	if first, ok := stages.First(); ok {
		s.stageID = first.ID
	}
	return s
}

// StageID returns the current stage id.
func (s *Session) StageID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stageID
}

func (s *Session) setStage(id string) {
	s.mu.Lock()
	s.stageID = id
	s.mu.Unlock()
}

// markCalled records that a role's model has been called and reports whether
// this was the first call of the session, which memory reconstruction needs
// for native-memory providers.
func (s *Session) markCalled(role conversation.Role) (firstCall bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch role {
	case conversation.RoleSupervisor:
		firstCall = !s.supervisorCalled
		s.supervisorCalled = true
	case conversation.RoleTherapist:
		firstCall = !s.therapistCalled
		s.therapistCalled = true
	}
	return firstCall
}

// conversationID returns the provider-side conversation id opened for a
// role, empty if none yet.
func (s *Session) conversationID(role conversation.Role) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.convIDs[role]
}

func (s *Session) setConversationID(role conversation.Role, id string) {
	s.mu.Lock()
	s.convIDs[role] = id
	s.mu.Unlock()
}

// deliveredPrompt returns the last system+stage prompt pushed into a role's
// provider-side conversation. Stage advances change the resolved prompt, and
// a native conversation only ever saw the one it was opened with.
func (s *Session) deliveredPrompt(role conversation.Role) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.delivered[role]
}

func (s *Session) setDeliveredPrompt(role conversation.Role, p string) {
	s.mu.Lock()
	s.delivered[role] = p
	s.mu.Unlock()
}

// Retreat moves the session back one stage, a manual override for when the
// dialogue advanced prematurely. It is a no-op on the first stage and fails
// while a turn is in flight.
func (s *Session) Retreat(stages *stage.Graph) (stage.Definition, error) {
	if s.State.IsProcessing() {
		return stage.Definition{}, conversation.ErrAlreadyProcessing
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := stages.Previous(s.stageID)
	if !ok {
		cur, _ := stages.ByID(s.stageID)
		return cur, nil
	}
	s.stageID = prev.ID
	return prev, nil
}

// Reset clears conversation history and returns the session to the first
// stage. It fails while a turn is in flight.
func (s *Session) Reset(stages *stage.Graph) error {
	if err := s.State.Reset(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if first, ok := stages.First(); ok {
		s.stageID = first.ID
	}
	s.supervisorCalled = false
	s.therapistCalled = false
	s.convIDs = make(map[conversation.Role]string)
	s.delivered = make(map[conversation.Role]string)
	return nil
}
