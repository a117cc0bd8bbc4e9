package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/dialogd/internal/conversation"
	"github.com/fyrsmithlabs/dialogd/internal/decision"
	"github.com/fyrsmithlabs/dialogd/internal/llm"
	"github.com/fyrsmithlabs/dialogd/internal/memory"
	"github.com/fyrsmithlabs/dialogd/internal/persistence"
	"github.com/fyrsmithlabs/dialogd/internal/prompt"
	"github.com/fyrsmithlabs/dialogd/internal/safety"
	"github.com/fyrsmithlabs/dialogd/internal/stage"
)

// scriptedClient returns queued responses in order and records every
// request it saw.
type scriptedClient struct {
	mu        sync.Mutex
	responses []string
	requests  []llm.Request
	err       error
	streamed  bool
}

func (c *scriptedClient) Generate(ctx context.Context, req llm.Request) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, req)
	if c.err != nil {
		return "", c.err
	}
	if len(c.responses) == 0 {
		return "", errors.New("no scripted response left")
	}
	resp := c.responses[0]
	c.responses = c.responses[1:]
	return resp, nil
}

func (c *scriptedClient) GenerateStream(ctx context.Context, req llm.Request) (<-chan llm.Chunk, error) {
	c.mu.Lock()
	c.requests = append(c.requests, req)
	c.streamed = true
	err := c.err
	var resp string
	if err == nil && len(c.responses) > 0 {
		resp = c.responses[0]
		c.responses = c.responses[1:]
	}
	c.mu.Unlock()

	out := make(chan llm.Chunk)
	go func() {
		defer close(out)
		if err != nil {
			out <- llm.Chunk{Err: err}
			return
		}
		// Stream word by word to exercise ordering.
		words := strings.SplitAfter(resp, " ")
		for _, w := range words {
			out <- llm.Chunk{Text: w}
		}
	}()
	return out, nil
}

func (c *scriptedClient) lastRequest() llm.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requests[len(c.requests)-1]
}

func (c *scriptedClient) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

// nativeClient scripts a provider with server-side conversation state.
type nativeClient struct {
	scriptedClient
	started []string
	turns   []string
}

func (c *nativeClient) StartConversation(ctx context.Context, systemPrompt string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started = append(c.started, systemPrompt)
	return fmt.Sprintf("conv-%d", len(c.started)), nil
}

func (c *nativeClient) SendTurn(ctx context.Context, conversationID, text string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.turns = append(c.turns, text)
	if len(c.responses) == 0 {
		return "", errors.New("no scripted response left")
	}
	resp := c.responses[0]
	c.responses = c.responses[1:]
	return resp, nil
}

// recordingStore captures persistence calls.
type recordingStore struct {
	mu       sync.Mutex
	messages []string
	stages   []string
	fail     bool
}

func (s *recordingStore) AppendMessage(sessionID, role, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("disk full")
	}
	s.messages = append(s.messages, role+": "+text)
	return nil
}

func (s *recordingStore) UpdateStage(sessionID, stageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("disk full")
	}
	s.stages = append(s.stages, stageID)
	return nil
}

func (s *recordingStore) ReadLog(sessionID string) ([]persistence.Record, error) {
	return nil, nil
}

const (
	stayJSON    = `{"decision":"stay","summary":"s","addressing":"formal","reason":"r","handoff":{},"safety_risk":false}`
	advanceJSON = `{"decision":"advance","summary":"s","addressing":"formal","reason":"r","handoff":{},"safety_risk":false}`
	riskJSON    = `{"decision":"stay","summary":"s","addressing":"formal","reason":"r","handoff":{},"safety_risk":true,"safety_message":"please seek help now"}`
)

func testStages(t *testing.T) *stage.Graph {
	t.Helper()
	g, err := stage.NewGraph([]stage.Definition{
		{ID: "opening", Name: "Opening", Order: 0},
		{ID: "goal-setting", Name: "Goal Setting", Order: 1},
		{ID: "closing", Name: "Closing", Order: 2},
	})
	require.NoError(t, err)
	return g
}

func testPrompts() prompt.Provider {
	return &prompt.StaticProvider{Prompts: map[string]string{
		"supervisor/system.md":       "supervisor persona",
		"supervisor/opening.md":      "evaluate opening",
		"supervisor/goal-setting.md": "evaluate goals",
		"supervisor/closing.md":      "evaluate closing",
		"therapist/system.md":        "therapist persona",
		"therapist/opening.md":       "opening instructions",
		"therapist/goal-setting.md":  "goal instructions",
		"therapist/closing.md":       "closing instructions",
	}}
}

type fixture struct {
	orch       *Orchestrator
	sess       *Session
	supervisor *scriptedClient
	therapist  *scriptedClient
	store      *recordingStore
	stages     *stage.Graph
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	stages := testStages(t)
	strat, err := memory.NewStrategy(memory.NewDefaultConfig(), nil)
	require.NoError(t, err)
	checker, err := safety.NewChecker(safety.NewDefaultConfig(), nil)
	require.NoError(t, err)

	f := &fixture{
		supervisor: &scriptedClient{},
		therapist:  &scriptedClient{},
		store:      &recordingStore{},
		stages:     stages,
	}
	f.orch, err = New(Deps{
		Supervisor: f.supervisor,
		Therapist:  f.therapist,
		Stages:     stages,
		Memory:     strat,
		Parser:     decision.NewParser(nil),
		Safety:     checker,
		Prompts:    testPrompts(),
		Store:      f.store,
	})
	require.NoError(t, err)
	f.sess = NewSession(stages)
	return f
}

func TestNew_MissingDeps(t *testing.T) {
	_, err := New(Deps{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "supervisor client")
}

func TestProcess_StayPath(t *testing.T) {
	f := newFixture(t)
	f.supervisor.responses = []string{stayJSON}
	f.therapist.responses = []string{"What would a good day look like?"}

	result, err := f.orch.Process(context.Background(), f.sess, "I feel stuck at work")
	require.NoError(t, err)

	assert.Equal(t, "opening", result.StageID)
	assert.False(t, result.StageChanged)
	assert.False(t, result.Crisis)
	assert.Equal(t, "What would a good day look like?", result.Reply)
	assert.Equal(t, decision.Stay, result.Decision.Decision)

	// Therapist was prompted with the current stage's instructions.
	assert.Contains(t, f.therapist.lastRequest().SystemPrompt, "opening instructions")

	// Exactly one committed exchange.
	history := f.sess.State.CommittedContext()
	require.Len(t, history, 2)
	assert.Equal(t, conversation.RoleUser, history[0].Role)
	assert.Equal(t, "I feel stuck at work", history[0].Text)
	assert.Equal(t, conversation.RoleTherapist, history[1].Role)
	assert.False(t, f.sess.State.IsProcessing())

	assert.Equal(t, []string{
		"user: I feel stuck at work",
		"therapist: What would a good day look like?",
	}, f.store.messages)
}

func TestProcess_AdvancePath(t *testing.T) {
	f := newFixture(t)
	f.supervisor.responses = []string{advanceJSON}
	f.therapist.responses = []string{"What goal should we focus on?"}

	result, err := f.orch.Process(context.Background(), f.sess, "ready to move on")
	require.NoError(t, err)

	assert.True(t, result.StageChanged)
	assert.Equal(t, "goal-setting", result.StageID)
	assert.Equal(t, "goal-setting", f.sess.StageID())

	// Therapist prompted with the NEW stage's instructions.
	assert.Contains(t, f.therapist.lastRequest().SystemPrompt, "goal instructions")

	// Transition message precedes the committed pair.
	history := f.sess.State.CommittedContext()
	require.Len(t, history, 3)
	assert.Equal(t, conversation.RoleSystem, history[0].Role)
	assert.True(t, history[0].StageTransition)
	assert.Contains(t, history[0].Text, "Goal Setting")

	assert.Equal(t, []string{"goal-setting"}, f.store.stages)
}

func TestProcess_AdvanceAtTerminalStage(t *testing.T) {
	f := newFixture(t)
	f.sess.setStage("closing")
	f.supervisor.responses = []string{advanceJSON}
	f.therapist.responses = []string{"Thank you for today. What will you take with you?"}

	result, err := f.orch.Process(context.Background(), f.sess, "I think we are done")
	require.NoError(t, err)

	assert.False(t, result.StageChanged)
	assert.Equal(t, "closing", result.StageID)
	assert.Empty(t, f.store.stages)
}

func TestProcess_KeywordEscalation_SkipsModels(t *testing.T) {
	f := newFixture(t)

	result, err := f.orch.Process(context.Background(), f.sess, "I want to hurt myself")
	require.NoError(t, err)

	assert.True(t, result.Crisis)
	assert.Contains(t, result.Reply, "988")
	assert.Zero(t, f.supervisor.callCount())
	assert.Zero(t, f.therapist.callCount())

	// Crisis text is committed as the reply so state stays consistent.
	history := f.sess.State.CommittedContext()
	require.Len(t, history, 2)
	assert.Equal(t, conversation.RoleTherapist, history[1].Role)
	assert.Contains(t, history[1].Text, "988")
	assert.False(t, f.sess.State.IsProcessing())
}

func TestProcess_SupervisorSafetyRisk(t *testing.T) {
	f := newFixture(t)
	f.supervisor.responses = []string{riskJSON}

	result, err := f.orch.Process(context.Background(), f.sess, "everything is pointless lately")
	require.NoError(t, err)

	assert.True(t, result.Crisis)
	assert.Equal(t, "please seek help now", result.Reply)
	assert.Zero(t, f.therapist.callCount())
	assert.Equal(t, "opening", f.sess.StageID())
}

func TestProcess_MalformedSupervisorOutput_StillCommits(t *testing.T) {
	f := newFixture(t)
	f.supervisor.responses = []string{"I think the user should advance, no JSON here"}
	f.therapist.responses = []string{"Tell me more about that?"}

	result, err := f.orch.Process(context.Background(), f.sess, "hello")
	require.NoError(t, err)

	// Fallback parsing is conservative: stay, turn completes normally.
	assert.Equal(t, decision.Stay, result.Decision.Decision)
	assert.True(t, result.Decision.Degraded())
	assert.False(t, result.StageChanged)
	require.Len(t, f.sess.State.CommittedContext(), 2)
}

func TestProcess_Busy(t *testing.T) {
	f := newFixture(t)
	require.True(t, f.sess.State.AcceptInput("first question"))
	_, _, err := f.sess.State.StartProcessing()
	require.NoError(t, err)

	_, err = f.orch.Process(context.Background(), f.sess, "second question")
	assert.ErrorIs(t, err, ErrSessionBusy)
	assert.Equal(t, "first question", f.sess.State.CurrentQuestion())
}

func TestProcess_TherapistFailure_AbortsAndPreservesQuestion(t *testing.T) {
	f := newFixture(t)
	f.supervisor.responses = []string{stayJSON, stayJSON}
	f.therapist.err = errors.New("timeout")

	_, err := f.orch.Process(context.Background(), f.sess, "please help me sort this out")
	require.Error(t, err)

	var mce *llm.ModelCallError
	require.ErrorAs(t, err, &mce)
	assert.Equal(t, "therapist", mce.Role)

	// Question preserved, state unlocked, retry succeeds.
	assert.False(t, f.sess.State.IsProcessing())
	assert.Equal(t, "please help me sort this out", f.sess.State.CurrentQuestion())

	f.therapist.err = nil
	f.therapist.responses = []string{"Let's take it one step at a time?"}
	result, err := f.orch.Process(context.Background(), f.sess, "")
	require.NoError(t, err)
	assert.Equal(t, "Let's take it one step at a time?", result.Reply)
}

func TestProcess_SupervisorFailure_Aborts(t *testing.T) {
	f := newFixture(t)
	f.supervisor.err = errors.New("connection refused")

	_, err := f.orch.Process(context.Background(), f.sess, "hello")
	var mce *llm.ModelCallError
	require.ErrorAs(t, err, &mce)
	assert.Equal(t, "supervisor", mce.Role)
	assert.False(t, f.sess.State.IsProcessing())
}

func TestProcess_MissingPrompts_ConfigError(t *testing.T) {
	f := newFixture(t)
	deps := f.orch.deps
	deps.Prompts = &prompt.StaticProvider{Prompts: map[string]string{}}
	orch, err := New(deps)
	require.NoError(t, err)

	_, err = orch.Process(context.Background(), f.sess, "hello")
	var ce *ConfigError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "supervisor", ce.Role)
	assert.False(t, f.sess.State.IsProcessing())
	assert.Equal(t, "hello", f.sess.State.CurrentQuestion())
}

func TestProcess_PersistenceFailure_DoesNotFailTurn(t *testing.T) {
	f := newFixture(t)
	f.store.fail = true
	f.supervisor.responses = []string{stayJSON}
	f.therapist.responses = []string{"And what else?"}

	result, err := f.orch.Process(context.Background(), f.sess, "hello")
	require.NoError(t, err)
	assert.Equal(t, "And what else?", result.Reply)
	require.Len(t, f.sess.State.CommittedContext(), 2)
}

func TestProcessStream_OrderedChunksEqualCommit(t *testing.T) {
	f := newFixture(t)
	f.supervisor.responses = []string{stayJSON}
	f.therapist.responses = []string{"What small change would you notice first?"}

	var chunks []string
	result, err := f.orch.ProcessStream(context.Background(), f.sess, "I want things to improve", func(text string) {
		chunks = append(chunks, text)
	})
	require.NoError(t, err)

	assert.True(t, f.therapist.streamed)
	assert.Greater(t, len(chunks), 1)
	assert.Equal(t, result.Reply, strings.Join(chunks, ""))

	history := f.sess.State.CommittedContext()
	require.Len(t, history, 2)
	assert.Equal(t, result.Reply, history[1].Text)
}

func TestProcessStream_CrisisDeliveredAsChunk(t *testing.T) {
	f := newFixture(t)

	var chunks []string
	result, err := f.orch.ProcessStream(context.Background(), f.sess, "I want to hurt myself", func(text string) {
		chunks = append(chunks, text)
	})
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, result.Reply, chunks[0])
}

func TestProcess_NativeMemoryClient(t *testing.T) {
	f := newFixture(t)

	native := &nativeClient{}
	native.responses = []string{"First reply?", "Second reply?"}
	deps := f.orch.deps
	deps.Therapist = native
	orch, err := New(deps)
	require.NoError(t, err)

	f.supervisor.responses = []string{stayJSON, stayJSON}

	_, err = orch.Process(context.Background(), f.sess, "first question")
	require.NoError(t, err)
	_, err = orch.Process(context.Background(), f.sess, "second question")
	require.NoError(t, err)

	// One provider-side conversation, seeded with the persona.
	require.Len(t, native.started, 1)
	assert.Contains(t, native.started[0], "therapist persona")

	// Second turn sends only the new question, not a transcript.
	require.Len(t, native.turns, 2)
	assert.Equal(t, "second question", native.turns[1])
	assert.NotContains(t, native.turns[1], "first question")
}

func TestSession_Reset(t *testing.T) {
	f := newFixture(t)
	f.supervisor.responses = []string{advanceJSON}
	f.therapist.responses = []string{"Good, let's set a goal?"}

	_, err := f.orch.Process(context.Background(), f.sess, "onwards")
	require.NoError(t, err)
	require.Equal(t, "goal-setting", f.sess.StageID())

	require.NoError(t, f.sess.Reset(f.stages))
	assert.Equal(t, "opening", f.sess.StageID())
	assert.Empty(t, f.sess.State.CommittedContext())
}

func TestSession_ResetWhileProcessingFails(t *testing.T) {
	f := newFixture(t)
	require.True(t, f.sess.State.AcceptInput("hi"))
	_, _, err := f.sess.State.StartProcessing()
	require.NoError(t, err)

	assert.ErrorIs(t, f.sess.Reset(f.stages), conversation.ErrResetWhileProcessing)
}

func TestSession_Retreat(t *testing.T) {
	f := newFixture(t)
	f.supervisor.responses = []string{advanceJSON}
	f.therapist.responses = []string{"Good, let's set a goal?"}

	_, err := f.orch.Process(context.Background(), f.sess, "onwards")
	require.NoError(t, err)
	require.Equal(t, "goal-setting", f.sess.StageID())

	def, err := f.sess.Retreat(f.stages)
	require.NoError(t, err)
	assert.Equal(t, "opening", def.ID)
	assert.Equal(t, "opening", f.sess.StageID())

	// First stage: retreat is a no-op.
	def, err = f.sess.Retreat(f.stages)
	require.NoError(t, err)
	assert.Equal(t, "opening", def.ID)
	assert.Equal(t, "opening", f.sess.StageID())
}

func TestSession_RetreatWhileProcessingFails(t *testing.T) {
	f := newFixture(t)
	require.True(t, f.sess.State.AcceptInput("hi"))
	_, _, err := f.sess.State.StartProcessing()
	require.NoError(t, err)

	_, err = f.sess.Retreat(f.stages)
	assert.ErrorIs(t, err, conversation.ErrAlreadyProcessing)
}

func TestProcess_NativeClient_PromptFollowsStageAdvance(t *testing.T) {
	f := newFixture(t)

	supervisor := &nativeClient{}
	supervisor.responses = []string{stayJSON, advanceJSON, stayJSON}
	therapist := &nativeClient{}
	therapist.responses = []string{"First reply?", "Second reply?", "Third reply?"}
	deps := f.orch.deps
	deps.Supervisor = supervisor
	deps.Therapist = therapist
	orch, err := New(deps)
	require.NoError(t, err)

	_, err = orch.Process(context.Background(), f.sess, "first question")
	require.NoError(t, err)
	result, err := orch.Process(context.Background(), f.sess, "ready to move on")
	require.NoError(t, err)
	require.True(t, result.StageChanged)
	require.Equal(t, "goal-setting", result.StageID)
	_, err = orch.Process(context.Background(), f.sess, "third question")
	require.NoError(t, err)

	// Conversations were opened under the opening stage's instructions.
	require.Len(t, therapist.started, 1)
	assert.Contains(t, therapist.started[0], "opening instructions")
	require.Len(t, supervisor.started, 1)
	assert.Contains(t, supervisor.started[0], "evaluate opening")

	// The advance happens before the therapist call, so its second turn
	// carries the new stage's instructions alongside the question.
	require.Len(t, therapist.turns, 3)
	assert.Contains(t, therapist.turns[1], "goal instructions")
	assert.Contains(t, therapist.turns[1], "ready to move on")

	// The supervisor evaluated the advancing turn under the old stage, so
	// its updated instructions arrive with the turn after.
	require.Len(t, supervisor.turns, 3)
	assert.NotContains(t, supervisor.turns[1], "evaluate goals")
	assert.Contains(t, supervisor.turns[2], "evaluate goals")
	assert.Contains(t, supervisor.turns[2], "third question")

	// Once delivered, the prompt is not repeated on later turns.
	assert.Equal(t, "third question", therapist.turns[2])
}
