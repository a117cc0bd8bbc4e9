// Package orchestrator drives one full dialogue turn: supervisor evaluation,
// decision application (stay/advance, safety short-circuit) and therapist
// reply generation, committed atomically to the session's conversation
// state. Collaborators are injected through an explicit dependency struct;
// there is no ambient lookup.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/dialogd/internal/conversation"
	"github.com/fyrsmithlabs/dialogd/internal/decision"
	"github.com/fyrsmithlabs/dialogd/internal/llm"
	"github.com/fyrsmithlabs/dialogd/internal/memory"
	"github.com/fyrsmithlabs/dialogd/internal/persistence"
	"github.com/fyrsmithlabs/dialogd/internal/prompt"
	"github.com/fyrsmithlabs/dialogd/internal/safety"
	"github.com/fyrsmithlabs/dialogd/internal/stage"
	"github.com/fyrsmithlabs/dialogd/internal/telemetry"
)

// Deps wires the orchestrator's collaborators. Supervisor, Therapist,
// Stages, Memory, Parser, Safety and Prompts are required; Store defaults
// to a NopStore and Logger to a no-op logger.
type Deps struct {
	Supervisor llm.Client
	Therapist  llm.Client
	Stages     *stage.Graph
	Memory     *memory.Strategy
	Parser     *decision.Parser
	Safety     *safety.Checker
	Prompts    prompt.Provider
	Store      persistence.Store
	Logger     *zap.Logger
}

func (d *Deps) validate() error {
	switch {
	case d.Supervisor == nil:
		return errors.New("supervisor client is required")
	case d.Therapist == nil:
		return errors.New("therapist client is required")
	case d.Stages == nil:
		return errors.New("stage graph is required")
	case d.Memory == nil:
		return errors.New("memory strategy is required")
	case d.Parser == nil:
		return errors.New("decision parser is required")
	case d.Safety == nil:
		return errors.New("safety checker is required")
	case d.Prompts == nil:
		return errors.New("prompt provider is required")
	}
	return nil
}

// TurnResult is the outcome of one dialogue turn.
type TurnResult struct {
	SessionID    string
	StageID      string
	StageChanged bool
	Reply        string
	Decision     decision.Decision
	Crisis       bool
	Warnings     []string

	// Snapshots describe what context each model call actually received.
	SupervisorSnapshot memory.Snapshot
	TherapistSnapshot  memory.Snapshot
}

// Orchestrator coordinates one turn at a time per session.
type Orchestrator struct {
	deps   Deps
	logger *zap.Logger
}

// New creates an orchestrator after validating the dependency set.
func New(deps Deps) (*Orchestrator, error) {
	if err := deps.validate(); err != nil {
		return nil, fmt.Errorf("invalid orchestrator dependencies: %w", err)
	}
	if deps.Store == nil {
		deps.Store = persistence.NopStore{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Orchestrator{deps: deps, logger: deps.Logger}, nil
}

// Process runs one full turn for the session. On a model failure the
// in-flight turn is aborted so the user's question survives for a retry.
func (o *Orchestrator) Process(ctx context.Context, sess *Session, userText string) (*TurnResult, error) {
	return o.run(ctx, sess, userText, nil)
}

// ProcessStream runs one full turn, delivering the therapist reply to
// onChunk as it is generated. Chunks arrive in order and their
// concatenation equals the committed reply text. If the context is canceled
// mid-stream the turn resolves to a commit of the partial text (when any
// was generated) or an abort, never an in-between state.
func (o *Orchestrator) ProcessStream(ctx context.Context, sess *Session, userText string, onChunk func(string)) (*TurnResult, error) {
	return o.run(ctx, sess, userText, onChunk)
}

func (o *Orchestrator) run(ctx context.Context, sess *Session, userText string, onChunk func(string)) (*TurnResult, error) {
	start := time.Now()

	if !sess.State.AcceptInput(userText) {
		telemetry.TurnsTotal.WithLabelValues(telemetry.OutcomeBusy).Inc()
		return nil, ErrSessionBusy
	}

	committed, question, err := sess.State.StartProcessing()
	if err != nil {
		return nil, err
	}

	cur := o.currentStage(sess)
	logger := o.logger.With(
		zap.String("session_id", sess.ID),
		zap.String("stage_id", cur.ID),
	)

	// Keyword screen before any model call. The supervisor's own verdict is
	// checked again below.
	if report := o.deps.Safety.Check(question); safety.ShouldEscalate(report.Level) {
		logger.Warn("user input escalated by keyword screen",
			zap.String("risk_level", report.Level),
		)
		return o.crisisTurn(sess, cur, question, "", decision.Decision{SafetyRisk: true}, onChunk, start)
	}

	supPrompt, err := o.rolePrompts(string(conversation.RoleSupervisor), cur.ID)
	if err != nil {
		return o.fail(sess, logger, err)
	}

	supFirst := sess.markCalled(conversation.RoleSupervisor)
	supPayload := o.deps.Memory.BuildContext(o.deps.Supervisor, conversation.RoleSupervisor, committed, question, supFirst)

	raw, err := o.generate(ctx, o.deps.Supervisor, conversation.RoleSupervisor, sess, supPrompt, supPayload)
	if err != nil {
		telemetry.ModelCallErrorsTotal.WithLabelValues(string(conversation.RoleSupervisor)).Inc()
		return o.fail(sess, logger, &llm.ModelCallError{Role: string(conversation.RoleSupervisor), Err: err})
	}

	d := o.deps.Parser.Parse(raw)
	if d.Degraded() {
		telemetry.DecisionFallbacksTotal.Inc()
	}
	logger.Info("supervisor decision",
		zap.String("decision", d.Decision),
		zap.Bool("safety_risk", d.SafetyRisk),
		zap.Bool("degraded", d.Degraded()),
	)

	if d.SafetyRisk {
		result, err := o.crisisTurn(sess, cur, question, d.SafetyMessage, d, onChunk, start)
		if result != nil {
			result.SupervisorSnapshot = supPayload.Snapshot
		}
		return result, err
	}

	stageChanged := false
	if d.ShouldAdvance() {
		if next, ok := o.deps.Stages.Next(cur.ID); ok {
			cur = next
			sess.setStage(next.ID)
			stageChanged = true
			telemetry.StageAdvancesTotal.Inc()

			transition := conversation.NewStageTransitionMessage(
				fmt.Sprintf("Moving to the next stage: %s", next.Name))
			if err := sess.State.AppendSystem(transition); err != nil {
				return o.fail(sess, logger, err)
			}
			o.persist(logger, func() error {
				return o.deps.Store.UpdateStage(sess.ID, next.ID)
			})
			logger.Info("advanced to next stage", zap.String("next_stage_id", next.ID))
		} else {
			// Terminal stage: advance degrades to stay.
			logger.Info("supervisor requested advance at terminal stage, staying")
		}
	}

	thPrompt, err := o.rolePrompts(string(conversation.RoleTherapist), cur.ID)
	if err != nil {
		return o.fail(sess, logger, err)
	}

	thFirst := sess.markCalled(conversation.RoleTherapist)
	thPayload := o.deps.Memory.BuildContext(o.deps.Therapist, conversation.RoleTherapist, committed, question, thFirst)

	reply, err := o.generateReply(ctx, sess, thPrompt, thPayload, onChunk)
	if err != nil {
		telemetry.ModelCallErrorsTotal.WithLabelValues(string(conversation.RoleTherapist)).Inc()
		return o.fail(sess, logger, &llm.ModelCallError{Role: string(conversation.RoleTherapist), Err: err})
	}

	validation := o.deps.Safety.ValidateReply(reply)
	warnings := append(validation.Issues, validation.Warnings...)
	for _, w := range warnings {
		logger.Warn("therapist reply validation", zap.String("warning", w))
	}

	promptRef := string(conversation.RoleTherapist) + "/" + cur.ID
	if err := sess.State.Commit(reply, promptRef); err != nil {
		return o.fail(sess, logger, err)
	}

	o.persist(logger, func() error {
		return o.deps.Store.AppendMessage(sess.ID, string(conversation.RoleUser), question)
	})
	o.persist(logger, func() error {
		return o.deps.Store.AppendMessage(sess.ID, string(conversation.RoleTherapist), reply)
	})

	telemetry.TurnsTotal.WithLabelValues(telemetry.OutcomeCommitted).Inc()
	telemetry.TurnDuration.Observe(time.Since(start).Seconds())
	logger.Info("turn committed",
		zap.Bool("stage_changed", stageChanged),
		zap.Int("reply_length", len(reply)),
	)

	return &TurnResult{
		SessionID:          sess.ID,
		StageID:            cur.ID,
		StageChanged:       stageChanged,
		Reply:              reply,
		Decision:           d,
		Warnings:           warnings,
		SupervisorSnapshot: supPayload.Snapshot,
		TherapistSnapshot:  thPayload.Snapshot,
	}, nil
}

// crisisTurn reroutes the turn to the crisis path: the crisis text is
// committed as the therapist reply so conversation state stays consistent,
// and no normal therapist call is made.
func (o *Orchestrator) crisisTurn(sess *Session, cur stage.Definition, question, message string, d decision.Decision, onChunk func(string), start time.Time) (*TurnResult, error) {
	if strings.TrimSpace(message) == "" {
		message = o.deps.Safety.CrisisMessage()
	}
	if onChunk != nil {
		onChunk(message)
	}

	logger := o.logger.With(zap.String("session_id", sess.ID))
	if err := sess.State.Commit(message, "safety/crisis"); err != nil {
		return o.fail(sess, logger, err)
	}

	o.persist(logger, func() error {
		return o.deps.Store.AppendMessage(sess.ID, string(conversation.RoleUser), question)
	})
	o.persist(logger, func() error {
		return o.deps.Store.AppendMessage(sess.ID, string(conversation.RoleTherapist), message)
	})

	telemetry.SafetyEscalationsTotal.Inc()
	telemetry.TurnsTotal.WithLabelValues(telemetry.OutcomeSafety).Inc()
	telemetry.TurnDuration.Observe(time.Since(start).Seconds())
	logger.Warn("turn rerouted to crisis path")

	return &TurnResult{
		SessionID: sess.ID,
		StageID:   cur.ID,
		Reply:     message,
		Decision:  d,
		Crisis:    true,
	}, nil
}

// fail aborts the in-flight turn so the user's question is preserved, then
// surfaces the error.
func (o *Orchestrator) fail(sess *Session, logger *zap.Logger, err error) (*TurnResult, error) {
	if abortErr := sess.State.Abort(); abortErr != nil {
		logger.Error("failed to abort turn", zap.Error(abortErr))
	}
	telemetry.TurnsTotal.WithLabelValues(telemetry.OutcomeFailed).Inc()
	logger.Error("turn failed, question preserved for retry", zap.Error(err))
	return nil, err
}

// currentStage resolves the session's stage, self-healing an unknown id to
// the first stage.
func (o *Orchestrator) currentStage(sess *Session) stage.Definition {
	if d, ok := o.deps.Stages.ByID(sess.StageID()); ok {
		return d
	}
	first, _ := o.deps.Stages.First()
	sess.setStage(first.ID)
	return first
}

// rolePrompts combines a role's system prompt with its current stage
// instructions. Both missing is a configuration error for the turn.
func (o *Orchestrator) rolePrompts(role, stageID string) (string, error) {
	system, okSystem := o.deps.Prompts.SystemPrompt(role)
	stagePrompt, okStage := o.deps.Prompts.StagePrompt(stageID, role)
	if !okSystem && !okStage {
		return "", &ConfigError{Role: role, StageID: stageID, Reason: "no system or stage prompt configured"}
	}

	parts := make([]string, 0, 2)
	if okSystem {
		parts = append(parts, system)
	}
	if okStage {
		parts = append(parts, stagePrompt)
	}
	return strings.Join(parts, "\n\n"), nil
}

// generate performs one blocking model call, routing through the provider's
// native conversation when the client supports it.
func (o *Orchestrator) generate(ctx context.Context, client llm.Client, role conversation.Role, sess *Session, systemPrompt string, payload memory.Payload) (string, error) {
	if nm, ok := client.(llm.NativeMemoryCapable); ok {
		convID := sess.conversationID(role)
		if convID == "" {
			id, err := nm.StartConversation(ctx, systemPrompt)
			if err != nil {
				return "", fmt.Errorf("start conversation: %w", err)
			}
			sess.setConversationID(role, id)
			sess.setDeliveredPrompt(role, systemPrompt)
			convID = id
		}

		text := payload.Prompt
		if sess.deliveredPrompt(role) != systemPrompt {
			// The conversation was opened under a different stage's
			// instructions; push the current ones with this turn.
			text = systemPrompt + "\n\n" + text
		}
		reply, err := nm.SendTurn(ctx, convID, text)
		if err != nil {
			return "", err
		}
		sess.setDeliveredPrompt(role, systemPrompt)
		return reply, nil
	}

	return client.Generate(ctx, llm.Request{
		Prompt:       payload.Prompt,
		SystemPrompt: systemPrompt,
	})
}

// generateReply produces the therapist reply, streaming when a chunk sink
// is supplied and the client has no native conversation (native replies
// arrive whole and are delivered as a single chunk).
func (o *Orchestrator) generateReply(ctx context.Context, sess *Session, systemPrompt string, payload memory.Payload, onChunk func(string)) (string, error) {
	if _, native := o.deps.Therapist.(llm.NativeMemoryCapable); onChunk == nil || native {
		reply, err := o.generate(ctx, o.deps.Therapist, conversation.RoleTherapist, sess, systemPrompt, payload)
		if err != nil {
			return "", err
		}
		if onChunk != nil {
			onChunk(reply)
		}
		return reply, nil
	}

	stream, err := o.deps.Therapist.GenerateStream(ctx, llm.Request{
		Prompt:       payload.Prompt,
		SystemPrompt: systemPrompt,
	})
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	var streamErr error
	for chunk := range stream {
		if chunk.Err != nil {
			streamErr = chunk.Err
			break
		}
		sb.WriteString(chunk.Text)
		onChunk(chunk.Text)
	}

	partial := strings.TrimSpace(sb.String())
	if streamErr != nil {
		// Cancellation with partial text resolves to a commit of what was
		// generated; every other failure aborts.
		if ctx.Err() != nil && partial != "" {
			o.logger.Warn("stream canceled, committing partial reply",
				zap.String("session_id", sess.ID),
				zap.Int("partial_length", len(partial)),
			)
			return partial, nil
		}
		return "", streamErr
	}
	if partial == "" {
		return "", errors.New("therapist stream produced no text")
	}
	return partial, nil
}

// persist runs a store write, logging failures without failing the turn.
func (o *Orchestrator) persist(logger *zap.Logger, write func() error) {
	if err := write(); err != nil {
		logger.Warn("session log write failed", zap.Error(err))
	}
}
