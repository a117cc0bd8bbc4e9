// Package memory decides, per model call, whether to rely on the provider's
// native conversational memory or to reconstruct a textual transcript from
// committed history, optionally compressing older turns into a one-line
// summary so prompts stay bounded for stateless providers.
package memory

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/dialogd/internal/conversation"
	"github.com/fyrsmithlabs/dialogd/internal/llm"
)

// Context modes.
const (
	ModeNative        = "native"
	ModeReconstructed = "reconstructed"
)

// Snapshot describes what context was actually sent to a model. Ephemeral,
// used for logging and tests, never persisted.
type Snapshot struct {
	Mode         string
	MessageCount int
	Summarized   bool
}

// Payload is the assembled context for one model call. In native mode Prompt
// carries only the newest turn; in reconstructed mode it carries the full
// (possibly summarized) transcript ending with the pending question.
type Payload struct {
	Mode     string
	Prompt   string
	Snapshot Snapshot
}

// Native reports whether the provider holds prior turns itself.
func (p Payload) Native() bool { return p.Mode == ModeNative }

// Config controls transcript reconstruction.
type Config struct {
	// MaxMessages is how many recent messages are included verbatim. Older
	// messages are summarized when Summarize is set, dropped otherwise.
	MaxMessages int  `koanf:"max_messages"`
	Summarize   bool `koanf:"summarize"`
}

// NewDefaultConfig returns the default reconstruction settings.
func NewDefaultConfig() Config {
	return Config{MaxMessages: 20, Summarize: true}
}

// Validate validates the configuration.
func (c Config) Validate() error {
	if c.MaxMessages < 1 {
		return fmt.Errorf("max_messages must be at least 1, got %d", c.MaxMessages)
	}
	return nil
}

// Strategy builds model context from conversation history.
type Strategy struct {
	cfg    Config
	logger *zap.Logger
}

// NewStrategy creates a context-building strategy.
func NewStrategy(cfg Config, logger *zap.Logger) (*Strategy, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid memory configuration: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Strategy{cfg: cfg, logger: logger}, nil
}

// roleLabels maps roles to their transcript labels. Unknown roles fall back
// to the raw role string.
var roleLabels = map[conversation.Role]string{
	conversation.RoleUser:       "User",
	conversation.RoleTherapist:  "Therapist",
	conversation.RoleSupervisor: "Supervisor",
}

// BuildContext assembles the context payload for one model call. The client
// is checked once for native-memory capability: when it has it and this is
// not the session's first call, only the pending question is sent because the
// provider already holds prior turns. Stage-transition markers never reach
// the model.
func (s *Strategy) BuildContext(client llm.Client, role conversation.Role, history []conversation.Message, question string, firstCall bool) Payload {
	if _, ok := client.(llm.NativeMemoryCapable); ok && !firstCall {
		s.logger.Debug("using provider-native memory",
			zap.String("role", string(role)),
		)
		return Payload{
			Mode:     ModeNative,
			Prompt:   question,
			Snapshot: Snapshot{Mode: ModeNative, MessageCount: 1},
		}
	}

	history = conversation.WithoutStageTransitions(history)
	prompt, summarized := s.transcript(history, question)

	s.logger.Debug("reconstructed conversation context",
		zap.String("role", string(role)),
		zap.Int("message_count", len(history)),
		zap.Bool("summarized", summarized),
	)
	return Payload{
		Mode:   ModeReconstructed,
		Prompt: prompt,
		Snapshot: Snapshot{
			Mode:         ModeReconstructed,
			MessageCount: len(history),
			Summarized:   summarized,
		},
	}
}

// transcript renders history as role-labeled lines, most recent last, with
// the pending question appended as the final user line.
func (s *Strategy) transcript(history []conversation.Message, question string) (string, bool) {
	var lines []string
	summarized := false

	if len(history) == 0 {
		lines = append(lines, "Start of the conversation.")
	} else if s.cfg.Summarize && len(history) > s.cfg.MaxMessages {
		old := history[:len(history)-s.cfg.MaxMessages]
		recent := history[len(history)-s.cfg.MaxMessages:]
		lines = append(lines, summarize(old))
		for _, m := range recent {
			lines = append(lines, line(m))
		}
		summarized = true
	} else {
		recent := history
		if len(history) > s.cfg.MaxMessages {
			recent = history[len(history)-s.cfg.MaxMessages:]
		}
		for _, m := range recent {
			lines = append(lines, line(m))
		}
	}

	if question != "" {
		lines = append(lines, "User: "+question)
	}
	return strings.Join(lines, "\n"), summarized
}

func line(m conversation.Message) string {
	label, ok := roleLabels[m.Role]
	if !ok {
		label = string(m.Role)
	}
	return label + ": " + m.Text
}

// themeGroups are keyword buckets scanned when compressing old history.
// Containment of any keyword marks the theme present.
var themeGroups = []struct {
	name     string
	keywords []string
}{
	{"goal-setting", []string{"goal", "want to", "wish", "hope", "change"}},
	{"emotion", []string{"feel", "afraid", "sad", "angry", "anxious", "worried", "stressed"}},
	{"resources", []string{"strength", "support", "cope", "manage", "helped", "friend"}},
	{"scaling", []string{"scale", "rate", "out of ten", "number"}},
	{"action-planning", []string{"plan", "step", "try", "tomorrow", "next week"}},
}

// summarize compresses an old history segment into one line: turn counts
// plus detected themes, falling back to quoting the first and last user
// utterances when no theme keyword matches.
func summarize(old []conversation.Message) string {
	var userTurns, assistantTurns int
	var firstUser, lastUser string
	var joined strings.Builder

	for _, m := range old {
		joined.WriteString(strings.ToLower(m.Text))
		joined.WriteByte(' ')
		switch m.Role {
		case conversation.RoleUser:
			userTurns++
			if firstUser == "" {
				firstUser = m.Text
			}
			lastUser = m.Text
		case conversation.RoleTherapist:
			assistantTurns++
		}
	}

	text := joined.String()
	var themes []string
	for _, g := range themeGroups {
		for _, kw := range g.keywords {
			if strings.Contains(text, kw) {
				themes = append(themes, g.name)
				break
			}
		}
	}

	head := fmt.Sprintf("[Earlier conversation: %d user and %d therapist turns", userTurns, assistantTurns)
	if len(themes) > 0 {
		return head + "; themes: " + strings.Join(themes, ", ") + ".]"
	}
	if firstUser != "" {
		if lastUser != firstUser {
			return head + fmt.Sprintf("; began with %q and most recently %q.]", firstUser, lastUser)
		}
		return head + fmt.Sprintf("; began with %q.]", firstUser)
	}
	return head + ".]"
}
