// Package safety screens user input for crisis indicators and validates
// therapist replies against solution-focused practice rules. Detection is
// keyword-based and deliberately conservative: a false positive shows crisis
// resources, a false negative is caught again by the supervisor's own
// safety_risk verdict.
package safety

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
	"go.uber.org/zap"
)

// Risk levels, ordered by severity.
const (
	LevelNone   = "none"
	LevelMedium = "medium"
	LevelHigh   = "high"
)

// Report is the outcome of screening one piece of user text.
type Report struct {
	HasRisk         bool
	SelfHarm        bool
	HarmOthers      bool
	MatchedKeywords []string
	Level           string
}

// Validation is the outcome of checking a therapist reply. Issues make the
// reply invalid; warnings are advisory and never block a turn.
type Validation struct {
	Valid    bool
	Issues   []string
	Warnings []string
}

// Config holds keyword lists and reply-validation rules.
type Config struct {
	SelfHarmKeywords   []string `koanf:"self_harm_keywords"`
	HarmOthersKeywords []string `koanf:"harm_others_keywords"`
	CrisisMessage      string   `koanf:"crisis_message"`
	MaxSentences       int      `koanf:"max_sentences"`
	RequireQuestion    bool     `koanf:"require_question"`
}

// NewDefaultConfig returns the built-in keyword lists and crisis text, used
// when no safety configuration file is supplied.
func NewDefaultConfig() Config {
	return Config{
		SelfHarmKeywords: []string{
			"suicide", "kill myself", "end my life", "don't want to live",
			"hurt myself", "harm myself", "cut myself", "want to die",
			"better off dead", "thinking about suicide",
		},
		HarmOthersKeywords: []string{
			"kill someone", "hurt someone", "violence", "attack",
		},
		CrisisMessage:   defaultCrisisMessage,
		MaxSentences:    3,
		RequireQuestion: true,
	}
}

const defaultCrisisMessage = `IMPORTANT - CRISIS SUPPORT

If you feel at risk or are thinking about harming yourself or others, please reach out for help right now:

- Suicide & Crisis Lifeline: 988
- Crisis Text Line: text HOME to 741741
- Emergency services: 911 or 112

This conversation is not a substitute for professional medical or psychological care.`

// Validate validates the configuration.
func (c Config) Validate() error {
	if len(c.SelfHarmKeywords) == 0 && len(c.HarmOthersKeywords) == 0 {
		return fmt.Errorf("at least one keyword list must be non-empty")
	}
	if c.CrisisMessage == "" {
		return fmt.Errorf("crisis_message is required")
	}
	if c.MaxSentences < 1 {
		return fmt.Errorf("max_sentences must be at least 1, got %d", c.MaxSentences)
	}
	return nil
}

// LoadConfig reads a safety configuration from a YAML file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read safety config: %w", err)
	}
	return parseConfig(data)
}

func parseConfig(data []byte) (Config, error) {
	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider(data), yaml.Parser()); err != nil {
		return Config{}, fmt.Errorf("failed to parse safety config: %w", err)
	}

	cfg := NewDefaultConfig()
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal safety config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid safety config: %w", err)
	}
	return cfg, nil
}

// Checker screens text against the configured keyword lists.
type Checker struct {
	cfg             Config
	medicalAdviceRe []*regexp.Regexp
	whyRe           *regexp.Regexp
	logger          *zap.Logger
}

// Reply-validation patterns. Medical-advice phrasing is flagged as an issue;
// "why" questions are discouraged in solution-focused work and flagged as a
// warning only.
var (
	medicalAdvicePatterns = []string{
		`take\s+\w*\s*medication`, `\bdiagnosis\b`, `\billness\b`, `\bdisorder\b`,
	}
	whyPattern = `\bwhy\b`
)

// NewChecker creates a safety checker.
func NewChecker(cfg Config, logger *zap.Logger) (*Checker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid safety config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Checker{cfg: cfg, logger: logger}
	for _, p := range medicalAdvicePatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("failed to compile validation pattern %q: %w", p, err)
		}
		c.medicalAdviceRe = append(c.medicalAdviceRe, re)
	}
	c.whyRe = regexp.MustCompile(whyPattern)
	return c, nil
}

// Check screens user text for crisis indicators. Matching is case-insensitive
// substring containment so multi-word phrases match across whitespace exactly
// as written.
func (c *Checker) Check(text string) Report {
	lower := strings.ToLower(text)
	r := Report{Level: LevelNone}

	for _, kw := range c.cfg.SelfHarmKeywords {
		if strings.Contains(lower, strings.ToLower(kw)) {
			r.HasRisk = true
			r.SelfHarm = true
			r.MatchedKeywords = append(r.MatchedKeywords, kw)
		}
	}
	for _, kw := range c.cfg.HarmOthersKeywords {
		if strings.Contains(lower, strings.ToLower(kw)) {
			r.HasRisk = true
			r.HarmOthers = true
			r.MatchedKeywords = append(r.MatchedKeywords, kw)
		}
	}

	switch {
	case r.SelfHarm:
		r.Level = LevelHigh
	case r.HarmOthers:
		r.Level = LevelMedium
	}

	if r.HasRisk {
		c.logger.Warn("safety risk detected in user input",
			zap.String("level", r.Level),
			zap.Int("matched_keywords", len(r.MatchedKeywords)),
		)
	}
	return r
}

// CrisisMessage returns the crisis-resource text shown instead of a normal
// reply when a turn escalates.
func (c *Checker) CrisisMessage() string {
	return c.cfg.CrisisMessage
}

// ShouldEscalate reports whether a risk level reroutes the turn to the
// crisis path.
func ShouldEscalate(level string) bool {
	return level == LevelMedium || level == LevelHigh
}

var sentenceSplitRe = regexp.MustCompile(`[.!?]+`)

// ValidateReply checks a therapist reply against practice rules: no medical
// advice, no "why" questions, at most MaxSentences sentences, and ending
// with a question. Only medical advice invalidates; the rest are warnings.
func (c *Checker) ValidateReply(reply string) Validation {
	v := Validation{Valid: true}
	lower := strings.ToLower(reply)

	for _, re := range c.medicalAdviceRe {
		if re.MatchString(lower) {
			v.Valid = false
			v.Issues = append(v.Issues, "avoid giving medical advice")
			break
		}
	}

	if c.whyRe.MatchString(lower) {
		v.Warnings = append(v.Warnings, "avoid 'why' questions in solution-focused work")
	}

	var sentences int
	for _, s := range sentenceSplitRe.Split(strings.TrimSpace(reply), -1) {
		if strings.TrimSpace(s) != "" {
			sentences++
		}
	}
	if sentences > c.cfg.MaxSentences {
		v.Warnings = append(v.Warnings, fmt.Sprintf("reply may be too long (over %d sentences)", c.cfg.MaxSentences))
	}

	if c.cfg.RequireQuestion && !strings.HasSuffix(strings.TrimSpace(reply), "?") {
		v.Warnings = append(v.Warnings, "reply should end with a question")
	}

	return v
}
