package decision

import (
	"encoding/json"
	"regexp"
	"strings"

	"go.uber.org/zap"
)

// Fallback extraction patterns. Decision and addressing only match their
// closed value sets so noise cannot smuggle in an unexpected verdict.
var (
	decisionRe   = regexp.MustCompile(`"decision"\s*:\s*"(stay|advance)"`)
	summaryRe    = regexp.MustCompile(`"summary"\s*:\s*"([^"]+)"`)
	addressingRe = regexp.MustCompile(`"addressing"\s*:\s*"(formal|informal)"`)
	reasonRe     = regexp.MustCompile(`"reason"\s*:\s*"([^"]+)"`)
)

// Parser turns raw supervisor output into a Decision.
type Parser struct {
	logger *zap.Logger
}

// NewParser creates a decision parser.
func NewParser(logger *zap.Logger) *Parser {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Parser{logger: logger}
}

// rawDecision is the wire shape the supervisor is asked to emit. safety_risk
// is decoded leniently because models sometimes emit it as a string.
type rawDecision struct {
	Decision      string          `json:"decision"`
	Summary       string          `json:"summary"`
	Addressing    string          `json:"addressing"`
	Reason        string          `json:"reason"`
	Handoff       map[string]any  `json:"handoff"`
	SafetyRisk    json.RawMessage `json:"safety_risk"`
	SafetyMessage string          `json:"safety_message"`
}

// Parse extracts a Decision from raw model output. It never fails: the
// primary path decodes the first-{ to last-} JSON substring, and on any
// decode failure targeted regexes recover individual fields with safe
// defaults for the rest.
func (p *Parser) Parse(raw string) Decision {
	trimmed := strings.TrimSpace(raw)

	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start == -1 || end == -1 || end < start {
		p.logger.Warn("no JSON structure in supervisor response",
			zap.Int("response_length", len(trimmed)),
		)
		return p.fallback(raw)
	}

	var rd rawDecision
	if err := json.Unmarshal([]byte(trimmed[start:end+1]), &rd); err != nil {
		p.logger.Warn("supervisor JSON decode failed, using fallback parser",
			zap.Error(err),
			zap.Int("response_length", len(trimmed)),
		)
		return p.fallback(raw)
	}

	d := Decision{
		Decision:      rd.Decision,
		Summary:       rd.Summary,
		Addressing:    rd.Addressing,
		Reason:        rd.Reason,
		Handoff:       rd.Handoff,
		SafetyRisk:    coerceBool(rd.SafetyRisk),
		SafetyMessage: rd.SafetyMessage,
	}
	if d.Decision == "" {
		d.Decision = DefaultDecision
	}
	if d.Addressing == "" {
		d.Addressing = DefaultAddressing
	}
	if d.Handoff == nil {
		d.Handoff = map[string]any{}
	}

	p.logger.Debug("supervisor decision parsed",
		zap.String("decision", d.Decision),
		zap.Bool("safety_risk", d.SafetyRisk),
	)
	return d
}

// fallback recovers what it can with targeted regexes and fills the rest
// with the conservative defaults.
func (p *Parser) fallback(raw string) Decision {
	d := Decision{
		Decision:   DefaultDecision,
		Addressing: DefaultAddressing,
		Handoff: map[string]any{
			HandoffParsingError:     true,
			HandoffOriginalResponse: raw,
		},
	}

	if m := decisionRe.FindStringSubmatch(raw); m != nil {
		d.Decision = m[1]
	}
	if m := summaryRe.FindStringSubmatch(raw); m != nil {
		d.Summary = m[1]
	}
	if m := addressingRe.FindStringSubmatch(raw); m != nil {
		d.Addressing = m[1]
	}
	if m := reasonRe.FindStringSubmatch(raw); m != nil {
		d.Reason = m[1]
	}

	return d
}

// coerceBool decodes a safety_risk field that may be a JSON bool or a
// string. The strings "true", "1" and "yes" (case-insensitive) count as
// true; anything else, including an absent field, is false.
func coerceBool(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return false
	}

	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return b
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		switch strings.ToLower(strings.TrimSpace(s)) {
		case "true", "1", "yes":
			return true
		}
	}
	return false
}
