// Package decision extracts a structured supervisor decision from free-form
// model output. Parsing is total: malformed output degrades to conservative
// defaults instead of failing, because a bad supervisor turn must never
// crash a session or silently advance a stage.
package decision

// Decision values.
const (
	Stay    = "stay"
	Advance = "advance"
)

// Addressing values.
const (
	Formal   = "formal"
	Informal = "informal"
)

// Fallback defaults. Defaulting to Stay on any parse failure is a
// deliberate conservative bias: a misparse must never advance the stage.
const (
	DefaultDecision   = Stay
	DefaultAddressing = Formal
)

// Handoff keys set when the fallback path produced the decision, so
// downstream consumers can detect degraded parsing.
const (
	HandoffParsingError     = "parsing_error"
	HandoffOriginalResponse = "original_response"
)

// Decision is the supervisor's structured verdict for one turn. Produced
// fresh per turn, never mutated after creation.
type Decision struct {
	Decision      string         `json:"decision"`
	Summary       string         `json:"summary"`
	Addressing    string         `json:"addressing"`
	Reason        string         `json:"reason"`
	Handoff       map[string]any `json:"handoff"`
	SafetyRisk    bool           `json:"safety_risk"`
	SafetyMessage string         `json:"safety_message"`
}

// ShouldAdvance reports whether the supervisor decided to move to the next
// stage.
func (d Decision) ShouldAdvance() bool {
	return d.Decision == Advance
}

// Degraded reports whether this decision came from the fallback parser.
func (d Decision) Degraded() bool {
	if d.Handoff == nil {
		return false
	}
	v, ok := d.Handoff[HandoffParsingError].(bool)
	return ok && v
}
