package orchestrator

import (
	"errors"
	"fmt"
)

// ErrSessionBusy is returned when a turn arrives while another is in flight
// for the same session. The input is not consumed; the caller retries after
// the current turn resolves.
var ErrSessionBusy = errors.New("session is processing a previous turn")

// ConfigError indicates missing or invalid dialogue configuration for the
// current turn, such as no prompt text at all for a role and stage. These
// are precondition failures, not model failures: the turn is aborted and
// the user's question preserved.
type ConfigError struct {
	Role    string
	StageID string
	Reason  string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("dialogue configuration error for %s at stage %q: %s", e.Role, e.StageID, e.Reason)
}
