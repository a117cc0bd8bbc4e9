package conversation

import "errors"

// State precondition violations. All are recoverable: the caller retries
// the correct sequence.
var (
	// ErrAlreadyProcessing is returned when a turn is already in flight.
	ErrAlreadyProcessing = errors.New("conversation: already processing")
	// ErrNotProcessing is returned by Commit or Abort outside a turn.
	ErrNotProcessing = errors.New("conversation: not processing")
	// ErrNoPendingQuestion is returned by StartProcessing with an empty buffer.
	ErrNoPendingQuestion = errors.New("conversation: no pending question")
	// ErrEmptyReply is returned by Commit when the therapist reply is empty.
	ErrEmptyReply = errors.New("conversation: empty therapist reply")
	// ErrResetWhileProcessing is returned by Reset during an in-flight turn.
	ErrResetWhileProcessing = errors.New("conversation: cannot reset while processing")
)
