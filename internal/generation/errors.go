package generation

import (
	"flowchat/internal/service/ai"

	"github.com/pkg/errors"
)

var (
	ErrNoModel    = errors.New("no model selected")
	ErrNoProvider = errors.New("no usable provider configured")

	// ErrBusy means an ancestor of the target is still generating.
	ErrBusy = errors.New("an earlier message is still generating")
	// ErrRoomBusy means the room is already handling a send.
	ErrRoomBusy     = errors.New("room is already sending a message")
	ErrEmptyMessage = errors.New("message text is empty")

	ErrNothingToSummarize = errors.New("message has no content to summarize")
	ErrNotFound           = errors.New("not found")
	ErrToolsUnsupported   = ai.ErrToolsUnsupported

	// Cancellation causes. Runs ending with these are not failures.
	ErrAborted    = errors.New("generation aborted")
	ErrSuperseded = errors.New("generation superseded by a newer run")
)

// IsCancellation reports whether err ends a run without being a failure.
func IsCancellation(err error) bool {
	return errors.Is(err, ErrAborted) || errors.Is(err, ErrSuperseded)
}

// IsConfigError reports whether err is a configuration problem the caller
// should fix before retrying.
func IsConfigError(err error) bool {
	return errors.Is(err, ErrNoModel) || errors.Is(err, ErrNoProvider)
}

// IsBusy reports whether err is a contention notice rather than a failure.
func IsBusy(err error) bool {
	return errors.Is(err, ErrBusy) || errors.Is(err, ErrRoomBusy)
}
