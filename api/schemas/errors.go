package schemas

import (
	"errors"
	"fmt"
)

// -- Bridge Error Taxonomy --

// Sentinel errors returned by the dispatcher and automation layers.
// Tool handlers wrap these with context; the gateway maps them onto the
// structured tool results the client sees.
var (
	// ErrBackendUnavailable means no extension session matched and local
	// automation could not serve the tool either.
	ErrBackendUnavailable = errors.New("no execution backend available")

	// ErrCommandTimeout means a forwarded command produced no response
	// within its deadline.
	ErrCommandTimeout = errors.New("command timed out")

	// ErrElementNotLocated means every location strategy failed for a
	// page element, including the vision fallback.
	ErrElementNotLocated = errors.New("element could not be located")

	// ErrUnknownTool means the requested tool is not in the catalog.
	ErrUnknownTool = errors.New("unknown tool")

	// ErrInvalidArguments means the arguments failed catalog validation.
	ErrInvalidArguments = errors.New("invalid tool arguments")

	// ErrNotAuthenticated means the automation session has no active SEI
	// login and the tool requires one.
	ErrNotAuthenticated = errors.New("not authenticated to SEI")
)

// CommandError carries the tool name and backend through error wrapping so
// failures stay attributable after they cross the dispatcher boundary.
type CommandError struct {
	Tool    string
	Backend string
	Err     error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("tool %q via %s: %v", e.Tool, e.Backend, e.Err)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// NewCommandError wraps err with tool and backend attribution.
func NewCommandError(tool, backend string, err error) *CommandError {
	return &CommandError{Tool: tool, Backend: backend, Err: err}
}
