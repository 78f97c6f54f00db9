package runtime

import (
	"fmt"

	"github.com/user/gopherchef/internal/action"
	"github.com/user/gopherchef/internal/types"
)

// ActionExecutionError wraps a failure raised while executing an action.
// Output holds whatever the action printed before failing.
type ActionExecutionError struct {
	ActionID types.ActionID
	Kind     action.Kind
	Output   string
	Err      error
}

func (e *ActionExecutionError) Error() string {
	return fmt.Sprintf("%s action %s failed: %v", e.Kind, e.ActionID, e.Err)
}

func (e *ActionExecutionError) Unwrap() error { return e.Err }
