package model

import (
	"fmt"
	"strings"
)

// Status is the lifecycle position of a queued command.
type Status string

const (
	StatusQueued     Status = "QUEUED"
	StatusProcessing Status = "PROCESSING"
	StatusProcessed  Status = "PROCESSED"
	StatusHold       Status = "HOLD"
	StatusDone       Status = "DONE"
	StatusFailed     Status = "FAILED"
	StatusCancelled  Status = "CANCELLED"
)

// Action is the operation a command asks the daemon to perform on a task.
type Action string

const (
	ActionSubmit    Action = "SUBMIT"
	ActionClean     Action = "CLEAN"
	ActionCancel    Action = "CANCEL"
	ActionDelete    Action = "DELETE"
	ActionStatusCh  Action = "STATUSCH"
	ActionGetStatus Action = "GETSTATUS"
	ActionGetOutput Action = "GETOUTPUT"
)

// Task-level statuses written to the owning task row.
const (
	TaskStatusWaiting = "WAITING"
	TaskStatusReady   = "READY"
	TaskStatusPurged  = "PURGED"
)

var knownActions = map[Action]bool{
	ActionSubmit:    true,
	ActionClean:     true,
	ActionCancel:    true,
	ActionDelete:    true,
	ActionStatusCh:  true,
	ActionGetStatus: true,
	ActionGetOutput: true,
}

var terminalStatuses = map[Status]bool{
	StatusDone:      true,
	StatusFailed:    true,
	StatusCancelled: true,
}

// Command queue transitions. QUEUED is reachable again only through retry,
// FAILED only through trash.
var validCommandTransitions = map[Status]map[Status]bool{
	StatusQueued: {
		StatusProcessing: true,
	},
	StatusProcessing: {
		StatusProcessed: true,
		StatusQueued:    true,
		StatusFailed:    true,
	},
	StatusProcessed: {
		StatusHold:      true,
		StatusDone:      true,
		StatusCancelled: true,
		StatusQueued:    true,
		StatusFailed:    true,
	},
	StatusHold: {
		StatusProcessed: true,
		StatusDone:      true,
		StatusCancelled: true,
		StatusQueued:    true,
		StatusFailed:    true,
	},
}

func IsTerminal(s Status) bool {
	return terminalStatuses[s]
}

func ParseAction(s string) (Action, error) {
	a := Action(strings.ToUpper(strings.TrimSpace(s)))
	if !knownActions[a] {
		return "", fmt.Errorf("unknown action %q", s)
	}
	return a, nil
}

// ValidateTransition reports whether a command may move from one status to
// another. Staying in place is always allowed.
func ValidateTransition(from, to Status) error {
	if from == to {
		return nil
	}
	if IsTerminal(from) {
		return fmt.Errorf("cannot transition from terminal status %q", from)
	}
	allowed, ok := validCommandTransitions[from]
	if !ok {
		return fmt.Errorf("unknown status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid command transition: %q → %q", from, to)
	}
	return nil
}
