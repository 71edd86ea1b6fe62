package domain

// Status is the lifecycle state of a job
type Status string

// Job status constants
const (
	StatusPending   Status = "Pending"
	StatusLeased    Status = "Leased"
	StatusSucceeded Status = "Succeeded"
	StatusFailed    Status = "Failed"
	StatusCancelled Status = "Cancelled"
)

// transitions lists every allowed status change
var transitions = map[Status][]Status{
	StatusPending: {StatusLeased, StatusCancelled, StatusFailed},
	StatusLeased:  {StatusSucceeded, StatusFailed, StatusPending, StatusCancelled},
}

// IsTerminal reports whether no further transition is possible from s
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known status
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusLeased, StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

func (s Status) String() string {
	return string(s)
}

// CanTransition reports whether a job may move from one status to another
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ParseStatus converts a stored status string back to a Status
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", ErrUnknownStatus
	}
	return st, nil
}
