package storage

import "fmt"

type Status string

const (
	StatusSubmitted Status = "SUBMITTED"
	StatusAcquired  Status = "ACQUIRED"
	StatusNotFound  Status = "NOT_FOUND"
	StatusActive    Status = "ACTIVE"
	StatusCompleted Status = "COMPLETED"
	StatusError     Status = "ERROR"
)

var transitions = map[Status][]Status{
	StatusSubmitted: {StatusAcquired, StatusNotFound},
	StatusAcquired:  {StatusActive},
	// ACTIVE -> ACTIVE confirms that a fetch worker picked the download up.
	StatusActive: {StatusActive, StatusCompleted, StatusError},
}

// ParseStatus validates a stored status value.
func ParseStatus(s string) (Status, error) {
	status := Status(s)
	if !status.Valid() {
		return "", fmt.Errorf("unknown download status %q", s)
	}

	return status, nil
}

func (s Status) Valid() bool {
	switch s {
	case StatusSubmitted, StatusAcquired, StatusNotFound, StatusActive, StatusCompleted, StatusError:
		return true
	}

	return false
}

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	return s == StatusNotFound || s == StatusCompleted || s == StatusError
}

// CanTransitionTo reports whether moving from s to next is allowed.
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}

	return false
}

func (s Status) String() string {
	return string(s)
}
