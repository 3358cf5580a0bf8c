package backend

import "fmt"

// Error is a non-success response from a backend endpoint.
type Error struct {
	Op      string
	Status  int
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("backend %s failed: status %d", e.Op, e.Status)
	}
	return fmt.Sprintf("backend %s failed: %s", e.Op, e.Message)
}
