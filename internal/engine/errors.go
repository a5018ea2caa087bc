package engine

import (
	"fmt"
	"strings"
)

// NotAssignedError reports a responder with no assignment on the request.
type NotAssignedError struct {
	RequestID   string
	ResponderID string
}

func (e NotAssignedError) Error() string {
	return fmt.Sprintf("responder %s is not assigned to request %s", e.ResponderID, e.RequestID)
}

// AlreadyDecidedError reports an attempt to change a terminal assignment.
type AlreadyDecidedError struct {
	RequestID   string
	ResponderID string
	Decision    string
}

func (e AlreadyDecidedError) Error() string {
	return fmt.Sprintf("responder %s already %s request %s", e.ResponderID, e.Decision, e.RequestID)
}

type InvalidDecisionError struct {
	Decision string
}

func (e InvalidDecisionError) Error() string {
	return fmt.Sprintf("invalid decision %q: must be accepted or declined", e.Decision)
}

// InputError is a malformed request payload.
type InputError struct {
	Field   string
	Message string
}

func (e InputError) Error() string {
	if e.Field == "" {
		return "invalid input: " + e.Message
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// QuotaConflict is one category whose edit would drop below what responders
// already committed. Quota is 0 when the edit removes the category.
type QuotaConflict struct {
	Category  string `json:"category"`
	Committed int    `json:"committed"`
	Quota     int    `json:"quota"`
}

type QuotaConflictError struct {
	Conflicts []QuotaConflict
}

func (e QuotaConflictError) Error() string {
	parts := make([]string, 0, len(e.Conflicts))
	for _, c := range e.Conflicts {
		if c.Quota == 0 {
			parts = append(parts, fmt.Sprintf("%s has %d committed and cannot be removed", c.Category, c.Committed))
			continue
		}
		parts = append(parts, fmt.Sprintf("%s quota %d is below %d committed", c.Category, c.Quota, c.Committed))
	}
	return "quota conflict: " + strings.Join(parts, "; ")
}
