package model

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Status reports what the buffer knows about an execution.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusNotFound  Status = "not_found"
)

// Execution ids are composite "{sessionID}:{runID}" strings so a client can
// recover the pending execution for a conversation by prefix match.

func NewExecutionID(sessionID string) string {
	return ComposeExecutionID(sessionID, uuid.NewString())
}

func ComposeExecutionID(sessionID, runID string) string {
	return sessionID + ":" + runID
}

func SplitExecutionID(id string) (sessionID, runID string, err error) {
	i := strings.LastIndex(id, ":")
	if i <= 0 || i == len(id)-1 {
		return "", "", fmt.Errorf("malformed execution id %q", id)
	}
	return id[:i], id[i+1:], nil
}

// BelongsToSession reports whether an execution id was minted for sessionID.
func BelongsToSession(executionID, sessionID string) bool {
	return strings.HasPrefix(executionID, sessionID+":")
}
