package store

import "time"

// KV is a flat durable key/value area with prefix enumeration. The reconnect
// manager keeps its persisted records behind this interface so the same logic
// runs against sqlite, an in-memory map, or any platform-local store.
type KV interface {
	Get(key string) (string, bool, error)
	Set(key, value string) error
	Remove(key string) error
	ListKeys(prefix string) ([]string, error)
}

// Archive holds executions evicted from the live buffer, the durable
// fallback for clients whose reconnect came back not_found.
type Archive interface {
	PutExecution(id string, frames []string, completedAt time.Time) error
	GetExecution(id string) (*ArchivedExecution, bool, error)
}

type ArchivedExecution struct {
	ID          string    `json:"id"`
	Frames      []string  `json:"frames"`
	CompletedAt time.Time `json:"completed_at"`
}
