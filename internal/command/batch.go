package command

import "time"

// Batch is the set of tokens parsed from one assistant reply, addressed
// to the executor that applies them to the user's to-do list.
type Batch struct {
	SessionID string    `json:"session_id"`
	Provider  string    `json:"provider"`
	Model     string    `json:"model"`
	Timestamp time.Time `json:"timestamp"`
	Commands  []Token   `json:"commands"`
}

// Empty reports whether the batch carries no commands.
func (b Batch) Empty() bool { return len(b.Commands) == 0 }
