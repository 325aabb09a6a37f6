package domain

// CheckpointStreaming is the only status tag a resumable checkpoint carries.
const CheckpointStreaming = "streaming"

// Checkpoint is the ephemeral progress record of a running or interrupted
// turn. It is never written to the durable store.
type Checkpoint struct {
	SessionID       string
	MessageID       string
	Status          string
	LastUserMessage string
	Content         string
}

// Resumable reports whether the checkpoint carries everything a resume needs.
func (c *Checkpoint) Resumable() bool {
	return c != nil &&
		c.Status == CheckpointStreaming &&
		c.MessageID != "" &&
		c.LastUserMessage != ""
}
