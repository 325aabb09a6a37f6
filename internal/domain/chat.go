package domain

// ChatMessage is the provider-agnostic chat message shape used by the
// orchestrator and LLM integrations.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest carries one streaming generation call.
type CompletionRequest struct {
	Model       string
	Messages    []ChatMessage
	MaxTokens   int
	Temperature float64
}

// Fragment is one incremental piece of upstream output. A non-empty
// FinishReason marks the end of generation.
type Fragment struct {
	Content      string
	FinishReason string
}

// Finished reports whether the fragment carries the finish signal.
func (f Fragment) Finished() bool {
	return f.FinishReason != ""
}
