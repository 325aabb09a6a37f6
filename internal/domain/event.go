package domain

type EventType string

const (
	EventResume  EventType = "resume"
	EventRetry   EventType = "retry"
	EventContent EventType = "content"
	EventDone    EventType = "done"
	EventError   EventType = "error"
)

// Event is one element of a turn's event sequence. Only the fields relevant
// to Type are meaningful; the sse package decides which go on the wire.
type Event struct {
	Type            EventType
	MessageID       string
	Content         string
	Accumulated     string
	ExistingContent string
	TotalContent    string
	PartialContent  string
	Error           string
	Message         string
	Attempt         int
}

// Terminal reports whether the event ends a turn.
func (e Event) Terminal() bool {
	return e.Type == EventDone || e.Type == EventError
}

func ResumeEvent(messageID, existing string) Event {
	return Event{Type: EventResume, MessageID: messageID, ExistingContent: existing}
}

func RetryEvent(message string, attempt int) Event {
	return Event{Type: EventRetry, Message: message, Attempt: attempt}
}

func ContentEvent(messageID, fragment, accumulated string) Event {
	return Event{Type: EventContent, MessageID: messageID, Content: fragment, Accumulated: accumulated}
}

func DoneEvent(messageID, total string) Event {
	return Event{Type: EventDone, MessageID: messageID, TotalContent: total}
}

func ErrorEvent(messageID, errMsg, partial string) Event {
	return Event{Type: EventError, MessageID: messageID, Error: errMsg, PartialContent: partial}
}
