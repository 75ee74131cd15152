package llm

// Role identifies the author of a [Message].
type Role string

const (
	// RoleUser marks a message transcribed from the human speaker.
	RoleUser Role = "user"

	// RoleAssistant marks a message produced by the model.
	RoleAssistant Role = "assistant"
)

// Message is a single entry in a conversation. Messages are values and are
// never modified once they have been appended to a history.
type Message struct {
	Role    Role
	Content string
}

// UserMessage returns a message authored by the user.
func UserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// AssistantMessage returns a message authored by the model.
func AssistantMessage(content string) Message {
	return Message{Role: RoleAssistant, Content: content}
}
