package generation

// Message roles follow the chat-completions convention.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of conversation context.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a fully resolved generation call: the model has already been
// chosen and the prompt assembled.
type Request struct {
	Model    string
	System   string
	Messages []Message
}

// Event is one unit of the generation stream. A stream is zero or more
// delta events followed by exactly one terminal event: Done on success or
// Err on failure.
type Event struct {
	Delta string
	Done  bool
	Err   error
}
