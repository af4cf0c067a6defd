package llm

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is a single entry in a conversation history.
type Message struct {
	// Role is one of RoleSystem, RoleUser, RoleAssistant or RoleTool.
	Role string

	// Content is the text content of the message. For RoleTool it is the
	// JSON-encoded tool result.
	Content string

	// Name is the tool name on RoleTool messages. Providers that key tool
	// results by name rather than by call ID rely on it.
	Name string

	// ToolCalls lists the tool invocations requested by an assistant message.
	ToolCalls []ToolCall

	// ToolCallID links a RoleTool message to the call it answers.
	ToolCallID string
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	// ID is the provider-assigned call identifier.
	ID string

	// Name is the tool name.
	Name string

	// Arguments is the JSON-encoded argument object.
	Arguments string
}

// ToolDefinition describes a tool offered to the model.
type ToolDefinition struct {
	Name        string
	Description string

	// Parameters is the JSON Schema of the argument object.
	Parameters map[string]any
}

// ModelCapabilities describes what a model supports.
type ModelCapabilities struct {
	// ContextWindow is the maximum token count for input + output.
	ContextWindow int

	// MaxOutputTokens is the maximum tokens the model can generate in one completion.
	MaxOutputTokens int

	SupportsToolCalling bool
	SupportsVision      bool
	SupportsStreaming   bool
}
