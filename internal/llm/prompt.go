package llm

import "strings"

// Role identifies who authored a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single turn in a conversation.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Prompt is the full input to an LLM completion call.
type Prompt struct {
	SystemPrompt string    `json:"system_prompt,omitempty"`
	Messages     []Message `json:"messages"`
}

// NewPrompt builds a single-turn prompt.
func NewPrompt(system, user string) *Prompt {
	return &Prompt{
		SystemPrompt: system,
		Messages:     []Message{{Role: RoleUser, Content: user}},
	}
}

// Text flattens the prompt into one string, system prompt first.
func (p *Prompt) Text() string {
	var b strings.Builder
	if p.SystemPrompt != "" {
		b.WriteString(p.SystemPrompt)
	}
	for _, m := range p.Messages {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(m.Content)
	}
	return b.String()
}

// EstimateTokens approximates the token count of texts at four characters
// per token. It is only used for rate-limit accounting.
func EstimateTokens(texts ...string) int {
	chars := 0
	for _, t := range texts {
		chars += len([]rune(t))
	}
	return (chars + 3) / 4
}
