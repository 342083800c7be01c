package domain

// Role is the author of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

// Message is a single role-tagged chat entry as persisted in a history record.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// DefaultHistory returns the history a session starts with.
func DefaultHistory(systemPrompt string) []Message {
	return []Message{{Role: RoleSystem, Content: systemPrompt}}
}

// Trim applies the retention policy: the first system message, if any, is kept
// at the front and followed by the most recent non-system messages so that the
// result holds at most maxLen entries. Other system messages are dropped.
func Trim(msgs []Message, maxLen int) []Message {
	var system *Message
	rest := make([]Message, 0, len(msgs))
	for i := range msgs {
		if msgs[i].Role == RoleSystem {
			if system == nil {
				system = &msgs[i]
			}
			continue
		}
		rest = append(rest, msgs[i])
	}

	keep := maxLen
	if system != nil {
		keep--
	}
	if keep < 0 {
		keep = 0
	}
	if len(rest) > keep {
		rest = rest[len(rest)-keep:]
	}

	out := make([]Message, 0, len(rest)+1)
	if system != nil {
		out = append(out, *system)
	}
	return append(out, rest...)
}
