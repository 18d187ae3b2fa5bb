package rlm

// Conversation is an append-only message log. The first message is the
// system framing.
type Conversation struct {
	messages []Message
}

func NewConversation(system string) *Conversation {
	return &Conversation{messages: []Message{{Role: RoleSystem, Content: system}}}
}

func (c *Conversation) Append(role, content string) {
	c.messages = append(c.messages, Message{Role: role, Content: content})
}

// Messages returns a copy of the log.
func (c *Conversation) Messages() []Message {
	out := make([]Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// With returns a copy of the log followed by extra, leaving the log as is.
func (c *Conversation) With(extra ...Message) []Message {
	out := make([]Message, 0, len(c.messages)+len(extra))
	out = append(out, c.messages...)
	return append(out, extra...)
}

func (c *Conversation) Len() int {
	return len(c.messages)
}
