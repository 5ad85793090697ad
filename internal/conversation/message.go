// Package conversation holds the message model shared by the journal, the
// repair loop and the provider adapters, together with the designation
// resolver used to address messages symbolically.
package conversation

import (
	"fmt"
	"strings"
)

// Role identifies who authored a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	// RoleSurrogate marks assistant text injected by the host rather than
	// returned by a model call. Providers see it as assistant text.
	RoleSurrogate Role = "surrogate"
	// RoleCommenter messages annotate the log and are never sent to a model.
	RoleCommenter Role = "commenter"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant, RoleSurrogate, RoleCommenter:
		return true
	}
	return false
}

// IsAssistantLike is true for assistant and surrogate messages.
func (r Role) IsAssistantLike() bool {
	return r == RoleAssistant || r == RoleSurrogate
}

// ProviderRole maps the role onto the three roles model providers accept.
func (r Role) ProviderRole() string {
	if r.IsAssistantLike() {
		return string(RoleAssistant)
	}
	return string(r)
}

// Provenance records what was sent to the model to obtain a response.
type Provenance struct {
	Model string `json:"model"`
	// Sent lists the conversation indices included in the request, after
	// hidden and ignored messages were dropped.
	Sent []int `json:"sent"`
}

// Message is the atomic unit of a conversation. Messages are values; once
// appended they are never modified, only truncated away or replaced whole.
type Message struct {
	Role         Role        `json:"role"`
	Content      string      `json:"content"`
	Tag          string      `json:"tag,omitempty"`
	Author       string      `json:"author,omitempty"`
	Ignore       bool        `json:"ignore,omitempty"`
	IsBackground bool        `json:"is_background,omitempty"`
	Provenance   *Provenance `json:"provenance,omitempty"`
}

// NewMessage builds an untagged message.
func NewMessage(role Role, author, content string) Message {
	return Message{Role: role, Author: author, Content: content}
}

// WithTag returns a copy of m carrying tag.
func (m Message) WithTag(tag string) Message {
	m.Tag = tag
	m.Provenance = m.Provenance.clone()
	return m
}

// Clone returns a deep copy of m.
func (m Message) Clone() Message {
	m.Provenance = m.Provenance.clone()
	return m
}

// Validate checks the fields every appended message must carry.
func (m Message) Validate() error {
	if !m.Role.Valid() {
		return fmt.Errorf("invalid role %q", m.Role)
	}
	return nil
}

// SentToModel reports whether the message takes part in model requests.
func (m Message) SentToModel() bool {
	return !m.Ignore && m.Role != RoleCommenter
}

// String renders a short, single-line description used in logs.
func (m Message) String() string {
	content := strings.ReplaceAll(m.Content, "\n", " ")
	if len(content) > 60 {
		content = content[:57] + "..."
	}
	if m.Tag != "" {
		return fmt.Sprintf("[%s #%s] %s", m.Role, m.Tag, content)
	}
	return fmt.Sprintf("[%s] %s", m.Role, content)
}

func (p *Provenance) clone() *Provenance {
	if p == nil {
		return nil
	}
	out := &Provenance{Model: p.Model}
	if p.Sent != nil {
		out.Sent = append([]int(nil), p.Sent...)
	}
	return out
}
