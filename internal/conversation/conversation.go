package conversation

import (
	"errors"
	"fmt"
	"sort"
)

// ErrNotParticipant is returned when a message author is not a participant
// of a conversation that restricts its participants.
var ErrNotParticipant = errors.New("author is not a conversation participant")

// Conversation is an ordered sequence of messages. It is mutated only by
// the journal while applying actions.
type Conversation struct {
	Name         string
	participants map[string]struct{}
	messages     []Message
}

// New creates an empty conversation. With no participants any author may
// append.
func New(name string, participants ...string) *Conversation {
	c := &Conversation{Name: name}
	c.AddParticipants(participants...)
	return c
}

// AddParticipants extends the participant set. Adding the first participant
// turns the membership check on.
func (c *Conversation) AddParticipants(names ...string) {
	if len(names) == 0 {
		return
	}
	if c.participants == nil {
		c.participants = make(map[string]struct{}, len(names))
	}
	for _, n := range names {
		c.participants[n] = struct{}{}
	}
}

// Participants returns the sorted participant names, or nil when
// unrestricted.
func (c *Conversation) Participants() []string {
	if c.participants == nil {
		return nil
	}
	out := make([]string, 0, len(c.participants))
	for n := range c.participants {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of messages.
func (c *Conversation) Len() int { return len(c.messages) }

// At returns a copy of the message at index i.
func (c *Conversation) At(i int) Message { return c.messages[i].Clone() }

// Last returns the final message and false when empty.
func (c *Conversation) Last() (Message, bool) {
	if len(c.messages) == 0 {
		return Message{}, false
	}
	return c.At(len(c.messages) - 1), true
}

// Messages returns a copy of the whole history.
func (c *Conversation) Messages() []Message {
	out := make([]Message, len(c.messages))
	for i, m := range c.messages {
		out[i] = m.Clone()
	}
	return out
}

// TagIndex returns the position of the most recent message carrying tag.
func (c *Conversation) TagIndex(tag string) (int, bool) {
	for i := len(c.messages) - 1; i >= 0; i-- {
		if c.messages[i].Tag == tag {
			return i, true
		}
	}
	return -1, false
}

// CheckAuthor enforces the participant invariant for msg.
func (c *Conversation) CheckAuthor(msg Message) error {
	if c.participants == nil || msg.Role == RoleCommenter {
		return nil
	}
	if _, ok := c.participants[msg.Author]; !ok {
		return fmt.Errorf("%w: %q in %q", ErrNotParticipant, msg.Author, c.Name)
	}
	return nil
}

// Append adds msg at the end after validating it.
func (c *Conversation) Append(msg Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	if err := c.CheckAuthor(msg); err != nil {
		return err
	}
	c.messages = append(c.messages, msg.Clone())
	return nil
}

// Truncate keeps the first n messages.
func (c *Conversation) Truncate(n int) error {
	if n < 0 || n > len(c.messages) {
		return &IndexError{Index: n, Len: len(c.messages)}
	}
	c.messages = c.messages[:n:n]
	return nil
}

// Delete removes the messages at the given indices.
func (c *Conversation) Delete(indices []int) error {
	drop := make(map[int]struct{}, len(indices))
	for _, i := range indices {
		if i < 0 || i >= len(c.messages) {
			return &IndexError{Index: i, Len: len(c.messages)}
		}
		drop[i] = struct{}{}
	}
	kept := make([]Message, 0, len(c.messages)-len(drop))
	for i, m := range c.messages {
		if _, gone := drop[i]; !gone {
			kept = append(kept, m)
		}
	}
	c.messages = kept
	return nil
}

// ReplaceLast swaps the final message for msg.
func (c *Conversation) ReplaceLast(msg Message) error {
	if len(c.messages) == 0 {
		return &IndexError{Index: -1, Len: 0}
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	if err := c.CheckAuthor(msg); err != nil {
		return err
	}
	c.messages[len(c.messages)-1] = msg.Clone()
	return nil
}

// ForModel returns the indices of the messages that would be sent to a
// model, skipping ignored and commenter messages and every index in hidden.
func (c *Conversation) ForModel(hidden []int) []int {
	skip := make(map[int]struct{}, len(hidden))
	for _, h := range hidden {
		skip[h] = struct{}{}
	}
	var out []int
	for i, m := range c.messages {
		if _, ok := skip[i]; ok || !m.SentToModel() {
			continue
		}
		out = append(out, i)
	}
	return out
}

// Hideable returns, oldest first, the indices that may be hidden to shrink a
// request: every sendable non-system message except the last one.
func (c *Conversation) Hideable() []int {
	var out []int
	for _, i := range c.ForModel(nil) {
		if c.messages[i].Role == RoleSystem {
			continue
		}
		out = append(out, i)
	}
	if len(out) > 0 && out[len(out)-1] == len(c.messages)-1 {
		out = out[:len(out)-1]
	}
	return out
}

// Clone returns an independent copy of the conversation.
func (c *Conversation) Clone() *Conversation {
	out := &Conversation{Name: c.Name, messages: c.Messages()}
	if c.participants != nil {
		out.participants = make(map[string]struct{}, len(c.participants))
		for n := range c.participants {
			out.participants[n] = struct{}{}
		}
	}
	return out
}
