// Package journal owns the conversations of one pipeline. Every change is
// an Action applied through the Journal and appended to its Action Log, so
// replaying the log against an empty journal rebuilds the same state.
package journal

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"scriptloop/internal/conversation"
	"scriptloop/internal/logging"
)

// Record is an applied action with its position in the log. Time is
// informational and takes no part in replay.
type Record struct {
	Seq    int       `json:"seq"`
	Time   time.Time `json:"time"`
	Action Action    `json:"action"`
}

// Observer is notified after each record is committed. Observers run on
// the writer's goroutine and must not call back into the journal.
type Observer interface {
	OnRecord(r Record, c *conversation.Conversation)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(r Record, c *conversation.Conversation)

// OnRecord implements Observer.
func (f ObserverFunc) OnRecord(r Record, c *conversation.Conversation) { f(r, c) }

// Journal is the single writer of a pipeline's conversations.
type Journal struct {
	mu            sync.Mutex
	conversations map[string]*conversation.Conversation
	records       []Record
	observers     []Observer
	now           func() time.Time
}

// New creates an empty journal.
func New(observers ...Observer) *Journal {
	return &Journal{
		conversations: make(map[string]*conversation.Conversation),
		observers:     observers,
		now:           time.Now,
	}
}

// Observe registers an additional observer.
func (j *Journal) Observe(o Observer) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.observers = append(j.observers, o)
}

// Apply validates and applies a, then appends it to the log. An action
// that fails leaves both the conversations and the log unchanged.
func (j *Journal) Apply(a Action) (Record, error) {
	a = a.clone()

	j.mu.Lock()
	c, err := a.apply(j.conversations)
	if err != nil {
		j.mu.Unlock()
		logging.JournalDebug("rejected %s: %v", a, err)
		return Record{}, fmt.Errorf("apply %s: %w", a.Kind, err)
	}
	rec := Record{Seq: len(j.records) + 1, Time: j.now(), Action: a}
	j.records = append(j.records, rec)
	observers := append([]Observer(nil), j.observers...)
	view := c.Clone()
	j.mu.Unlock()

	logging.JournalDebug("#%d %s", rec.Seq, a)
	for _, o := range observers {
		o.OnRecord(rec, view)
	}
	return rec, nil
}

// Create adds a conversation.
func (j *Journal) Create(name string, participants ...string) error {
	_, err := j.Apply(Action{Kind: KindCreateConversation, Conversation: name, Participants: participants})
	return err
}

// AddParticipants extends a conversation's participants.
func (j *Journal) AddParticipants(name string, participants ...string) error {
	_, err := j.Apply(Action{Kind: KindAddParticipants, Conversation: name, Participants: participants})
	return err
}

// Append adds msg to a conversation. When msg carries a tag that already
// exists, the conversation is first cut back to just before it.
func (j *Journal) Append(name string, msg conversation.Message) error {
	_, err := j.Apply(Action{Kind: KindAppendMessage, Conversation: name, Message: &msg})
	return err
}

// ResetToTag truncates a conversation to just after the most recent
// message carrying tag.
func (j *Journal) ResetToTag(name, tag string) error {
	_, err := j.Apply(Action{Kind: KindResetToTag, Conversation: name, Tag: tag})
	return err
}

// Delete removes the designated messages.
func (j *Journal) Delete(name string, sel conversation.Selection) error {
	_, err := j.Apply(Action{Kind: KindDeleteMessages, Conversation: name, Selection: &sel})
	return err
}

// ReplaceLast swaps the last message of a conversation.
func (j *Journal) ReplaceLast(name string, msg conversation.Message) error {
	_, err := j.Apply(Action{Kind: KindReplaceLastMessage, Conversation: name, Message: &msg})
	return err
}

// FailedResponse records a model call that definitively failed.
func (j *Journal) FailedResponse(name, model string, cause error, sent []int) error {
	_, err := j.Apply(Action{
		Kind:         KindFailedResponse,
		Conversation: name,
		Model:        model,
		Error:        cause.Error(),
		Sent:         sent,
	})
	return err
}

// Conversation returns a copy of the named conversation.
func (j *Journal) Conversation(name string) (*conversation.Conversation, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	c, ok := j.conversations[name]
	if !ok {
		return nil, false
	}
	return c.Clone(), true
}

// Names returns the sorted conversation names.
func (j *Journal) Names() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]string, 0, len(j.conversations))
	for n := range j.conversations {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Records returns a copy of the Action Log.
func (j *Journal) Records() []Record {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]Record, len(j.records))
	for i, r := range j.records {
		r.Action = r.Action.clone()
		out[i] = r
	}
	return out
}

// Len returns the number of records in the Action Log.
func (j *Journal) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.records)
}

// State returns every conversation's messages keyed by name. Two journals
// with equal State hold identical conversations.
func (j *Journal) State() map[string][]conversation.Message {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make(map[string][]conversation.Message, len(j.conversations))
	for name, c := range j.conversations {
		out[name] = c.Messages()
	}
	return out
}

func (a Action) clone() Action {
	if a.Participants != nil {
		a.Participants = append([]string(nil), a.Participants...)
	}
	if a.Message != nil {
		m := a.Message.Clone()
		a.Message = &m
	}
	if a.Selection != nil {
		s := conversation.Selection{
			Positions: append([]conversation.Position(nil), a.Selection.Positions...),
			Ranges:    append([]conversation.Range(nil), a.Selection.Ranges...),
		}
		a.Selection = &s
	}
	if a.Sent != nil {
		a.Sent = append([]int(nil), a.Sent...)
	}
	return a
}
