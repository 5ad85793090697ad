package journal

import (
	"errors"
	"fmt"

	"scriptloop/internal/conversation"
)

// Kind names an action type. Kinds are part of the Action Log format.
type Kind string

const (
	KindCreateConversation Kind = "create_conversation"
	KindAddParticipants    Kind = "add_participants"
	KindAppendMessage      Kind = "append_message"
	KindResetToTag         Kind = "reset_to_tag"
	KindDeleteMessages     Kind = "delete_messages"
	KindReplaceLastMessage Kind = "replace_last_message"
	KindFailedResponse     Kind = "failed_response"
)

var (
	ErrNoConversation     = errors.New("conversation does not exist")
	ErrConversationExists = errors.New("conversation already exists")
	ErrUnknownAction      = errors.New("unknown action kind")
)

// Action is one mutation intent. Only the fields relevant to Kind are set.
type Action struct {
	Kind         Kind                    `json:"kind"`
	Conversation string                  `json:"conversation"`
	Participants []string                `json:"participants,omitempty"`
	Message      *conversation.Message   `json:"message,omitempty"`
	Tag          string                  `json:"tag,omitempty"`
	Selection    *conversation.Selection `json:"selection,omitempty"`
	// FailedResponse fields.
	Model string `json:"model,omitempty"`
	Error string `json:"error,omitempty"`
	Sent  []int  `json:"sent,omitempty"`
}

func (a Action) String() string {
	switch a.Kind {
	case KindAppendMessage, KindReplaceLastMessage:
		if a.Message != nil {
			return fmt.Sprintf("%s %s %s", a.Kind, a.Conversation, a.Message)
		}
	case KindResetToTag:
		return fmt.Sprintf("%s %s #%s", a.Kind, a.Conversation, a.Tag)
	case KindFailedResponse:
		return fmt.Sprintf("%s %s model=%s: %s", a.Kind, a.Conversation, a.Model, a.Error)
	}
	return fmt.Sprintf("%s %s", a.Kind, a.Conversation)
}

// apply performs the action against convs. It leaves convs untouched when
// it returns an error.
func (a Action) apply(convs map[string]*conversation.Conversation) (*conversation.Conversation, error) {
	if a.Kind == KindCreateConversation {
		if _, ok := convs[a.Conversation]; ok {
			return nil, fmt.Errorf("%w: %q", ErrConversationExists, a.Conversation)
		}
		c := conversation.New(a.Conversation, a.Participants...)
		convs[a.Conversation] = c
		return c, nil
	}

	c, ok := convs[a.Conversation]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNoConversation, a.Conversation)
	}

	switch a.Kind {
	case KindAddParticipants:
		c.AddParticipants(a.Participants...)

	case KindAppendMessage:
		if a.Message == nil {
			return nil, errors.New("append_message without a message")
		}
		msg := *a.Message
		if err := msg.Validate(); err != nil {
			return nil, err
		}
		if err := c.CheckAuthor(msg); err != nil {
			return nil, err
		}
		if msg.Tag != "" {
			if i, found := c.TagIndex(msg.Tag); found {
				if err := c.Truncate(i); err != nil {
					return nil, err
				}
			}
		}
		if err := c.Append(msg); err != nil {
			return nil, err
		}

	case KindResetToTag:
		i, found := c.TagIndex(a.Tag)
		if !found {
			return nil, fmt.Errorf("%w: %q in %q", conversation.ErrUnknownTag, a.Tag, a.Conversation)
		}
		if err := c.Truncate(i + 1); err != nil {
			return nil, err
		}

	case KindDeleteMessages:
		if a.Selection == nil {
			return nil, errors.New("delete_messages without a selection")
		}
		indices, err := a.Selection.Indices(c)
		if err != nil {
			return nil, err
		}
		if err := c.Delete(indices); err != nil {
			return nil, err
		}

	case KindReplaceLastMessage:
		if a.Message == nil {
			return nil, errors.New("replace_last_message without a message")
		}
		if err := c.ReplaceLast(*a.Message); err != nil {
			return nil, err
		}

	case KindFailedResponse:
		// Recorded for audit only.

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, a.Kind)
	}
	return c, nil
}
