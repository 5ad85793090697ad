// Package bridge carries pipeline progress from a child process to its
// supervisor as a JSON-lines event stream on the child's stdout.
package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"scriptloop/internal/conversation"
)

// EventSchemaVersion is the current event version.
const EventSchemaVersion = 1

// Event types.
const (
	TypeConversationCreated = "conversation_created"
	TypeMessageAppended     = "message_appended"
	TypeStageAdvanced       = "stage_advanced"
	TypePipelineFinished    = "pipeline_finished"
)

var knownTypes = map[string]bool{
	TypeConversationCreated: true,
	TypeMessageAppended:     true,
	TypeStageAdvanced:       true,
	TypePipelineFinished:    true,
}

// Event is one line of the stream.
type Event struct {
	Version      int             `json:"version"`
	EventID      string          `json:"event_id"`
	Sequence     int64           `json:"sequence"`
	Type         string          `json:"type"`
	Time         time.Time       `json:"time"`
	PipelineID   string          `json:"pipeline_id"`
	Conversation string          `json:"conversation,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

// MessagePayload accompanies message_appended. Index is the message's
// position after the append, so a rewind shows up as a smaller index.
type MessagePayload struct {
	Index   int                  `json:"index"`
	Message conversation.Message `json:"message"`
}

// StagePayload accompanies stage_advanced.
type StagePayload struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// FinishedPayload accompanies pipeline_finished.
type FinishedPayload struct {
	Success bool     `json:"success"`
	Error   string   `json:"error,omitempty"`
	Code    string   `json:"code,omitempty"`
	Files   []string `json:"files,omitempty"`
}

// Normalize applies defaults and trims identifiers.
func (e *Event) Normalize() {
	if e == nil {
		return
	}
	if e.Version == 0 {
		e.Version = EventSchemaVersion
	}
	e.EventID = strings.TrimSpace(e.EventID)
	e.Type = strings.TrimSpace(e.Type)
	e.PipelineID = strings.TrimSpace(e.PipelineID)
}

// Validate enforces the schema.
func (e Event) Validate() error {
	if e.Version != EventSchemaVersion {
		return fmt.Errorf("version %d not supported", e.Version)
	}
	if e.EventID == "" {
		return errors.New("event_id is required")
	}
	if !knownTypes[e.Type] {
		return fmt.Errorf("unknown event type %q", e.Type)
	}
	if e.PipelineID == "" {
		return errors.New("pipeline_id is required")
	}
	return nil
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v interface{}) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s event has no payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}
