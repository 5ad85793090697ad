package bridge

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"scriptloop/internal/conversation"
	"scriptloop/internal/debugger"
	"scriptloop/internal/harness"
	"scriptloop/internal/journal"
	"scriptloop/internal/logging"
)

// Emitter writes the event stream of one pipeline. It observes the
// journal and the repair loop.
type Emitter struct {
	mu       sync.Mutex
	enc      *json.Encoder
	pipeline string
	seq      int64
	err      error
	now      func() time.Time
}

// NewEmitter writes events for pipeline to w.
func NewEmitter(w io.Writer, pipeline string) *Emitter {
	return &Emitter{enc: json.NewEncoder(w), pipeline: pipeline, now: time.Now}
}

// OnRecord implements journal.Observer.
func (e *Emitter) OnRecord(r journal.Record, c *conversation.Conversation) {
	switch r.Action.Kind {
	case journal.KindCreateConversation:
		e.emit(TypeConversationCreated, r.Action.Conversation, nil)
	case journal.KindAppendMessage, journal.KindReplaceLastMessage:
		last, ok := c.Last()
		if !ok {
			return
		}
		e.emit(TypeMessageAppended, r.Action.Conversation, MessagePayload{Index: c.Len() - 1, Message: last})
	default:
		logging.BridgeDebug("not forwarding %s", r.Action)
	}
}

// StageAdvanced implements debugger.Progress.
func (e *Emitter) StageAdvanced(conv string, from, to debugger.State) {
	e.emit(TypeStageAdvanced, conv, StagePayload{From: from.String(), To: to.String()})
}

// Finish emits the final event. out may be nil on failure.
func (e *Emitter) Finish(out *harness.CodeAndOutput, cause error) error {
	p := FinishedPayload{Success: cause == nil}
	if cause != nil {
		p.Error = cause.Error()
	}
	if out != nil {
		p.Code = out.Code
		for name := range out.Files {
			p.Files = append(p.Files, name)
		}
		sort.Strings(p.Files)
	}
	e.emit(TypePipelineFinished, "", p)
	return e.Err()
}

// Err returns the first write failure.
func (e *Emitter) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

func (e *Emitter) emit(typ, conv string, payload interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return
	}
	e.seq++
	ev := Event{
		Version:      EventSchemaVersion,
		EventID:      uuid.NewString(),
		Sequence:     e.seq,
		Type:         typ,
		Time:         e.now().UTC(),
		PipelineID:   e.pipeline,
		Conversation: conv,
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			e.err = fmt.Errorf("encode %s payload: %w", typ, err)
			return
		}
		ev.Payload = raw
	}
	if err := e.enc.Encode(ev); err != nil {
		e.err = fmt.Errorf("write %s event: %w", typ, err)
		logging.BridgeWarn("event stream broken: %v", err)
	}
}
