// Package debugger implements the repair loop: it asks the model for a
// script, runs it through the harness, and feeds the issues back as
// corrective messages until the script runs cleanly or a bound is hit.
package debugger

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"scriptloop/internal/conversation"
	"scriptloop/internal/harness"
	"scriptloop/internal/issues"
	"scriptloop/internal/journal"
	"scriptloop/internal/llm"
	"scriptloop/internal/logging"
)

var (
	// ErrDebugExhausted means the script still had issues after the
	// allowed number of corrective messages.
	ErrDebugExhausted = errors.New("debug iterations exhausted")
	// ErrRevisionsExhausted means the reviewer kept rejecting working
	// scripts after the allowed number of revisions.
	ErrRevisionsExhausted = errors.New("code revisions exhausted")
	// ErrCallsExhausted means the model could not be reached with any
	// tier or context size. It is the only fatal outcome.
	ErrCallsExhausted = errors.New("model calls exhausted")
)

// MissionTag marks the mission message. Appending it again rewinds the
// conversation to start the mission afresh.
const MissionTag = "mission"

const revisionNote = "A previous solution ran but was rejected on review. Write a new solution that addresses this feedback.\n\n"

// Runner executes one candidate. *harness.Harness implements it.
type Runner interface {
	Run(ctx context.Context, candidate string, req harness.Request) (*harness.Result, error)
}

// Reviewer inspects a successful run. Any issue it returns forces a new
// revision.
type Reviewer interface {
	Review(ctx context.Context, out *harness.CodeAndOutput) (issues.Set, error)
}

// Progress is told about every state change.
type Progress interface {
	StageAdvanced(conversation string, from, to State)
}

// Config bounds and parameterises one repair session.
type Config struct {
	Conversation       string
	SystemPrompt       string
	Mission            string
	MaxDebugIterations int
	MaxCodeRevisions   int
	Tiers              llm.Tiered
	Request            harness.Request
}

// Option customises a Debugger.
type Option func(*Debugger)

// WithPolicy replaces the default retry policy.
func WithPolicy(p RetryPolicy) Option { return func(d *Debugger) { d.policy = p } }

// WithReviewer adds a review step after each successful run.
func WithReviewer(r Reviewer) Option { return func(d *Debugger) { d.reviewer = r } }

// WithProgress reports state changes to p.
func WithProgress(p Progress) Option { return func(d *Debugger) { d.progress = p } }

// WithPipelineID tags audit events.
func WithPipelineID(id string) Option { return func(d *Debugger) { d.pipelineID = id } }

// Debugger drives one mission to completion. It is single use.
type Debugger struct {
	journal    *journal.Journal
	model      llm.Client
	runner     Runner
	cfg        Config
	policy     RetryPolicy
	reviewer   Reviewer
	progress   Progress
	pipelineID string

	state       State
	transitions []State
	iteration   int
	revision    int
	tier        int
	hidden      []conversation.Designation
	last        *harness.Result
}

// New creates a Debugger writing to j.
func New(j *journal.Journal, model llm.Client, runner Runner, cfg Config, opts ...Option) *Debugger {
	if cfg.Conversation == "" {
		cfg.Conversation = "code"
	}
	d := &Debugger{
		journal: j,
		model:   model,
		runner:  runner,
		cfg:     cfg,
		policy:  DefaultPolicy{},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// State returns the current state.
func (d *Debugger) State() State { return d.state }

// Transitions returns every state entered, in order.
func (d *Debugger) Transitions() []State { return append([]State(nil), d.transitions...) }

// Iterations returns the corrective messages sent in the current revision.
func (d *Debugger) Iterations() int { return d.iteration }

// Revisions returns the number of restarts of the mission.
func (d *Debugger) Revisions() int { return d.revision }

// Tier returns the current model tier.
func (d *Debugger) Tier() int { return d.tier }

// LastResult returns the most recent harness result, or nil.
func (d *Debugger) LastResult() *harness.Result { return d.last }

// Run executes the mission. On failure the journal keeps the whole
// negotiation for inspection.
func (d *Debugger) Run(ctx context.Context) (*harness.CodeAndOutput, error) {
	if d.state != StateIdle {
		return nil, fmt.Errorf("debugger already ran (state %s)", d.state)
	}
	if d.cfg.Tiers.Len() == 0 {
		return nil, errors.New("no model tiers configured")
	}
	timer := logging.StartTimer(logging.CategoryDebugger, "repair loop")
	defer timer.Stop()
	logging.Audit(logging.AuditEvent{EventType: logging.AuditPipelineStart, PipelineID: d.pipelineID, Target: d.cfg.Conversation})

	out, err := d.run(ctx)
	if err != nil {
		d.transition(StateFailed)
		logging.DebuggerError("pipeline %s failed: %v", d.cfg.Conversation, err)
	}
	logging.Get(logging.CategoryDebugger).StructuredLog("info", "pipeline finished", map[string]interface{}{
		"pipeline":     d.pipelineID,
		"conversation": d.cfg.Conversation,
		"state":        d.state.String(),
		"revisions":    d.revision,
		"iterations":   d.iteration,
		"tier":         d.tier,
	})
	logging.Audit(logging.AuditEvent{
		EventType:  logging.AuditPipelineEnd,
		PipelineID: d.pipelineID,
		Target:     d.cfg.Conversation,
		Success:    err == nil,
		Error:      errString(err),
	})
	return out, err
}

func (d *Debugger) run(ctx context.Context) (*harness.CodeAndOutput, error) {
	if err := d.prepare(); err != nil {
		return nil, err
	}
	mission := d.cfg.Mission
	for {
		msg := conversation.NewMessage(conversation.RoleUser, "", mission).WithTag(MissionTag)
		if err := d.journal.Append(d.cfg.Conversation, msg); err != nil {
			return nil, err
		}
		d.iteration = 0
		d.hidden = nil

		res, err := d.debug(ctx)
		if err != nil {
			return nil, err
		}

		feedback, err := d.review(ctx, res.Output)
		if err != nil {
			return nil, err
		}
		if len(feedback) == 0 {
			d.transition(StateDone)
			out := res.Output
			out.Metadata["revision"] = strconv.Itoa(d.revision)
			out.Metadata["iterations"] = strconv.Itoa(d.iteration)
			return out, nil
		}

		if d.revision >= d.cfg.MaxCodeRevisions {
			return nil, fmt.Errorf("%w: rejected after %d revision(s)", ErrRevisionsExhausted, d.revision)
		}
		d.revision++
		d.transition(StateRevising)
		note := conversation.NewMessage(conversation.RoleCommenter, "reviewer", issues.Render(feedback))
		if err := d.journal.Append(d.cfg.Conversation, note); err != nil {
			return nil, err
		}
		mission = d.cfg.Mission + "\n\n" + revisionNote + issues.Render(feedback)
		logging.Debugger("revision %d of %s", d.revision, d.cfg.Conversation)
	}
}

// prepare creates the conversation with its system prompt if needed.
func (d *Debugger) prepare() error {
	if _, ok := d.journal.Conversation(d.cfg.Conversation); ok {
		return nil
	}
	if err := d.journal.Create(d.cfg.Conversation); err != nil {
		return err
	}
	if d.cfg.SystemPrompt == "" {
		return nil
	}
	return d.journal.Append(d.cfg.Conversation,
		conversation.NewMessage(conversation.RoleSystem, "", d.cfg.SystemPrompt))
}

// debug runs the corrective loop of one revision until a run succeeds.
func (d *Debugger) debug(ctx context.Context) (*harness.Result, error) {
	for {
		d.transition(StateRunning)
		candidate, err := d.request(ctx)
		if err != nil {
			return nil, err
		}
		res, err := d.runner.Run(ctx, candidate, d.cfg.Request)
		if err != nil {
			return nil, fmt.Errorf("run candidate: %w", err)
		}
		d.last = res
		if res.Succeeded() {
			d.transition(StateSucceeded)
			return res, nil
		}

		d.transition(StateIssuesFound)
		logging.Debugger("iteration %d: %d issue(s) at stage %s", d.iteration, len(res.Issues), res.Stage)
		if d.iteration >= d.cfg.MaxDebugIterations {
			return nil, fmt.Errorf("%w: %d corrective message(s) sent, last failing stage %s",
				ErrDebugExhausted, d.iteration, res.Stage)
		}
		d.iteration++
		corrective := conversation.NewMessage(conversation.RoleUser, "", issues.Render(res.Issues))
		if err := d.journal.Append(d.cfg.Conversation, corrective); err != nil {
			return nil, err
		}
		d.transition(StateRevising)
	}
}

// request asks the model for the next candidate and commits the response.
// A call cancelled through ctx commits nothing.
func (d *Debugger) request(ctx context.Context) (string, error) {
	name := d.cfg.Conversation
	failures := 0
	for {
		c, ok := d.journal.Conversation(name)
		if !ok {
			return "", fmt.Errorf("%w: %q", journal.ErrNoConversation, name)
		}
		hidden, err := conversation.Union(c, d.hidden...)
		if err != nil {
			return "", err
		}
		sent := c.ForModel(hidden)
		msgs := make([]conversation.Message, len(sent))
		for i, idx := range sent {
			msgs[i] = c.At(idx)
		}
		model := d.cfg.Tiers.Model(d.tier)

		logging.Audit(logging.AuditEvent{EventType: logging.AuditLLMRequest, PipelineID: d.pipelineID, Target: model})
		text, err := d.model.Complete(ctx, model, msgs)
		if err == nil {
			reply := conversation.NewMessage(conversation.RoleAssistant, "", harness.Normalize(text))
			reply.Provenance = &conversation.Provenance{Model: model, Sent: sent}
			if err := d.journal.Append(name, reply); err != nil {
				return "", err
			}
			return reply.Content, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}

		failures++
		d.transition(StateCallFailed)
		logging.DebuggerWarn("model %s failed (%d): %v", model, failures, err)
		logging.Audit(logging.AuditEvent{EventType: logging.AuditLLMError, PipelineID: d.pipelineID, Target: model, Error: err.Error()})
		if jerr := d.journal.FailedResponse(name, model, err, sent); jerr != nil {
			return "", jerr
		}

		hideable := without(c.Hideable(), hidden)
		decision := d.policy.Decide(FailureState{
			Tier:     d.tier,
			Tiers:    d.cfg.Tiers.Len(),
			Hidden:   len(hidden),
			Hideable: len(hideable),
			Failures: failures,
		})
		switch {
		case decision == EscalateTier && d.tier+1 < d.cfg.Tiers.Len():
			d.tier++
		case decision == HideOldestMessage && len(hideable) > 0:
			d.hidden = append(d.hidden, conversation.Index(hideable[0]))
		default:
			return "", fmt.Errorf("%w after %d failed call(s): %w", ErrCallsExhausted, failures, err)
		}
		logging.Debugger("retrying after call failure: %s", decision)
		d.transition(StateRetrying)
	}
}

func (d *Debugger) review(ctx context.Context, out *harness.CodeAndOutput) (issues.Set, error) {
	if d.reviewer == nil {
		return nil, nil
	}
	found, err := d.reviewer.Review(ctx, out)
	if err != nil {
		return nil, fmt.Errorf("review: %w", err)
	}
	return found.AtLeast(issues.SeverityStatic), nil
}

func (d *Debugger) transition(to State) {
	from := d.state
	d.state = to
	d.transitions = append(d.transitions, to)
	logging.DebuggerDebug("%s: %s -> %s", d.cfg.Conversation, from, to)
	if d.progress != nil {
		d.progress.StageAdvanced(d.cfg.Conversation, from, to)
	}
}

// without returns the members of all not present in drop.
func without(all, drop []int) []int {
	skip := make(map[int]bool, len(drop))
	for _, i := range drop {
		skip[i] = true
	}
	var out []int
	for _, i := range all {
		if !skip[i] {
			out = append(out, i)
		}
	}
	return out
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
