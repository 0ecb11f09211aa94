// Package orchestrator drives one inbound event through its lifecycle:
//
//	RECEIVED → PREPROCESSED → [TRANSCRIBED] → INPUT_BUILT → REASONING →
//	POST_PROCESSED → REPLIED → ACKNOWLEDGED
//
// FAILED is reachable from any non-terminal state. Acknowledgement to the
// bridge runs on every exit path, including panics and an expired task
// deadline.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/go-site-agent/internal/domain"
	"github.com/tbourn/go-site-agent/internal/memory"
	"github.com/tbourn/go-site-agent/internal/metrics"
	"github.com/tbourn/go-site-agent/internal/reasoning"
	"github.com/tbourn/go-site-agent/internal/repo"
	"github.com/tbourn/go-site-agent/internal/sequence"
	"github.com/tbourn/go-site-agent/internal/tools"
	"github.com/tbourn/go-site-agent/internal/transcribe"
)

// State is a lifecycle state of one event.
type State string

const (
	StateReceived      State = "RECEIVED"
	StatePreprocessed  State = "PREPROCESSED"
	StateTranscribed   State = "TRANSCRIBED"
	StateInputBuilt    State = "INPUT_BUILT"
	StateReasoning     State = "REASONING"
	StatePostProcessed State = "POST_PROCESSED"
	StateReplied       State = "REPLIED"
	StateAcknowledged  State = "ACKNOWLEDGED"
	StateFailed        State = "FAILED"
)

// Apology is sent to the group when processing fails.
const Apology = "מצטער, אירעה שגיאה בעיבוד ההודעה. נסה שוב מאוחר יותר."

// Replies used when the iteration cap is reached before the model wrote any
// text of its own.
const (
	FallbackDone   = "הפעולה בוצעה."
	FallbackFailed = "לא הצלחתי לבצע את הפעולה. נסה לנסח את הבקשה מחדש."
)

// ErrMalformedEvent means the event cannot be turned into model input.
// Redelivery would fail the same way.
var ErrMalformedEvent = errors.New("malformed event")

const closeEmoji = "👍"

// Skip reasons recorded on the Report.
const (
	SkipUnknownSite  = "unknown_site"
	SkipSiteDisabled = "site_disabled"
)

// SiteSource resolves tenants; repo.ErrNotFound for unknown groups.
type SiteSource interface {
	Get(ctx context.Context, groupID string) (*domain.Site, error)
}

// Transcriber converts a bridge-uploaded file to text.
type Transcriber interface {
	Transcribe(ctx context.Context, fileID string, terms []string) (string, error)
}

// Messenger replies to the group and acknowledges events.
type Messenger interface {
	SendMessage(ctx context.Context, groupID, text string) error
	ConfirmProcessing(ctx context.Context, messageID string) error
}

// Memory is the per-thread conversation checkpoint.
type Memory interface {
	Load(ctx context.Context, threadID string) (memory.Checkpoint, error)
	Append(ctx context.Context, threadID string, turns ...memory.Turn) error
	Clear(ctx context.Context, threadID string) error
}

// ToolInvoker exposes the tool registry.
type ToolInvoker interface {
	Definitions() []tools.Definition
	Invoke(ctx context.Context, name string, call tools.Call) (tools.Result, error)
}

// Report records what happened to one event.
type Report struct {
	EventID    string
	GroupID    string
	States     []State
	Skipped    string
	Transcript string
	ToolCalls  []string
	Reply      string
}

// Final returns the last state entered.
func (r Report) Final() State {
	if len(r.States) == 0 {
		return ""
	}
	return r.States[len(r.States)-1]
}

// Reached reports whether s was entered.
func (r Report) Reached(s State) bool {
	for _, x := range r.States {
		if x == s {
			return true
		}
	}
	return false
}

// Deps configures an Orchestrator. Transcriber may be nil.
type Deps struct {
	Sites         SiteSource
	Transcriber   Transcriber
	Messenger     Messenger
	Memory        Memory
	Tools         ToolInvoker
	Reasoner      reasoning.Reasoner
	MaxIterations int
	AckTimeout    time.Duration
	Log           zerolog.Logger
	Now           func() time.Time
}

// Orchestrator processes events. It holds no per-event state and is safe
// for concurrent use by the worker pool.
type Orchestrator struct {
	d   Deps
	log zerolog.Logger
}

// New returns an orchestrator with defaults applied.
func New(d Deps) *Orchestrator {
	if d.MaxIterations <= 0 {
		d.MaxIterations = 3
	}
	if d.AckTimeout <= 0 {
		d.AckTimeout = 15 * time.Second
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return &Orchestrator{d: d, log: d.Log.With().Str("component", "orchestrator").Logger()}
}

// Handle runs ev to completion. A returned error means the event reached
// FAILED; the apology and acknowledgement have already been sent.
func (o *Orchestrator) Handle(ctx context.Context, ev domain.InboundEvent) (rep Report, err error) {
	ctx, span := otel.Tracer("orchestrator/Orchestrator").Start(ctx, "Handle",
		trace.WithAttributes(
			attribute.String("event.id", ev.MessageID),
			attribute.String("group.id", ev.GroupID),
			attribute.String("event.type", ev.Type),
		),
	)
	defer span.End()

	log := o.log.With().Str("event_id", ev.MessageID).Str("group_id", ev.GroupID).Logger()
	rep = Report{EventID: ev.MessageID, GroupID: ev.GroupID}
	o.enter(span, &rep, StateReceived)

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during processing: %v", r)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			o.enter(span, &rep, StateFailed)
			log.Error().Err(err).Strs("states", statesOf(rep)).Msg("event processing failed")
			o.detached(ctx, func(c context.Context) {
				if serr := o.d.Messenger.SendMessage(c, ev.GroupID, Apology); serr != nil {
					log.Warn().Err(serr).Msg("apology send failed")
				}
			})
		}
		o.detached(ctx, func(c context.Context) {
			if aerr := o.d.Messenger.ConfirmProcessing(c, ev.MessageID); aerr != nil {
				log.Warn().Err(aerr).Msg("acknowledgement failed")
			}
		})
		o.enter(span, &rep, StateAcknowledged)
	}()

	// Preprocess
	site, err := o.d.Sites.Get(ctx, ev.GroupID)
	if errors.Is(err, repo.ErrNotFound) {
		log.Warn().Msg("unknown site")
		rep.Skipped = SkipUnknownSite
		return rep, nil
	}
	if err != nil {
		return rep, fmt.Errorf("resolve site: %w", err)
	}
	if !site.Accepting() {
		log.Info().Str("phase", site.TrainingPhase).Msg("site disabled; skipping")
		rep.Skipped = SkipSiteDisabled
		return rep, nil
	}
	closing := ev.IsReaction() && ev.Emoji == closeEmoji && ev.OriginalText() != ""
	o.enter(span, &rep, StatePreprocessed)

	// Transcribe
	if ev.HasSpeech() && ev.SonioxFileID != "" && !closing && o.d.Transcriber != nil {
		text, terr := o.d.Transcriber.Transcribe(ctx, ev.SonioxFileID,
			transcribe.Terms(site.Context.Locations, site.Context.Suppliers))
		switch {
		case errors.Is(terr, transcribe.ErrTimeout):
			log.Warn().Msg("transcription timed out; continuing without transcript")
		case terr != nil:
			log.Warn().Err(terr).Msg("transcription failed; continuing without transcript")
		default:
			rep.Transcript = text
		}
		o.enter(span, &rep, StateTranscribed)
	}

	// Build input
	input, err := buildInput(ev, rep.Transcript, closing)
	if err != nil {
		return rep, fmt.Errorf("%w: build input: %v", ErrMalformedEvent, err)
	}
	system := SystemPrompt(site, o.d.Now())
	o.enter(span, &rep, StateInputBuilt)

	// Reason
	o.enter(span, &rep, StateReasoning)
	reply, toolRan, err := o.reason(ctx, log, ev, site, system, input, &rep)
	if err != nil {
		return rep, err
	}

	// Post-process
	thread := ev.ThreadID()
	if toolRan {
		if cerr := o.d.Memory.Clear(ctx, thread); cerr != nil {
			log.Error().Err(cerr).Msg("failed to clear checkpoint after tool call")
		}
	} else {
		now := o.d.Now().UTC()
		if aerr := o.d.Memory.Append(ctx, thread,
			memory.Turn{Role: memory.RoleUser, Content: input, At: now},
			memory.Turn{Role: memory.RoleAssistant, Content: reply, At: now},
		); aerr != nil {
			log.Warn().Err(aerr).Msg("failed to append checkpoint")
		}
	}
	o.enter(span, &rep, StatePostProcessed)

	// Reply
	rep.Reply = reply
	if reply != "" {
		if serr := o.d.Messenger.SendMessage(ctx, ev.GroupID, reply); serr != nil {
			log.Warn().Err(serr).Msg("reply send failed")
		}
	}
	o.enter(span, &rep, StateReplied)
	return rep, nil
}

// reason runs the bounded loop. It returns the reply text and whether any
// tool was dispatched.
func (o *Orchestrator) reason(ctx context.Context, log zerolog.Logger, ev domain.InboundEvent, site *domain.Site, system, input string, rep *Report) (string, bool, error) {
	cp, err := o.d.Memory.Load(ctx, ev.ThreadID())
	if err != nil {
		log.Warn().Err(err).Msg("checkpoint load failed; starting fresh")
		cp = memory.Checkpoint{}
	}

	var (
		steps    []memory.Turn
		lastText string
		fallback string
		toolRan  bool
	)
	defs := o.d.Tools.Definitions()
	caller := ev.Caller()
	perTool := map[string]int{}
	for i := 0; i < o.d.MaxIterations; i++ {
		if err := ctx.Err(); err != nil {
			return "", toolRan, fmt.Errorf("reasoning step %d: %w", i+1, err)
		}
		out, err := o.d.Reasoner.Next(ctx, reasoning.Request{
			System:  system,
			History: cp.Turns,
			Input:   input,
			Steps:   steps,
			Tools:   defs,
		})
		if err != nil {
			return "", toolRan, fmt.Errorf("reasoning step %d: %w", i+1, err)
		}
		if out.Text != "" {
			lastText = out.Text
		}
		if out.Kind != reasoning.OutcomeToolCall || out.ToolCall == nil {
			return out.Text, toolRan, nil
		}

		// The model may answer slowly after the deadline; no side effect
		// starts once the task has been given up.
		if err := ctx.Err(); err != nil {
			return "", toolRan, fmt.Errorf("reasoning step %d: %w", i+1, err)
		}

		tc := out.ToolCall
		toolRan = true
		rep.ToolCalls = append(rep.ToolCalls, tc.Name)
		perTool[tc.Name]++
		res, terr := o.d.Tools.Invoke(ctx, tc.Name, tools.Call{
			Site:   site,
			Caller: caller,
			Key:    fmt.Sprintf("%s/%s/%d", ev.MessageID, tc.Name, perTool[tc.Name]),
			Args:   json.RawMessage(tc.Arguments),
		})
		content := res.Text
		switch {
		case terr != nil:
			if errors.Is(terr, sequence.ErrLockTimeout) {
				return "", toolRan, terr
			}
			log.Warn().Err(terr).Str("tool", tc.Name).Msg("tool invocation failed")
			content = "Error: " + terr.Error()
			fallback = FallbackFailed
		case res.Clarification:
			fallback = res.Text
		default:
			fallback = FallbackDone
		}
		steps = append(steps,
			memory.Turn{Role: memory.RoleAssistant, Content: out.Text, ToolCall: tc},
			memory.Turn{Role: memory.RoleTool, Content: content, ToolCallID: tc.ID},
		)
	}

	log.Info().Int("iterations", o.d.MaxIterations).Msg("iteration cap reached")
	if lastText != "" {
		return lastText, toolRan, nil
	}
	return fallback, toolRan, nil
}

func (o *Orchestrator) enter(span trace.Span, rep *Report, s State) {
	rep.States = append(rep.States, s)
	span.AddEvent(string(s))
	metrics.Transitions.WithLabelValues(string(s)).Inc()
}

// detached runs fn with a context that survives cancellation of ctx but has
// its own deadline.
func (o *Orchestrator) detached(ctx context.Context, fn func(context.Context)) {
	c, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.d.AckTimeout)
	defer cancel()
	fn(c)
}

func statesOf(r Report) []string {
	out := make([]string, len(r.States))
	for i, s := range r.States {
		out[i] = string(s)
	}
	return out
}
