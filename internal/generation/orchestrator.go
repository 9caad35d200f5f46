// Package generation drives streaming runs into messages. Each message has at
// most one current run; starting another supersedes it, and only the current
// run may write to the message or finalize it.
package generation

import (
	"context"
	"io"
	"sync"
	"time"

	"flowchat/internal/config"
	"flowchat/internal/events"
	"flowchat/internal/memory"
	"flowchat/internal/messages"
	"flowchat/internal/metrics"
	"flowchat/internal/models"
	"flowchat/internal/service/ai"
	"flowchat/internal/tools"
	"flowchat/internal/worker"

	"github.com/cloudwego/eino/schema"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	KindGenerate  = "generate"
	KindSummarize = "summarize"

	OutcomeCompleted  = "completed"
	OutcomeAborted    = "aborted"
	OutcomeSuperseded = "superseded"
	OutcomeFailed     = "failed"

	finalizeTimeout = 10 * time.Second
)

// Provider streams completions. *ai.Service implements it.
type Provider interface {
	Check(provider, model string) error
	DefaultModel(provider string) string
	Stream(ctx context.Context, req ai.StreamRequest) (*schema.StreamReader[*schema.Message], error)
	TopicTitle(ctx context.Context, provider, model, userText, assistantText string) (string, error)
}

// PromptBuilder assembles the system prompt of a room.
type PromptBuilder interface {
	BuildSystemPrompt(ctx context.Context, roomID string) (memory.SystemPrompt, error)
}

type Rooms interface {
	GetRoom(ctx context.Context, id string) (*models.Room, error)
	RenameRoom(ctx context.Context, id, name string) error
}

// Jobs runs background work; *worker.Dispatcher implements it.
type Jobs interface {
	Submit(job worker.Job) error
}

type Deps struct {
	Store     *messages.Store
	Provider  Provider
	Prompts   PromptBuilder
	Rooms     Rooms
	Tools     *tools.Set
	Jobs      Jobs
	Publisher events.Publisher
	Config    config.GenerationConfig
}

type Orchestrator struct {
	store    *messages.Store
	provider Provider
	prompts  PromptBuilder
	rooms    Rooms
	tools    *tools.Set
	jobs     Jobs
	pub      events.Publisher
	cfg      config.GenerationConfig

	runs *runRegistry

	sendMu  sync.Mutex
	sending map[string]struct{}
}

func New(d Deps) *Orchestrator {
	pub := d.Publisher
	if pub == nil {
		pub = events.Nop{}
	}
	return &Orchestrator{
		store:    d.Store,
		provider: d.Provider,
		prompts:  d.Prompts,
		rooms:    d.Rooms,
		tools:    d.Tools,
		jobs:     d.Jobs,
		pub:      pub,
		cfg:      d.Config,
		runs:     newRunRegistry(),
		sending:  make(map[string]struct{}),
	}
}

// Run is a handle on one streaming run. Err is valid once Done is closed.
type Run struct {
	MessageID string
	RoomID    string
	ID        uint64
	Kind      string

	ctx  context.Context
	done chan struct{}
	err  error
}

func (r *Run) Done() <-chan struct{} { return r.done }

// Err is nil for a completed run, ErrAborted or ErrSuperseded for a
// cancelled one, and the failure otherwise.
func (r *Run) Err() error {
	select {
	case <-r.done:
		return r.err
	default:
		return nil
	}
}

// Wait blocks until the run ends or ctx is done.
func (r *Run) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GenerateRequest starts a run under ParentID. With TargetID set the target
// assistant message is reused and its content replaced.
type GenerateRequest struct {
	RoomID   string
	ParentID string
	Provider string
	Model    string
	TargetID string
}

// Generate validates configuration, assembles the context window and starts
// streaming. Nothing is created or changed when configuration is missing.
func (o *Orchestrator) Generate(ctx context.Context, req GenerateRequest) (*Run, error) {
	provider, model, err := o.resolve(req.Provider, req.Model)
	if err != nil {
		return nil, err
	}

	roomID, parentID := req.RoomID, req.ParentID
	if req.TargetID != "" {
		target, err := o.store.Resolve(ctx, req.TargetID)
		if err != nil {
			return nil, errors.Wrapf(ErrNotFound, "message %s", req.TargetID)
		}
		roomID, parentID = target.RoomID, target.ParentID
	} else {
		if err := o.store.LoadRoom(ctx, roomID); err != nil {
			return nil, err
		}
		if parentID != "" {
			parent, ok := o.store.Get(parentID)
			if !ok || parent.RoomID != roomID {
				return nil, errors.Wrapf(ErrNotFound, "parent %s", parentID)
			}
		}
	}

	prompt, err := o.prompts.BuildSystemPrompt(ctx, roomID)
	if err != nil {
		return nil, errors.Wrap(err, "build system prompt")
	}
	input, err := o.contextWindow(prompt.Prompt, parentID)
	if err != nil {
		return nil, err
	}

	var messageID string
	if req.TargetID != "" {
		messageID = req.TargetID
	} else {
		msg, err := o.store.Create(ctx, &models.Message{
			RoomID:   roomID,
			ParentID: parentID,
			Role:     models.RoleAssistant,
			Provider: provider,
			Model:    model,
			Memory:   prompt.MemoryIDs,
		})
		if err != nil {
			return nil, errors.Wrap(err, "create assistant message")
		}
		messageID = msg.ID
	}

	run := o.begin(messageID, roomID, KindGenerate)
	if req.TargetID != "" {
		err := o.runs.guarded(run.ctx, messageID, run.ID, func() error {
			if err := o.store.SetContent(ctx, messageID, ""); err != nil {
				return err
			}
			if err := o.store.SetError(ctx, messageID, ""); err != nil {
				return err
			}
			return o.store.SetGenerationInfo(ctx, messageID, provider, model, prompt.MemoryIDs)
		})
		if err != nil {
			go o.finalize(run, err)
			return run, nil
		}
	}

	streamReq := ai.StreamRequest{
		Provider:      provider,
		Model:         model,
		Messages:      input,
		MaxToolRounds: o.cfg.MaxToolRounds,
	}
	if o.tools.Len() > 0 {
		streamReq.Tools = o.tools.For(roomID, messageID)
	}
	go o.stream(run, streamReq, func(ctx context.Context, delta string) error {
		return o.store.AppendContent(ctx, messageID, delta)
	})
	return run, nil
}

// Fork starts a new assistant reply under parentID.
func (o *Orchestrator) Fork(ctx context.Context, roomID, parentID, provider, model string) (*Run, error) {
	if parentID != "" {
		if err := o.store.LoadRoom(ctx, roomID); err != nil {
			return nil, err
		}
		if o.store.IsGenerating(parentID) || o.store.HasGeneratingAncestor(parentID) {
			return nil, ErrBusy
		}
	}
	return o.Generate(ctx, GenerateRequest{RoomID: roomID, ParentID: parentID, Provider: provider, Model: model})
}

// Regenerate replaces the content of an assistant message. A message showing
// its summary gets the summary regenerated instead. A user message gets a new
// reply under it.
func (o *Orchestrator) Regenerate(ctx context.Context, messageID string) (*Run, error) {
	target, err := o.store.Resolve(ctx, messageID)
	if err != nil {
		return nil, errors.Wrapf(ErrNotFound, "message %s", messageID)
	}
	if target.ShowSummary {
		return o.Summarize(ctx, messageID)
	}
	if o.store.HasGeneratingAncestor(messageID) {
		log.Info().Str("message_id", messageID).Msg("regenerate refused, ancestor generating")
		return nil, ErrBusy
	}

	provider, model := target.Provider, target.Model
	if target.Role != models.RoleAssistant {
		return o.Generate(ctx, GenerateRequest{RoomID: target.RoomID, ParentID: target.ID})
	}
	if provider != "" && o.provider.Check(provider, model) != nil {
		provider, model = "", ""
	}
	return o.Generate(ctx, GenerateRequest{
		RoomID:   target.RoomID,
		Provider: provider,
		Model:    model,
		TargetID: target.ID,
	})
}

// Summarize streams a summary of the message content into its summary field.
func (o *Orchestrator) Summarize(ctx context.Context, messageID string) (*Run, error) {
	target, err := o.store.Resolve(ctx, messageID)
	if err != nil {
		return nil, errors.Wrapf(ErrNotFound, "message %s", messageID)
	}
	if o.store.HasGeneratingAncestor(messageID) {
		log.Info().Str("message_id", messageID).Msg("summarize refused, ancestor generating")
		return nil, ErrBusy
	}
	provider, model, err := o.resolve(o.cfg.SummaryProvider, o.cfg.SummaryModel)
	if err != nil {
		return nil, err
	}
	if target.Content == "" {
		return nil, ErrNothingToSummarize
	}

	run := o.begin(messageID, target.RoomID, KindSummarize)
	err = o.runs.guarded(run.ctx, messageID, run.ID, func() error {
		return o.store.SetSummary(ctx, messageID, "")
	})
	if err != nil {
		go o.finalize(run, err)
		return run, nil
	}

	streamReq := ai.StreamRequest{
		Provider: provider,
		Model:    model,
		Messages: ai.SummaryMessages(target.Content),
	}
	go o.stream(run, streamReq, func(ctx context.Context, delta string) error {
		return o.store.AppendSummary(ctx, messageID, delta)
	})
	return run, nil
}

// Abort cancels whatever run owns messageID. The generating marker is
// cleared at once; the stream notices at its next chunk.
func (o *Orchestrator) Abort(messageID string) bool {
	aborted := o.runs.abort(messageID)
	o.store.StopGenerating(messageID)
	if aborted {
		log.Info().Str("message_id", messageID).Msg("generation aborted")
	}
	return aborted
}

func (o *Orchestrator) SetShowSummary(ctx context.Context, messageID string, show bool) error {
	if _, err := o.store.Resolve(ctx, messageID); err != nil {
		return errors.Wrapf(ErrNotFound, "message %s", messageID)
	}
	return o.store.SetShowSummary(ctx, messageID, show)
}

// Delete removes a message and its descendants, aborting their runs.
func (o *Orchestrator) Delete(ctx context.Context, messageID string) ([]string, error) {
	if _, err := o.store.Resolve(ctx, messageID); err != nil {
		return nil, errors.Wrapf(ErrNotFound, "message %s", messageID)
	}
	// runs in the subtree stop before their rows disappear
	o.runs.forget(o.store.SubtreeOf(messageID)...)
	ids, err := o.store.DeleteSubtree(ctx, messageID)
	if err != nil {
		return nil, err
	}
	o.runs.forget(ids...)
	return ids, nil
}

// ForgetRoom aborts the runs of a deleted room and drops it from the mirror.
func (o *Orchestrator) ForgetRoom(roomID string) {
	msgs := o.store.Messages(roomID)
	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		ids = append(ids, m.ID)
	}
	o.runs.forget(ids...)
	o.store.ForgetRoom(roomID)
}

// Status reports the current run id of a message and whether it is live.
func (o *Orchestrator) Status(messageID string) (uint64, bool) {
	return o.runs.current(messageID)
}

// resolve fills in default provider and model and validates them.
func (o *Orchestrator) resolve(provider, model string) (string, string, error) {
	if provider == "" {
		provider = o.cfg.DefaultProvider
		if model == "" {
			model = o.cfg.DefaultModel
		}
	}
	if provider == "" {
		return "", "", ErrNoProvider
	}
	if model == "" && provider == o.cfg.DefaultProvider {
		model = o.cfg.DefaultModel
	}
	if model == "" {
		model = o.provider.DefaultModel(provider)
	}
	if model == "" {
		return "", "", errors.Wrapf(ErrNoModel, "provider %s", provider)
	}
	if err := o.provider.Check(provider, model); err != nil {
		return "", "", errors.Wrapf(ErrNoProvider, "%v", err)
	}
	return provider, model, nil
}

// contextWindow is the system prompt followed by the branch ending at
// parentID. Stored system messages are dropped.
func (o *Orchestrator) contextWindow(systemPrompt, parentID string) ([]*schema.Message, error) {
	branch, err := o.store.BranchFor(parentID)
	if err != nil {
		return nil, err
	}
	out := make([]*schema.Message, 0, len(branch)+1)
	out = append(out, schema.SystemMessage(systemPrompt))
	for _, msg := range branch {
		switch msg.Role {
		case models.RoleUser:
			out = append(out, schema.UserMessage(msg.Content))
		case models.RoleAssistant:
			out = append(out, schema.AssistantMessage(msg.Content, nil))
		}
	}
	return out, nil
}

func (o *Orchestrator) begin(messageID, roomID, kind string) *Run {
	ctx, runID, superseded := o.runs.begin(messageID)
	o.store.StartGenerating(messageID)
	run := &Run{MessageID: messageID, RoomID: roomID, ID: runID, Kind: kind, ctx: ctx, done: make(chan struct{})}

	logger := log.Info().Str("message_id", messageID).Str("room_id", roomID).Uint64("run_id", runID).Str("kind", kind)
	if superseded {
		logger.Msg("run started, superseding previous run")
	} else {
		logger.Msg("run started")
	}
	metrics.RunsStarted.WithLabelValues(kind).Inc()
	o.pub.Publish(events.Event{
		Type:      events.GenerationStarted,
		RoomID:    roomID,
		MessageID: messageID,
		Data:      map[string]any{"run_id": runID, "kind": kind},
	})
	return run
}

type writeFunc func(ctx context.Context, delta string) error

func (o *Orchestrator) stream(run *Run, req ai.StreamRequest, write writeFunc) {
	o.finalize(run, o.consume(run, req, write))
}

// consume applies deltas in order while the run stays current. Completed
// tool calls are spliced in ahead of each delta and once more at the end.
func (o *Orchestrator) consume(run *Run, req ai.StreamRequest, write writeFunc) error {
	ctx := run.ctx
	sr, err := o.provider.Stream(ctx, req)
	if err != nil {
		return o.cause(ctx, err)
	}
	defer sr.Close()

	splicing := len(req.Tools) > 0
	seen := make(map[string]struct{})
	for {
		chunk, err := sr.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return o.cause(ctx, err)
		}
		if splicing {
			if err := o.splice(run, seen); err != nil {
				return o.cause(ctx, err)
			}
		}
		if chunk != nil && chunk.Content != "" {
			err := o.runs.guarded(ctx, run.MessageID, run.ID, func() error {
				return write(ctx, chunk.Content)
			})
			if err != nil {
				return o.cause(ctx, err)
			}
		} else if err := o.runs.guarded(ctx, run.MessageID, run.ID, func() error { return nil }); err != nil {
			return err
		}
	}
	if splicing {
		if err := o.splice(run, seen); err != nil {
			return o.cause(ctx, err)
		}
	}
	if ctx.Err() != nil {
		if c := context.Cause(ctx); IsCancellation(c) {
			return c
		}
	}
	return nil
}

// splice appends every newly completed tool call of the run's message.
func (o *Orchestrator) splice(run *Run, seen map[string]struct{}) error {
	ctx := run.ctx
	calls, err := o.tools.Bridge().PollCompleted(ctx, run.MessageID, seen)
	if err != nil {
		return errors.Wrap(err, "poll tool calls")
	}
	for _, tc := range calls {
		text := tools.FormatSplice(tc)
		err := o.runs.guarded(ctx, run.MessageID, run.ID, func() error {
			if text == "" {
				return nil
			}
			return o.store.AppendContent(ctx, run.MessageID, text)
		})
		if err != nil {
			return err
		}
		seen[tc.ID] = struct{}{}
		log.Debug().Str("message_id", run.MessageID).Str("tool", tc.ToolName).Msg("tool result spliced")
	}
	return nil
}

// cause prefers the run's cancellation cause over the error it produced.
func (o *Orchestrator) cause(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		if c := context.Cause(ctx); IsCancellation(c) {
			return c
		}
	}
	return ai.ClassifyError(err)
}

// finalize is a no-op for a run that is no longer current.
func (o *Orchestrator) finalize(run *Run, err error) {
	outcome := Outcome(err)
	current := o.runs.finish(run.MessageID, run.ID, func() {
		o.store.StopGenerating(run.MessageID)
		if outcome != OutcomeFailed {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
		defer cancel()
		if serr := o.store.SetError(ctx, run.MessageID, err.Error()); serr != nil {
			log.Error().Err(serr).Str("message_id", run.MessageID).Msg("record generation error")
		}
	})
	if !current {
		outcome = OutcomeSuperseded
		if err == nil || !IsCancellation(err) {
			err = ErrSuperseded
		}
	}

	var logger *zerolog.Event
	if outcome == OutcomeFailed {
		logger = log.Error().Err(err)
	} else {
		logger = log.Info()
	}
	logger.Str("message_id", run.MessageID).Str("room_id", run.RoomID).Uint64("run_id", run.ID).
		Str("kind", run.Kind).Str("outcome", outcome).Msg("run finished")
	metrics.RunsFinished.WithLabelValues(run.Kind, outcome).Inc()

	if current {
		data := map[string]any{"run_id": run.ID, "kind": run.Kind, "outcome": outcome}
		if outcome == OutcomeFailed {
			data["error"] = err.Error()
		}
		o.pub.Publish(events.Event{Type: events.GenerationFinished, RoomID: run.RoomID, MessageID: run.MessageID, Data: data})
	}

	run.err = err
	close(run.done)
}

// Outcome names how a run ended given its error.
func Outcome(err error) string {
	switch {
	case err == nil:
		return OutcomeCompleted
	case errors.Is(err, ErrAborted):
		return OutcomeAborted
	case errors.Is(err, ErrSuperseded):
		return OutcomeSuperseded
	default:
		return OutcomeFailed
	}
}
