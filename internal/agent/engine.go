package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"skillagent/internal/provider"
	"skillagent/internal/skills"
	"skillagent/internal/store"
)

// codePreviewLimit bounds the code excerpt carried on skill_call events.
const codePreviewLimit = 200

// titleTimeout bounds the background title derivation call.
const titleTimeout = 30 * time.Second

// Dispatcher runs one invocation. Satisfied by skills.Executor.
type Dispatcher interface {
	Execute(ctx context.Context, inv skills.Invocation, sessionID string) skills.Observation
}

// MemoryRetriever assembles the memory block for the system prompt.
// Satisfied by memory.Retriever.
type MemoryRetriever interface {
	Retrieve(ctx context.Context, query string, history []store.Message, persisted []store.MemoryEntry) string
}

// Usage accumulates token counts across all passes of one request.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Options configures an Engine.
type Options struct {
	Model         string
	MaxIterations int
	Temperature   *float64
	MaxTokens     int
}

// Engine drives the reason-act loop for one or more concurrent requests.
// All fields are read-only after construction; per-request state lives on
// the stack of Run.
type Engine struct {
	provider provider.LLMProvider
	registry *skills.Registry
	executor Dispatcher
	store    *store.Store
	memory   MemoryRetriever
	composer *Composer
	opts     Options
}

// NewEngine creates an engine. memory may be nil to disable retrieval.
func NewEngine(p provider.LLMProvider, reg *skills.Registry, exec Dispatcher, st *store.Store, mem MemoryRetriever, opts Options) *Engine {
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = 10
	}
	return &Engine{
		provider: p,
		registry: reg,
		executor: exec,
		store:    st,
		memory:   mem,
		composer: NewComposer(),
		opts:     opts,
	}
}

// RunRequest is one completion request. Images are attachment payloads
// (URLs or data URIs) persisted with the user message.
type RunRequest struct {
	SessionID           string
	Message             string
	Images              []string
	Model               string // override, optional
	MaxIterations       int    // override, optional
	SkipSaveUserMessage bool
}

// Run starts the loop for one request. It returns the session id (created
// if the request named none) and a channel of events. The channel is
// closed when the request finishes; a completed request ends with exactly
// one done or error event, a cancelled one ends without a terminal event.
func (e *Engine) Run(ctx context.Context, req RunRequest) (string, <-chan Event, error) {
	sess, err := e.resolveSession(ctx, req.SessionID)
	if err != nil {
		return "", nil, err
	}

	history, err := e.store.ListMessages(ctx, sess.ID)
	if err != nil {
		return "", nil, fmt.Errorf("loading session history: %w", err)
	}
	persisted, err := e.store.ListMemories(ctx, sess.ID)
	if err != nil {
		return "", nil, fmt.Errorf("loading session memories: %w", err)
	}

	if !req.SkipSaveUserMessage {
		var opts store.MessageOptions
		if len(req.Images) > 0 {
			extra, err := json.Marshal(map[string]any{"images": req.Images})
			if err != nil {
				return "", nil, fmt.Errorf("encoding image payloads: %w", err)
			}
			opts.Extra = extra
		}
		if _, err := e.store.AppendMessageWith(ctx, sess.ID, provider.RoleUser, req.Message, opts); err != nil {
			return "", nil, fmt.Errorf("persisting user message: %w", err)
		}
	}

	ch := make(chan Event, 64)
	go func() {
		defer close(ch)
		e.run(ctx, req, sess, history, persisted, ch)
	}()
	return sess.ID, ch, nil
}

func (e *Engine) resolveSession(ctx context.Context, id string) (*store.Session, error) {
	if id == "" {
		return e.store.CreateSession(ctx, "")
	}
	return e.store.GetSession(ctx, id)
}

// run owns the whole request. All suspension happens at stream reads,
// executor calls, and store calls.
func (e *Engine) run(ctx context.Context, req RunRequest, sess *store.Session, history []store.Message, persisted []store.MemoryEntry, ch chan<- Event) {
	maxIter := e.opts.MaxIterations
	if req.MaxIterations > 0 {
		maxIter = req.MaxIterations
	}

	// Session settings override engine defaults; per-request settings
	// override both.
	model := e.opts.Model
	if sess.Model != "" {
		model = sess.Model
	}
	if req.Model != "" {
		model = req.Model
	}
	temperature := e.opts.Temperature
	if sess.Temperature != nil {
		temperature = sess.Temperature
	}

	var memoryBlock string
	if e.memory != nil {
		memoryBlock = e.memory.Retrieve(ctx, req.Message, history, persisted)
	}
	systemPrompt := e.composer.ComposeWith(sess.SystemPrompt,
		e.registry.Snapshot().SummarizeForPrompt(), memoryBlock)

	transcript := []provider.Message{provider.NewSystemMessage(systemPrompt)}
	for _, m := range history {
		transcript = append(transcript, toProviderMessage(m))
	}
	transcript = append(transcript, provider.NewUserMessage(req.Message))

	st := &runState{
		engine:      e,
		req:         req,
		sessionID:   sess.ID,
		model:       model,
		temperature: temperature,
		maxIter:     maxIter,
		ch:          ch,
	}

	for {
		outcome := st.streamOnce(ctx, transcript)
		switch outcome.kind {
		case outcomeAnswer:
			st.emit(ctx, textEvent(EventAnswer, outcome.answer))
			done := newEvent(EventDone)
			done.Usage = &st.usage
			st.emit(ctx, done)
			e.maybeDeriveTitle(sess, req.Message, outcome.answer)
			return
		case outcomeContinue:
			transcript = outcome.transcript
			if st.iterations >= st.maxIter && !st.forcedFinal {
				st.forcedFinal = true
				transcript = append(transcript, provider.NewSystemMessage(finalPassDirective))
			}
		case outcomeTerminated:
			return
		}
	}
}

// toProviderMessage maps a stored message to the shape the provider
// accepts. Tool observations are re-framed as user messages since
// OpenAI-style APIs reject bare tool roles without call ids.
func toProviderMessage(m store.Message) provider.Message {
	if m.Role == provider.RoleTool {
		return provider.NewUserMessage("Skill execution result:\n" + m.Content)
	}
	return provider.Message{Role: m.Role, Content: m.Content}
}

type outcomeKind int

const (
	outcomeAnswer outcomeKind = iota
	outcomeContinue
	outcomeTerminated
)

type passOutcome struct {
	kind       outcomeKind
	answer     string
	transcript []provider.Message
}

// runState is the per-request mutable state shared by the streaming passes.
type runState struct {
	engine      *Engine
	req         RunRequest
	sessionID   string
	model       string
	temperature *float64
	maxIter     int
	iterations  int
	forcedFinal bool
	usage       Usage
	ch          chan<- Event
}

func (s *runState) emit(ctx context.Context, ev Event) {
	select {
	case s.ch <- ev:
	case <-ctx.Done():
	}
}

// streamOnce runs one model pass: stream the response, dispatch any
// invocations, and decide how the request proceeds.
func (s *runState) streamOnce(ctx context.Context, transcript []provider.Message) passOutcome {
	events, err := s.engine.provider.Stream(ctx, provider.CompletionRequest{
		Model:       s.model,
		Messages:    transcript,
		MaxTokens:   s.engine.opts.MaxTokens,
		Temperature: s.temperature,
	})
	if err != nil {
		s.emit(ctx, errorEvent(fmt.Errorf("requesting completion: %w", err)))
		return passOutcome{kind: outcomeTerminated}
	}

	parser := NewStreamParser()
	var full strings.Builder // raw response, persisted as the assistant message
	var tail strings.Builder // text since the last dispatched invocation
	deltaSeen := false
	dispatched := 0
	out := transcript

	handle := func(pe ParseEvent) {
		switch {
		case pe.Text != "":
			tail.WriteString(pe.Text)
			s.emit(ctx, textEvent(EventThinking, pe.Text))
		case pe.Malformed != "":
			tail.WriteString(pe.Malformed)
			s.emit(ctx, textEvent(EventWarning, "malformed skill invocation; treated as text"))
		case pe.Invocation != nil:
			if s.forcedFinal {
				s.emit(ctx, textEvent(EventWarning,
					fmt.Sprintf("invocation of %q suppressed: final answer pass", pe.Invocation.SkillName)))
				return
			}
			if s.iterations >= s.maxIter {
				s.emit(ctx, textEvent(EventWarning,
					fmt.Sprintf("invocation of %q skipped: iteration bound (%d) reached", pe.Invocation.SkillName, s.maxIter)))
				return
			}
			tail.Reset()
			out = s.dispatch(ctx, *pe.Invocation, out)
			dispatched++
		}
	}

	for ev := range events {
		if ctx.Err() != nil {
			s.persistPartial(full.String(), deltaSeen)
			return passOutcome{kind: outcomeTerminated}
		}
		switch ev.Type {
		case "text_delta":
			deltaSeen = true
			full.WriteString(ev.Text)
			for _, pe := range parser.Feed(ev.Text) {
				handle(pe)
			}
		case "usage":
			s.usage.PromptTokens += ev.PromptTokens
			s.usage.CompletionTokens += ev.CompletionTokens
		case "error":
			if errors.Is(ev.Error, context.Canceled) || ctx.Err() != nil {
				s.persistPartial(full.String(), deltaSeen)
				return passOutcome{kind: outcomeTerminated}
			}
			s.persistPartial(full.String(), deltaSeen)
			s.emit(ctx, errorEvent(ev.Error))
			return passOutcome{kind: outcomeTerminated}
		}
	}
	if ctx.Err() != nil {
		s.persistPartial(full.String(), deltaSeen)
		return passOutcome{kind: outcomeTerminated}
	}

	for _, pe := range parser.Close() {
		handle(pe)
	}

	if text := full.String(); strings.TrimSpace(text) != "" {
		if _, err := s.engine.store.AppendMessage(ctx, s.sessionID, provider.RoleAssistant, text); err != nil {
			s.emit(ctx, errorEvent(fmt.Errorf("persisting assistant message: %w", err)))
			return passOutcome{kind: outcomeTerminated}
		}
		out = append(out, provider.Message{Role: provider.RoleAssistant, Content: text})
	}

	// Trailing text after the last invocation is the final answer; a pass
	// with no dispatches is final by definition. A whitespace-only
	// response finishes with an empty answer rather than a retry.
	answer := strings.TrimSpace(tail.String())
	if dispatched == 0 || answer != "" {
		return passOutcome{kind: outcomeAnswer, answer: answer}
	}
	return passOutcome{kind: outcomeContinue, transcript: out}
}

// dispatch runs one invocation and folds the observation into transcript
// and storage. Event order per dispatch: skill_call, code_execute,
// code_result, skill_result.
func (s *runState) dispatch(ctx context.Context, inv skills.Invocation, transcript []provider.Message) []provider.Message {
	call := newEvent(EventSkillCall)
	call.SkillName = inv.SkillName
	call.Code = preview(inv.Code)
	s.emit(ctx, call)

	exec := newEvent(EventCodeExecute)
	exec.SkillName = inv.SkillName
	exec.Code = inv.Code
	s.emit(ctx, exec)

	obs := s.engine.executor.Execute(ctx, inv, s.sessionID)
	s.iterations++

	result := &Result{
		Success:    obs.Success,
		Text:       obs.Text,
		DurationMS: float64(obs.Duration.Milliseconds()),
	}
	if obs.Raw != nil {
		result.Stdout = obs.Raw.Stdout
		result.Stderr = obs.Raw.Stderr
		result.ExitCode = obs.Raw.ExitCode
	}

	codeRes := newEvent(EventCodeResult)
	codeRes.SkillName = inv.SkillName
	codeRes.Result = result
	s.emit(ctx, codeRes)

	skillRes := newEvent(EventSkillResult)
	skillRes.SkillName = inv.SkillName
	skillRes.Result = result
	s.emit(ctx, skillRes)

	opts := store.MessageOptions{
		EventType: EventSkillResult,
		SkillName: inv.SkillName,
	}
	if obs.Raw != nil {
		if extra, err := json.Marshal(obs.Raw); err == nil {
			opts.Extra = extra
		}
	}
	if _, err := s.engine.store.AppendMessageWith(ctx, s.sessionID, provider.RoleTool, obs.Text, opts); err != nil {
		log.Printf("warning: failed to persist tool message: %v", err)
	}
	return append(transcript, provider.Message{Role: provider.RoleTool, Content: obs.Text})
}

// persistPartial saves partial assistant text on abort or stream failure.
// Nothing is written when no delta had arrived.
func (s *runState) persistPartial(text string, deltaSeen bool) {
	if !deltaSeen || strings.TrimSpace(text) == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := s.engine.store.AppendMessage(ctx, s.sessionID, provider.RoleAssistant, text); err != nil {
		log.Printf("warning: failed to persist partial assistant message: %v", err)
	}
}

func errorEvent(err error) Event {
	ev := newEvent(EventError)
	ev.Error = err.Error()
	return ev
}

func preview(code string) string {
	code = strings.TrimSpace(code)
	if len(code) > codePreviewLimit {
		return code[:codePreviewLimit] + "..."
	}
	return code
}

// maybeDeriveTitle fills in an empty session title from the first
// exchange. Runs in the background; failures only log.
func (e *Engine) maybeDeriveTitle(sess *store.Session, question, answer string) {
	if sess.Title != "" {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), titleTimeout)
		defer cancel()

		prompt := fmt.Sprintf("Write a title of at most six words for a conversation that starts with this question. Reply with the title only.\n\nQuestion: %s", question)
		ch, err := e.provider.Stream(ctx, provider.CompletionRequest{
			Model:     e.opts.Model,
			Messages:  []provider.Message{provider.NewUserMessage(prompt)},
			MaxTokens: 32,
		})
		if err != nil {
			log.Printf("warning: title derivation failed: %v", err)
			return
		}
		var b strings.Builder
		for ev := range ch {
			if ev.Type == "text_delta" {
				b.WriteString(ev.Text)
			}
		}
		title := strings.Trim(strings.TrimSpace(b.String()), `"`)
		if title == "" {
			return
		}
		if err := e.store.RenameSession(ctx, sess.ID, title); err != nil {
			log.Printf("warning: failed to set session title: %v", err)
		}
	}()
}
