// Package copilot – agent.go implements the dialogue loop that orchestrates
// LLM calls with tool execution. A run is an explicit state machine:
//
//	LoadHistory → (Reset) → AppendUser → AskModel ⇄ ExecuteTools → Done | Fallback
//
// AskModel transitions are counted by a Step value capped at MaxSteps. Each
// model call and each tool call has its own timeout, and the whole run has
// an overall timeout. The new turns of a run are persisted once, at the end.
package copilot

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jholhewres/mwaai/pkg/mwaai/conversation"
	"github.com/jholhewres/mwaai/pkg/mwaai/metrics"
)

const (
	// DefaultMaxSteps caps the number of model calls per run.
	DefaultMaxSteps = 5

	// DefaultRunTimeout bounds an entire run.
	DefaultRunTimeout = 5 * time.Minute

	// DefaultLLMCallTimeout bounds a single model call.
	DefaultLLMCallTimeout = 2 * time.Minute

	// DefaultToolTimeout bounds a single tool call.
	DefaultToolTimeout = 30 * time.Second

	// ResetCommand clears the conversation when sent as the whole message.
	ResetCommand = "forget"

	// ResetReply confirms a reset.
	ResetReply = "Conversation history has been reset."

	// FallbackReply is sent when the model produced no usable answer.
	FallbackReply = "Sorry, I didn't get a response from the assistant."
)

// Run outcomes, as reported to metrics.
const (
	OutcomeReply    = "reply"
	OutcomeReset    = "reset"
	OutcomeFallback = "fallback"
)

// AgentConfig holds configurable dialogue loop parameters.
type AgentConfig struct {
	// MaxSteps caps model calls per message (default: 5).
	MaxSteps int `yaml:"max_steps"`

	// RunTimeoutSeconds bounds the whole run (default: 300).
	RunTimeoutSeconds int `yaml:"run_timeout_seconds"`

	// LLMCallTimeoutSeconds bounds each model call (default: 120).
	LLMCallTimeoutSeconds int `yaml:"llm_call_timeout_seconds"`

	// ToolTimeoutSeconds bounds each tool call (default: 30).
	ToolTimeoutSeconds int `yaml:"tool_timeout_seconds"`
}

// DefaultAgentConfig returns the default loop parameters.
func DefaultAgentConfig() AgentConfig {
	return AgentConfig{
		MaxSteps:              DefaultMaxSteps,
		RunTimeoutSeconds:     int(DefaultRunTimeout / time.Second),
		LLMCallTimeoutSeconds: int(DefaultLLMCallTimeout / time.Second),
		ToolTimeoutSeconds:    int(DefaultToolTimeout / time.Second),
	}
}

// Effective returns a copy with default values filled in for zero fields.
func (c AgentConfig) Effective() AgentConfig {
	def := DefaultAgentConfig()
	if c.MaxSteps <= 0 {
		c.MaxSteps = def.MaxSteps
	}
	if c.RunTimeoutSeconds <= 0 {
		c.RunTimeoutSeconds = def.RunTimeoutSeconds
	}
	if c.LLMCallTimeoutSeconds <= 0 {
		c.LLMCallTimeoutSeconds = def.LLMCallTimeoutSeconds
	}
	if c.ToolTimeoutSeconds <= 0 {
		c.ToolTimeoutSeconds = def.ToolTimeoutSeconds
	}
	return c
}

// State is a state of the dialogue machine.
type State int

const (
	StateLoadHistory State = iota
	StateReset
	StateAppendUser
	StateAskModel
	StateExecuteTools
	StateDone
	StateFallback
)

func (s State) String() string {
	switch s {
	case StateLoadHistory:
		return "load_history"
	case StateReset:
		return "reset"
	case StateAppendUser:
		return "append_user"
	case StateAskModel:
		return "ask_model"
	case StateExecuteTools:
		return "execute_tools"
	case StateDone:
		return "done"
	case StateFallback:
		return "fallback"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Step counts model calls against a cap.
type Step struct {
	Count int
	Max   int
}

// Exhausted reports whether no model call is left.
func (s Step) Exhausted() bool { return s.Count >= s.Max }

// Next returns the step after one more model call.
func (s Step) Next() Step { return Step{Count: s.Count + 1, Max: s.Max} }

// ToolRunner executes one wire tool call.
type ToolRunner interface {
	Run(ctx context.Context, name, args string) ToolOutput
}

// HistoryStore is the conversation persistence the agent needs.
type HistoryStore interface {
	Load(ctx context.Context, key string) ([]conversation.Turn, error)
	AppendAndTrim(ctx context.Context, key string, turns ...conversation.Turn) ([]conversation.Turn, error)
	Reset(ctx context.Context, key string) error
}

// Request is one inbound message for the agent.
type Request struct {
	// Key identifies the conversation.
	Key string

	// Text is the raw user text, checked for the reset command.
	Text string

	// Content is the user turn stored in history. Defaults to Text.
	Content string
}

// Result is the outcome of a run.
type Result struct {
	Reply   string
	Outcome string
	Steps   int
	State   State
}

// Agent runs dialogues.
type Agent struct {
	llm          Completer
	tools        ToolRunner
	history      HistoryStore
	toolDefs     []ToolDefinition
	systemPrompt string
	cfg          AgentConfig
	metrics      *metrics.Metrics
	logger       *slog.Logger
}

// NewAgent creates an agent.
func NewAgent(llm Completer, tools ToolRunner, history HistoryStore, systemPrompt string, cfg AgentConfig, logger *slog.Logger) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{
		llm:          llm,
		tools:        tools,
		history:      history,
		toolDefs:     ToolDefinitions(),
		systemPrompt: systemPrompt,
		cfg:          cfg.Effective(),
		logger:       logger.With("component", "agent"),
	}
}

// SetMetrics attaches a metrics registry.
func (a *Agent) SetMetrics(m *metrics.Metrics) {
	a.metrics = m
}

// IsResetCommand reports whether text asks to clear the conversation.
func IsResetCommand(text string) bool {
	return strings.ToLower(strings.TrimSpace(text)) == ResetCommand
}

// run is the mutable state of one dialogue.
type run struct {
	state   State
	step    Step
	history []conversation.Turn
	added   []conversation.Turn
	pending *LLMResponse
	reply   string
}

func (r *run) add(turns ...conversation.Turn) {
	r.history = append(r.history, turns...)
	r.added = append(r.added, turns...)
}

// Run handles one message and returns the reply to send. The returned
// error reports persistence failures; Result.Reply is always usable.
func (a *Agent) Run(ctx context.Context, req Request) (Result, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, time.Duration(a.cfg.RunTimeoutSeconds)*time.Second)
	defer cancel()

	if req.Content == "" {
		req.Content = req.Text
	}
	logger := a.logger.With("key", req.Key)

	r := &run{state: StateLoadHistory, step: Step{Max: a.cfg.MaxSteps}}
	for {
		logger.Debug("agent state", "state", r.state, "step", r.step.Count)

		switch r.state {
		case StateLoadHistory:
			loaded, err := a.history.Load(ctx, req.Key)
			if err != nil {
				logger.Error("failed to load history", "error", err)
				return a.finish(start, r, OutcomeFallback, FallbackReply), err
			}
			r.history = conversation.EnsureSystem(loaded, a.systemPrompt)
			if IsResetCommand(req.Text) {
				r.state = StateReset
			} else {
				r.state = StateAppendUser
			}

		case StateReset:
			if err := a.history.Reset(ctx, req.Key); err != nil {
				logger.Error("failed to reset history", "error", err)
				return a.finish(start, r, OutcomeFallback, FallbackReply), err
			}
			a.metrics.RecordReset()
			logger.Info("conversation reset by user")
			return a.finish(start, r, OutcomeReset, ResetReply), nil

		case StateAppendUser:
			r.add(conversation.User(req.Content))
			r.state = StateAskModel

		case StateAskModel:
			if r.step.Exhausted() {
				logger.Warn("step cap reached without a final answer", "max_steps", r.step.Max)
				r.state = StateFallback
				continue
			}
			r.step = r.step.Next()
			resp, err := a.ask(ctx, r.history)
			switch {
			case err != nil:
				logger.Error("model call failed", "step", r.step.Count, "error", err)
				r.state = StateFallback
			case len(resp.ToolCalls) > 0:
				if resp.Content != "" {
					logger.Debug("model sent text alongside tool calls, keeping it in history only",
						"text_len", len(resp.Content))
				}
				r.pending = resp
				r.state = StateExecuteTools
			case resp.Content != "":
				r.reply = resp.Content
				r.add(conversation.Assistant(resp.Content))
				r.state = StateDone
			default:
				logger.Warn("model returned neither text nor tool calls", "step", r.step.Count)
				r.state = StateFallback
			}

		case StateExecuteTools:
			a.executeTools(ctx, r)
			r.pending = nil
			r.state = StateAskModel

		case StateDone:
			return a.persist(ctx, start, r, req.Key, OutcomeReply, r.reply)

		case StateFallback:
			r.add(conversation.Assistant(FallbackReply))
			return a.persist(ctx, start, r, req.Key, OutcomeFallback, FallbackReply)
		}
	}
}

// ask runs one model call over the whole history.
func (a *Agent) ask(ctx context.Context, history []conversation.Turn) (*LLMResponse, error) {
	callCtx, cancel := context.WithTimeout(ctx, time.Duration(a.cfg.LLMCallTimeoutSeconds)*time.Second)
	defer cancel()

	start := time.Now()
	resp, err := a.llm.Complete(callCtx, BuildMessages(history), a.toolDefs)
	a.metrics.RecordLLMRequest(err, time.Since(start))
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// executeTools appends one tool_call turn per call, then runs the calls in
// order and appends their results. Text that came with the calls is kept
// on the first tool_call turn.
func (a *Agent) executeTools(ctx context.Context, r *run) {
	calls := r.pending.ToolCalls
	for i := range calls {
		if calls[i].ID == "" {
			calls[i].ID = fmt.Sprintf("call_%d_%d", r.step.Count, i)
		}
		turn := conversation.ToolCall(calls[i].ID, calls[i].Function.Name, []byte(calls[i].Function.Arguments))
		if i == 0 {
			turn.Content = r.pending.Content
		}
		r.add(turn)
	}

	for _, call := range calls {
		out := a.tools.Run(ctx, call.Function.Name, call.Function.Arguments)
		a.logger.Info("tool call finished",
			"tool", call.Function.Name,
			"call_id", call.ID,
			"failed", out.Failed,
		)
		r.add(conversation.ToolResult(call.ID, out.Text))
	}
}

// persist writes the new turns once and finishes the run.
func (a *Agent) persist(ctx context.Context, start time.Time, r *run, key, outcome, reply string) (Result, error) {
	// The run deadline may have fired; saving what happened still matters.
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	var err error
	if len(r.added) > 0 {
		if _, err = a.history.AppendAndTrim(saveCtx, key, r.added...); err != nil {
			a.logger.Error("failed to persist history", "key", key, "error", err)
			err = fmt.Errorf("persisting conversation: %w", err)
		}
	}
	return a.finish(start, r, outcome, reply), err
}

func (a *Agent) finish(start time.Time, r *run, outcome, reply string) Result {
	a.metrics.RecordDialogue(outcome, r.step.Count, time.Since(start))
	a.logger.Info("dialogue finished",
		"outcome", outcome,
		"steps", r.step.Count,
		"new_turns", len(r.added),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return Result{Reply: reply, Outcome: outcome, Steps: r.step.Count, State: r.state}
}
