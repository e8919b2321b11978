// Package executor runs LLM queries: it drives the think/act/observe loop,
// streams deltas onto the bus, and records everything on the session.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/agentcore/internal/bus"
	"github.com/nextlevelbuilder/agentcore/internal/providers"
	"github.com/nextlevelbuilder/agentcore/internal/session"
	"github.com/nextlevelbuilder/agentcore/internal/tools"
)

// QueryContext scopes one query to its session, originating client, and task.
// A zero QueryContext runs the query detached: nothing is written to any
// session and nothing is published on the bus (used for compaction
// summaries).
type QueryContext struct {
	SessionID string
	ClientID  string
	TaskID    string
}

// Config configures an Executor.
type Config struct {
	Provider      providers.Provider
	Tools         *tools.Registry
	Sessions      *session.Manager
	Bus           *bus.Bus
	Model         string
	MaxIterations int
	MaxTokens     int
	Temperature   float64
}

// Executor drives query execution. Safe for concurrent use; each HandleQuery
// call is independent.
type Executor struct {
	provider      providers.Provider
	tools         *tools.Registry
	sessions      *session.Manager
	bus           *bus.Bus
	model         string
	maxIterations int
	maxTokens     int
	temperature   float64
	tracer        trace.Tracer
}

func New(cfg Config) *Executor {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 20
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 8192
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = 0.7
	}
	return &Executor{
		provider:      cfg.Provider,
		tools:         cfg.Tools,
		sessions:      cfg.Sessions,
		bus:           cfg.Bus,
		model:         cfg.Model,
		maxIterations: cfg.MaxIterations,
		maxTokens:     cfg.MaxTokens,
		temperature:   cfg.Temperature,
		tracer:        otel.Tracer("agentcore/executor"),
	}
}

// QueryFunc adapts the executor for compaction: queries run detached from
// any session.
func (e *Executor) QueryFunc() session.QueryFunc {
	return func(ctx context.Context, prompt string, history []providers.Message) (string, error) {
		return e.HandleQuery(ctx, prompt, QueryContext{}, history)
	}
}

// HandleQuery runs one query to completion and returns the final assistant
// text. history is prepended to the wire messages (typically a system
// prompt); when qctx names a session the session's converted history follows
// it, and prompt is recorded as a user message first. An empty prompt re-runs
// the session tail as-is, which is how event re-entry works.
func (e *Executor) HandleQuery(ctx context.Context, prompt string, qctx QueryContext, history []providers.Message) (string, error) {
	ctx, span := e.tracer.Start(ctx, "executor.query",
		trace.WithAttributes(
			attribute.String("session.id", qctx.SessionID),
			attribute.String("task.id", qctx.TaskID),
		))
	defer span.End()

	sink, err := e.newSink(qctx)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}

	messages := append([]providers.Message(nil), history...)
	if sink.session != nil {
		if prompt != "" {
			sink.session.AddUserMessage(prompt)
		}
		messages = append(messages, sink.session.ToHistory()...)
	} else if prompt != "" {
		messages = append(messages, providers.Message{Role: "user", Content: prompt})
	}

	sink.model = e.modelName()

	content, err := e.runLoop(ctx, sink, messages, qctx)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		sink.fail(err)
		return "", err
	}
	sink.complete(content)
	return content, nil
}

func (e *Executor) modelName() string {
	if e.model != "" {
		return e.model
	}
	return e.provider.DefaultModel()
}

func (e *Executor) runLoop(ctx context.Context, sink *streamSink, messages []providers.Message, qctx QueryContext) (string, error) {
	ctx = tools.WithSessionID(ctx, qctx.SessionID)
	ctx = tools.WithClientID(ctx, qctx.ClientID)
	ctx = tools.WithTaskID(ctx, qctx.TaskID)

	var totalUsage providers.Usage
	sink.usage = &totalUsage

	for iteration := 1; iteration <= e.maxIterations; iteration++ {
		slog.Debug("executor iteration", "iteration", iteration, "messages", len(messages), "session", qctx.SessionID)

		sink.beginAssistantTurn()

		resp, err := e.callLLM(ctx, sink, iteration, messages)
		if err != nil {
			return "", fmt.Errorf("LLM call failed (iteration %d): %w", iteration, err)
		}
		if resp.Usage != nil {
			totalUsage.PromptTokens += resp.Usage.PromptTokens
			totalUsage.CompletionTokens += resp.Usage.CompletionTokens
			totalUsage.TotalTokens += resp.Usage.TotalTokens
			totalUsage.ThinkingTokens += resp.Usage.ThinkingTokens
			totalUsage.CacheReadTokens += resp.Usage.CacheReadTokens
		}

		if len(resp.ToolCalls) == 0 {
			return resp.Content, nil
		}

		messages = append(messages, providers.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		results := e.executeToolCalls(ctx, sink, resp.ToolCalls)
		messages = append(messages, results...)

		if err := ctx.Err(); err != nil {
			return "", err
		}
	}
	return "", fmt.Errorf("gave up after %d iterations without a final answer", e.maxIterations)
}

func (e *Executor) callLLM(ctx context.Context, sink *streamSink, iteration int, messages []providers.Message) (*providers.ChatResponse, error) {
	ctx, span := e.tracer.Start(ctx, "executor.llm",
		trace.WithAttributes(
			attribute.Int("iteration", iteration),
			attribute.Int("messages", len(messages)),
			attribute.String("model", e.modelName()),
		))
	defer span.End()

	req := providers.ChatRequest{
		Messages: messages,
		Tools:    e.tools.Definitions(),
		Model:    e.model,
		Options: map[string]any{
			providers.OptMaxTokens:   e.maxTokens,
			providers.OptTemperature: e.temperature,
		},
	}

	resp, err := e.provider.ChatStream(ctx, req, sink.onChunk)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if resp.Usage != nil {
		span.SetAttributes(
			attribute.Int("tokens.prompt", resp.Usage.PromptTokens),
			attribute.Int("tokens.completion", resp.Usage.CompletionTokens),
		)
	}
	return resp, nil
}

// executeToolCalls runs the calls (in parallel when there are several) and
// returns the tool result messages in call order.
func (e *Executor) executeToolCalls(ctx context.Context, sink *streamSink, calls []providers.ToolCall) []providers.Message {
	for _, tc := range calls {
		sink.toolCall(tc)
	}

	type indexed struct {
		idx    int
		tc     providers.ToolCall
		result *tools.Result
	}

	collected := make([]indexed, 0, len(calls))
	if len(calls) == 1 {
		collected = append(collected, indexed{0, calls[0], e.executeOne(ctx, calls[0])})
	} else {
		// Tool instances are context-scoped and immutable, so parallel
		// execution is safe. Results are reordered for determinism.
		ch := make(chan indexed, len(calls))
		var wg sync.WaitGroup
		for i, tc := range calls {
			wg.Add(1)
			go func(idx int, tc providers.ToolCall) {
				defer wg.Done()
				ch <- indexed{idx, tc, e.executeOne(ctx, tc)}
			}(i, tc)
		}
		go func() { wg.Wait(); close(ch) }()
		for r := range ch {
			collected = append(collected, r)
		}
		sort.Slice(collected, func(i, j int) bool { return collected[i].idx < collected[j].idx })
	}

	out := make([]providers.Message, 0, len(collected))
	for _, r := range collected {
		sink.toolResult(r.tc, r.result)
		if r.result.IsError {
			slog.Warn("tool error", "tool", r.tc.Name, "error", truncate(r.result.ForLLM, 200))
		}
		out = append(out, providers.Message{
			Role:       "tool",
			Content:    r.result.ForLLM,
			ToolCallID: r.tc.ID,
		})
	}
	return out
}

func (e *Executor) executeOne(ctx context.Context, tc providers.ToolCall) *tools.Result {
	ctx, span := e.tracer.Start(ctx, "executor.tool",
		trace.WithAttributes(attribute.String("tool", tc.Name), attribute.String("call.id", tc.ID)))
	defer span.End()

	argsJSON, _ := json.Marshal(tc.Arguments)
	slog.Info("tool call", "tool", tc.Name, "args_len", len(argsJSON))

	result := e.tools.Execute(ctx, tc.Name, tc.Arguments)
	if result.IsError {
		span.SetStatus(codes.Error, truncate(result.ForLLM, 200))
	}
	return result
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
