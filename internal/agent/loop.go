// Package agent drives the plan-execute-observe cycle: it composes a
// request from the system prompt, history, and tool schemas, calls the
// router, dispatches tool calls through the executor, and appends every
// reply in call order until the turn terminates.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/keel-agent/keel/internal/authority"
	"github.com/keel-agent/keel/internal/config"
	"github.com/keel-agent/keel/internal/router"
	"github.com/keel-agent/keel/internal/tools"
	"github.com/keel-agent/keel/pkg/models"
)

const denialCeiling = 3

// Completer is the router surface the loop needs.
type Completer interface {
	Complete(ctx context.Context, msgs []models.Message, opts router.Options) (*router.Response, error)
}

// Dispatcher is the executor surface the loop needs.
type Dispatcher interface {
	Execute(ctx context.Context, call models.ToolCall, tier authority.Tier, approve tools.ApprovalFunc) models.ToolResult
}

// Snapshotter exposes the registered tool descriptors.
type Snapshotter interface {
	Descriptors() []models.ToolDescriptor
}

// TaskResetter resets the per-task spend sum at each new user turn.
type TaskResetter interface {
	ResetTask()
}

// RunResult is the outcome of one user turn.
type RunResult struct {
	Content       string   `json:"content"`
	StepsTaken    int      `json:"steps_taken"`
	ToolCallsMade []string `json:"tool_calls_made"`
}

// Loop is one conversation's agent loop. A loop executes one user turn
// to completion before the next; the gateway serializes calls per
// conversation.
type Loop struct {
	router   Completer
	executor Dispatcher
	registry Snapshotter
	ledger   TaskResetter

	tier         authority.Tier
	approve      tools.ApprovalFunc
	systemPrompt string

	maxSteps int
	maxTime  time.Duration

	history *history
	logger  *slog.Logger
}

// New builds a loop for one conversation at the given authority tier.
// approve may be nil, which denies every prompt.
func New(rtr Completer, exec Dispatcher, registry Snapshotter, led TaskResetter,
	tier authority.Tier, approve tools.ApprovalFunc, systemPrompt string,
	agentCfg config.AgentConfig, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	maxSteps := agentCfg.MaxSteps
	if maxSteps <= 0 {
		maxSteps = 10
	}
	maxTime := time.Duration(agentCfg.MaxTimeSeconds) * time.Second
	if maxTime <= 0 {
		maxTime = 5 * time.Minute
	}
	return &Loop{
		router:       rtr,
		executor:     exec,
		registry:     registry,
		ledger:       led,
		tier:         tier,
		approve:      approve,
		systemPrompt: systemPrompt,
		maxSteps:     maxSteps,
		maxTime:      maxTime,
		history:      newHistory(agentCfg.MaxHistory),
		logger:       logger.With("component", "agent"),
	}
}

// ClearConversation resets the conversation history.
func (l *Loop) ClearConversation() {
	l.history.clear()
}

// HistoryLen reports the stored message count.
func (l *Loop) HistoryLen() int {
	return l.history.len()
}

// Run executes one user turn. Every termination path returns a final
// assistant text; router errors are reported as content, never raised.
func (l *Loop) Run(ctx context.Context, userText string) RunResult {
	if l.ledger != nil {
		l.ledger.ResetTask()
	}

	ctx, cancel := context.WithTimeout(ctx, l.maxTime)
	defer cancel()
	start := time.Now()

	l.history.append(models.Message{Role: models.RoleUser, Content: userText})

	result := RunResult{ToolCallsMade: []string{}}
	denials := make(map[string]int)

	for {
		if result.StepsTaken >= l.maxSteps {
			return l.finish(result, fmt.Sprintf("Stopping: step limit of %d reached before the task completed.", l.maxSteps))
		}
		if time.Since(start) >= l.maxTime || ctx.Err() != nil {
			return l.finish(result, "Stopping: time limit reached before the task completed.")
		}

		resp, err := l.router.Complete(ctx, l.composeRequest(), router.Options{
			TaskType: "chat",
			Tools:    l.visibleTools(),
		})
		result.StepsTaken++

		if err != nil {
			return l.finish(result, routerErrorText(err))
		}

		if !resp.HasToolCalls() {
			l.history.append(models.Message{Role: models.RoleAssistant, Content: resp.Content})
			result.Content = resp.Content
			return result
		}

		// Assistant turn with pending tool calls carries no content.
		l.history.append(models.Message{Role: models.RoleAssistant, ToolCalls: resp.ToolCalls})

		for _, tr := range l.dispatchAll(ctx, resp.ToolCalls) {
			l.history.append(models.Message{
				Role:        models.RoleTool,
				Content:     tr.result.Content,
				ToolResults: []models.ToolResult{tr.result},
			})
			result.ToolCallsMade = append(result.ToolCallsMade, tr.name)
			if isDenial(tr.result) {
				denials[tr.name]++
				if denials[tr.name] >= denialCeiling {
					return l.finish(result, fmt.Sprintf("Stopping: tool %q was denied %d times.", tr.name, denials[tr.name]))
				}
			}
		}
	}
}

type dispatched struct {
	name   string
	result models.ToolResult
}

// dispatchAll runs the calls of one assistant turn in parallel and
// returns the results in the original call order.
func (l *Loop) dispatchAll(ctx context.Context, calls []models.ToolCall) []dispatched {
	out := make([]dispatched, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(i int, call models.ToolCall) {
			defer wg.Done()
			out[i] = dispatched{
				name:   call.Name,
				result: l.executor.Execute(ctx, call, l.tier, l.approve),
			}
		}(i, call)
	}
	wg.Wait()
	return out
}

// composeRequest builds [system] + history for the router. Reshaping to
// provider constraints happens in the adapters, not here.
func (l *Loop) composeRequest() []models.Message {
	msgs := make([]models.Message, 0, l.history.len()+1)
	if l.systemPrompt != "" {
		msgs = append(msgs, models.Message{Role: models.RoleSystem, Content: l.systemPrompt})
	}
	return append(msgs, l.history.snapshot()...)
}

// visibleTools is the authority-filtered schema list shown to the model.
func (l *Loop) visibleTools() []models.ToolDescriptor {
	if l.registry == nil {
		return nil
	}
	return authority.FilterTools(l.tier, l.registry.Descriptors())
}

// finish appends the terminal assistant text and returns.
func (l *Loop) finish(result RunResult, text string) RunResult {
	l.history.append(models.Message{Role: models.RoleAssistant, Content: text})
	result.Content = text
	return result
}

// routerErrorText maps a router failure to the terminal assistant text.
func routerErrorText(err error) string {
	switch {
	case router.IsBudgetError(err):
		return "error: budget exceeded"
	case errors.Is(err, router.ErrNoProviderAvailable):
		return "error: no provider available"
	case errors.Is(err, context.DeadlineExceeded):
		return "Stopping: time limit reached before the task completed."
	default:
		return "error: " + err.Error()
	}
}

// isDenial recognizes an approval refusal in a tool reply.
func isDenial(tr models.ToolResult) bool {
	return tr.IsError && strings.Contains(tr.Content, "approval denied")
}
