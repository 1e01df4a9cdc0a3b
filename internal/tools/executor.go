package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/keel-agent/keel/internal/authority"
	"github.com/keel-agent/keel/internal/config"
	"github.com/keel-agent/keel/internal/guard"
	"github.com/keel-agent/keel/internal/payments"
	"github.com/keel-agent/keel/pkg/models"
)

// ApprovalFunc asks the user to approve a tool call. A false return is a
// denial; the loop counts denials per tool name.
type ApprovalFunc func(ctx context.Context, name, description string, params map[string]any) bool

// Executor runs the dispatch pipeline for one tool call: existence,
// authority, protected paths, permission prompt, payment gates, the tool
// body, and external-content post-processing. Each step short-circuits
// on failure; every failure is a structured tool reply, never a panic or
// a propagated error.
type Executor struct {
	registry       *Registry
	limiter        *payments.Limiter
	auditor        *payments.Auditor
	protectedPaths []string
	mode           config.PermissionMode
	toolTimeout    time.Duration
	logger         *slog.Logger
}

// NewExecutor wires an executor. limiter and auditor may be nil when
// payments are disabled.
func NewExecutor(registry *Registry, limiter *payments.Limiter, auditor *payments.Auditor,
	protectedPaths []string, mode config.PermissionMode, toolTimeout time.Duration, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	if toolTimeout <= 0 {
		toolTimeout = 2 * time.Minute
	}
	return &Executor{
		registry:       registry,
		limiter:        limiter,
		auditor:        auditor,
		protectedPaths: protectedPaths,
		mode:           mode,
		toolTimeout:    toolTimeout,
		logger:         logger.With("component", "executor"),
	}
}

// Execute dispatches one tool call and always returns a result bound to
// the call id.
func (e *Executor) Execute(ctx context.Context, call models.ToolCall, tier authority.Tier, approve ApprovalFunc) models.ToolResult {
	tool, ok := e.registry.Get(call.Name)
	if !ok {
		return e.errorResult(call, "unknown tool %q", call.Name)
	}

	if !authority.Allows(tier, call.Name) {
		observeExecution(call.Name, "authority_denied")
		return e.errorResult(call, "authority denied for tool %q", call.Name)
	}

	params, err := decodeParams(tool, call.Input)
	if err != nil {
		// Bad arguments go back to the model so it can self-correct.
		return e.errorResult(call, "invalid arguments: %v", err)
	}

	if pm, ok := tool.(PathMutator); ok {
		if path, mutates := pm.MutatedPath(params); mutates && e.isProtectedPath(path) {
			observeExecution(call.Name, "protected_path")
			return e.errorResult(call, "path %q is protected", path)
		}
	}

	if e.needsApproval(tool.Permission()) {
		if approve == nil || !approve(ctx, call.Name, tool.Description(), params) {
			observeExecution(call.Name, "denied")
			return e.errorResult(call, "approval denied for tool %q", call.Name)
		}
	}

	var auditID string
	if pt, ok := tool.(PaymentTool); ok {
		auditID, err = e.paymentGate(ctx, call, pt, params, approve)
		if err != nil {
			observeExecution(call.Name, "payment_blocked")
			return e.errorResult(call, "%v", err)
		}
	}

	result := e.runBody(ctx, tool, params)

	if auditID != "" {
		e.settlePayment(ctx, auditID, result)
	}

	if guard.IsExternalTool(call.Name) && result.Data != nil {
		result.Data = guard.AnnotateResult(guard.WrapResult(result.Data))
	}

	outcome := "ok"
	if !result.Success {
		outcome = "failed"
	}
	observeExecution(call.Name, outcome)

	return toToolResult(call, result)
}

// runBody invokes the tool with a deadline. Panics and timeouts become
// structured failures.
func (e *Executor) runBody(ctx context.Context, tool Tool, params map[string]any) *Result {
	ctx, cancel := context.WithTimeout(ctx, e.toolTimeout)
	defer cancel()

	result, err := func() (res *Result, err error) {
		defer func() {
			if r := recover(); r != nil {
				res = nil
				err = fmt.Errorf("tool panicked: %v", r)
			}
		}()
		return tool.Execute(ctx, params)
	}()

	switch {
	case err != nil && errors.Is(err, context.DeadlineExceeded):
		return &Result{Success: false, Error: "tool timed out", Data: map[string]any{"timed_out": true}}
	case err != nil:
		return Fail("%v", err)
	case result == nil:
		return Fail("tool returned no result")
	}
	return result
}

// paymentGate runs spending limits, amount-tier approval, and writes the
// pending audit record. Returns the audit id to settle after execution.
func (e *Executor) paymentGate(ctx context.Context, call models.ToolCall, pt PaymentTool, params map[string]any, approve ApprovalFunc) (string, error) {
	if e.limiter == nil || e.auditor == nil {
		return "", fmt.Errorf("payments are disabled")
	}
	amount, recipient, err := pt.PaymentDetails(params)
	if err != nil {
		return "", fmt.Errorf("payment details: %w", err)
	}
	if err := e.limiter.Check(ctx, amount, recipient); err != nil {
		return "", fmt.Errorf("spending limit: %w", err)
	}

	tier := e.limiter.Tier(amount)
	switch tier {
	case payments.TierCooldown:
		// With no human in the loop a cooldown-tier payment cannot
		// complete its preview step, so full_auto denies it outright.
		if e.mode == config.PermissionFullAuto {
			return "", fmt.Errorf("payment of $%.2f requires cooldown approval, denied in full_auto mode", amount)
		}
		if approve == nil || !approve(ctx, call.Name, fmt.Sprintf("payment of $%.2f to %s (cooldown %s)", amount, recipient, e.limiter.CooldownDelay()), params) {
			return "", fmt.Errorf("payment approval denied")
		}
	case payments.TierConfirm, payments.TierAlwaysAsk:
		if approve == nil || !approve(ctx, call.Name, fmt.Sprintf("payment of $%.2f to %s", amount, recipient), params) {
			return "", fmt.Errorf("payment approval denied")
		}
	}

	return e.auditor.RecordPending(ctx, payments.AuditRecord{
		ToolName:  call.Name,
		AmountUSD: amount,
		Currency:  "USD",
		Recipient: recipient,
		Type:      "transfer",
		Provider:  "crypto",
	})
}

// settlePayment transitions the pending audit record after the body ran.
func (e *Executor) settlePayment(ctx context.Context, auditID string, result *Result) {
	var err error
	if result.Success {
		refs, _ := result.Data["transaction_ref"].(string)
		err = e.auditor.MarkExecuted(ctx, auditID, refs)
	} else {
		err = e.auditor.MarkFailed(ctx, auditID, result.Error)
	}
	if err != nil {
		e.logger.Error("audit transition failed", "audit_id", auditID, "error", err)
	}
}

// needsApproval maps (permission mode, level) to whether the user must
// approve. SAFE tools auto-approve even in strict mode.
func (e *Executor) needsApproval(level models.PermissionLevel) bool {
	switch level {
	case models.PermissionSafe:
		return false
	case models.PermissionCritical:
		return true
	case models.PermissionDestructive:
		return e.mode != config.PermissionFullAuto
	default:
		return e.mode == config.PermissionAskAlways
	}
}

func (e *Executor) isProtectedPath(path string) bool {
	cleaned := filepath.Clean(path)
	for _, p := range e.protectedPaths {
		protected := filepath.Clean(p)
		if cleaned == protected || strings.HasPrefix(cleaned, protected+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

func (e *Executor) errorResult(call models.ToolCall, format string, args ...any) models.ToolResult {
	return models.ToolResult{
		ToolCallID: call.ID,
		Content:    fmt.Sprintf(format, args...),
		IsError:    true,
	}
}

// decodeParams unmarshals and schema-validates the call arguments.
func decodeParams(tool Tool, input json.RawMessage) (map[string]any, error) {
	params := map[string]any{}
	if len(input) > 0 {
		if err := json.Unmarshal(input, &params); err != nil {
			return nil, fmt.Errorf("decode: %w", err)
		}
	}

	schemaBytes := tool.InputSchema()
	if len(schemaBytes) == 0 {
		return params, nil
	}
	schema, err := jsonschema.CompileString(tool.Name()+".json", string(schemaBytes))
	if err != nil {
		// A broken schema must not brick the tool.
		return params, nil
	}
	var generic any
	if err := json.Unmarshal(input, &generic); err != nil || generic == nil {
		generic = map[string]any{}
	}
	if err := schema.Validate(generic); err != nil {
		return nil, fmt.Errorf("schema: %w", err)
	}
	return params, nil
}

// toToolResult renders an execution result as the tool reply the model
// sees.
func toToolResult(call models.ToolCall, result *Result) models.ToolResult {
	tr := models.ToolResult{
		ToolCallID: call.ID,
		Data:       result.Data,
		IsError:    !result.Success,
	}
	if result.Success {
		tr.Content = renderData(result.Data)
	} else {
		tr.Content = result.Error
	}
	return tr
}

func renderData(data map[string]any) string {
	if data == nil {
		return "ok"
	}
	if out, ok := data["output"].(string); ok {
		return out
	}
	b, err := json.Marshal(data)
	if err != nil {
		return "ok"
	}
	return string(b)
}
