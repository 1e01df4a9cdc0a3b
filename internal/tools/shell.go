package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/keel-agent/keel/internal/config"
	"github.com/keel-agent/keel/internal/process"
	"github.com/keel-agent/keel/pkg/models"
)

// bareExecName matches executable names without paths, quoting, or
// shell syntax. Safe-list matching only applies to bare names.
var bareExecName = regexp.MustCompile(`^[A-Za-z0-9._+-]+$`)

// ShellTool executes shell commands in the workspace. Output is
// external content and gets taint-wrapped by the executor.
type ShellTool struct {
	workDir   string
	timeout   time.Duration
	blacklist []*regexp.Regexp
	safe      map[string]bool
	procs     *process.Registry
}

// NewShellTool builds the shell tool. Invalid blacklist patterns are
// skipped. A non-empty safe_commands list restricts execution to
// commands whose leading executable is on the list.
func NewShellTool(workDir string, cfg config.ShellConfig, procs *process.Registry) *ShellTool {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	t := &ShellTool{workDir: workDir, timeout: timeout, procs: procs}
	for _, pattern := range cfg.BlacklistPatterns {
		if re, err := regexp.Compile(pattern); err == nil {
			t.blacklist = append(t.blacklist, re)
		}
	}
	if len(cfg.SafeCommands) > 0 {
		t.safe = make(map[string]bool, len(cfg.SafeCommands))
		for _, name := range cfg.SafeCommands {
			t.safe[name] = true
		}
	}
	return t
}

func (t *ShellTool) Name() string        { return "shell_execute" }
func (t *ShellTool) Description() string {
	return "Execute a shell command in the workspace and return stdout, stderr, and the exit code."
}

func (t *ShellTool) InputSchema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"command": {"type": "string", "description": "The shell command to execute"}
		},
		"required": ["command"]
	}`)
}

func (t *ShellTool) Permission() models.PermissionLevel { return models.PermissionDestructive }
func (t *ShellTool) Origin() models.ToolOrigin          { return models.OriginNative }

func (t *ShellTool) Execute(ctx context.Context, params map[string]any) (*Result, error) {
	command, _ := params["command"].(string)
	if command == "" {
		return Fail("command is required"), nil
	}
	if len(t.safe) > 0 {
		var head string
		if fields := strings.Fields(command); len(fields) > 0 {
			head = fields[0]
		}
		if !bareExecName.MatchString(head) || !t.safe[head] {
			return Fail("executable %q is not in the safe command list", head), nil
		}
	}
	for _, re := range t.blacklist {
		if re.MatchString(command) {
			return Fail("command matches blacklist pattern"), nil
		}
	}
	if t.procs != nil && t.procs.AtCapacity() {
		return Fail("process registry at capacity, try again later"), nil
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = t.workDir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return Fail("start: %v", err), nil
	}
	if t.procs != nil {
		t.procs.Register(cmd.Process.Pid, "shell: "+truncate(command, 60))
		defer t.procs.Unregister(cmd.Process.Pid)
	}

	err := cmd.Wait()
	data := map[string]any{
		"stdout":    stdout.String(),
		"stderr":    stderr.String(),
		"exit_code": 0,
	}
	if ctx.Err() == context.DeadlineExceeded {
		data["timed_out"] = true
		return &Result{Success: false, Error: "command timed out", Data: data}, nil
	}
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			data["exit_code"] = exitErr.ExitCode()
			return &Result{Success: false, Error: fmt.Sprintf("exit code %d", exitErr.ExitCode()), Data: data}, nil
		}
		return Fail("%v", err), nil
	}
	return Ok(data), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
