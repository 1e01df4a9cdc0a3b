package tools

import (
	"strings"
	"testing"

	"github.com/keel-agent/keel/internal/config"
)

func TestShellExecute_SafeCommandList(t *testing.T) {
	tool := NewShellTool(t.TempDir(), config.ShellConfig{
		SafeCommands: []string{"echo", "ls"},
	}, nil)

	res, err := tool.Execute(t.Context(), map[string]any{"command": "echo hi"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success {
		t.Fatalf("admitted command failed: %s", res.Error)
	}
	if out, _ := res.Data["stdout"].(string); strings.TrimSpace(out) != "hi" {
		t.Errorf("stdout = %q", out)
	}

	tests := []struct {
		name    string
		command string
	}{
		{"not admitted", "rm -rf subdir"},
		{"shell syntax in head", "echo;rm -rf subdir"},
		{"path instead of bare name", "/bin/echo hi"},
		{"whitespace only", "   "},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := tool.Execute(t.Context(), map[string]any{"command": tt.command})
			if err != nil {
				t.Fatalf("Execute: %v", err)
			}
			if res.Success {
				t.Fatal("command ran despite safe list")
			}
			if !strings.Contains(res.Error, "safe command list") && !strings.Contains(res.Error, "required") {
				t.Errorf("error = %q", res.Error)
			}
		})
	}
}

func TestShellExecute_EmptySafeListAdmitsAnyExecutable(t *testing.T) {
	tool := NewShellTool(t.TempDir(), config.ShellConfig{}, nil)

	res, err := tool.Execute(t.Context(), map[string]any{"command": "printf ok"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success {
		t.Fatalf("command failed: %s", res.Error)
	}
}

func TestShellExecute_BlacklistAppliesAfterSafeList(t *testing.T) {
	tool := NewShellTool(t.TempDir(), config.ShellConfig{
		SafeCommands:      []string{"rm"},
		BlacklistPatterns: []string{`rm\s+-rf\s+/`},
	}, nil)

	res, err := tool.Execute(t.Context(), map[string]any{"command": "rm -rf /"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Success || !strings.Contains(res.Error, "blacklist") {
		t.Errorf("result = %+v, want blacklist rejection", res)
	}
}
