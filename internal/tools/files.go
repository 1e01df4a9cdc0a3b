package tools

import (
	"context"
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/keel-agent/keel/internal/storage"
	"github.com/keel-agent/keel/pkg/models"
)

// fileTool carries the shared workspace root and quota checker.
type fileTool struct {
	root  string
	quota *storage.Quota
}

// resolve joins a relative path against the workspace root and rejects
// escapes.
func (t *fileTool) resolve(path string) (string, bool) {
	full := filepath.Clean(filepath.Join(t.root, path))
	if full != t.root && !strings.HasPrefix(full, t.root+string(filepath.Separator)) {
		return "", false
	}
	return full, true
}

// FileReadTool reads a file from the workspace.
type FileReadTool struct{ fileTool }

// NewFileReadTool builds the read tool.
func NewFileReadTool(root string, quota *storage.Quota) *FileReadTool {
	return &FileReadTool{fileTool{root: root, quota: quota}}
}

func (t *FileReadTool) Name() string        { return "file_read" }
func (t *FileReadTool) Description() string { return "Read the contents of a file in the workspace." }

func (t *FileReadTool) InputSchema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string", "description": "Path relative to the workspace root"}
		},
		"required": ["path"]
	}`)
}

func (t *FileReadTool) Permission() models.PermissionLevel { return models.PermissionSafe }
func (t *FileReadTool) Origin() models.ToolOrigin          { return models.OriginNative }

func (t *FileReadTool) Execute(_ context.Context, params map[string]any) (*Result, error) {
	path, _ := params["path"].(string)
	full, ok := t.resolve(path)
	if !ok {
		return Fail("path escapes the workspace"), nil
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return Fail("read: %v", err), nil
	}
	return Ok(map[string]any{"output": string(data), "path": path, "size": len(data)}), nil
}

// FileWriteTool writes a file inside the workspace under quota.
type FileWriteTool struct{ fileTool }

// NewFileWriteTool builds the write tool.
func NewFileWriteTool(root string, quota *storage.Quota) *FileWriteTool {
	return &FileWriteTool{fileTool{root: root, quota: quota}}
}

func (t *FileWriteTool) Name() string { return "file_write" }
func (t *FileWriteTool) Description() string {
	return "Write content to a file in the workspace, creating parent directories as needed."
}

func (t *FileWriteTool) InputSchema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string", "description": "Path relative to the workspace root"},
			"content": {"type": "string", "description": "File content to write"}
		},
		"required": ["path", "content"]
	}`)
}

func (t *FileWriteTool) Permission() models.PermissionLevel { return models.PermissionModerate }
func (t *FileWriteTool) Origin() models.ToolOrigin          { return models.OriginNative }

// MutatedPath exposes the write target for the protected-path check.
func (t *FileWriteTool) MutatedPath(params map[string]any) (string, bool) {
	path, _ := params["path"].(string)
	full, ok := t.resolve(path)
	return full, ok && path != ""
}

func (t *FileWriteTool) Execute(_ context.Context, params map[string]any) (*Result, error) {
	path, _ := params["path"].(string)
	content, _ := params["content"].(string)
	full, ok := t.resolve(path)
	if !ok {
		return Fail("path escapes the workspace"), nil
	}
	if t.quota != nil {
		if err := t.quota.ValidateWrite(int64(len(content))); err != nil {
			return Fail("%v", err), nil
		}
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return Fail("mkdir: %v", err), nil
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		return Fail("write: %v", err), nil
	}
	return Ok(map[string]any{"output": "wrote " + path, "path": path, "size": len(content)}), nil
}

// FileDeleteTool removes a file from the workspace.
type FileDeleteTool struct{ fileTool }

// NewFileDeleteTool builds the delete tool.
func NewFileDeleteTool(root string) *FileDeleteTool {
	return &FileDeleteTool{fileTool{root: root}}
}

func (t *FileDeleteTool) Name() string        { return "file_delete" }
func (t *FileDeleteTool) Description() string { return "Delete a file in the workspace." }

func (t *FileDeleteTool) InputSchema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string", "description": "Path relative to the workspace root"}
		},
		"required": ["path"]
	}`)
}

func (t *FileDeleteTool) Permission() models.PermissionLevel { return models.PermissionDestructive }
func (t *FileDeleteTool) Origin() models.ToolOrigin          { return models.OriginNative }

func (t *FileDeleteTool) MutatedPath(params map[string]any) (string, bool) {
	path, _ := params["path"].(string)
	full, ok := t.resolve(path)
	return full, ok && path != ""
}

func (t *FileDeleteTool) Execute(_ context.Context, params map[string]any) (*Result, error) {
	path, _ := params["path"].(string)
	full, ok := t.resolve(path)
	if !ok {
		return Fail("path escapes the workspace"), nil
	}
	if err := os.Remove(full); err != nil {
		return Fail("delete: %v", err), nil
	}
	return Ok(map[string]any{"output": "deleted " + path}), nil
}

// FileListTool lists a workspace directory.
type FileListTool struct{ fileTool }

// NewFileListTool builds the list tool.
func NewFileListTool(root string) *FileListTool {
	return &FileListTool{fileTool{root: root}}
}

func (t *FileListTool) Name() string        { return "file_list" }
func (t *FileListTool) Description() string { return "List files in a workspace directory." }

func (t *FileListTool) InputSchema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string", "description": "Directory relative to the workspace root, defaults to the root"}
		}
	}`)
}

func (t *FileListTool) Permission() models.PermissionLevel { return models.PermissionSafe }
func (t *FileListTool) Origin() models.ToolOrigin          { return models.OriginNative }

func (t *FileListTool) Execute(_ context.Context, params map[string]any) (*Result, error) {
	path, _ := params["path"].(string)
	full, ok := t.resolve(path)
	if !ok {
		return Fail("path escapes the workspace"), nil
	}
	entries, err := os.ReadDir(full)
	if err != nil {
		return Fail("list: %v", err), nil
	}
	names := make([]any, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	return Ok(map[string]any{"entries": names, "count": len(names)}), nil
}

// FileSearchTool finds workspace files whose names match a substring.
type FileSearchTool struct{ fileTool }

// NewFileSearchTool builds the search tool.
func NewFileSearchTool(root string) *FileSearchTool {
	return &FileSearchTool{fileTool{root: root}}
}

func (t *FileSearchTool) Name() string { return "file_search" }
func (t *FileSearchTool) Description() string {
	return "Find workspace files whose names contain a pattern."
}

func (t *FileSearchTool) InputSchema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"pattern": {"type": "string", "description": "Substring to match against file names"}
		},
		"required": ["pattern"]
	}`)
}

func (t *FileSearchTool) Permission() models.PermissionLevel { return models.PermissionSafe }
func (t *FileSearchTool) Origin() models.ToolOrigin          { return models.OriginNative }

const searchResultCap = 200

func (t *FileSearchTool) Execute(ctx context.Context, params map[string]any) (*Result, error) {
	pattern, _ := params["pattern"].(string)
	if pattern == "" {
		return Fail("pattern is required"), nil
	}
	var matches []any
	err := filepath.WalkDir(t.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if len(matches) >= searchResultCap {
			return filepath.SkipAll
		}
		if !d.IsDir() && strings.Contains(d.Name(), pattern) {
			rel, _ := filepath.Rel(t.root, path)
			matches = append(matches, rel)
		}
		return nil
	})
	if err != nil {
		return Fail("search: %v", err), nil
	}
	return Ok(map[string]any{"matches": matches, "count": len(matches)}), nil
}
