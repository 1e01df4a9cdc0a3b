package mcp

import (
	"context"
	"encoding/json"
	"strings"

	sdk_mcp "github.com/mark3labs/mcp-go/mcp"

	"github.com/keel-agent/keel/internal/tools"
	"github.com/keel-agent/keel/pkg/models"
)

// Tool is a federated MCP tool satisfying the tools.Tool contract by
// forwarding to its owning session.
type Tool struct {
	conn        *Conn
	server      string
	name        string
	remoteName  string
	description string
	schema      json.RawMessage
	permission  models.PermissionLevel
}

func newTool(conn *Conn, server string, info sdk_mcp.Tool, permission models.PermissionLevel) *Tool {
	schema, err := json.Marshal(info.InputSchema)
	if err != nil {
		schema = json.RawMessage(`{"type":"object"}`)
	}
	return &Tool{
		conn:        conn,
		server:      server,
		name:        FederatedName(server, info.Name),
		remoteName:  info.Name,
		description: info.Description,
		schema:      schema,
		permission:  permission,
	}
}

func (t *Tool) Name() string                       { return t.name }
func (t *Tool) Description() string                { return t.description }
func (t *Tool) InputSchema() json.RawMessage       { return t.schema }
func (t *Tool) Permission() models.PermissionLevel { return t.permission }
func (t *Tool) Origin() models.ToolOrigin          { return models.MCPOrigin(t.server) }

// Execute forwards the call to the owning session and translates the
// heterogeneous MCP content list. IsError results become failed tool
// results carrying the extracted text.
func (t *Tool) Execute(ctx context.Context, params map[string]any) (*tools.Result, error) {
	result, err := t.conn.callTool(ctx, t.remoteName, params)
	if err != nil {
		return tools.Fail("%v", err), nil
	}

	data, text := translateContent(result.Content)
	if result.IsError {
		if text == "" {
			text = "tool returned an error"
		}
		return &tools.Result{Success: false, Error: text, Data: data}, nil
	}
	return tools.Ok(data), nil
}

// translateContent converts the MCP content list to result data: text
// becomes {"output": string-or-list}, images and resources become typed
// entries under "content".
func translateContent(content []sdk_mcp.Content) (map[string]any, string) {
	var texts []string
	var rich []any
	for _, item := range content {
		switch c := item.(type) {
		case sdk_mcp.TextContent:
			texts = append(texts, c.Text)
		case sdk_mcp.ImageContent:
			rich = append(rich, map[string]any{
				"type":     "image",
				"mimeType": c.MIMEType,
				"data":     c.Data,
			})
		case sdk_mcp.EmbeddedResource:
			entry := map[string]any{"type": "resource"}
			if res, ok := c.Resource.(sdk_mcp.TextResourceContents); ok {
				entry["uri"] = res.URI
				entry["text"] = res.Text
			}
			rich = append(rich, entry)
		}
	}

	data := map[string]any{}
	joined := strings.Join(texts, "\n")
	switch {
	case len(texts) == 1:
		data["output"] = texts[0]
	case len(texts) > 1:
		list := make([]any, len(texts))
		for i, t := range texts {
			list[i] = t
		}
		data["output"] = list
	}
	if len(rich) > 0 {
		data["content"] = rich
	}
	return data, joined
}
