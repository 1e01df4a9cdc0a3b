package models

import (
	"encoding/json"
	"strings"
)

// PermissionLevel is the per-tool risk label that governs approval prompts.
type PermissionLevel string

const (
	PermissionSafe        PermissionLevel = "safe"
	PermissionModerate    PermissionLevel = "moderate"
	PermissionDestructive PermissionLevel = "destructive"
	PermissionCritical    PermissionLevel = "critical"
)

// ParsePermissionLevel maps a config string to a PermissionLevel.
// Unknown or empty values default to moderate.
func ParsePermissionLevel(s string) PermissionLevel {
	switch PermissionLevel(strings.ToLower(strings.TrimSpace(s))) {
	case PermissionSafe:
		return PermissionSafe
	case PermissionModerate:
		return PermissionModerate
	case PermissionDestructive:
		return PermissionDestructive
	case PermissionCritical:
		return PermissionCritical
	default:
		return PermissionModerate
	}
}

// ToolOrigin tags where a tool came from: "native" for built-ins, or
// "mcp:<server>" for federated tools.
type ToolOrigin string

// OriginNative is the origin of built-in tools.
const OriginNative ToolOrigin = "native"

// MCPOrigin builds the origin tag for a federated server.
func MCPOrigin(server string) ToolOrigin {
	return ToolOrigin("mcp:" + server)
}

// IsMCP reports whether the origin is a federated MCP server.
func (o ToolOrigin) IsMCP() bool {
	return strings.HasPrefix(string(o), "mcp:")
}

// ToolDescriptor is the immutable registration record for a tool.
type ToolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
	Permission  PermissionLevel `json:"permission_level"`
	Origin      ToolOrigin      `json:"origin"`
}
