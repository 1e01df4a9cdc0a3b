// Package guard contains the external-content safety layer: taint
// wrapping for untrusted tool output, the injection pattern scan, the
// credential sanitizer, and the diff scanner for untrusted sub-process
// output.
package guard

import "strings"

const (
	// TaintOpen and TaintClose delimit untrusted strings so the model
	// treats them as data, never instructions.
	TaintOpen  = "[UNTRUSTED_CONTENT]"
	TaintClose = "[/UNTRUSTED_CONTENT]"

	// Strings at or under this length are left unwrapped; short values
	// like ids and enum names cannot carry meaningful instructions.
	taintMinLen = 20

	taintMaxDepth = 3
)

// externalTools is the static set of native tools whose output crosses
// the process boundary and is therefore untrusted. MCP tools are
// external by name prefix, see IsExternalTool.
var externalTools = map[string]bool{
	"shell_execute":      true,
	"browser_navigate":   true,
	"browser_extract":    true,
	"browser_screenshot": true,
	"web_search":         true,
	"web_fetch":          true,
	"email_list":         true,
	"email_read":         true,
	"email_send":         true,
	"document_read":      true,
	"document_search":    true,
}

// IsExternalTool reports whether a tool's output must be taint-wrapped
// and scanned before it reaches the model.
func IsExternalTool(name string) bool {
	return externalTools[name] || strings.HasPrefix(name, "mcp_")
}

// WrapResult taint-wraps a tool result's data in place and returns it.
// String values longer than 20 characters are wrapped recursively to
// depth 3; keys starting with "_" are metadata and skipped. Wrapping is
// idempotent: already wrapped values pass through unchanged.
func WrapResult(data map[string]any) map[string]any {
	if data == nil {
		return nil
	}
	return wrapMap(data, 0)
}

func wrapMap(m map[string]any, depth int) map[string]any {
	if depth >= taintMaxDepth {
		return m
	}
	for k, v := range m {
		if strings.HasPrefix(k, "_") {
			continue
		}
		m[k] = wrapValue(v, depth)
	}
	return m
}

func wrapValue(v any, depth int) any {
	switch val := v.(type) {
	case string:
		return wrapString(val)
	case map[string]any:
		return wrapMap(val, depth+1)
	case []any:
		if depth+1 >= taintMaxDepth {
			return val
		}
		for i, item := range val {
			val[i] = wrapValue(item, depth+1)
		}
		return val
	default:
		return v
	}
}

func wrapString(s string) string {
	if len(s) <= taintMinLen {
		return s
	}
	if strings.HasPrefix(s, TaintOpen) && strings.HasSuffix(s, TaintClose) {
		return s
	}
	return TaintOpen + s + TaintClose
}

// Unwrap strips taint markers from a string. Used when rendering results
// for humans rather than the model.
func Unwrap(s string) string {
	s = strings.ReplaceAll(s, TaintOpen, "")
	return strings.ReplaceAll(s, TaintClose, "")
}
