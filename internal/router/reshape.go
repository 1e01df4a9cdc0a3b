package router

import (
	"strings"

	"github.com/keel-agent/keel/pkg/models"
)

// Reshape normalizes a canonical message sequence for providers with
// published constraints: at most one system message at index 0 (multiple
// are newline-joined), a placeholder user message when none is present,
// and exactly one tool reply per pending tool-call id. Adapters call
// this before translating to wire format; the router core never mutates
// the canonical sequence.
func Reshape(msgs []models.Message) []models.Message {
	var systemParts []string
	rest := make([]models.Message, 0, len(msgs))
	hasUser := false

	for _, m := range msgs {
		switch m.Role {
		case models.RoleSystem:
			if strings.TrimSpace(m.Content) != "" {
				systemParts = append(systemParts, m.Content)
			}
		case models.RoleUser:
			hasUser = true
			rest = append(rest, m)
		default:
			rest = append(rest, m)
		}
	}

	rest = dedupeToolReplies(rest)

	out := make([]models.Message, 0, len(rest)+2)
	if len(systemParts) > 0 {
		out = append(out, models.Message{
			Role:    models.RoleSystem,
			Content: strings.Join(systemParts, "\n"),
		})
	}
	if !hasUser {
		out = append(out, models.Message{Role: models.RoleUser, Content: "Please proceed."})
	}
	return append(out, rest...)
}

// dedupeToolReplies keeps exactly one tool reply per pending tool-call
// id and drops replies whose id matches no pending call.
func dedupeToolReplies(msgs []models.Message) []models.Message {
	out := make([]models.Message, 0, len(msgs))
	pending := make(map[string]bool)

	for _, m := range msgs {
		switch {
		case m.HasToolCalls():
			pending = make(map[string]bool, len(m.ToolCalls))
			for _, tc := range m.ToolCalls {
				pending[tc.ID] = true
			}
			out = append(out, m)
		case m.Role == models.RoleTool:
			kept := m
			kept.ToolResults = nil
			for _, tr := range m.ToolResults {
				if pending[tr.ToolCallID] {
					kept.ToolResults = append(kept.ToolResults, tr)
					pending[tr.ToolCallID] = false
				}
			}
			if len(kept.ToolResults) > 0 {
				out = append(out, kept)
			}
		default:
			out = append(out, m)
		}
	}
	return out
}
