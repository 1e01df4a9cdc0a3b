package agent

import (
	"time"

	"github.com/google/uuid"

	"github.com/keel-agent/keel/pkg/models"
)

// history is the conversation memory owned by one loop. The system
// prompt is not stored; it is prepended when the request is composed.
type history struct {
	messages []models.Message
	cap      int
}

func newHistory(cap int) *history {
	if cap <= 0 {
		cap = 50
	}
	return &history{cap: cap}
}

// append adds a message and evicts from the front past the cap. An
// assistant turn with tool calls is evicted together with its tool
// replies so the remaining sequence stays well formed.
func (h *history) append(msg models.Message) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	h.messages = append(h.messages, msg)

	for len(h.messages) > h.cap {
		h.evictOldest()
	}
}

func (h *history) evictOldest() {
	if len(h.messages) == 0 {
		return
	}
	first := h.messages[0]
	drop := 1
	if first.HasToolCalls() {
		pending := make(map[string]bool, len(first.ToolCalls))
		for _, call := range first.ToolCalls {
			pending[call.ID] = true
		}
		for drop < len(h.messages) && h.messages[drop].Role == models.RoleTool {
			replies := false
			for _, r := range h.messages[drop].ToolResults {
				if pending[r.ToolCallID] {
					replies = true
				}
			}
			if !replies {
				break
			}
			drop++
		}
	}
	h.messages = h.messages[drop:]

	// A tool reply whose assistant turn was evicted separately is an
	// orphan; drop it too.
	for len(h.messages) > 0 && h.messages[0].Role == models.RoleTool {
		h.messages = h.messages[1:]
	}
}

// snapshot returns a copy of the stored messages.
func (h *history) snapshot() []models.Message {
	out := make([]models.Message, len(h.messages))
	copy(out, h.messages)
	return out
}

// clear resets the conversation.
func (h *history) clear() {
	h.messages = nil
}

func (h *history) len() int {
	return len(h.messages)
}
