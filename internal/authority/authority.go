// Package authority resolves inbound messages to access tiers and filters
// the tool set each tier may see. Filtering happens once per inbound
// message; dispatch re-checks the same predicate to defend against
// hallucinated tool names outside the filtered set.
package authority

import (
	"strings"

	"github.com/keel-agent/keel/internal/config"
	"github.com/keel-agent/keel/pkg/models"
)

// Tier is the access class assigned to a (channel, user) pair.
type Tier string

const (
	TierOwner   Tier = "owner"
	TierTrusted Tier = "trusted"
	TierPublic  Tier = "public"
)

// TrustedTools is the read-only capability set available to the TRUSTED
// tier: read, search, and status queries only.
var TrustedTools = map[string]bool{
	"file_read":          true,
	"file_list":          true,
	"file_search":        true,
	"file_info":          true,
	"web_search":         true,
	"browser_extract":    true,
	"browser_screenshot": true,
	"document_read":      true,
	"document_search":    true,
	"email_list":         true,
	"email_read":         true,
	"calendar_list":      true,
	"memory_search":      true,
	"task_list":          true,
	"system_status":      true,
	"storage_status":     true,
	"provider_status":    true,
	"weather_get":        true,
}

// localChannels are surfaces that imply local process trust; messages
// from them are always OWNER regardless of the tier table.
var localChannels = map[models.ChannelType]bool{
	models.ChannelCLI:    true,
	models.ChannelLocal:  true,
	models.ChannelDirect: true,
}

// Resolver maps (channel, user) pairs to tiers using the configured
// tier table.
type Resolver struct {
	owner   map[string]bool
	trusted map[string]bool
}

// NewResolver builds a resolver from the authority config section.
func NewResolver(cfg config.AuthorityConfig) *Resolver {
	r := &Resolver{
		owner:   make(map[string]bool, len(cfg.Owner.UserIDs)),
		trusted: make(map[string]bool, len(cfg.Trusted.UserIDs)),
	}
	for _, id := range cfg.Owner.UserIDs {
		if id = strings.TrimSpace(id); id != "" {
			r.owner[id] = true
		}
	}
	for _, id := range cfg.Trusted.UserIDs {
		if id = strings.TrimSpace(id); id != "" {
			r.trusted[id] = true
		}
	}
	return r
}

// Resolve returns the tier for an inbound (channel, user) pair.
//
// Local channels are always OWNER. An empty tier table means the install
// is unconfigured and every user is treated as OWNER. Otherwise the
// composite "channel:user" key is matched before the bare user id, and
// the OWNER list wins over TRUSTED.
func (r *Resolver) Resolve(channel models.ChannelType, userID string) Tier {
	if localChannels[channel] {
		return TierOwner
	}
	if len(r.owner) == 0 && len(r.trusted) == 0 {
		return TierOwner
	}

	composite := string(channel) + ":" + userID
	if r.owner[composite] || r.owner[userID] {
		return TierOwner
	}
	if r.trusted[composite] || r.trusted[userID] {
		return TierTrusted
	}
	return TierPublic
}

// Allows reports whether a tier may invoke the named tool. OWNER sees
// everything, TRUSTED only the read-only set, PUBLIC nothing.
func Allows(tier Tier, toolName string) bool {
	switch tier {
	case TierOwner:
		return true
	case TierTrusted:
		return TrustedTools[toolName]
	default:
		return false
	}
}

// FilterTools returns the subset of descriptors visible to a tier. The
// result is both the schema list shown to the model and the whitelist
// re-checked at dispatch.
func FilterTools(tier Tier, tools []models.ToolDescriptor) []models.ToolDescriptor {
	if tier == TierOwner {
		return tools
	}
	filtered := make([]models.ToolDescriptor, 0, len(tools))
	for _, t := range tools {
		if Allows(tier, t.Name) {
			filtered = append(filtered, t)
		}
	}
	return filtered
}
