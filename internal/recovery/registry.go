// Package recovery is the out-of-band command channel that stays usable
// when every LLM provider is unreachable. Commands are parsed and
// dispatched locally without touching the router.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// Command is one registered recovery command.
type Command struct {
	// Name is the command name without the leading slash.
	Name string

	// Aliases are alternative names for the command.
	Aliases []string

	// Description is a short description for help output.
	Description string

	// Usage shows how to invoke the command.
	Usage string

	// AcceptsArgs indicates whether the command takes arguments.
	AcceptsArgs bool

	// Handler executes the command.
	Handler HandlerFunc
}

// HandlerFunc processes a command invocation.
type HandlerFunc func(ctx context.Context, inv *Invocation) (*Reply, error)

// Invocation is a parsed command invocation.
type Invocation struct {
	Name    string
	Args    string
	Channel string
	UserID  string
}

// Reply is the output of a command execution.
type Reply struct {
	Text  string
	Error string
}

// Registry maps command names and aliases to handlers.
type Registry struct {
	mu       sync.RWMutex
	commands map[string]*Command
	aliases  map[string]string
	logger   *slog.Logger
}

// NewRegistry creates an empty command registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		commands: make(map[string]*Command),
		aliases:  make(map[string]string),
		logger:   logger.With("component", "recovery"),
	}
}

// Register adds a command to the registry.
func (r *Registry) Register(cmd *Command) error {
	if cmd == nil {
		return fmt.Errorf("command is nil")
	}
	if cmd.Name == "" {
		return fmt.Errorf("command name is required")
	}
	if cmd.Handler == nil {
		return fmt.Errorf("command handler is required")
	}

	name := strings.ToLower(strings.TrimSpace(cmd.Name))

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.commands[name]; exists {
		return fmt.Errorf("command %q already registered", name)
	}
	if owner, exists := r.aliases[name]; exists {
		return fmt.Errorf("command name %q conflicts with alias for %q", name, owner)
	}

	r.commands[name] = cmd
	for _, alias := range cmd.Aliases {
		aliasLower := strings.ToLower(strings.TrimSpace(alias))
		if aliasLower == "" || aliasLower == name {
			continue
		}
		if _, exists := r.commands[aliasLower]; exists {
			r.logger.Warn("alias conflicts with command", "alias", aliasLower, "command", name)
			continue
		}
		if _, exists := r.aliases[aliasLower]; exists {
			r.logger.Warn("alias already registered", "alias", aliasLower, "command", name)
			continue
		}
		r.aliases[aliasLower] = name
	}

	r.logger.Debug("registered command", "name", name, "aliases", cmd.Aliases)
	return nil
}

// Get retrieves a command by name or alias.
func (r *Registry) Get(name string) (*Command, bool) {
	name = strings.ToLower(strings.TrimSpace(name))

	r.mu.RLock()
	defer r.mu.RUnlock()

	if cmd, exists := r.commands[name]; exists {
		return cmd, true
	}
	if real, exists := r.aliases[name]; exists {
		if cmd, exists := r.commands[real]; exists {
			return cmd, true
		}
	}
	return nil, false
}

// List returns all registered commands sorted by name.
func (r *Registry) List() []*Command {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Command, 0, len(r.commands))
	for _, cmd := range r.commands {
		out = append(out, cmd)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Execute runs a command by name with arguments.
func (r *Registry) Execute(ctx context.Context, inv *Invocation) (*Reply, error) {
	if inv == nil {
		return nil, fmt.Errorf("invocation is nil")
	}

	cmd, exists := r.Get(inv.Name)
	if !exists {
		return nil, fmt.Errorf("command %q not found", inv.Name)
	}
	if !cmd.AcceptsArgs && strings.TrimSpace(inv.Args) != "" {
		return &Reply{Error: fmt.Sprintf("command /%s does not accept arguments", cmd.Name)}, nil
	}
	return cmd.Handler(ctx, inv)
}
