package recovery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/keel-agent/keel/internal/config"
	"github.com/keel-agent/keel/internal/router"
)

const actionRingSize = 100

// HealthSource exposes the provider health monitor and probe set. The
// router satisfies it.
type HealthSource interface {
	Health() *router.HealthMonitor
	Probes() map[string]func(context.Context) error
}

// Pinger is a liveness check on the durable store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Action is one entry in the recovery action log.
type Action struct {
	At   time.Time `json:"at"`
	Text string    `json:"text"`
}

// Handler dispatches recovery commands with no LLM dependency. It is
// Inactive until every provider fails a probe round or the owner turns
// it on explicitly.
type Handler struct {
	cfg      *config.Config
	health   HealthSource
	store    Pinger
	registry *Registry
	parser   *Parser
	restart  func()
	logger   *slog.Logger
	now      func() time.Time

	mu        sync.Mutex
	active    bool
	enteredAt time.Time
	actions   []Action
}

// NewHandler wires the recovery handler and registers its command set.
// restart may be nil when the host does not support restarting.
func NewHandler(cfg *config.Config, health HealthSource, store Pinger, restart func(), logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		cfg:      cfg,
		health:   health,
		store:    store,
		registry: NewRegistry(logger),
		parser:   NewParser(),
		restart:  restart,
		logger:   logger.With("component", "recovery"),
		now:      time.Now,
	}
	h.registerCommands()
	return h
}

// Active reports whether recovery mode is on.
func (h *Handler) Active() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.active
}

// Enter turns recovery mode on. Idempotent.
func (h *Handler) Enter(reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.active {
		return
	}
	h.active = true
	h.enteredAt = h.now()
	h.appendAction("recovery on: " + reason)
	h.logger.Warn("recovery mode entered", "reason", reason)
}

// Exit turns recovery mode off and logs the active duration.
func (h *Handler) Exit() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.active {
		return
	}
	duration := h.now().Sub(h.enteredAt)
	h.active = false
	h.enteredAt = time.Time{}
	h.appendAction(fmt.Sprintf("recovery off after %s", duration.Round(time.Second)))
	h.logger.Info("recovery mode exited", "duration", duration)
}

// Log returns a snapshot of the action ring, oldest first.
func (h *Handler) Log() []Action {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Action, len(h.actions))
	copy(out, h.actions)
	return out
}

// appendAction records an action in the bounded ring. Caller holds the
// lock.
func (h *Handler) appendAction(text string) {
	h.actions = append(h.actions, Action{At: h.now(), Text: text})
	if len(h.actions) > actionRingSize {
		h.actions = h.actions[len(h.actions)-actionRingSize:]
	}
}

func (h *Handler) record(text string) {
	h.mu.Lock()
	h.appendAction(text)
	h.mu.Unlock()
}

// HandleMessage intercepts a gateway message. Commands dispatch whether
// or not recovery is active; while active, plain text gets the help
// banner instead of reaching the agent loop. handled=false hands the
// message back to the normal pipeline.
func (h *Handler) HandleMessage(ctx context.Context, channel, userID, text string) (string, bool) {
	parsed := h.parser.ParseCommand(text)
	if parsed == nil {
		if h.Active() {
			return "Recovery mode is active. LLM providers are unavailable.\n" + h.helpText(), true
		}
		return "", false
	}

	if _, ok := h.registry.Get(parsed.Name); !ok {
		// Unknown slash commands fall through to the loop unless
		// recovery is active.
		if h.Active() {
			return fmt.Sprintf("Unknown command /%s.\n%s", parsed.Name, h.helpText()), true
		}
		return "", false
	}

	reply, err := h.registry.Execute(ctx, &Invocation{
		Name:    parsed.Name,
		Args:    parsed.Args,
		Channel: channel,
		UserID:  userID,
	})
	if err != nil {
		return "error: " + err.Error(), true
	}
	if reply.Error != "" {
		return "error: " + reply.Error, true
	}
	return reply.Text, true
}

// HelpText is the recovery banner sent when recovery mode auto-enters.
func (h *Handler) HelpText() string {
	return "All LLM providers are unreachable. Recovery commands:\n" + h.helpText()
}

func (h *Handler) helpText() string {
	var b strings.Builder
	for _, cmd := range h.registry.List() {
		usage := cmd.Usage
		if usage == "" {
			usage = "/" + cmd.Name
		}
		fmt.Fprintf(&b, "%s - %s\n", usage, cmd.Description)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (h *Handler) registerCommands() {
	cmds := []*Command{
		{
			Name:        "health",
			Description: "provider health report; recheck reruns probes; full adds diagnostics",
			Usage:       "/health [recheck|full]",
			AcceptsArgs: true,
			Handler:     h.cmdHealth,
		},
		{
			Name:        "config",
			Description: "get, set, or reload runtime configuration",
			Usage:       "/config get|set|reload [key] [value]",
			AcceptsArgs: true,
			Handler:     h.cmdConfig,
		},
		{
			Name:        "provider",
			Description: "enable, disable, or reorder LLM providers",
			Usage:       "/provider enable|disable|priority ...",
			AcceptsArgs: true,
			Handler:     h.cmdProvider,
		},
		{
			Name:        "restart",
			Description: "restart the agent process",
			Usage:       "/restart",
			Handler:     h.cmdRestart,
		},
		{
			Name:        "recovery",
			Description: "turn recovery mode on or off, or show the action log",
			Usage:       "/recovery on|off|log",
			AcceptsArgs: true,
			Handler:     h.cmdRecovery,
		},
		{
			Name:        "help",
			Aliases:     []string{"commands"},
			Description: "list recovery commands",
			Handler: func(ctx context.Context, inv *Invocation) (*Reply, error) {
				return &Reply{Text: h.helpText()}, nil
			},
		},
	}
	for _, cmd := range cmds {
		if err := h.registry.Register(cmd); err != nil {
			h.logger.Error("command registration failed", "name", cmd.Name, "error", err)
		}
	}
}

func (h *Handler) cmdHealth(ctx context.Context, inv *Invocation) (*Reply, error) {
	sub, _ := SplitArgs(inv.Args)
	switch sub {
	case "":
		return &Reply{Text: h.formatHealth()}, nil

	case "recheck":
		results := h.health.Health().CheckAll(ctx, h.health.Probes())
		allFailed := len(results) > 0
		for _, err := range results {
			if err == nil {
				allFailed = false
			}
		}
		if allFailed {
			h.Enter("manual recheck found all providers down")
		}
		h.record("health recheck")
		return &Reply{Text: h.formatHealth()}, nil

	case "full":
		var b strings.Builder
		b.WriteString(h.formatHealth())
		b.WriteString("\n")
		if h.store != nil {
			pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			err := h.store.Ping(pingCtx)
			cancel()
			if err != nil {
				fmt.Fprintf(&b, "database: error (%v)\n", err)
			} else {
				b.WriteString("database: ok\n")
			}
		}
		fmt.Fprintf(&b, "browser: enabled=%v\n", h.cfg.Browser.Enabled)
		fmt.Fprintf(&b, "recovery: active=%v\n", h.Active())
		return &Reply{Text: strings.TrimRight(b.String(), "\n")}, nil

	default:
		return &Reply{Error: fmt.Sprintf("unknown health subcommand %q", sub)}, nil
	}
}

func (h *Handler) formatHealth() string {
	var b strings.Builder
	b.WriteString("providers:\n")
	for _, s := range h.health.Health().Snapshot() {
		state := "healthy"
		if !s.Healthy {
			state = "unhealthy"
		}
		if !s.Enabled {
			state = "disabled"
		}
		fmt.Fprintf(&b, "  %s: %s", s.Name, state)
		if s.Local {
			b.WriteString(" (local)")
		}
		if !s.LastFailedAt.IsZero() {
			fmt.Fprintf(&b, " last_failed=%s", s.LastFailedAt.Format(time.RFC3339))
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func (h *Handler) cmdConfig(ctx context.Context, inv *Invocation) (*Reply, error) {
	sub, rest := SplitArgs(inv.Args)
	switch sub {
	case "get":
		if rest == "" {
			return &Reply{Error: "usage: /config get <dot.key>"}, nil
		}
		value, err := h.cfg.Get(rest)
		if err != nil {
			return &Reply{Error: err.Error()}, nil
		}
		data, err := json.Marshal(value)
		if err != nil {
			return &Reply{Text: fmt.Sprintf("%s = %v", rest, value)}, nil
		}
		return &Reply{Text: fmt.Sprintf("%s = %s", rest, data)}, nil

	case "set":
		key, value := SplitArgs(rest)
		if key == "" || value == "" {
			return &Reply{Error: "usage: /config set <dot.key> <value>"}, nil
		}
		if err := h.cfg.Set(key, value); err != nil {
			return &Reply{Error: err.Error()}, nil
		}
		h.record(fmt.Sprintf("config set %s", key))
		return &Reply{Text: fmt.Sprintf("set %s (in-memory only)", key)}, nil

	case "reload":
		if err := h.cfg.Reload(); err != nil {
			return &Reply{Error: err.Error()}, nil
		}
		h.record("config reload")
		return &Reply{Text: "config reloaded (llm and browser sections applied)"}, nil

	default:
		return &Reply{Error: "usage: /config get|set|reload"}, nil
	}
}

func (h *Handler) cmdProvider(ctx context.Context, inv *Invocation) (*Reply, error) {
	sub, rest := SplitArgs(inv.Args)
	switch sub {
	case "enable", "disable":
		name := strings.ToLower(strings.TrimSpace(rest))
		if name == "" {
			return &Reply{Error: fmt.Sprintf("usage: /provider %s <name>", sub)}, nil
		}
		enabled := sub == "enable"
		if !h.health.Health().SetEnabled(name, enabled) {
			return &Reply{Error: fmt.Sprintf("unknown provider %q", name)}, nil
		}
		if err := h.cfg.Set("llm.providers."+name+".enabled", fmt.Sprintf("%v", enabled)); err != nil {
			return &Reply{Error: err.Error()}, nil
		}
		h.record(fmt.Sprintf("provider %s %s", sub, name))
		return &Reply{Text: fmt.Sprintf("provider %s %sd", name, sub)}, nil

	case "priority":
		names := splitList(rest)
		if len(names) == 0 {
			return &Reply{Error: "usage: /provider priority <a,b,c | a b c>"}, nil
		}
		data, err := json.Marshal(names)
		if err != nil {
			return nil, err
		}
		if err := h.cfg.Set("llm.provider_priority", string(data)); err != nil {
			return &Reply{Error: err.Error()}, nil
		}
		h.record("provider priority " + strings.Join(names, ","))
		return &Reply{Text: "provider priority: " + strings.Join(names, ", ")}, nil

	default:
		return &Reply{Error: "usage: /provider enable|disable|priority"}, nil
	}
}

// splitList accepts both comma-separated and space-separated name lists.
func splitList(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t'
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.ToLower(strings.TrimSpace(f))
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

func (h *Handler) cmdRestart(ctx context.Context, inv *Invocation) (*Reply, error) {
	if h.restart == nil {
		return &Reply{Error: "restart is not supported by this host"}, nil
	}
	h.record("restart requested")
	h.logger.Warn("restart requested", "channel", inv.Channel, "user", inv.UserID)
	go h.restart()
	return &Reply{Text: "restarting"}, nil
}

func (h *Handler) cmdRecovery(ctx context.Context, inv *Invocation) (*Reply, error) {
	sub, _ := SplitArgs(inv.Args)
	switch sub {
	case "on":
		h.Enter("manual")
		return &Reply{Text: "recovery mode on"}, nil

	case "off":
		h.Exit()
		return &Reply{Text: "recovery mode off"}, nil

	case "log":
		actions := h.Log()
		if len(actions) == 0 {
			return &Reply{Text: "no recovery actions recorded"}, nil
		}
		var b strings.Builder
		for _, a := range actions {
			fmt.Fprintf(&b, "%s %s\n", a.At.Format(time.RFC3339), a.Text)
		}
		return &Reply{Text: strings.TrimRight(b.String(), "\n")}, nil

	default:
		return &Reply{Error: "usage: /recovery on|off|log"}, nil
	}
}
