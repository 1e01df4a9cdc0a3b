package mcp

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"github.com/keel-agent/keel/internal/config"
	"github.com/keel-agent/keel/internal/vault"
	"github.com/keel-agent/keel/pkg/models"
)

// Manager owns the connection table for every configured MCP server.
type Manager struct {
	mu     sync.RWMutex
	conns  map[string]*Conn
	vault  *vault.Vault
	logger *slog.Logger
}

// NewManager builds a manager over the vault used for credential
// resolution.
func NewManager(vlt *vault.Vault, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		conns:  make(map[string]*Conn),
		vault:  vlt,
		logger: logger.With("component", "mcp"),
	}
}

// ConnectAll connects every enabled server and reports per-server
// success. A failed server stays in the table so a later reconnect can
// retry it.
func (m *Manager) ConnectAll(ctx context.Context, servers []*config.MCPServerConfig) map[string]bool {
	out := make(map[string]bool)
	for _, sc := range servers {
		if sc == nil || !sc.Enabled {
			continue
		}
		conn := newConn(*sc)
		m.mu.Lock()
		m.conns[sc.Name] = conn
		m.mu.Unlock()

		if err := conn.connect(ctx, m.vault); err != nil {
			m.logger.Warn("server connect failed", "server", sc.Name, "error", err)
			out[sc.Name] = false
			continue
		}
		m.logger.Info("server connected", "server", sc.Name, "transport", sc.Transport)
		out[sc.Name] = true
	}
	return out
}

// DiscoverTools lists tools on every Connected server and returns
// descriptors with their execute bodies. Servers that are not Connected
// contribute nothing.
func (m *Manager) DiscoverTools(ctx context.Context) []*Tool {
	m.mu.RLock()
	conns := make(map[string]*Conn, len(m.conns))
	for name, c := range m.conns {
		conns[name] = c
	}
	m.mu.RUnlock()

	var out []*Tool
	for server, conn := range conns {
		infos, err := conn.listTools(ctx)
		if err != nil {
			m.logger.Warn("tool discovery failed", "server", server, "error", err)
			continue
		}
		permission := models.ParsePermissionLevel(conn.cfg.Permission)
		for _, info := range infos {
			out = append(out, newTool(conn, server, info, permission))
		}
	}
	return out
}

// ConnState reports a server's lifecycle state.
func (m *Manager) ConnState(server string) State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if c, ok := m.conns[server]; ok {
		return c.State()
	}
	return StateDisconnected
}

// Disconnect closes one server connection. The caller unregisters its
// federated tools.
func (m *Manager) Disconnect(server string) error {
	m.mu.Lock()
	conn, ok := m.conns[server]
	delete(m.conns, server)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return conn.close()
}

// Shutdown closes every connection.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	conns := m.conns
	m.conns = make(map[string]*Conn)
	m.mu.Unlock()
	for name, c := range conns {
		if err := c.close(); err != nil {
			m.logger.Warn("close failed", "server", name, "error", err)
		}
	}
}

var nonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

// SanitizeServerName lowercases, replaces non-alphanumerics with "_",
// and trims leading and trailing underscores.
func SanitizeServerName(s string) string {
	s = nonAlnum.ReplaceAllString(strings.ToLower(s), "_")
	return strings.Trim(s, "_")
}

// FederatedName is the registry name for one server's tool:
// mcp_<sanitized_server>_<tool>.
func FederatedName(server, tool string) string {
	return "mcp_" + SanitizeServerName(server) + "_" + tool
}
