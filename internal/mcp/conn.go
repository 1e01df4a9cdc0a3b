// Package mcp manages connections to external Model Context Protocol
// tool servers and federates their tools into the registry.
package mcp

import (
	"context"
	"fmt"
	"sync"

	sdk_client "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	sdk_mcp "github.com/mark3labs/mcp-go/mcp"

	"github.com/keel-agent/keel/internal/config"
	"github.com/keel-agent/keel/internal/vault"
)

// State is the connection lifecycle state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateClosing      State = "closing"
	StateFailed       State = "failed"
)

// Conn is one MCP server connection. Calls dispatch only while
// Connected; a single call timeout does not tear the session down.
type Conn struct {
	cfg config.MCPServerConfig

	mu      sync.RWMutex
	state   State
	session sdk_client.MCPClient
}

// newConn builds a disconnected connection.
func newConn(cfg config.MCPServerConfig) *Conn {
	return &Conn{cfg: cfg, state: StateDisconnected}
}

// State returns the current lifecycle state.
func (c *Conn) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Conn) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// connect resolves vault references, opens the transport, and runs the
// MCP initialize handshake. vlt resolves "vault:<name>" values in the
// env and header maps; a missing entry drops the variable silently.
func (c *Conn) connect(ctx context.Context, vlt *vault.Vault) error {
	c.setState(StateConnecting)

	var session sdk_client.MCPClient
	switch c.cfg.Transport {
	case "stdio":
		env := make([]string, 0, len(c.cfg.Env))
		for k, v := range vlt.ResolveMap(c.cfg.Env) {
			env = append(env, k+"="+v)
		}
		cli, err := sdk_client.NewStdioMCPClient(c.cfg.Command, env, c.cfg.Args...)
		if err != nil {
			c.setState(StateFailed)
			return fmt.Errorf("mcp: start stdio server %q: %w", c.cfg.Name, err)
		}
		session = cli

	case "sse":
		var opts []transport.ClientOption
		if headers := vlt.ResolveMap(c.cfg.Headers); len(headers) > 0 {
			opts = append(opts, transport.WithHeaders(headers))
		}
		cli, err := sdk_client.NewSSEMCPClient(c.cfg.URL, opts...)
		if err != nil {
			c.setState(StateFailed)
			return fmt.Errorf("mcp: create SSE client %q: %w", c.cfg.Name, err)
		}
		if err := cli.Start(ctx); err != nil {
			c.setState(StateFailed)
			return fmt.Errorf("mcp: start SSE client %q: %w", c.cfg.Name, err)
		}
		session = cli

	default:
		c.setState(StateFailed)
		return fmt.Errorf("mcp: unknown transport %q for server %q", c.cfg.Transport, c.cfg.Name)
	}

	_, err := session.Initialize(ctx, sdk_mcp.InitializeRequest{
		Params: sdk_mcp.InitializeParams{
			ProtocolVersion: sdk_mcp.LATEST_PROTOCOL_VERSION,
			ClientInfo: sdk_mcp.Implementation{
				Name:    "keel",
				Version: "0.1.0",
			},
		},
	})
	if err != nil {
		session.Close()
		c.setState(StateFailed)
		return fmt.Errorf("mcp: initialize server %q: %w", c.cfg.Name, err)
	}

	c.mu.Lock()
	c.session = session
	c.state = StateConnected
	c.mu.Unlock()
	return nil
}

// listTools returns the server's tool metadata, or nil while not
// Connected.
func (c *Conn) listTools(ctx context.Context) ([]sdk_mcp.Tool, error) {
	c.mu.RLock()
	session, state := c.session, c.state
	c.mu.RUnlock()
	if state != StateConnected || session == nil {
		return nil, nil
	}
	result, err := session.ListTools(ctx, sdk_mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("mcp: list tools %q: %w", c.cfg.Name, err)
	}
	return result.Tools, nil
}

// callTool invokes one tool on the session.
func (c *Conn) callTool(ctx context.Context, name string, args map[string]any) (*sdk_mcp.CallToolResult, error) {
	c.mu.RLock()
	session, state := c.session, c.state
	c.mu.RUnlock()
	if state != StateConnected || session == nil {
		return nil, fmt.Errorf("mcp: server %q not connected", c.cfg.Name)
	}

	req := sdk_mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	return session.CallTool(ctx, req)
}

// close tears the session down.
func (c *Conn) close() error {
	c.mu.Lock()
	session := c.session
	c.session = nil
	c.state = StateClosing
	c.mu.Unlock()

	var err error
	if session != nil {
		err = session.Close()
	}
	c.setState(StateDisconnected)
	return err
}
