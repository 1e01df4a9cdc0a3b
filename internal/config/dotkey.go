package config

import (
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Writable key prefixes for runtime config mutation. Everything else is
// rejected without touching the running config.
var writableKeyPrefixes = []string{
	"llm.providers.",
	"llm.provider_priority",
	"llm.routing.",
	"llm.budget.",
	"browser.enabled",
	"gateway.session_timeout_hours",
}

// Blocked key patterns override the writable list: security-critical
// fields may never be mutated at runtime.
var blockedKeyPatterns = []string{
	"permission",
	"shell.blacklist",
	"telegram.allowed_users",
	"discord.allowed_guilds",
	"slack.allowed_channels",
}

// IsWritableKey reports whether a dot key may be mutated at runtime.
func IsWritableKey(key string) bool {
	key = strings.ToLower(strings.TrimSpace(key))
	if key == "" {
		return false
	}
	for _, blocked := range blockedKeyPatterns {
		if strings.Contains(key, blocked) {
			return false
		}
	}
	for _, prefix := range writableKeyPrefixes {
		if key == strings.TrimSuffix(prefix, ".") || strings.HasPrefix(key, prefix) {
			return true
		}
	}
	return false
}

// asMap round-trips the config through YAML into a generic map so dot
// keys can be navigated uniformly.
func (c *Config) asMap() (map[string]any, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("config: marshal: %w", err)
	}
	var m map[string]any
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("config: remarshal: %w", err)
	}
	return m, nil
}

// Get returns the value at a dot key, or an error when the path does not
// resolve.
func (c *Config) Get(key string) (any, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	m, err := c.asMap()
	if err != nil {
		return nil, err
	}
	parts := strings.Split(strings.TrimSpace(key), ".")
	var cur any = m
	for _, part := range parts {
		node, ok := cur.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("config: key %q: %q is not a section", key, part)
		}
		cur, ok = node[part]
		if !ok {
			return nil, fmt.Errorf("config: key %q not found", key)
		}
	}
	return cur, nil
}

// Set mutates a writable dot key in the running config. The raw value is
// decoded as JSON when possible, else taken as a plain string. The change
// is in-memory only; it does not write back to disk.
func (c *Config) Set(key, raw string) error {
	if !IsWritableKey(key) {
		return fmt.Errorf("config: key %q is not writable", key)
	}

	var value any
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		value = raw
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	m, err := c.asMap()
	if err != nil {
		return err
	}

	parts := strings.Split(strings.TrimSpace(key), ".")
	node := m
	for _, part := range parts[:len(parts)-1] {
		child, ok := node[part].(map[string]any)
		if !ok {
			if _, exists := node[part]; exists {
				return fmt.Errorf("config: key %q: %q is not a section", key, part)
			}
			child = map[string]any{}
			node[part] = child
		}
		node = child
	}
	node[parts[len(parts)-1]] = value

	return c.applyMap(m)
}

// applyMap re-decodes the generic map into the typed config in place.
// Caller holds the write lock.
func (c *Config) applyMap(m map[string]any) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	next := Default()
	if err := yaml.Unmarshal(data, next); err != nil {
		return fmt.Errorf("config: apply: %w", err)
	}
	c.Agent = next.Agent
	c.LLM = next.LLM
	c.Shell = next.Shell
	c.Authority = next.Authority
	c.MCP = next.MCP
	c.Payments = next.Payments
	c.Storage = next.Storage
	c.Gateway = next.Gateway
	c.Browser = next.Browser
	c.Process = next.Process
	c.Vault = next.Vault
	return nil
}

// Reload re-reads the config file from disk but applies only the llm and
// browser sections; security-critical sections keep their running values.
func (c *Config) Reload() error {
	c.mu.RLock()
	path := c.path
	c.mu.RUnlock()
	if path == "" {
		return fmt.Errorf("config: no backing file to reload")
	}

	fresh, err := Load(path)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.LLM = fresh.LLM
	c.Browser = fresh.Browser
	return nil
}
