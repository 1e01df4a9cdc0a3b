// Package vault is a small file-backed secret store. Secrets are
// referenced elsewhere as "vault:<name>" and resolved only at the point
// of use so the clear value never enters conversation history or logs.
package vault

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// RefPrefix marks a string as a vault reference.
const RefPrefix = "vault:"

// Vault holds named secrets loaded from a YAML file.
type Vault struct {
	mu      sync.RWMutex
	secrets map[string]string
	path    string
}

// Open loads the vault file at path. A missing file yields an empty
// vault rather than an error so installs without secrets still start.
func Open(path string) (*Vault, error) {
	v := &Vault{secrets: map[string]string{}, path: path}
	if path == "" {
		return v, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return v, nil
	}
	if err != nil {
		return nil, fmt.Errorf("vault: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &v.secrets); err != nil {
		return nil, fmt.Errorf("vault: parse %s: %w", path, err)
	}
	return v, nil
}

// Get returns the secret stored under name.
func (v *Vault) Get(name string) (string, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	s, ok := v.secrets[name]
	return s, ok
}

// Set stores a secret in memory and persists the vault file.
func (v *Vault) Set(name, value string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.secrets[name] = value
	if v.path == "" {
		return nil
	}
	data, err := yaml.Marshal(v.secrets)
	if err != nil {
		return fmt.Errorf("vault: marshal: %w", err)
	}
	if err := os.WriteFile(v.path, data, 0o600); err != nil {
		return fmt.Errorf("vault: write %s: %w", v.path, err)
	}
	return nil
}

// IsRef reports whether a value is a vault reference.
func IsRef(value string) bool {
	return strings.HasPrefix(value, RefPrefix)
}

// Resolve replaces a "vault:<name>" reference with the stored secret.
// Non-reference values pass through unchanged. A missing entry returns
// ok=false so the caller can drop the variable silently.
func (v *Vault) Resolve(value string) (string, bool) {
	if !IsRef(value) {
		return value, true
	}
	return v.Get(strings.TrimPrefix(value, RefPrefix))
}

// ResolveMap resolves every vault reference in a map, dropping entries
// whose referenced secret is missing.
func (v *Vault) ResolveMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, val := range in {
		resolved, ok := v.Resolve(val)
		if !ok {
			continue
		}
		out[k] = resolved
	}
	return out
}
