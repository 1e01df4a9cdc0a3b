package vault

import (
	"os"
	"path/filepath"
	"testing"
)

func TestOpenMissingFile(t *testing.T) {
	v, err := Open(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Open missing: %v", err)
	}
	if _, ok := v.Get("anything"); ok {
		t.Error("empty vault returned a secret")
	}
}

func TestSetGetPersist(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vault.yaml")
	v, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := v.Set("github_token", "ghp_secret"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if got, ok := reopened.Get("github_token"); !ok || got != "ghp_secret" {
		t.Errorf("Get after reopen = %q, %v", got, ok)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("vault file mode = %o, want 600", perm)
	}
}

func TestResolveMap(t *testing.T) {
	v := &Vault{secrets: map[string]string{"api_key": "sk-live"}}

	in := map[string]string{
		"API_KEY": "vault:api_key",
		"MISSING": "vault:absent",
		"PLAIN":   "literal",
	}
	out := v.ResolveMap(in)

	if out["API_KEY"] != "sk-live" {
		t.Errorf("API_KEY = %q", out["API_KEY"])
	}
	if _, ok := out["MISSING"]; ok {
		t.Error("missing secret must drop the variable")
	}
	if out["PLAIN"] != "literal" {
		t.Errorf("PLAIN = %q", out["PLAIN"])
	}
}
