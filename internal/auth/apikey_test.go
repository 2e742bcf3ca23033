package auth

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadAPIKeysDefaultsAndRoles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keys.yml")
	err := os.WriteFile(path, []byte(`
- id: admin
  key: AAA
  role: admin
- id: dashboard
  key: BBB
  role: viewer
- id: oncall
  key: DDD
  role: Operator
- id: empty-role
  key: CCC
- id: blank
  key: ""
`), 0o644)
	if err != nil {
		t.Fatalf("write keys file: %v", err)
	}

	auth, err := LoadAPIKeys(path, "")
	if err != nil {
		t.Fatalf("LoadAPIKeys: %v", err)
	}
	if got := auth.HeaderName(); got != "X-API-Key" {
		t.Fatalf("HeaderName = %q, want X-API-Key", got)
	}
	tests := []struct {
		key   string
		role  string
		write bool
	}{
		{"AAA", "admin", true},
		{"BBB", "viewer", false},
		{"DDD", "operator", true},
		{"CCC", "admin", true}, // defaults to admin when role empty
	}
	for _, tt := range tests {
		if !auth.IsAllowed(tt.key) {
			t.Fatalf("IsAllowed(%q) = false, want true", tt.key)
		}
		if got := auth.RoleForKey(tt.key); got != tt.role {
			t.Fatalf("RoleForKey(%q) = %q, want %q", tt.key, got, tt.role)
		}
		if !auth.Authorize(tt.key, false) {
			t.Fatalf("Authorize(%q, read) = false", tt.key)
		}
		if got := auth.Authorize(tt.key, true); got != tt.write {
			t.Fatalf("Authorize(%q, write) = %v, want %v", tt.key, got, tt.write)
		}
	}
	if auth.IsAllowed("nope") || auth.Authorize("nope", false) {
		t.Fatalf("unknown key should not be allowed")
	}
	if auth.RoleForKey("nope") != "" {
		t.Fatalf("RoleForKey should be empty for unknown key")
	}
}

func TestLoadAPIKeysErrors(t *testing.T) {
	if _, err := LoadAPIKeys("", ""); err == nil {
		t.Fatalf("expected error for empty path")
	}
	if _, err := LoadAPIKeys(filepath.Join(t.TempDir(), "missing.yml"), ""); err == nil {
		t.Fatalf("expected error for missing file")
	}
	if _, err := ParseAPIKeys([]byte("- key: \"\"\n"), ""); err == nil {
		t.Fatalf("expected error when no keys")
	}
	if _, err := ParseAPIKeys([]byte("- key: x\n  role: root\n"), ""); err == nil {
		t.Fatalf("expected error for unknown role")
	}
	a, err := ParseAPIKeys([]byte("- key: x\n"), "X-Warden-Key")
	if err != nil {
		t.Fatalf("ParseAPIKeys: %v", err)
	}
	if a.HeaderName() != "X-Warden-Key" {
		t.Fatalf("HeaderName = %q", a.HeaderName())
	}
}
