// Package auth loads API keys for the ops HTTP API.
package auth

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Roles, from least to most privileged.
const (
	RoleViewer   = "viewer"
	RoleOperator = "operator"
	RoleAdmin    = "admin"
)

type APIKeyAuth struct {
	headerName string
	keys       map[string]string // key -> role
}

type keyFileEntry struct {
	ID          string `yaml:"id"`
	Key         string `yaml:"key"`
	Description string `yaml:"description"`
	Role        string `yaml:"role"` // viewer|operator|admin
}

func LoadAPIKeys(keysFile string, headerName string) (*APIKeyAuth, error) {
	if keysFile == "" {
		return nil, fmt.Errorf("api key auth enabled but keys_file is empty")
	}
	b, err := os.ReadFile(keysFile)
	if err != nil {
		return nil, fmt.Errorf("read api keys file: %w", err)
	}
	return ParseAPIKeys(b, headerName)
}

// ParseAPIKeys decodes a YAML list of key entries.
func ParseAPIKeys(b []byte, headerName string) (*APIKeyAuth, error) {
	if strings.TrimSpace(headerName) == "" {
		headerName = "X-API-Key"
	}
	var entries []keyFileEntry
	if err := yaml.Unmarshal(b, &entries); err != nil {
		return nil, fmt.Errorf("parse api keys file: %w", err)
	}
	keys := make(map[string]string, len(entries))
	for i, e := range entries {
		if strings.TrimSpace(e.Key) == "" {
			continue
		}
		role := strings.ToLower(strings.TrimSpace(e.Role))
		switch role {
		case "":
			role = RoleAdmin
		case RoleViewer, RoleOperator, RoleAdmin:
		default:
			return nil, fmt.Errorf("api key %d (%s): unknown role %q", i, e.ID, e.Role)
		}
		keys[e.Key] = role
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("api keys file contains no keys")
	}
	return &APIKeyAuth{headerName: headerName, keys: keys}, nil
}

func (a *APIKeyAuth) HeaderName() string { return a.headerName }

func (a *APIKeyAuth) IsAllowed(key string) bool {
	_, ok := a.keys[key]
	return ok
}

func (a *APIKeyAuth) RoleForKey(key string) string {
	if a == nil {
		return ""
	}
	return a.keys[key]
}

// Authorize reports whether key may perform a read, or a write when write
// is set. Viewers are read-only.
func (a *APIKeyAuth) Authorize(key string, write bool) bool {
	role, ok := a.keys[key]
	if !ok {
		return false
	}
	return !write || role != RoleViewer
}
