package secrets

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	vault "github.com/hashicorp/vault/api"
	auth "github.com/hashicorp/vault/api/auth/kubernetes"
)

// VaultConfig configures a rotator that writes a fresh random value into a
// KV v2 secret.
type VaultConfig struct {
	Name       string
	Address    string
	AuthMethod string // token, kubernetes
	TokenFile  string
	K8sRole    string
	Mount      string
	SecretPath string
	KeyField   string
}

// VaultRotator generates a new value for one field of a KV v2 secret,
// preserving the other fields.
type VaultRotator struct {
	cfg VaultConfig
	now func() time.Time

	mu     sync.Mutex
	client *vault.Client
}

func NewVaultRotator(cfg VaultConfig) (*VaultRotator, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("vault rotator: name required")
	}
	if cfg.Address == "" {
		return nil, fmt.Errorf("vault rotator %q: address required", cfg.Name)
	}
	if cfg.SecretPath == "" {
		return nil, fmt.Errorf("vault rotator %q: secret_path required", cfg.Name)
	}
	if cfg.Mount == "" {
		cfg.Mount = "secret"
	}
	if cfg.KeyField == "" {
		cfg.KeyField = "value"
	}
	if cfg.AuthMethod == "" {
		cfg.AuthMethod = "token"
	}
	return &VaultRotator{cfg: cfg, now: time.Now}, nil
}

func (r *VaultRotator) Name() string { return r.cfg.Name }

// Rotate writes a new version of the secret with KeyField replaced.
func (r *VaultRotator) Rotate(ctx context.Context) (*Rotation, error) {
	client, err := r.ensureClient(ctx)
	if err != nil {
		return nil, err
	}
	kv := client.KVv2(r.cfg.Mount)
	path := r.secretPath()

	data := make(map[string]interface{})
	current, err := kv.Get(ctx, path)
	switch {
	case err == nil && current != nil:
		for k, v := range current.Data {
			data[k] = v
		}
	case err != nil && !errors.Is(err, vault.ErrSecretNotFound):
		return nil, fmt.Errorf("reading %s/%s: %w", r.cfg.Mount, path, err)
	}

	value, err := randomValue(32)
	if err != nil {
		return nil, err
	}
	data[r.cfg.KeyField] = value

	written, err := kv.Put(ctx, path, data)
	if err != nil {
		return nil, fmt.Errorf("writing %s/%s: %w", r.cfg.Mount, path, err)
	}

	rot := &Rotation{
		Name:      r.cfg.Name,
		Provider:  "vault",
		RotatedAt: r.now().UTC(),
		Metadata: map[string]string{
			"mount": r.cfg.Mount,
			"path":  path,
			"field": r.cfg.KeyField,
		},
	}
	if written != nil && written.VersionMetadata != nil {
		rot.Version = strconv.Itoa(written.VersionMetadata.Version)
	}
	return rot, nil
}

// secretPath removes a leading "<mount>/data/" or "<mount>/" if present.
func (r *VaultRotator) secretPath() string {
	p := strings.TrimPrefix(r.cfg.SecretPath, "/")
	p = strings.TrimPrefix(p, r.cfg.Mount+"/data/")
	p = strings.TrimPrefix(p, r.cfg.Mount+"/")
	return p
}

func (r *VaultRotator) ensureClient(ctx context.Context) (*vault.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client != nil {
		return r.client, nil
	}

	config := vault.DefaultConfig()
	config.Address = r.cfg.Address
	client, err := vault.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("%w: creating vault client: %v", ErrAuthFailed, err)
	}

	switch r.cfg.AuthMethod {
	case "token":
		token := os.Getenv("VAULT_TOKEN")
		if r.cfg.TokenFile != "" {
			b, err := os.ReadFile(r.cfg.TokenFile)
			if err != nil {
				return nil, fmt.Errorf("%w: reading token file: %v", ErrAuthFailed, err)
			}
			token = strings.TrimSpace(string(b))
		}
		if token == "" {
			return nil, fmt.Errorf("%w: no token provided", ErrAuthFailed)
		}
		client.SetToken(token)
	case "kubernetes":
		if r.cfg.K8sRole == "" {
			return nil, fmt.Errorf("%w: k8s_role is required for kubernetes auth", ErrAuthFailed)
		}
		k8sAuth, err := auth.NewKubernetesAuth(r.cfg.K8sRole)
		if err != nil {
			return nil, fmt.Errorf("%w: kubernetes auth: %v", ErrAuthFailed, err)
		}
		info, err := client.Auth().Login(ctx, k8sAuth)
		if err != nil {
			return nil, fmt.Errorf("%w: kubernetes login: %v", ErrAuthFailed, err)
		}
		if info == nil {
			return nil, fmt.Errorf("%w: kubernetes login returned no auth info", ErrAuthFailed)
		}
	default:
		return nil, fmt.Errorf("%w: unsupported auth method %q", ErrAuthFailed, r.cfg.AuthMethod)
	}

	r.client = client
	return client, nil
}

func randomValue(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating secret value: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
