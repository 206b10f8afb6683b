package messaging

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/Phillboard/mobul-sub010/pkg/config"

	"github.com/hashicorp/vault-client-go"
)

// Credential reference schemes.
const (
	SchemeEnv   = "env"
	SchemeVault = "vault"

	// LegacyRef is the reference of the process-wide fallback SMS account.
	LegacyRef = "env:legacy"
	// LegacyEmailRef is the process-wide fallback SES sender.
	LegacyEmailRef = "env:legacy-email"
)

type credentialStore struct {
	cfg   *config.Config
	vault *vault.Client
	mount string

	mu    sync.RWMutex
	cache map[string]Credentials
}

func NewCredentialStore(cfg *config.Config, client *vault.Client) CredentialStore {
	mount := cfg.Vault.MountPath
	if mount == "" {
		mount = "secret"
	}
	return &credentialStore{
		cfg:   cfg,
		vault: client,
		mount: mount,
		cache: make(map[string]Credentials),
	}
}

func (s *credentialStore) Resolve(ctx context.Context, ref string) (Credentials, error) {
	scheme, path, ok := strings.Cut(ref, ":")
	if !ok {
		return Credentials{}, fmt.Errorf("%w: malformed ref", ErrMissingCredential)
	}

	switch scheme {
	case SchemeEnv:
		return s.fromEnv(path)
	case SchemeVault:
		return s.fromVault(ctx, path)
	default:
		return Credentials{}, fmt.Errorf("%w: unknown scheme %q", ErrMissingCredential, scheme)
	}
}

func (s *credentialStore) fromEnv(name string) (Credentials, error) {
	switch name {
	case "legacy":
		if s.cfg.Twilio.AccountSID == "" {
			return Credentials{}, ErrMissingCredential
		}
		return Credentials{
			AccountSID: s.cfg.Twilio.AccountSID,
			AuthToken:  s.cfg.Twilio.AuthToken,
			From:       s.cfg.Twilio.FromNumber,
		}, nil
	case "legacy-email":
		if s.cfg.AWS.SESSender == "" {
			return Credentials{}, ErrMissingCredential
		}
		return Credentials{From: s.cfg.AWS.SESSender}, nil
	default:
		return Credentials{}, ErrMissingCredential
	}
}

func (s *credentialStore) fromVault(ctx context.Context, path string) (Credentials, error) {
	s.mu.RLock()
	c, ok := s.cache[path]
	s.mu.RUnlock()
	if ok {
		return c, nil
	}

	if s.vault == nil {
		return Credentials{}, fmt.Errorf("%w: vault disabled", ErrMissingCredential)
	}

	secret, err := s.vault.Secrets.KvV2Read(ctx, path, vault.WithMountPath(s.mount))
	if err != nil {
		return Credentials{}, fmt.Errorf("vault read %s: %w", path, err)
	}

	get := func(key string) string {
		if val, ok := secret.Data.Data[key].(string); ok {
			return val
		}
		return ""
	}

	c = Credentials{
		AccountSID: get("account_sid"),
		AuthToken:  get("auth_token"),
		From:       get("from"),
	}
	if c.From == "" {
		return Credentials{}, fmt.Errorf("%w: %s has no sender", ErrMissingCredential, path)
	}

	s.mu.Lock()
	s.cache[path] = c
	s.mu.Unlock()
	return c, nil
}
