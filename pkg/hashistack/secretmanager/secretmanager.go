package secretmanager

import (
	"os"
	"time"

	vault "github.com/hashicorp/vault-client-go"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module provides the vault client used for the config overlay and for
// messaging credentials stored under vault: references.
var Module = fx.Module("secretmanager", fx.Provide(ProvideVault))

// ProvideVault reads VAULT_ADDR and VAULT_TOKEN. Without VAULT_ADDR it
// returns a nil client and callers fall back to plain configuration.
func ProvideVault() (*vault.Client, error) {
	if os.Getenv("VAULT_ADDR") == "" {
		zap.L().Info("[Vault] VAULT_ADDR not set, secret overlay disabled")
		return nil, nil
	}

	client, err := vault.New(
		vault.WithEnvironment(),
		vault.WithRequestTimeout(10*time.Second),
	)
	if err != nil {
		return nil, err
	}

	return client, nil
}
