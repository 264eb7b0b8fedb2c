package secretmanager

import (
	"os"

	vault "github.com/hashicorp/vault-client-go"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("secretmanager", fx.Provide(ProvideVault))

// ProvideVault returns nil when VAULT_ADDR is unset so config falls back to
// file and environment values.
func ProvideVault() (*vault.Client, error) {
	if os.Getenv("VAULT_ADDR") == "" {
		zap.L().Info("[Vault] VAULT_ADDR not set, skipping secret manager")
		return nil, nil
	}

	client, err := vault.New(
		vault.WithEnvironment(),
	)
	if err != nil {
		return nil, err
	}

	return client, nil
}
