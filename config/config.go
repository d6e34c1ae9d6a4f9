package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"stakevault/crypto"
	"stakevault/native/vault"
)

// Config is the on-disk vaultd configuration.
type Config struct {
	RPCAddress   string `toml:"RPCAddress"`
	OpsAddress   string `toml:"OpsAddress"`
	DataDir      string `toml:"DataDir"`
	Environment  string `toml:"Environment"`
	LogLevel     string `toml:"LogLevel"`
	RPCAuthToken string `toml:"RPCAuthToken"`
	RPCRateLimit int    `toml:"RPCRateLimit"`

	TreasuryAddress string `toml:"TreasuryAddress"`
	AdminAddress    string `toml:"AdminAddress"`

	Vault VaultConfig `toml:"Vault"`
}

// VaultConfig carries the governance parameters applied at startup.
type VaultConfig struct {
	WithdrawFeeBps      uint64 `toml:"WithdrawFeeBps"`
	NoFeeWindowSeconds  uint64 `toml:"NoFeeWindowSeconds"`
	FeeRecipient        string `toml:"FeeRecipient"`
	BorrowClaimPageSize uint64 `toml:"BorrowClaimPageSize"`
}

// Load reads the configuration from path, creating a default file when none
// exists yet.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}

	if strings.TrimSpace(cfg.RPCAddress) == "" {
		cfg.RPCAddress = ":8545"
	}
	if strings.TrimSpace(cfg.OpsAddress) == "" {
		cfg.OpsAddress = ":9090"
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./vault-data"
	}
	if strings.TrimSpace(cfg.Environment) == "" {
		cfg.Environment = "local"
	}
	if cfg.RPCRateLimit <= 0 {
		cfg.RPCRateLimit = 50
	}
	if cfg.Vault.BorrowClaimPageSize == 0 {
		cfg.Vault.BorrowClaimPageSize = 64
	}
	return cfg, nil
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := &Config{
		RPCAddress:   ":8545",
		OpsAddress:   ":9090",
		DataDir:      "./vault-data",
		Environment:  "local",
		LogLevel:     "info",
		RPCRateLimit: 50,
		Vault: VaultConfig{
			WithdrawFeeBps:      0,
			NoFeeWindowSeconds:  0,
			BorrowClaimPageSize: 64,
		},
	}
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

// Treasury decodes the configured pool treasury address.
func (c *Config) Treasury() (crypto.Address, error) {
	addr, err := crypto.DecodeAddress(strings.TrimSpace(c.TreasuryAddress))
	if err != nil {
		return crypto.Address{}, fmt.Errorf("config: invalid TreasuryAddress: %w", err)
	}
	return addr, nil
}

// Admin decodes the configured bootstrap admin address. An empty value is
// allowed once an admin has been provisioned.
func (c *Config) Admin() (crypto.Address, bool, error) {
	trimmed := strings.TrimSpace(c.AdminAddress)
	if trimmed == "" {
		return crypto.Address{}, false, nil
	}
	addr, err := crypto.DecodeAddress(trimmed)
	if err != nil {
		return crypto.Address{}, false, fmt.Errorf("config: invalid AdminAddress: %w", err)
	}
	return addr, true, nil
}

// VaultParams converts the configured knobs into engine parameters.
func (c *Config) VaultParams() (vault.Params, error) {
	params := vault.Params{
		WithdrawFeeBps:      c.Vault.WithdrawFeeBps,
		NoFeeWindowSeconds:  c.Vault.NoFeeWindowSeconds,
		BorrowClaimPageSize: c.Vault.BorrowClaimPageSize,
	}
	if trimmed := strings.TrimSpace(c.Vault.FeeRecipient); trimmed != "" {
		recipient, err := crypto.DecodeAddress(trimmed)
		if err != nil {
			return vault.Params{}, fmt.Errorf("config: invalid FeeRecipient: %w", err)
		}
		params.FeeRecipient = recipient
	}
	if err := params.Validate(); err != nil {
		return vault.Params{}, err
	}
	return params, nil
}
