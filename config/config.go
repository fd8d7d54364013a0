package config

import (
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"
)

// Config carries everything needed to run the sale service: the RPC surface,
// the storage location, the sale accounts, the stage schedule, and the oracle
// feeds pricing each accepted payment asset.
type Config struct {
	RPCAddress  string `toml:"RPCAddress"`
	DataDir     string `toml:"DataDir"`
	Environment string `toml:"Environment"`

	Owner       string `toml:"Owner"`
	Treasury    string `toml:"Treasury"`
	SaleAccount string `toml:"SaleAccount"`
	SaleToken   string `toml:"SaleToken"`

	StartTime   int64  `toml:"StartTime"`
	EndTime     int64  `toml:"EndTime"`
	MaxPurchase string `toml:"MaxPurchase"`

	NativeFeedRef string `toml:"NativeFeedRef"`

	Oracle        OracleConfig         `toml:"oracle"`
	Stages        []StageConfig        `toml:"stage"`
	PaymentTokens []PaymentTokenConfig `toml:"payment_token"`
}

// OracleConfig selects the price feed source. When Endpoint is empty the
// service runs with a manually seeded feed, which is only useful for local
// development.
type OracleConfig struct {
	Endpoint  string `toml:"Endpoint"`
	APIKeyEnv string `toml:"APIKeyEnv"`
	Decimals  uint8  `toml:"Decimals"`
}

// StageConfig declares one stage of the schedule. Amounts are decimal strings
// so arbitrarily large caps survive the round trip through TOML.
type StageConfig struct {
	Rate string `toml:"Rate"`
	Cap  string `toml:"Cap"`
}

// PaymentTokenConfig declares an accepted external payment asset.
type PaymentTokenConfig struct {
	Symbol  string `toml:"Symbol"`
	Address string `toml:"Address"`
	FeedRef string `toml:"FeedRef"`
	Enabled bool   `toml:"Enabled"`
}

// Load loads the configuration from the given path, creating a default file
// when none exists.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.RPCAddress) == "" {
		cfg.RPCAddress = ":8080"
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./sale-data"
	}
	if cfg.Oracle.Decimals == 0 {
		cfg.Oracle.Decimals = 8
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks addresses, amounts, and the sale window for consistency.
func (c *Config) Validate() error {
	for _, field := range []struct {
		name  string
		value string
	}{
		{"Owner", c.Owner},
		{"Treasury", c.Treasury},
		{"SaleAccount", c.SaleAccount},
		{"SaleToken", c.SaleToken},
	} {
		if !common.IsHexAddress(strings.TrimSpace(field.value)) {
			return fmt.Errorf("%s must be a hex address, got %q", field.name, field.value)
		}
	}
	if c.StartTime >= c.EndTime {
		return fmt.Errorf("EndTime %d must be after StartTime %d", c.EndTime, c.StartTime)
	}
	if _, err := parseAmount(c.MaxPurchase); err != nil {
		return fmt.Errorf("MaxPurchase: %w", err)
	}
	if strings.TrimSpace(c.NativeFeedRef) == "" {
		return fmt.Errorf("NativeFeedRef must not be empty")
	}
	for i, stage := range c.Stages {
		rate, err := parseAmount(stage.Rate)
		if err != nil {
			return fmt.Errorf("stage %d rate: %w", i, err)
		}
		if rate.Sign() <= 0 {
			return fmt.Errorf("stage %d rate must be positive", i)
		}
		if _, err := parseAmount(stage.Cap); err != nil {
			return fmt.Errorf("stage %d cap: %w", i, err)
		}
	}
	for i, asset := range c.PaymentTokens {
		if !common.IsHexAddress(strings.TrimSpace(asset.Address)) {
			return fmt.Errorf("payment token %d address must be a hex address, got %q", i, asset.Address)
		}
		if strings.TrimSpace(asset.FeedRef) == "" {
			return fmt.Errorf("payment token %d feed ref must not be empty", i)
		}
	}
	return nil
}

// OwnerAddress returns the parsed owner address. Validate must have passed.
func (c *Config) OwnerAddress() common.Address { return common.HexToAddress(c.Owner) }

// TreasuryAddress returns the parsed treasury address.
func (c *Config) TreasuryAddress() common.Address { return common.HexToAddress(c.Treasury) }

// SaleAccountAddress returns the parsed sale account address.
func (c *Config) SaleAccountAddress() common.Address { return common.HexToAddress(c.SaleAccount) }

// SaleTokenAddress returns the parsed sale token address.
func (c *Config) SaleTokenAddress() common.Address { return common.HexToAddress(c.SaleToken) }

// MaxPurchaseAmount returns the parsed per-address cap. Zero disables it.
func (c *Config) MaxPurchaseAmount() *big.Int {
	amount, err := parseAmount(c.MaxPurchase)
	if err != nil {
		return big.NewInt(0)
	}
	return amount
}

// ParseAmount parses a decimal amount string, treating blank as zero.
func ParseAmount(value string) (*big.Int, error) { return parseAmount(value) }

func parseAmount(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return big.NewInt(0), nil
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid decimal amount %q", value)
	}
	if amount.Sign() < 0 {
		return nil, fmt.Errorf("amount %q must not be negative", value)
	}
	return amount, nil
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := &Config{
		RPCAddress:    ":8080",
		DataDir:       "./sale-data",
		Environment:   "local",
		Owner:         common.Address{}.Hex(),
		Treasury:      common.Address{}.Hex(),
		SaleAccount:   common.Address{}.Hex(),
		SaleToken:     common.Address{}.Hex(),
		StartTime:     0,
		EndTime:       1,
		MaxPurchase:   "0",
		NativeFeedRef: "COIN/USD",
		Oracle:        OracleConfig{Decimals: 8},
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
