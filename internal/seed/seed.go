// Package seed bootstraps accounts and routing tables from a YAML file.
package seed

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"signal-router/pkg/crypto"
	"signal-router/pkg/db"
)

// AccountConfig is one exchange account entry. Credentials may be given
// inline or pulled from the environment via the *_env variants; inline
// plaintext is encrypted before it touches the database when a master key
// is configured.
type AccountConfig struct {
	ID           string `yaml:"id"`
	Name         string `yaml:"name"`
	Exchange     string `yaml:"exchange"`
	Market       string `yaml:"market"`
	APIKey       string `yaml:"api_key"`
	APIKeyEnv    string `yaml:"api_key_env"`
	APISecret    string `yaml:"api_secret"`
	APISecretEnv string `yaml:"api_secret_env"`
	Testnet      bool   `yaml:"testnet"`
	Active       bool   `yaml:"active"`
}

// SubscriptionConfig binds a strategy to one account with its routing weight.
type SubscriptionConfig struct {
	Account    string          `yaml:"account"`
	Weight     float64         `yaml:"weight"`
	Leverage   int             `yaml:"leverage"`
	MaxSymbols int             `yaml:"max_symbols"`
	Capital    decimal.Decimal `yaml:"capital"`
}

// StrategyConfig is one webhook signal group.
type StrategyConfig struct {
	GroupName  string               `yaml:"group_name"`
	Token      string               `yaml:"token"`
	TokenEnv   string               `yaml:"token_env"`
	MarketType string               `yaml:"market_type"`
	Enabled    bool                 `yaml:"enabled"`
	Accounts   []SubscriptionConfig `yaml:"accounts"`
}

// File is the top-level YAML structure.
type File struct {
	Accounts   []AccountConfig  `yaml:"accounts"`
	Strategies []StrategyConfig `yaml:"strategies"`
}

// Load reads the seed file from disk.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse seed file: %w", err)
	}
	return &f, nil
}

// Sync upserts the seed file contents into the routing tables. keys may be
// nil, in which case credentials are stored as given.
func Sync(ctx context.Context, store *db.Store, keys *crypto.KeyManager, f *File) error {
	for i := range f.Accounts {
		ac := &f.Accounts[i]
		if ac.ID == "" {
			return fmt.Errorf("account %q: id is required", ac.Name)
		}
		apiKey, err := resolveCredential(keys, ac.APIKey, ac.APIKeyEnv)
		if err != nil {
			return fmt.Errorf("account %s api_key: %w", ac.ID, err)
		}
		apiSecret, err := resolveCredential(keys, ac.APISecret, ac.APISecretEnv)
		if err != nil {
			return fmt.Errorf("account %s api_secret: %w", ac.ID, err)
		}
		if err := store.UpsertAccount(ctx, &db.Account{
			ID:        ac.ID,
			Name:      ac.Name,
			Exchange:  ac.Exchange,
			Market:    ac.Market,
			APIKey:    apiKey,
			APISecret: apiSecret,
			Testnet:   ac.Testnet,
			IsActive:  ac.Active,
		}); err != nil {
			return fmt.Errorf("account %s: %w", ac.ID, err)
		}
	}

	for i := range f.Strategies {
		sc := &f.Strategies[i]
		token := sc.Token
		if sc.TokenEnv != "" {
			token = os.Getenv(sc.TokenEnv)
		}
		if token == "" {
			return fmt.Errorf("strategy %s: webhook token is empty", sc.GroupName)
		}
		strategy := &db.Strategy{
			GroupName:    sc.GroupName,
			WebhookToken: token,
			MarketType:   sc.MarketType,
			Enabled:      sc.Enabled,
		}
		if err := store.UpsertStrategy(ctx, strategy); err != nil {
			return fmt.Errorf("strategy %s: %w", sc.GroupName, err)
		}

		for _, sub := range sc.Accounts {
			if err := store.UpsertStrategyAccount(ctx, &db.StrategyAccount{
				StrategyID: strategy.ID,
				AccountID:  sub.Account,
				Weight:     sub.Weight,
				Leverage:   sub.Leverage,
				MaxSymbols: sub.MaxSymbols,
				Enabled:    true,
			}); err != nil {
				return fmt.Errorf("strategy %s account %s: %w", sc.GroupName, sub.Account, err)
			}
			if sub.Capital.IsPositive() {
				if err := store.SetCapital(ctx, strategy.ID, sub.Account, sub.Capital); err != nil {
					return fmt.Errorf("strategy %s capital %s: %w", sc.GroupName, sub.Account, err)
				}
			}
		}
	}

	log.Printf("[seed] synced %d accounts, %d strategies", len(f.Accounts), len(f.Strategies))
	return nil
}

// resolveCredential picks the env override when named, then encrypts inline
// plaintext with the master key. Values that already carry the ENC[vN]:
// prefix pass through unchanged.
func resolveCredential(keys *crypto.KeyManager, inline, envName string) (string, error) {
	value := inline
	if envName != "" {
		value = os.Getenv(envName)
	}
	if value == "" || keys == nil || crypto.IsEncrypted(value) {
		return value, nil
	}
	return keys.Encrypt(value)
}
