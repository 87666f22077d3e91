package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"subflow/internal/subscription"
)

// IPShard binds a set of subscriptions to a local source IP. Each exchange
// list becomes one socket dialed from IP.
type IPShard struct {
	IP    string               `yaml:"ip"`
	Ibkr  []SubscriptionConfig `yaml:"ibkr"`
	Bybit []SubscriptionConfig `yaml:"bybit"`
	Okx   []SubscriptionConfig `yaml:"okx"`
}

// ByExchange returns the shard's subscription lists keyed by exchange.
func (s IPShard) ByExchange() map[subscription.ExchangeID][]SubscriptionConfig {
	return map[subscription.ExchangeID][]SubscriptionConfig{
		subscription.ExchangeIbkr:  s.Ibkr,
		subscription.ExchangeBybit: s.Bybit,
		subscription.ExchangeOkx:   s.Okx,
	}
}

// IPShards represents the full shard configuration.
type IPShards struct {
	Shards []IPShard `yaml:"shards"`
}

// LoadIPShards loads shard configuration from the given path.
func LoadIPShards(path string) (*IPShards, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read shards file: %w", err)
	}
	var cfg IPShards
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse shards file: %w", err)
	}
	for i := range cfg.Shards {
		cfg.Shards[i].IP = strings.TrimSpace(cfg.Shards[i].IP)
		if cfg.Shards[i].IP == "" {
			return nil, fmt.Errorf("shard %d: ip is required", i)
		}
		for exchange, subs := range cfg.Shards[i].ByExchange() {
			if err := validateSubscriptions(exchange, subs); err != nil {
				return nil, fmt.Errorf("shard %s: %w", cfg.Shards[i].IP, err)
			}
		}
	}
	return &cfg, nil
}
