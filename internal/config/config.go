package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Redis    RedisConfig
	Server   ServerConfig
	Protocol ProtocolConfig
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type ProtocolConfig struct {
	BaseFeeBps      int64  `mapstructure:"base_fee_bps"`
	FeeRecipient    string `mapstructure:"fee_recipient"`
	ProofWindowSec  int64  `mapstructure:"proof_window_sec"`
	NodeCooldownSec int64  `mapstructure:"node_cooldown_sec"`
}

func Load() (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("redis.addr", "redis:6379")
	v.SetDefault("protocol.base_fee_bps", 500)
	v.SetDefault("protocol.proof_window_sec", 7*24*3600)
	v.SetDefault("protocol.node_cooldown_sec", 3600)

	// Config file (optional)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/app")
	_ = v.ReadInConfig()

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit env bindings
	bindings := map[string]string{
		"redis.addr":                 "REDIS_ADDR",
		"redis.password":             "REDIS_PASSWORD",
		"server.port":                "PORT",
		"protocol.base_fee_bps":      "BASE_FEE_BPS",
		"protocol.fee_recipient":     "FEE_RECIPIENT",
		"protocol.proof_window_sec":  "PROOF_WINDOW_SEC",
		"protocol.node_cooldown_sec": "NODE_COOLDOWN_SEC",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	if c.Protocol.FeeRecipient == "" {
		return fmt.Errorf("required config missing: FEE_RECIPIENT")
	}
	if c.Protocol.BaseFeeBps < 0 || c.Protocol.BaseFeeBps > 5000 {
		return fmt.Errorf("BASE_FEE_BPS out of range: %d", c.Protocol.BaseFeeBps)
	}
	if c.Protocol.ProofWindowSec <= 0 {
		return fmt.Errorf("PROOF_WINDOW_SEC must be positive")
	}
	return nil
}
