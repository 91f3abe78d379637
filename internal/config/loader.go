package config

import (
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/spf13/viper"

	"github.com/atvirokodosprendimai/deltaledger/internal/app"
)

const EnvPrefix = "DELTALEDGER"

// Load reads config.yaml from configPath, if present, and overlays
// DELTALEDGER_* environment variables on top of app.DefaultConfig. Nested
// keys map to env names with dots replaced by underscores, so server.addr
// is DELTALEDGER_SERVER_ADDR.
func Load(configPath string) (app.Config, error) {
	cfg := app.DefaultConfig()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath == "" {
		configPath = "."
	}
	v.AddConfigPath(configPath)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server.addr", cfg.Addr)
	v.SetDefault("server.allowed_origins", cfg.AllowedOrigins)
	v.SetDefault("db.path", cfg.DBPath)
	v.SetDefault("ledger.auto_commit", cfg.AutoCommit)
	v.SetDefault("bootstrap.api_key", cfg.BootstrapAPIKey)
	v.SetDefault("bootstrap.user", cfg.BootstrapUser)
	v.SetDefault("bootstrap.key_name", cfg.BootstrapKeyName)
	v.SetDefault("webhook.url", cfg.WebhookURL)
	v.SetDefault("webhook.secret", cfg.WebhookSecret)
	v.SetDefault("webhook.timeout", cfg.WebhookTimeout)
	v.SetDefault("outbox.interval", cfg.OutboxInterval)
	v.SetDefault("outbox.batch_size", cfg.OutboxBatchSize)
	v.SetDefault("outbox.max_attempts", cfg.OutboxMaxAttempt)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return app.Config{}, fmt.Errorf("read config: %w", err)
		}
		log.Printf("config: no config.yaml in %s, using defaults and env", configPath)
	} else {
		log.Printf("config: loaded %s", v.ConfigFileUsed())
	}

	cfg.Addr = v.GetString("server.addr")
	cfg.AllowedOrigins = splitList(v.GetStringSlice("server.allowed_origins"))
	cfg.DBPath = v.GetString("db.path")
	cfg.AutoCommit = v.GetBool("ledger.auto_commit")
	cfg.BootstrapAPIKey = v.GetString("bootstrap.api_key")
	cfg.BootstrapUser = v.GetString("bootstrap.user")
	cfg.BootstrapKeyName = v.GetString("bootstrap.key_name")
	cfg.WebhookURL = v.GetString("webhook.url")
	cfg.WebhookSecret = v.GetString("webhook.secret")
	cfg.WebhookTimeout = v.GetDuration("webhook.timeout")
	cfg.OutboxInterval = v.GetDuration("outbox.interval")
	cfg.OutboxBatchSize = v.GetInt("outbox.batch_size")
	cfg.OutboxMaxAttempt = v.GetInt("outbox.max_attempts")

	if cfg.OutboxInterval <= 0 {
		return app.Config{}, fmt.Errorf("outbox.interval must be positive, got %s", cfg.OutboxInterval)
	}
	if cfg.OutboxBatchSize <= 0 {
		return app.Config{}, fmt.Errorf("outbox.batch_size must be positive, got %d", cfg.OutboxBatchSize)
	}
	return cfg, nil
}

// splitList accepts both YAML lists and comma separated env values.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
