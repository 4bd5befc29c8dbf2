// Package config содержит логику чтения конфигурации сервиса лояльности.
package config

import (
	"flag"
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации сервиса лояльности.
type Config struct {
	RunAddress         string `env:"RUN_ADDRESS"`
	DatabaseURI        string `env:"DATABASE_URI"`
	SyncGatewayAddress string `env:"SYNC_GATEWAY_ADDRESS"`
	AuthSecret         string `env:"AUTH_SECRET"`
	CardCacheSize      int    `env:"CARD_CACHE_SIZE"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envGatewayAddress := cfg.SyncGatewayAddress
	envAuthSecret := cfg.AuthSecret
	envCacheSize := cfg.CardCacheSize

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.SyncGatewayAddress, "g", "", "UI push gateway address")
	flag.StringVar(&cfg.AuthSecret, "s", "loyalty-secret", "secret key for auth cookies")
	flag.IntVar(&cfg.CardCacheSize, "c", 8*1024*1024, "card cache size in bytes")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envGatewayAddress != "" {
		cfg.SyncGatewayAddress = envGatewayAddress
	}
	if envAuthSecret != "" {
		cfg.AuthSecret = envAuthSecret
	}
	if envCacheSize != 0 {
		cfg.CardCacheSize = envCacheSize
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}

	return cfg, nil
}
