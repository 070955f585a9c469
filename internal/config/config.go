// Package config содержит логику чтения конфигурации сервиса сделок.
package config

import (
	"flag"
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации сервиса сделок.
type Config struct {
	RunAddress          string `env:"RUN_ADDRESS"`
	DatabaseURI         string `env:"DATABASE_URI"`
	StripeSecretKey     string `env:"STRIPE_SECRET_KEY"`
	StripeWebhookSecret string `env:"STRIPE_WEBHOOK_SECRET"`
	CheckoutSuccessURL  string `env:"CHECKOUT_SUCCESS_URL"`
	CheckoutCancelURL   string `env:"CHECKOUT_CANCEL_URL"`
	AuthSecret          string `env:"AUTH_SECRET"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envStripeSecretKey := cfg.StripeSecretKey
	envStripeWebhookSecret := cfg.StripeWebhookSecret
	envCheckoutSuccessURL := cfg.CheckoutSuccessURL
	envCheckoutCancelURL := cfg.CheckoutCancelURL
	envAuthSecret := cfg.AuthSecret

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.StripeSecretKey, "stripe-key", "", "stripe secret key")
	flag.StringVar(&cfg.StripeWebhookSecret, "stripe-webhook-secret", "", "stripe webhook signing secret")
	flag.StringVar(&cfg.CheckoutSuccessURL, "success-url", "", "checkout success redirect URL")
	flag.StringVar(&cfg.CheckoutCancelURL, "cancel-url", "", "checkout cancel redirect URL")
	flag.StringVar(&cfg.AuthSecret, "auth-secret", "", "secret for signed session cookies")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envStripeSecretKey != "" {
		cfg.StripeSecretKey = envStripeSecretKey
	}
	if envStripeWebhookSecret != "" {
		cfg.StripeWebhookSecret = envStripeWebhookSecret
	}
	if envCheckoutSuccessURL != "" {
		cfg.CheckoutSuccessURL = envCheckoutSuccessURL
	}
	if envCheckoutCancelURL != "" {
		cfg.CheckoutCancelURL = envCheckoutCancelURL
	}
	if envAuthSecret != "" {
		cfg.AuthSecret = envAuthSecret
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}

	return cfg, nil
}
