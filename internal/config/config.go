package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	// DatabaseURL selects the Postgres backend; when empty the server runs
	// on the in-memory store (development mode).
	DatabaseURL string `env:"DATABASE_URL"`
	Port        string `env:"SERVER_PORT" envDefault:"8080"`
	Env         string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	// LoanPaymentsDebitPayer makes approved loan payments draw from the
	// payer's available balance instead of arriving with external proof.
	LoanPaymentsDebitPayer bool `env:"LOAN_PAYMENTS_DEBIT_PAYER" envDefault:"false"`
}

func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config parse failed: %w", err)
	}
	return cfg, nil
}
