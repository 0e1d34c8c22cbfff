package config

import (
	"path/filepath"
	"runtime"
	"time"

	"github.com/draftea/order-system/payments-service/application"
	"github.com/draftea/order-system/payments-service/infrastructure"
	sharedconfig "github.com/draftea/order-system/shared/config"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

type Config struct {
	sharedconfig.Common `mapstructure:",squash"`
	Gateway             infrastructure.SimulatedGatewayConfig `mapstructure:"gateway"`
	Retry               application.RetryPolicy               `mapstructure:"retry"`
}

// ReadConfig loads <ENVIRONMENT>.json next to this file, overridden by
// PAYMENTS_* environment variables.
func ReadConfig() (*Config, error) {
	_, filename, _, ok := runtime.Caller(0)
	if !ok {
		return nil, errors.New("unable to get current file")
	}

	var cfg Config
	if err := sharedconfig.Load(filepath.Dir(filename), "PAYMENTS", setDefaults, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service_name", "payments-service")
	v.SetDefault("port", sharedconfig.GetEnv("PORT", "8082"))
	v.SetDefault("database.database", "payments")

	v.SetDefault("gateway.decline_above", 0)
	v.SetDefault("gateway.latency", 50*time.Millisecond)
	v.SetDefault("retry.attempts", 3)
	v.SetDefault("retry.delay", 200*time.Millisecond)
}
