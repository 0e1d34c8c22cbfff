package config

import (
	"path/filepath"
	"runtime"
	"time"

	"github.com/draftea/order-system/orders-service/application"
	sharedconfig "github.com/draftea/order-system/shared/config"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

type Config struct {
	sharedconfig.Common `mapstructure:",squash"`
	Saga                application.SagaConfig `mapstructure:"saga"`
}

// ReadConfig loads <ENVIRONMENT>.json next to this file, overridden by
// ORDERS_* environment variables.
func ReadConfig() (*Config, error) {
	_, filename, _, ok := runtime.Caller(0)
	if !ok {
		return nil, errors.New("unable to get current file")
	}

	var cfg Config
	if err := sharedconfig.Load(filepath.Dir(filename), "ORDERS", setDefaults, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service_name", "orders-service")
	v.SetDefault("port", sharedconfig.GetEnv("PORT", "8080"))
	v.SetDefault("database.database", "orders")

	v.SetDefault("saga.inventory_timeout", 30*time.Second)
	v.SetDefault("saga.payment_timeout", 60*time.Second)
	v.SetDefault("saga.compensation_timeout", 30*time.Second)
}
