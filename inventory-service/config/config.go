package config

import (
	"path/filepath"
	"runtime"

	sharedconfig "github.com/draftea/order-system/shared/config"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

type Config struct {
	sharedconfig.Common `mapstructure:",squash"`
}

// ReadConfig loads <ENVIRONMENT>.json next to this file, overridden by
// INVENTORY_* environment variables.
func ReadConfig() (*Config, error) {
	_, filename, _, ok := runtime.Caller(0)
	if !ok {
		return nil, errors.New("unable to get current file")
	}

	var cfg Config
	if err := sharedconfig.Load(filepath.Dir(filename), "INVENTORY", setDefaults, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service_name", "inventory-service")
	v.SetDefault("port", sharedconfig.GetEnv("PORT", "8081"))
	v.SetDefault("database.database", "inventory")
}
