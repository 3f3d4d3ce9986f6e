package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"

	"github.com/edgeflare/dbq/pkg/dbq"
)

// Version is the dbq release version.
const Version = "0.1.0"

// Config holds application-wide configuration
type Config struct {
	// Engine selects the wire backend: "mysql" or "postgres"
	Engine  string             `mapstructure:"engine"`
	Conn    dbq.ConnectOptions `mapstructure:"conn"`
	Metrics MetricsConfig      `mapstructure:"metrics"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// Load reads config from file or environment
func Load(cfgFile string) (*Config, error) {
	v := viper.New()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("dbq")
		v.SetConfigType("yaml")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config"))
		}
		v.AddConfigPath(".")
	}

	v.SetDefault("engine", "mysql")
	v.SetDefault("metrics.addr", ":9100")

	v.AutomaticEnv()
	v.SetEnvPrefix("DBQ")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	} else {
		fmt.Println("Using config file:", v.ConfigFileUsed())
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	return &cfg, nil
}
