package main

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const envPrefix = "FLOWLINE"

// Config holds all flowline configuration.
// Priority: flags > env vars (FLOWLINE_*) > config file > defaults.
type Config struct {
	DBPath           string `mapstructure:"db_path"`
	LogLevel         string `mapstructure:"log_level"`
	LogFormat        string `mapstructure:"log_format"` // json or text
	Workers          int    `mapstructure:"workers"`
	StepTimeout      string `mapstructure:"step_timeout"`
	MaxAttempts      int    `mapstructure:"max_attempts"`
	ExtractorURL     string `mapstructure:"extractor_url"`
	ExtractorTimeout string `mapstructure:"extractor_timeout"`
}

func flowlineDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".flowline"
	}
	return filepath.Join(home, ".flowline")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("db_path", filepath.Join(flowlineDir(), "flowline.db"))
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("workers", 4)
	v.SetDefault("step_timeout", "2m")
	v.SetDefault("max_attempts", 3)
	v.SetDefault("extractor_timeout", "60s")
	// Registered so AutomaticEnv can populate it through Unmarshal.
	v.SetDefault("extractor_url", "")
}

// loadConfig layers defaults, an optional config file, and FLOWLINE_*
// environment variables into a Config. A missing config file is fine
// unless one was named explicitly.
func loadConfig(cfgFile string) (Config, error) {
	v := viper.GetViper()
	setDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("flowline")
		v.SetConfigType("yaml")
		v.AddConfigPath(flowlineDir())
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) stepTimeout() time.Duration {
	d, err := time.ParseDuration(c.StepTimeout)
	if err != nil {
		return 2 * time.Minute
	}
	return d
}

func (c Config) extractorTimeout() time.Duration {
	d, err := time.ParseDuration(c.ExtractorTimeout)
	if err != nil {
		return 60 * time.Second
	}
	return d
}
