package config

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"mediabroker/internal/domain"
)

type Config struct {
	Mode string `mapstructure:"mode"`
	Port int    `mapstructure:"port"`

	CallTimeout       time.Duration `mapstructure:"call_timeout"`
	KeepaliveInterval time.Duration `mapstructure:"keepalive_interval"`
	ReconnectDelay    time.Duration `mapstructure:"reconnect_delay"`
	ProbeAttempts     int           `mapstructure:"probe_attempts"`
	ProbeSpacing      time.Duration `mapstructure:"probe_spacing"`

	WaitTimeout      time.Duration `mapstructure:"wait_timeout"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout"`
	ICEGatherTimeout time.Duration `mapstructure:"ice_gather_timeout"`

	RecordDir string `mapstructure:"record_dir"`

	Engines []domain.EngineConfig `mapstructure:"engines"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("mode", "release")
	v.SetDefault("port", 9500)
	v.SetDefault("call_timeout", "30s")
	v.SetDefault("keepalive_interval", "30s")
	v.SetDefault("reconnect_delay", "5s")
	v.SetDefault("probe_attempts", 5)
	v.SetDefault("probe_spacing", "1s")
	v.SetDefault("wait_timeout", "600s")
	v.SetDefault("operation_timeout", "4h")
	v.SetDefault("ice_gather_timeout", "150ms")
	v.SetDefault("record_dir", "/var/lib/mediabroker/recordings")

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("config loaded")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
