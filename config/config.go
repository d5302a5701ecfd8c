package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Simulator SimulatorConfig `mapstructure:"simulator"`
	Billing   BillingConfig   `mapstructure:"billing"`
	Device    DeviceConfig    `mapstructure:"device"`
	API       APIConfig       `mapstructure:"api"`
	MQTT      MQTTConfig      `mapstructure:"mqtt"`
	Database  DatabaseConfig  `mapstructure:"database"`
	AI        AIConfig        `mapstructure:"ai"`
	Log       LogConfig       `mapstructure:"log"`

	v *viper.Viper
}

type SimulatorConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	VoltageLimit    float64       `mapstructure:"voltage_limit"`
	SeedDefaultNode bool          `mapstructure:"seed_default_node"`
}

type BillingConfig struct {
	RatePerKWh float64 `mapstructure:"rate_per_kwh"`
}

type DeviceConfig struct {
	Address        string        `mapstructure:"address"`
	CommandTimeout time.Duration `mapstructure:"command_timeout"`
	ProbeTimeout   time.Duration `mapstructure:"probe_timeout"`
}

type APIConfig struct {
	Port    int  `mapstructure:"port"`
	Enabled bool `mapstructure:"enabled"`
}

type MQTTConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Broker      string `mapstructure:"broker"`
	TopicPrefix string `mapstructure:"topic_prefix"`
	ClientID    string `mapstructure:"client_id"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

type AIConfig struct {
	APIKey   string        `mapstructure:"api_key"`
	Model    string        `mapstructure:"model"`
	Endpoint string        `mapstructure:"endpoint"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// Load reads configPath (or config.yaml from the usual places) on top of the
// defaults. ECOPULSE_* environment variables override both.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/ecopulse")
	}

	v.SetEnvPrefix("ECOPULSE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	cfg.v = v
	return &cfg, nil
}

func SetDefaults(v *viper.Viper) {
	v.SetDefault("simulator.interval", "2s")
	v.SetDefault("simulator.voltage_limit", 230)
	v.SetDefault("simulator.seed_default_node", true)
	v.SetDefault("billing.rate_per_kwh", 0.14)
	v.SetDefault("device.address", "")
	v.SetDefault("device.command_timeout", "2s")
	v.SetDefault("device.probe_timeout", "3s")
	v.SetDefault("api.port", 8045)
	v.SetDefault("api.enabled", true)
	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("mqtt.topic_prefix", "ecopulse")
	v.SetDefault("mqtt.client_id", "ecopulse")
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("database.path", "./ecopulse.db")
	v.SetDefault("ai.api_key", "")
	v.SetDefault("ai.model", "gemini-3-flash-preview")
	v.SetDefault("ai.endpoint", "https://generativelanguage.googleapis.com/")
	v.SetDefault("ai.timeout", "30s")
	v.SetDefault("log.level", "info")
}

// SaveDeviceAddress persists a runtime change of the device address. When no
// config file was loaded, config.yaml is created in the working directory.
func (c *Config) SaveDeviceAddress(address string) error {
	c.Device.Address = address
	if c.v == nil {
		return errors.New("config was not loaded from viper")
	}

	c.v.Set("device.address", address)
	if c.v.ConfigFileUsed() != "" {
		return c.v.WriteConfig()
	}
	return c.v.WriteConfigAs("config.yaml")
}
