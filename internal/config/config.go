// ABOUTME: Server configuration loading via viper
// ABOUTME: Merges yaml file, PIPECAST_* environment, and defaults
package config

import (
	"fmt"
	"os"

	"github.com/spf13/viper"
)

type Config struct {
	Port        int    `mapstructure:"port"`
	Name        string `mapstructure:"name"`
	RenderTool  string `mapstructure:"render_tool"`
	CaptureTool string `mapstructure:"capture_tool"`
	EnableMDNS  bool   `mapstructure:"enable_mdns"`
	UseTUI      bool   `mapstructure:"use_tui"`

	DrainIntervalMs int `mapstructure:"drain_interval_ms"`
	SafetyMarginMs  int `mapstructure:"safety_margin_ms"`
	CloseGraceMs    int `mapstructure:"close_grace_ms"`

	LogFile  string `mapstructure:"log_file"`
	LogLevel string `mapstructure:"log_level"`
}

func Default() *Config {
	name := "pipecast"
	if hostname, err := os.Hostname(); err == nil {
		name = fmt.Sprintf("%s-pipecast", hostname)
	}

	return &Config{
		Port:            8937,
		Name:            name,
		RenderTool:      "aplay",
		CaptureTool:     "arecord",
		EnableMDNS:      true,
		DrainIntervalMs: 200,
		SafetyMarginMs:  150,
		CloseGraceMs:    100,
		LogFile:         "pipecast-server.log",
		LogLevel:        "info",
	}
}

func Load(cfgFile string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("pipecast")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/pipecast")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("PIPECAST")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			// An explicit config file that is missing is an error;
			// the default search paths finding nothing is not.
			if cfgFile != "" || !os.IsNotExist(err) {
				return nil, err
			}
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}
