// Package config carries two layers of configuration: a static YAML file
// read once at boot, and runtime-editable tables persisted as JSON under the
// data root, merged from disk and patchable from the UI.
package config

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v2"
)

// Config is the static boot configuration.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Mitm   MitmConfig   `yaml:"mitm"`
	API    APIConfig    `yaml:"api"`
	Redis  RedisConfig  `yaml:"redis"`
	Data   DataConfig   `yaml:"data"`
	Log    LogConfig    `yaml:"log"`
}

// ServerConfig addresses the UI push endpoint.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// MitmConfig addresses the intercepting proxy and its upstream.
type MitmConfig struct {
	Port     int    `yaml:"port"`
	Upstream string `yaml:"upstream"`
}

// APIConfig addresses the plain HTTP control surface.
type APIConfig struct {
	Port int `yaml:"port"`
}

// RedisConfig connects the optional cross-process event fabric. An empty
// Addr keeps everything in-process.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// DataConfig roots the writable state: config tables, item tables, logs.
type DataConfig struct {
	Root string `yaml:"root"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns the boot configuration used when no file is present.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Host: "127.0.0.1", Port: 8787},
		Mitm:   MitmConfig{Port: 10999},
		API:    APIConfig{Port: 8788},
		Data:   DataConfig{Root: defaultDataRoot()},
		Log:    LogConfig{Level: "info"},
	}
}

// LoadConfig reads the static YAML file, filling gaps from Default. A
// missing file is not an error.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}
	defer f.Close()

	if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
		return nil, err
	}
	if cfg.Data.Root == "" {
		cfg.Data.Root = defaultDataRoot()
	}
	return cfg, nil
}

// ConfDir is where the runtime tables live.
func (c *Config) ConfDir() string { return filepath.Join(c.Data.Root, "configs") }

// DataDir is where the item tables live.
func (c *Config) DataDir() string { return filepath.Join(c.Data.Root, "data") }

// LogDir is where log files go.
func (c *Config) LogDir() string { return filepath.Join(c.Data.Root, "logs") }

func defaultDataRoot() string {
	base, err := os.UserConfigDir()
	if err != nil {
		base = "."
	}
	return filepath.Join(base, "Shanten Lens", "shanten")
}
