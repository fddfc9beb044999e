package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config is pan2d's own bootstrap config — distinct from the GUI's
// <preferences> dialog boxes, which remain out of scope.
type Config struct {
	Servers  []ServerConfig `mapstructure:"servers" yaml:"servers"`
	Download DownloadConfig `mapstructure:"download" yaml:"download"`
	Queue    QueueConfig    `mapstructure:"queue" yaml:"queue"`
	Log      LogConfig      `mapstructure:"log" yaml:"log"`
	HTTP     HTTPConfig     `mapstructure:"http" yaml:"http"`
}

type ServerConfig struct {
	ID            string `mapstructure:"id" yaml:"id"`
	Host          string `mapstructure:"host" yaml:"host"`
	Port          int    `mapstructure:"port" yaml:"port"`
	Username      string `mapstructure:"username" yaml:"username"`
	Password      string `mapstructure:"password" yaml:"password"`
	TLS           bool   `mapstructure:"tls" yaml:"tls"`
	MaxConnection int    `mapstructure:"max_connections" yaml:"max_connections"`
	Priority      int    `mapstructure:"priority" yaml:"priority"`
}

type DownloadConfig struct {
	OutDir string `mapstructure:"out_dir" yaml:"out_dir"`
}

// QueueConfig tunes internal/queue's persistence and retry behavior.
type QueueConfig struct {
	SaveDelaySecs int `mapstructure:"save_delay_secs" yaml:"save_delay_secs"`
	MaxRetries    int `mapstructure:"max_retries" yaml:"max_retries"`
}

type LogConfig struct {
	Path          string `mapstructure:"path" yaml:"path"`
	Level         string `mapstructure:"level" yaml:"level"`
	IncludeStdout bool   `mapstructure:"include_stdout" yaml:"include_stdout"`
}

// HTTPConfig binds internal/statusapi. Addr is empty by default; pan2d
// only starts the status server when --no-gui is paired with a
// non-empty addr.
type HTTPConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// Home resolves pan2d's data directory: PAN_HOME if set, else
// $HOME/.pan2.
func Home() string {
	if h := os.Getenv("PAN_HOME"); h != "" {
		return h
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".pan2"
	}
	return filepath.Join(home, ".pan2")
}

// Load reads path (defaulting to "<home>/config.yaml"), falling back
// to PAN2_-prefixed environment variables for anything the file
// doesn't set.
func Load(path string) (*Config, error) {
	home := Home()

	if path == "" {
		path = filepath.Join(home, "config.yaml")
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s\n\n"+
			"To fix this, create a config.yaml with your Usenet server "+
			"credentials under %s.", path, home)
	}

	v := viper.New()

	v.SetDefault("download.out_dir", filepath.Join(home, "downloads"))
	v.SetDefault("queue.save_delay_secs", 10)
	v.SetDefault("queue.max_retries", 3)
	v.SetDefault("log.path", filepath.Join(home, "pan2d.log"))
	v.SetDefault("log.level", "info")
	v.SetDefault("log.include_stdout", true)

	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file %s: %w", path, err)
	}

	v.SetEnvPrefix("PAN2")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if len(c.Servers) == 0 {
		return errors.New("at least one server must be configured")
	}

	for i, s := range c.Servers {
		if s.ID == "" {
			return fmt.Errorf("server[%d] requires a unique ID", i)
		}
		if s.Host == "" {
			return fmt.Errorf("server %s: host is required", s.ID)
		}
		if s.Port == 0 {
			return fmt.Errorf("server %s: port is required", s.ID)
		}
		if s.MaxConnection <= 0 {
			c.Servers[i].MaxConnection = 10
		}
		if s.Priority == 0 {
			c.Servers[i].Priority = 1
		}
	}

	if c.Download.OutDir == "" {
		c.Download.OutDir = filepath.Join(Home(), "downloads")
	}
	if c.Queue.SaveDelaySecs <= 0 {
		c.Queue.SaveDelaySecs = 10
	}
	if c.Queue.MaxRetries <= 0 {
		c.Queue.MaxRetries = 3
	}

	return nil
}
