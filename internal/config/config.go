package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so yaml configs can say "250ms" or "2s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Broadcast BroadcastConfig `yaml:"broadcast"`
	Spool     SpoolConfig     `yaml:"spool"`
	Sampler   SamplerConfig   `yaml:"sampler"`
	Namer     NamerConfig     `yaml:"namer"`
}

type ServerConfig struct {
	Port           int      `yaml:"port"`
	Host           string   `yaml:"host"`
	AuthToken      string   `yaml:"auth_token"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type BroadcastConfig struct {
	Throttle         Duration `yaml:"throttle"`
	SnapshotInterval Duration `yaml:"snapshot_interval"`
}

// SpoolConfig drives the filesystem ingest path: hosts append decoded
// output to <session>.out files in Dir and drop <session>.exit markers.
type SpoolConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
}

type SamplerConfig struct {
	Enabled      bool     `yaml:"enabled"`
	Interval     Duration `yaml:"interval"`
	CPUThreshold float64  `yaml:"cpu_threshold"`
}

type NamerConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Model    string   `yaml:"model"`
	Debounce Duration `yaml:"debounce"`
	Cooldown Duration `yaml:"cooldown"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port: 8080,
			Host: "127.0.0.1",
		},
		Broadcast: BroadcastConfig{
			Throttle:         Duration(100 * time.Millisecond),
			SnapshotInterval: Duration(5 * time.Second),
		},
		Spool: SpoolConfig{
			Enabled: false,
		},
		Sampler: SamplerConfig{
			Enabled:      true,
			Interval:     Duration(2 * time.Second),
			CPUThreshold: 5.0,
		},
		Namer: NamerConfig{
			Enabled:  false,
			Debounce: Duration(2 * time.Second),
			Cooldown: Duration(5 * time.Minute),
		},
	}
}

// Load reads the yaml file at path over the defaults. A missing file is not
// an error; the defaults are returned unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
