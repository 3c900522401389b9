// Package config loads the fabric's Config (spec.md §6) from an optional
// YAML file and then applies environment overrides, following the
// teacher's getEnv/getEnvInt helper idiom in cmd/main.go — just backed by
// gopkg.in/yaml.v3 for the file layer, since the teacher repo itself
// pulls that dependency for structured config rather than hand-rolling a
// parser.
package config

import (
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/quty-io/fabric/internal/ferrors"
)

// Discovery holds the three peer-discovery sources of spec.md §4.7.3.
type Discovery struct {
	Service string   `yaml:"service"`
	Nodes   []string `yaml:"nodes"`
	Fetch   string   `yaml:"fetch"`
	TimerMs int      `yaml:"timer"`
}

// Config is the fabric's full recognized configuration surface.
type Config struct {
	Namespace       string    `yaml:"namespace"`
	Port            int       `yaml:"port"`
	Path            string    `yaml:"path"`
	Auth            string    `yaml:"auth"`
	Discovery       Discovery `yaml:"discovery"`
	MaxReadyAfterMs int       `yaml:"maxReadyAfter"`
	Debug           bool      `yaml:"debug"`
}

// Default returns the spec's documented defaults.
func Default() Config {
	return Config{
		Namespace:       "quty",
		Path:            "/",
		Discovery:       Discovery{TimerMs: 3000},
		MaxReadyAfterMs: 5000,
	}
}

// Load reads an optional YAML file (path may be empty, meaning defaults
// only) and then applies CLUSTER_* environment overrides on top.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, ferrors.Wrap(ferrors.Config, "read config file", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, ferrors.Wrap(ferrors.Config, "parse config file", err)
		}
	}

	applyEnv(&cfg)

	if cfg.Port <= 0 {
		return Config{}, ferrors.New(ferrors.Config, "port must be > 0")
	}
	if cfg.Path == "" {
		cfg.Path = "/"
	}
	if cfg.Namespace == "" {
		cfg.Namespace = "quty"
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("CLUSTER_NAMESPACE"); v != "" {
		cfg.Namespace = v
	}
	if v := getEnvInt("CLUSTER_PORT"); v != 0 {
		cfg.Port = v
	}
	if v := os.Getenv("CLUSTER_AUTH"); v != "" {
		cfg.Auth = v
	}
	if v := os.Getenv("CLUSTER_DEBUG"); v != "" {
		cfg.Debug = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv("CLUSTER_DISCOVERY_NODES"); v != "" {
		cfg.Discovery.Nodes = splitAddresses(v)
	}
	if v := os.Getenv("CLUSTER_DISCOVERY_SERVICE"); v != "" {
		cfg.Discovery.Service = v
	}
	if v := os.Getenv("CLUSTER_DISCOVERY_FETCH"); v != "" {
		cfg.Discovery.Fetch = v
	}
}

func getEnvInt(name string) int {
	v := os.Getenv(name)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

// splitAddresses accepts comma- or space-separated address lists.
func splitAddresses(v string) []string {
	fields := strings.FieldsFunc(v, func(r rune) bool {
		return r == ',' || r == ' '
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}
