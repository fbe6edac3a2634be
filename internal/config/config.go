// Package config loads server configuration from a YAML file and
// TENTD_-prefixed environment variables, file first, environment winning.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Storage   StorageConfig   `koanf:"storage"`
	User      UserConfig      `koanf:"user"`
	Discovery DiscoveryConfig `koanf:"discovery"`
}

type ServerConfig struct {
	Port int `koanf:"port"`
	// PublicURL is the externally reachable base URL of this server,
	// used to build the URL templates published in the meta post.
	PublicURL string `koanf:"public_url"`
}

type StorageConfig struct {
	Type   string       `koanf:"type"` // sqlite, memory
	SQLite SQLiteConfig `koanf:"sqlite"`
}

type SQLiteConfig struct {
	Path string `koanf:"path"`
}

// UserConfig describes the local entity this server hosts.
type UserConfig struct {
	Entity string `koanf:"entity"`
}

// DiscoveryConfig bounds outbound federation calls.
type DiscoveryConfig struct {
	Timeout time.Duration `koanf:"timeout"`
	// AllowPrivate permits outbound calls to loopback and private
	// address ranges, for development against local peers.
	AllowPrivate bool `koanf:"allow_private"`
}

// Load reads path (optional) and the environment.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("load config file: %w", err)
			}
		}
	}

	if err := k.Load(env.Provider("TENTD_", ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, "TENTD_")), "_", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	// Default values
	if !k.Exists("server.port") {
		k.Set("server.port", 3000)
	}
	if !k.Exists("storage.type") {
		k.Set("storage.type", "sqlite")
	}
	if !k.Exists("storage.sqlite.path") {
		k.Set("storage.sqlite.path", "./data/tentd.db")
	}
	if !k.Exists("discovery.timeout") {
		k.Set("discovery.timeout", "10s")
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.Server.PublicURL == "" {
		cfg.Server.PublicURL = fmt.Sprintf("http://localhost:%d", cfg.Server.Port)
	}
	if cfg.User.Entity == "" {
		cfg.User.Entity = cfg.Server.PublicURL
	}
	return &cfg, nil
}
