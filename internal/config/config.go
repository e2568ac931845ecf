/*
   Copyright (c) 2023, btnmasher
   All rights reserved.
   Use of this source code is governed by a BSD-style
   license that can be found in the LICENSE file.
*/

// Package config loads relayd's on-disk/environment configuration: the
// network identity, listener and TLS settings, rate limits, and the
// static account/operator tables, following the same viper-driven,
// environment-override-first pattern the rest of the retrieved pack
// uses for its servers.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level shape of relayd's config file (YAML or TOML;
// viper sniffs the extension). Every field has a usable zero-value
// default applied by ApplyDefaults, so a config file only needs to
// override what differs from a single-node, no-TLS, loopback-tested
// server.
type Config struct {
	Network    NetworkConfig    `mapstructure:"network"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Listen     ListenConfig     `mapstructure:"listen"`
	Limits     LimitsConfig     `mapstructure:"limits"`
	Accounts   []AccountConfig  `mapstructure:"accounts"`
	Operators  []OperatorConfig `mapstructure:"operators"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Replication ReplicationConfig `mapstructure:"replication"`
}

type NetworkConfig struct {
	ServerName string   `mapstructure:"server_name"`
	NetworkName string  `mapstructure:"network_name"`
	AdminLocation1 string `mapstructure:"admin_location1"`
	AdminLocation2 string `mapstructure:"admin_location2"`
	AdminEmail     string `mapstructure:"admin_email"`
	MOTDFile       string `mapstructure:"motd_file"`
}

// LoggingConfig controls logrus output, mirroring the DittoFS
// logging.{level,format,output} shape but scoped to what relayd's
// shared/logfmt formatter actually supports.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // defaults to "text"; newLogger always uses the shared/logfmt text formatter, no JSON output
	Output string `mapstructure:"output"` // stdout, stderr, or a file path
}

type ListenConfig struct {
	Address    string `mapstructure:"address"`     // plaintext, e.g. ":6667"
	TLSAddress string `mapstructure:"tls_address"`  // e.g. ":6697", empty disables TLS
	CertFile   string `mapstructure:"cert_file"`
	KeyFile    string `mapstructure:"key_file"`
	RequireClientCert bool `mapstructure:"require_client_cert"` // for SASL EXTERNAL
}

type LimitsConfig struct {
	RateBurst     int           `mapstructure:"rate_burst"`
	RateSustained time.Duration `mapstructure:"rate_sustained"`
	MaxJoinedChans int          `mapstructure:"max_joined_channels"`
	WhowasDepth   int           `mapstructure:"whowas_depth"`
}

// AccountConfig is one statically-provisioned SASL account. Password is
// never stored: the bcrypt hash and the SCRAM salt/keys are computed
// outside relayd and pasted here; relayd has no subcommand that produces
// them.
type AccountConfig struct {
	Name             string   `mapstructure:"name"`
	BcryptHash       string   `mapstructure:"bcrypt_hash"`
	ScramSalt        string   `mapstructure:"scram_salt"`        // hex
	ScramIterations  int      `mapstructure:"scram_iterations"`
	ScramStoredKey   string   `mapstructure:"scram_stored_key"`  // hex
	ScramServerKey   string   `mapstructure:"scram_server_key"`  // hex
	CertFingerprints []string `mapstructure:"cert_fingerprints"`
}

type OperatorConfig struct {
	Name       string `mapstructure:"name"`
	Password   string `mapstructure:"password"` // compared constant-time, plaintext in config
	Permission string `mapstructure:"permission"` // "netop" or "admin"
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address"` // e.g. ":9090"
}

type ReplicationConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	ServerID string         `mapstructure:"server_id"`
	Listen   string         `mapstructure:"listen"`
	Peers    []PeerConfig   `mapstructure:"peers"`
}

type PeerConfig struct {
	Name    string `mapstructure:"name"`
	Address string `mapstructure:"address"`
	Secret  string `mapstructure:"secret"`
	Autoconnect bool `mapstructure:"autoconnect"`
}

// Load reads configPath (or the RELAYD_* environment alone, if
// configPath is empty and no file exists at the default location),
// applies defaults, and returns the result. A missing config file is
// not an error: relayd runs standalone on defaults out of the box.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("RELAYD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("relayd")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/relayd")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			if !(configPath == "" && os.IsNotExist(err)) {
				return nil, fmt.Errorf("config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	ApplyDefaults(&cfg)
	return &cfg, nil
}

// ApplyDefaults fills in every field a bare `relayd serve` run needs
// without a config file: plaintext listener on ":6667" (all interfaces), no TLS, modest
// rate limits, text logging at info level.
func ApplyDefaults(cfg *Config) {
	if cfg.Network.ServerName == "" {
		cfg.Network.ServerName = "irc.relaynet.local"
	}
	if cfg.Network.NetworkName == "" {
		cfg.Network.NetworkName = "RelayNet"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stderr"
	}
	if cfg.Listen.Address == "" {
		cfg.Listen.Address = ":6667"
	}
	if cfg.Limits.RateBurst == 0 {
		cfg.Limits.RateBurst = 5
	}
	if cfg.Limits.RateSustained == 0 {
		cfg.Limits.RateSustained = time.Second
	}
	if cfg.Limits.WhowasDepth == 0 {
		cfg.Limits.WhowasDepth = 100
	}
	if cfg.Metrics.Address == "" {
		cfg.Metrics.Address = ":9090"
	}
}
