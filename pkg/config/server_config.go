// Copyright 2025 The DeltaFlow Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"encoding/json"
	"net"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	cerror "github.com/deltaflow-io/deltaflow/pkg/errors"
)

// clusterIDMaxLen is the max length of cdc server cluster id
const clusterIDMaxLen = 128

// defaultServerConfig holds the default values used when a field is left
// unset by both the config file and the command line.
var defaultServerConfig = &ServerConfig{
	Addr:          "127.0.0.1:8300",
	AdvertiseAddr: "",
	LogFile:       "",
	LogLevel:      "info",
	Log: &LogConfig{
		File: &LogFileConfig{
			MaxSize:    300,
			MaxDays:    0,
			MaxBackups: 0,
		},
	},
	DataDir:                "",
	GcTTL:                  24 * 60 * 60, // 24H
	CaptureSessionTTL:      10,
	OwnerFlushInterval:     TomlDuration(50 * time.Millisecond),
	ProcessorFlushInterval: TomlDuration(50 * time.Millisecond),
	ClusterID:              "default",
}

// ServerConfig represents a config for server
type ServerConfig struct {
	Addr          string `toml:"addr" json:"addr"`
	AdvertiseAddr string `toml:"advertise-addr" json:"advertise-addr"`

	LogFile  string     `toml:"log-file" json:"log-file"`
	LogLevel string     `toml:"log-level" json:"log-level"`
	Log      *LogConfig `toml:"log" json:"log"`

	DataDir string `toml:"data-dir" json:"data-dir"`

	GcTTL int64 `toml:"gc-ttl" json:"gc-ttl"`

	CaptureSessionTTL int `toml:"capture-session-ttl" json:"capture-session-ttl"`

	OwnerFlushInterval     TomlDuration `toml:"owner-flush-interval" json:"owner-flush-interval"`
	ProcessorFlushInterval TomlDuration `toml:"processor-flush-interval" json:"processor-flush-interval"`

	ClusterID string `toml:"cluster-id" json:"cluster-id"`
}

// LogConfig represents log config for server
type LogConfig struct {
	File *LogFileConfig `toml:"file" json:"file"`
}

// LogFileConfig represents log file config for server
type LogFileConfig struct {
	MaxSize    int `toml:"max-size" json:"max-size"`
	MaxDays    int `toml:"max-days" json:"max-days"`
	MaxBackups int `toml:"max-backups" json:"max-backups"`
}

// GetDefaultServerConfig returns the default server config
func GetDefaultServerConfig() *ServerConfig {
	return defaultServerConfig.Clone()
}

// String implements the Stringer interface
func (c *ServerConfig) String() string {
	s, _ := c.Marshal()
	return s
}

// Marshal returns the json marshal format of a ServerConfig
func (c *ServerConfig) Marshal() (string, error) {
	cfg, err := json.Marshal(c)
	if err != nil {
		return "", cerror.WrapError(cerror.ErrMarshalFailed, err)
	}
	return string(cfg), nil
}

// Unmarshal unmarshals into *ServerConfig from json marshal byte slice
func (c *ServerConfig) Unmarshal(data []byte) error {
	err := json.Unmarshal(data, c)
	if err != nil {
		return cerror.WrapError(cerror.ErrUnmarshalFailed, err)
	}
	return nil
}

// Clone clones a ServerConfig
func (c *ServerConfig) Clone() *ServerConfig {
	str, err := c.Marshal()
	if err != nil {
		panic(err)
	}
	clone := new(ServerConfig)
	err = clone.Unmarshal([]byte(str))
	if err != nil {
		panic(err)
	}
	return clone
}

// ValidateAndAdjust validates and adjusts the server configuration
func (c *ServerConfig) ValidateAndAdjust() error {
	if !isValidClusterID(c.ClusterID) {
		return cerror.ErrInvalidServerOption.GenWithStack(
			`bad cluster-id, please match the pattern "^[a-zA-Z0-9]+(-[a-zA-Z0-9]+)*$", the length should no more than %d, eg, "simple-cluster-id"`,
			clusterIDMaxLen)
	}

	if c.Addr == "" {
		return cerror.ErrInvalidServerOption.GenWithStack("empty address")
	}
	if c.AdvertiseAddr == "" {
		c.AdvertiseAddr = c.Addr
	}
	// Advertise address must be specified.
	if idx := strings.LastIndex(c.AdvertiseAddr, ":"); idx >= 0 {
		ip := net.ParseIP(c.AdvertiseAddr[:idx])
		// Skip nonspecific IP address check (for example, 0.0.0.0).
		if ip != nil && ip.IsUnspecified() {
			return cerror.ErrInvalidServerOption.GenWithStack("advertise address must be specified as a valid IP")
		}
	} else {
		return cerror.ErrInvalidServerOption.GenWithStack("advertise address or address does not contain a port")
	}
	if c.GcTTL == 0 {
		return cerror.ErrInvalidServerOption.GenWithStack("empty GC TTL is not allowed")
	}

	defaultCfg := GetDefaultServerConfig()
	if c.Log == nil {
		c.Log = defaultCfg.Log
	} else if c.Log.File == nil {
		c.Log.File = defaultCfg.Log.File
	}
	if c.OwnerFlushInterval == 0 {
		c.OwnerFlushInterval = defaultCfg.OwnerFlushInterval
	}
	if c.ProcessorFlushInterval == 0 {
		c.ProcessorFlushInterval = defaultCfg.ProcessorFlushInterval
	}
	if c.CaptureSessionTTL < 1 {
		return cerror.ErrInvalidServerOption.GenWithStack("capture session ttl should be at least 1 second")
	}
	return nil
}

var clusterIDRe = regexp.MustCompile(`^[a-zA-Z0-9]+(-[a-zA-Z0-9]+)*$`)

func isValidClusterID(clusterID string) bool {
	return clusterID != "" && len(clusterID) <= clusterIDMaxLen &&
		clusterIDRe.MatchString(clusterID)
}

// TomlDuration is a duration with a custom json decoder and toml decoder
type TomlDuration time.Duration

// UnmarshalText is the toml decoder
func (d *TomlDuration) UnmarshalText(text []byte) error {
	stdDuration, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = TomlDuration(stdDuration)
	return nil
}

// UnmarshalJSON is the json decoder
func (d *TomlDuration) UnmarshalJSON(b []byte) error {
	var stdDuration time.Duration
	if err := json.Unmarshal(b, &stdDuration); err != nil {
		return err
	}
	*d = TomlDuration(stdDuration)
	return nil
}

// MarshalJSON is the json encoder
func (d TomlDuration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d))
}

var globalServerConfig atomic.Value

// GetGlobalServerConfig returns the global configuration for this server.
// It should store configuration from command line and configuration file.
// Other parts of the system can read the global configuration use this function.
func GetGlobalServerConfig() *ServerConfig {
	return globalServerConfig.Load().(*ServerConfig)
}

// StoreGlobalServerConfig stores a new config to the globalServerConfig. It mostly uses in the test to avoid some data races.
func StoreGlobalServerConfig(config *ServerConfig) {
	globalServerConfig.Store(config)
}

func init() {
	StoreGlobalServerConfig(GetDefaultServerConfig())
}
