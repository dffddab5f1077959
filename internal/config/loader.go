// Package config loads the daemon configuration from disk.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Config holds runtime parameters for the daemon.
// Zero values mean "unspecified" and will be replaced by defaults in main.
type Config struct {
	// Addr is the daemon's own HTTP listen address.
	Addr string `json:"addr" yaml:"addr" toml:"addr"`
	// ModelsDir is scanned for *.gguf files at startup.
	ModelsDir string `json:"models_dir" yaml:"models_dir" toml:"models_dir"`
	// EngineBin is the inference-engine server binary.
	EngineBin string `json:"engine_bin" yaml:"engine_bin" toml:"engine_bin"`
	// RecordDir holds persisted process records.
	RecordDir string `json:"record_dir" yaml:"record_dir" toml:"record_dir"`
	// SocketDir switches engine IPC to unix domain sockets when set.
	SocketDir string `json:"socket_dir" yaml:"socket_dir" toml:"socket_dir"`

	// EngineHost plus the port range bound spawned engine endpoints.
	EngineHost      string `json:"engine_host" yaml:"engine_host" toml:"engine_host"`
	EnginePortStart int    `json:"engine_port_start" yaml:"engine_port_start" toml:"engine_port_start"`
	EnginePortEnd   int    `json:"engine_port_end" yaml:"engine_port_end" toml:"engine_port_end"`

	CtxSize   uint64  `json:"ctx_size" yaml:"ctx_size" toml:"ctx_size"`
	BatchSize uint64  `json:"batch_size" yaml:"batch_size" toml:"batch_size"`
	Threads   int     `json:"threads" yaml:"threads" toml:"threads"`
	Headroom  float64 `json:"headroom" yaml:"headroom" toml:"headroom"`

	ReadyTimeoutSec int `json:"ready_timeout_sec" yaml:"ready_timeout_sec" toml:"ready_timeout_sec"`
	CallTimeoutSec  int `json:"call_timeout_sec" yaml:"call_timeout_sec" toml:"call_timeout_sec"`

	LogLevel string `json:"log_level" yaml:"log_level" toml:"log_level"`
}

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}
