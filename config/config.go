// Package config loads the engine configuration: the replication source,
// the tables to observe, and the sink graph declarations.
package config

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/streamweld/streamweld/denorm"
)

// SourceConfig describes the MySQL replication source.
type SourceConfig struct {
	Host     string `yaml:"host"`
	Port     uint16 `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	// ServerID is the replication client id announced to the source.
	ServerID uint32 `yaml:"server_id"`
}

// Addr returns the host:port address of the source.
func (c SourceConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// TableConfig selects one source table for observation.
type TableConfig struct {
	Database string   `yaml:"database"`
	Name     string   `yaml:"name"`
	Columns  []string `yaml:"columns"`
}

// RemoteConfig describes the downstream key-value store.
type RemoteConfig struct {
	Hosts string `yaml:"hosts"`
	// BatchSize bounds the records per remote batch request.
	BatchSize int `yaml:"batch_size"`
	// TotalTimeoutMillis is the total timeout of one batch operation.
	TotalTimeoutMillis int `yaml:"total_timeout_millis"`
	// Workers is the sink worker pool size; zero means the available
	// parallelism.
	Workers int `yaml:"workers"`
}

// CacheConfig describes the local record cache storage.
type CacheConfig struct {
	Path string `yaml:"path"`
}

// Config is the root engine configuration.
type Config struct {
	Source SourceConfig             `yaml:"source"`
	Tables []TableConfig            `yaml:"tables"`
	Remote RemoteConfig             `yaml:"remote"`
	Cache  CacheConfig              `yaml:"cache"`
	Sinks  []denorm.SinkTableConfig `yaml:"sinks"`
}

// Parse decodes a configuration document, rejecting unknown fields.
func Parse(buf []byte) (Config, error) {
	var config Config
	dec := yaml.NewDecoder(bytes.NewReader(buf))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return Config{}, err
	}
	if config.Source.Port == 0 {
		config.Source.Port = 3306
	}
	return config, nil
}

// Load reads and decodes a configuration file.
func Load(path string) (Config, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return Parse(buf)
}
