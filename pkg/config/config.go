// Package config provides configuration loading for the converter. It
// handles loading from YAML files and provides defaults; command-line flags
// override whatever the file sets.
package config

import (
	"fmt"
	"os"
	"runtime"

	"gopkg.in/yaml.v3"
)

// Config represents the conversion configuration loaded from YAML.
type Config struct {
	// Processing parameters
	Processing struct {
		// Workers is the number of parallel workers.
		Workers int `yaml:"workers"`

		// ChunkZ, ChunkY, ChunkX are the output chunk dimensions.
		ChunkZ int `yaml:"chunkZ"`
		ChunkY int `yaml:"chunkY"`
		ChunkX int `yaml:"chunkX"`

		// Factor is the pyramid decimation factor per spatial axis.
		Factor int `yaml:"factor"`

		// Levels forces the pyramid depth; 0 selects it automatically.
		Levels int `yaml:"levels"`

		// MaxTasks caps the run to the first N tasks (0 = all).
		MaxTasks int `yaml:"maxTasks"`

		// FailureThreshold is the number of task failures tolerated before
		// remaining work is abandoned.
		FailureThreshold int `yaml:"failureThreshold"`
	} `yaml:"processing"`

	// Compression parameters
	Compression struct {
		// Algorithm is "none", "zstd", or "gzip".
		Algorithm string `yaml:"algorithm"`

		// Level is the numeric compression level.
		Level int `yaml:"level"`
	} `yaml:"compression"`

	// Geometry parameters recorded in the output metadata
	Geometry struct {
		// VoxelZ, VoxelY, VoxelX are the physical voxel sizes at level 0.
		VoxelZ float64 `yaml:"voxelZ"`
		VoxelY float64 `yaml:"voxelY"`
		VoxelX float64 `yaml:"voxelX"`

		// Unit is the spatial unit for the multiscales axes.
		Unit string `yaml:"unit"`
	} `yaml:"geometry"`

	// Output parameters
	Output struct {
		// Verbose controls progress logging.
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Processing.Workers = runtime.NumCPU()
	cfg.Processing.ChunkZ = 16
	cfg.Processing.ChunkY = 1024
	cfg.Processing.ChunkX = 1024
	cfg.Processing.Factor = 2
	cfg.Processing.Levels = 0
	cfg.Processing.MaxTasks = 0
	cfg.Processing.FailureThreshold = 0

	cfg.Compression.Algorithm = "zstd"
	cfg.Compression.Level = 1

	cfg.Geometry.VoxelZ = 1.0
	cfg.Geometry.VoxelY = 1.0
	cfg.Geometry.VoxelX = 1.0
	cfg.Geometry.Unit = "micrometer"

	cfg.Output.Verbose = true

	return cfg
}

// LoadConfig loads configuration from a YAML file. If the file doesn't
// exist, it returns the default configuration.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file.
func SaveConfig(cfg *Config, configPath string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}
