// Package config loads reconstruction settings from YAML files.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/docker/go-units"
	"github.com/soypat/poisson"
	"github.com/soypat/poisson/logger"
	"github.com/soypat/poisson/mesh"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Config holds every setting of a reconstruction run.
type Config struct {
	Reconstruction poisson.Parameters `yaml:"reconstruction"`
	Output         OutputConfig       `yaml:"output"`
	Memory         MemoryConfig       `yaml:"memory"`
	Logging        LoggingConfig      `yaml:"logging"`
}

// OutputConfig holds mesh output settings.
type OutputConfig struct {
	// PLYFormat is "ascii" or "binary".
	PLYFormat string `yaml:"ply_format"`
	// Cored spills the mesh to temporary files in TempDir while extracting.
	Cored   bool   `yaml:"cored"`
	TempDir string `yaml:"temp_dir"`
	// ResidualPlot, when set, is the path of a solver convergence plot.
	ResidualPlot string `yaml:"residual_plot"`
}

// MemoryConfig holds the memory budget.
type MemoryConfig struct {
	// Budget is a size such as "4GiB". Empty disables the budget.
	Budget string `yaml:"budget"`
	// Abort stops the reconstruction once the budget is exceeded.
	Abort bool `yaml:"abort"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string            `yaml:"level"`
	File  logger.FileConfig `yaml:"file"`
}

// Default returns a Config with the default reconstruction parameters.
func Default() *Config {
	return &Config{
		Reconstruction: poisson.DefaultParameters(),
		Output: OutputConfig{
			PLYFormat: "binary",
		},
		Logging: LoggingConfig{
			Level: "info",
			File:  logger.DefaultFileConfig(""),
		},
	}
}

// Load returns the defaults overridden by the YAML file at path. An empty
// path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := loadFromFile(cfg, path); err != nil {
			return nil, fmt.Errorf("loading config from %s: %w", path, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFromFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// SaveTo writes the config to path.
func (c *Config) SaveTo(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Validate checks every section of the config.
func (c *Config) Validate() error {
	if err := c.Reconstruction.Validate(); err != nil {
		return err
	}
	if _, err := mesh.ParsePLYFormat(c.Output.PLYFormat); err != nil {
		return err
	}
	if c.Output.Cored && c.Reconstruction.PolygonMesh {
		return fmt.Errorf("cored output stores triangles only, polygon_mesh must be off")
	}
	if _, err := c.Memory.Bytes(); err != nil {
		return err
	}
	return nil
}

// Bytes parses the budget. Zero means no budget.
func (m MemoryConfig) Bytes() (uint64, error) {
	if m.Budget == "" {
		return 0, nil
	}
	n, err := units.RAMInBytes(m.Budget)
	if err != nil {
		return 0, fmt.Errorf("memory budget: %w", err)
	}
	if n < 0 {
		return 0, fmt.Errorf("memory budget %q is negative", m.Budget)
	}
	return uint64(n), nil
}

// Logger builds the logger described by the config, writing human readable
// output to console when it is not nil.
func (c *Config) Logger(console io.Writer) *zap.Logger {
	return logger.New(logger.Options{
		Level:   c.Logging.Level,
		Console: console,
		File:    c.Logging.File,
	})
}

// Context returns a reconstruction context logging to log and bound by the
// memory budget.
func (c *Config) Context(log *zap.Logger) (*poisson.Context, error) {
	budget, err := c.Memory.Bytes()
	if err != nil {
		return nil, err
	}
	ctx := poisson.NewContext(log)
	ctx.MaxMemory = budget
	ctx.AbortOnMemoryBudget = c.Memory.Abort
	return ctx, nil
}
