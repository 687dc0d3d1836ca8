package config

import (
	"fmt"
	"os"

	yaml "gopkg.in/yaml.v3"
)

// Compute is the parallel execution backend used by the store writer.
// The file may carry other keys (scheduler addresses, memory limits); only worker counts are read.
type Compute struct {
	Workers       int `yaml:"workers"`
	VerifyWorkers int `yaml:"verify_workers"`
}

// SequentialCompute is the default: one chunk at a time.
func SequentialCompute() Compute {
	return Compute{Workers: 1, VerifyWorkers: 1}
}

// LoadCompute reads a compute configuration file.
func LoadCompute(path string) (Compute, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return Compute{}, fmt.Errorf("read compute config: %w", err)
	}
	var c Compute
	if err := yaml.Unmarshal(buf, &c); err != nil {
		return Compute{}, fmt.Errorf("parse compute config %s: %w", path, err)
	}
	if c.Workers < 0 || c.VerifyWorkers < 0 {
		return Compute{}, fmt.Errorf("compute config %s: worker counts must not be negative", path)
	}
	if c.Workers == 0 {
		c.Workers = 1
	}
	if c.VerifyWorkers == 0 {
		c.VerifyWorkers = c.Workers
	}
	return c, nil
}
