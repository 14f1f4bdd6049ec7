// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package engine

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
)

// ConfigEnvVar is the environment variable with the default configuration, used when none is given.
//
// See ParseConfig for its format.
const ConfigEnvVar = "GRAPHRT_CONFIG"

// DefaultConfig is used when no configuration is given and ConfigEnvVar is not set.
var DefaultConfig = "parallel"

// Config selects and configures the executor, the allocation planner and the graph optimizations.
type Config struct {
	// Executor is the name of a registered executor: "sequential" or "parallel".
	Executor string

	// Workers is the maximum number of nodes the parallel executor runs concurrently.
	// 0 runs them in the calling goroutine, and a negative value means unlimited.
	Workers int

	// Planner is the name of the allocation planner: "simple" or "sequential".
	Planner string

	// MemoryLimit bounds the bytes allocated per run. 0 means unlimited.
	MemoryLimit uint64

	// Optimize enables the graph transformations before execution, running at most MaxSteps rounds.
	Optimize bool
	MaxSteps int
}

// NewConfig returns the configuration for the given executor with default values.
func NewConfig(executor string) *Config {
	return &Config{
		Executor: executor,
		Workers:  defaultParallelism(),
		Planner:  SequentialPlanner{}.Name(),
		Optimize: true,
		MaxSteps: 5,
	}
}

// ParseConfig parses a configuration formatted as "<executor>:<key>=<value>,<key>=<value>,...", where every part
// is optional. An empty config uses the environment variable GRAPHRT_CONFIG if set, or DefaultConfig.
//
// Keys:
//
//   - workers: maximum number of concurrently running nodes of the parallel executor; "unlimited" or -1 for no limit.
//   - plan: allocation planner, "simple" or "sequential".
//   - memory_limit: bytes allocated per run, e.g. "64MiB" or "1GB".
//   - optimize: whether to run the graph transformations, a boolean.
//   - max_steps: maximum rounds of graph transformations.
//
// Example: "parallel:workers=4,plan=sequential,memory_limit=64MiB".
func ParseConfig(config string) (*Config, error) {
	if config == "" {
		if fromEnv, found := os.LookupEnv(ConfigEnvVar); found {
			config = fromEnv
		} else {
			config = DefaultConfig
		}
	}
	executorName, options, _ := strings.Cut(config, ":")
	if executorName == "" {
		executorName, _, _ = strings.Cut(DefaultConfig, ":")
	}
	if _, found := executorConstructors[executorName]; !found {
		return nil, errors.Errorf("unknown executor %q in configuration %q", executorName, config)
	}
	cfg := NewConfig(executorName)
	if options == "" {
		return cfg, nil
	}
	for _, option := range strings.Split(options, ",") {
		key, value, found := strings.Cut(strings.TrimSpace(option), "=")
		if !found {
			return nil, errors.Errorf("invalid option %q in configuration %q, expected <key>=<value>", option, config)
		}
		if err := cfg.set(key, value); err != nil {
			return nil, errors.WithMessagef(err, "configuration %q", config)
		}
	}
	return cfg, nil
}

func (c *Config) set(key, value string) error {
	var err error
	switch key {
	case "workers":
		if value == "unlimited" {
			c.Workers = -1
			return nil
		}
		c.Workers, err = strconv.Atoi(value)
	case "plan":
		_, err = PlannerByName(value)
		c.Planner = value
	case "memory_limit":
		c.MemoryLimit, err = humanize.ParseBytes(value)
	case "optimize":
		c.Optimize, err = strconv.ParseBool(value)
	case "max_steps":
		c.MaxSteps, err = strconv.Atoi(value)
	default:
		return errors.Errorf("unknown option %q", key)
	}
	if err != nil {
		return errors.Wrapf(err, "invalid value %q for option %q", value, key)
	}
	return nil
}

// formatBytes returns the humanized size if it parses back to the exact value, or the plain number of bytes.
func formatBytes(bytes uint64) string {
	humanized := strings.ReplaceAll(humanize.IBytes(bytes), " ", "")
	if parsed, err := humanize.ParseBytes(humanized); err == nil && parsed == bytes {
		return humanized
	}
	return strconv.FormatUint(bytes, 10)
}

// String returns the configuration in the format accepted by ParseConfig.
func (c *Config) String() string {
	parts := []string{
		fmt.Sprintf("workers=%d", c.Workers),
		"plan=" + c.Planner,
		fmt.Sprintf("optimize=%t", c.Optimize),
		fmt.Sprintf("max_steps=%d", c.MaxSteps),
	}
	if c.MemoryLimit > 0 {
		parts = append(parts, "memory_limit="+formatBytes(c.MemoryLimit))
	}
	return c.Executor + ":" + strings.Join(parts, ",")
}
