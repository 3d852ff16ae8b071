// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package config holds the compiler configuration: debugging, tracing, memory coloring, quantization
// and the parallelism of the host kernels.
//
// A Config is resolved once, when a target's pipeline is assembled: from Default, from the environment
// (FromEnv) or from a YAML or TOML file (Load).
package config

import (
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/gomlx/gomlir/pkg/ir"
	"github.com/pelletier/go-toml"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
	"k8s.io/klog/v2"
)

// Environment variables read by FromEnv.
const (
	EnvDebug                 = "GOMLIR_DEBUG"
	EnvTraceCompile          = "GOMLIR_TRACE_COMPILE"
	EnvTraceEval             = "GOMLIR_TRACE_EVAL"
	EnvDisableMemoryColoring = "GOMLIR_DISABLE_MEMORY_COLORING"
	EnvQuantizeFP16          = "GOMLIR_QUANTIZE_FP16"
	EnvParallelism           = "GOMLIR_PARALLELISM"
)

// DefaultAlignment of the allocations colored into the memory arena.
const DefaultAlignment = 32

// Config of the compilation pipelines.
type Config struct {
	// Debug validates the program after every pass.
	Debug bool

	// TraceCompile prints the program after every pass.
	TraceCompile bool

	// TraceEval prints every instruction before it is evaluated.
	TraceEval bool

	// MemoryColoring folds the allocations of the device target into one arena parameter.
	MemoryColoring bool

	// Alignment in bytes of the allocations in the arena.
	Alignment int

	// QuantizeFP16 converts float32 computations to float16.
	QuantizeFP16 bool

	// Parallelism of the host kernels: 0 disables it, negative is unlimited.
	Parallelism int
}

// Default returns the default configuration: memory coloring enabled, 32 bytes alignment and
// parallelism runtime.NumCPU().
func Default() Config {
	return Config{
		MemoryColoring: true,
		Alignment:      DefaultAlignment,
		Parallelism:    runtime.NumCPU(),
	}
}

// enabled returns whether the environment variable is set to something other than "", "0", "false",
// "off" or "disable".
func enabled(name string) bool {
	value, found := os.LookupEnv(name)
	if !found {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "0", "false", "off", "disable", "disabled":
		return false
	}
	return true
}

// FromEnv returns the Default configuration updated with the GOMLIR_* environment variables.
func FromEnv() (Config, error) {
	cfg := Default()
	cfg.Debug = enabled(EnvDebug)
	cfg.TraceCompile = enabled(EnvTraceCompile)
	cfg.TraceEval = enabled(EnvTraceEval)
	cfg.MemoryColoring = !enabled(EnvDisableMemoryColoring)
	cfg.QuantizeFP16 = enabled(EnvQuantizeFP16)
	if value, found := os.LookupEnv(EnvParallelism); found && value != "" {
		parallelism, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return cfg, errors.Wrapf(err, "invalid %s=%q", EnvParallelism, value)
		}
		cfg.Parallelism = parallelism
	}
	return cfg, cfg.Validate()
}

// fileConfig is the configuration as encoded in YAML or TOML files. Missing keys keep their default.
type fileConfig struct {
	Debug          *bool `yaml:"debug" toml:"debug"`
	TraceCompile   *bool `yaml:"trace-compile" toml:"trace-compile"`
	TraceEval      *bool `yaml:"trace-eval" toml:"trace-eval"`
	MemoryColoring *bool `yaml:"memory-coloring" toml:"memory-coloring"`
	Alignment      *int  `yaml:"alignment" toml:"alignment"`
	QuantizeFP16   *bool `yaml:"quantize-fp16" toml:"quantize-fp16"`
	Parallelism    *int  `yaml:"parallelism" toml:"parallelism"`
}

func (fc *fileConfig) apply(cfg *Config) {
	setIfGiven(&cfg.Debug, fc.Debug)
	setIfGiven(&cfg.TraceCompile, fc.TraceCompile)
	setIfGiven(&cfg.TraceEval, fc.TraceEval)
	setIfGiven(&cfg.MemoryColoring, fc.MemoryColoring)
	setIfGiven(&cfg.Alignment, fc.Alignment)
	setIfGiven(&cfg.QuantizeFP16, fc.QuantizeFP16)
	setIfGiven(&cfg.Parallelism, fc.Parallelism)
}

func setIfGiven[T any](field *T, value *T) {
	if value != nil {
		*field = *value
	}
}

// Parse decodes a configuration in the given format ("yaml" or "toml"), starting from Default.
func Parse(data []byte, format string) (Config, error) {
	cfg := Default()
	var fc fileConfig
	switch format {
	case "yaml", "yml":
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return cfg, errors.Wrap(err, "decoding yaml configuration")
		}
	case "toml":
		if err := toml.Unmarshal(data, &fc); err != nil {
			return cfg, errors.Wrap(err, "decoding toml configuration")
		}
	default:
		return cfg, errors.Errorf("unknown configuration format %q, expected yaml or toml", format)
	}
	fc.apply(&cfg)
	return cfg, cfg.Validate()
}

// Load reads the configuration file at path, in YAML (.yaml, .yml) or TOML (.toml) depending on the extension.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Default(), errors.Wrapf(err, "reading configuration %q", path)
	}
	cfg, err := Parse(data, strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), "."))
	if err != nil {
		return cfg, errors.WithMessagef(err, "loading configuration %q", path)
	}
	klog.V(1).Infof("configuration loaded from %q: %+v", path, cfg)
	return cfg, nil
}

// Validate returns an error if the configuration is inconsistent.
func (cfg Config) Validate() error {
	if cfg.Alignment <= 0 {
		return errors.Errorf("alignment must be positive, got %d", cfg.Alignment)
	}
	if cfg.Alignment&(cfg.Alignment-1) != 0 {
		klog.Warningf("alignment %d is not a power of 2", cfg.Alignment)
	}
	return nil
}

// CompileOptions returns the options to compile a program with this configuration. Traces are written to w.
func (cfg Config) CompileOptions(w io.Writer) ir.CompileOptions {
	options := ir.CompileOptions{Debug: cfg.Debug}
	if w == nil {
		if cfg.TraceCompile || cfg.TraceEval {
			klog.Warningf("tracing enabled in the configuration, but no writer given")
		}
		return options
	}
	if cfg.TraceCompile {
		options.Tracer = w
	}
	if cfg.TraceEval {
		options.EvalTracer = w
	}
	return options
}
