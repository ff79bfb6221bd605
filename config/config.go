// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package config resolves the operation cache's tunables from an
// optional YAML file followed by environment variables, the same
// file-then-env layering the teacher applies to its own runtime
// overrides (see tenant/manager.go's DefaultEnv and its CACHEDIR
// passthrough).
package config

import (
	"fmt"
	"os"
	"strconv"

	"sigs.k8s.io/yaml"

	"github.com/tilegraph/core/opcache"
)

// Config mirrors opcache.Cache's tunable bounds plus the trace flag,
// so that a process can populate a Cache from a single value instead
// of calling each Set* method by hand.
type Config struct {
	CacheMax      int   `json:"cacheMax,omitempty"`
	CacheMaxMem   int64 `json:"cacheMaxMem,omitempty"`
	CacheMaxFiles int   `json:"cacheMaxFiles,omitempty"`
	Trace         bool  `json:"trace,omitempty"`
}

// Default returns a Config carrying opcache's built-in defaults.
func Default() Config {
	return Config{
		CacheMax:      opcache.DefaultMaxEntries,
		CacheMaxMem:   opcache.DefaultMaxBytes,
		CacheMaxFiles: opcache.DefaultMaxFiles,
	}
}

// Environment variable names, preserved verbatim for compatibility
// with the source this spec was distilled from.
const (
	EnvTrace         = "VIPS_TRACE"
	EnvCacheMax      = "VIPS_CACHE_MAX"
	EnvCacheMaxMem   = "VIPS_CACHE_MAX_MEM"
	EnvCacheMaxFiles = "VIPS_CACHE_MAX_FILES"
	EnvConfigFile    = "VIPS_CONFIG_FILE"
)

// Load builds a Config starting from Default, then overlaying a YAML
// file named by VIPS_CONFIG_FILE (if set and readable), then
// overlaying environment variables. Environment variables always win
// over the file, matching the precedence the teacher uses for its own
// CACHEDIR-style overrides: the file sets a checked-in baseline, the
// environment has the final word.
func Load() (Config, error) {
	cfg := Default()

	if path := os.Getenv(EnvConfigFile); path != "" {
		if err := mergeFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}

	if err := mergeEnv(&cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func mergeFile(cfg *Config, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: reading %s: %w", path, err)
	}
	var fileCfg Config
	if err := yaml.Unmarshal(raw, &fileCfg); err != nil {
		return fmt.Errorf("config: parsing %s: %w", path, err)
	}
	if fileCfg.CacheMax != 0 {
		cfg.CacheMax = fileCfg.CacheMax
	}
	if fileCfg.CacheMaxMem != 0 {
		cfg.CacheMaxMem = fileCfg.CacheMaxMem
	}
	if fileCfg.CacheMaxFiles != 0 {
		cfg.CacheMaxFiles = fileCfg.CacheMaxFiles
	}
	cfg.Trace = cfg.Trace || fileCfg.Trace
	return nil
}

func mergeEnv(cfg *Config) error {
	if v := os.Getenv(EnvTrace); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("config: %s=%q: %w", EnvTrace, v, err)
		}
		cfg.Trace = b
	}
	if v := os.Getenv(EnvCacheMax); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: %s=%q: %w", EnvCacheMax, v, err)
		}
		cfg.CacheMax = n
	}
	if v := os.Getenv(EnvCacheMaxMem); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("config: %s=%q: %w", EnvCacheMaxMem, v, err)
		}
		cfg.CacheMaxMem = n
	}
	if v := os.Getenv(EnvCacheMaxFiles); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: %s=%q: %w", EnvCacheMaxFiles, v, err)
		}
		cfg.CacheMaxFiles = n
	}
	return nil
}

// Apply pushes cfg's bounds and trace flag into c.
func (cfg Config) Apply(c *opcache.Cache) {
	c.SetMax(cfg.CacheMax)
	c.SetMaxMem(cfg.CacheMaxMem)
	c.SetMaxFiles(cfg.CacheMaxFiles)
	c.SetTrace(cfg.Trace)
}
