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

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/tilegraph/core/opcache"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{EnvTrace, EnvCacheMax, EnvCacheMaxMem, EnvCacheMaxFiles, EnvConfigFile} {
		old, ok := os.LookupEnv(k)
		os.Unsetenv(k)
		if ok {
			t.Cleanup(func() { os.Setenv(k, old) })
		}
	}
}

func TestLoadDefaultsWithNoEnv(t *testing.T) {
	clearEnv(t)
	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	want := Default()
	if cfg != want {
		t.Fatalf("cfg = %+v, want %+v", cfg, want)
	}
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvCacheMax, "7")
	t.Setenv(EnvTrace, "true")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.CacheMax != 7 {
		t.Fatalf("CacheMax = %d, want 7", cfg.CacheMax)
	}
	if !cfg.Trace {
		t.Fatal("Trace = false, want true")
	}
}

func TestLoadEnvWinsOverFile(t *testing.T) {
	clearEnv(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "cache.yaml")
	if err := os.WriteFile(path, []byte("cacheMax: 40\ncacheMaxFiles: 9\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv(EnvConfigFile, path)
	t.Setenv(EnvCacheMax, "5")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.CacheMax != 5 {
		t.Fatalf("CacheMax = %d, want 5 (env must win over file)", cfg.CacheMax)
	}
	if cfg.CacheMaxFiles != 9 {
		t.Fatalf("CacheMaxFiles = %d, want 9 (file value, no env override present)", cfg.CacheMaxFiles)
	}
}

func TestLoadRejectsMalformedEnvInt(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvCacheMax, "not-a-number")

	if _, err := Load(); err == nil {
		t.Fatal("expected an error for a non-numeric VIPS_CACHE_MAX")
	}
}

func TestApplyPushesBoundsIntoCache(t *testing.T) {
	cfg := Config{CacheMax: 3, CacheMaxMem: 1 << 20, CacheMaxFiles: 2, Trace: true}
	c := opcache.New()
	cfg.Apply(c)
	if c.Size() != 0 {
		t.Fatalf("Size() = %d, want 0 on a fresh cache", c.Size())
	}
}
