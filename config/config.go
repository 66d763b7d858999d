/*
 * Copyright 2025 VelocityCollector Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the process-wide settings shared across commands.
type Config struct {
	// Database locations.
	InventoryDB string `yaml:"inventory_db"`
	VaultDB     string `yaml:"vault_db"`
	TemplateDB  string `yaml:"template_db"`

	// CollectionsDir is the default base path for captured output when a
	// job does not set its own.
	CollectionsDir string `yaml:"collections_dir"`

	// JobsDir is searched for YAML job files referenced by name.
	JobsDir string `yaml:"jobs_dir"`

	LogPath  string `yaml:"log_path"`
	LogLevel string `yaml:"log_level"`

	// SSH session tuning applied to every job unless overridden.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	ShellTimeout   time.Duration `yaml:"shell_timeout"`
}

var (
	config *Config
	once   sync.Once
)

// Defaults returns a config rooted under dir.
func Defaults(dir string) *Config {
	return &Config{
		InventoryDB:    filepath.Join(dir, "dcim.db"),
		VaultDB:        filepath.Join(dir, "vault.db"),
		TemplateDB:     filepath.Join(dir, "templates.db"),
		CollectionsDir: filepath.Join(dir, "collections"),
		JobsDir:        filepath.Join(dir, "jobs"),
		LogLevel:       "info",
	}
}

// LoadFile reads a YAML config and fills unset fields from Defaults
// rooted at the file's directory.
func LoadFile(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	c := &Config{}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	d := Defaults(filepath.Dir(path))
	if c.InventoryDB == "" {
		c.InventoryDB = d.InventoryDB
	}
	if c.VaultDB == "" {
		c.VaultDB = d.VaultDB
	}
	if c.TemplateDB == "" {
		c.TemplateDB = d.TemplateDB
	}
	if c.CollectionsDir == "" {
		c.CollectionsDir = d.CollectionsDir
	}
	if c.JobsDir == "" {
		c.JobsDir = d.JobsDir
	}
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
	return c, nil
}

func NewConfig(c *Config) {
	once.Do(func() {
		if c != nil {
			config = c
		} else {
			config = Defaults(".")
		}
	})
}

func GetConfig() *Config {
	if config != nil {
		return config
	}

	NewConfig(nil)
	return config
}
