package config

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads, expands, parses and validates the configuration file. Unknown
// keys are rejected. Secrets stay in the process environment; a .env file next
// to the workspace, if present, is folded into the environment first so that
// ${VAR} references and *_env lookups resolve.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{Detail: fmt.Sprintf("read %s: %v", path, err)}
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	decoder := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, &ConfigError{Detail: fmt.Sprintf("parse %s: %v", path, err)}
	}
	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return nil, &ConfigError{Detail: "expected a single YAML document"}
	}

	applyDefaults(&cfg)

	if cfg.Runtime.WorkspacePath != "" {
		if err := loadDotEnv(filepath.Join(cfg.Runtime.WorkspacePath, ".env")); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// loadDotEnv reads KEY=VALUE lines into the process environment without
// overriding variables already set. A missing file is not an error.
func loadDotEnv(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return &ConfigError{Detail: fmt.Sprintf("read %s: %v", path, err)}
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.Trim(strings.TrimSpace(value), `"'`)
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		os.Setenv(key, value)
	}
	return scanner.Err()
}

// SecretNames lists the keys declared in the workspace .env file, never the
// values. Used by the list_secrets built-in.
func SecretNames(workspacePath string) ([]string, error) {
	f, err := os.Open(filepath.Join(workspacePath, ".env"))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var names []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if key, _, ok := strings.Cut(line, "="); ok {
			if key = strings.TrimSpace(key); key != "" {
				names = append(names, key)
			}
		}
	}
	return names, scanner.Err()
}
