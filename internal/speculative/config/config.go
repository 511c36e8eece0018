// Package config loads the tier configuration from YAML and reloads it when
// the file changes.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/orizon-lang/orizon-speculate/internal/speculative"
)

// Load reads path over the default configuration. Sections and fields the
// file omits keep their defaults.
func Load(path string) (speculative.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return speculative.Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return speculative.Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes a YAML document over the default configuration and
// validates the result. Unknown keys are rejected.
func Parse(data []byte) (speculative.Config, error) {
	cfg := speculative.DefaultConfig()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return speculative.Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return speculative.Config{}, err
	}
	return cfg, nil
}

// Marshal renders cfg as YAML.
func Marshal(cfg speculative.Config) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
