// Package agentcfg writes the log-source configuration the agent reads at
// startup.
package agentcfg

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

var ErrInvalidTarget = errors.New("agentcfg: invalid target")

// Target is one log source the agent tails.
type Target struct {
	Name     string            `yaml:"name" toml:"name"`
	Path     string            `yaml:"path" toml:"path"`
	Severity string            `yaml:"severity" toml:"severity"`
	Custom   bool              `yaml:"custom" toml:"custom"`
	Module   string            `yaml:"module,omitempty" toml:"module"`
	Regex    string            `yaml:"regex,omitempty" toml:"regex"`
	Schema   map[string]string `yaml:"schema,omitempty" toml:"schema"`
}

// Service is a process the agent reports on.
type Service struct {
	Name     string `yaml:"name"`
	Key      string `yaml:"key"`
	Severity string `yaml:"severity"`
}

// File is the on-disk document shape. Services are never written by the
// installer but are kept when read back.
type File struct {
	Targets  []Target  `yaml:"Targets"`
	Services []Service `yaml:"Services,omitempty"`
}

// DefaultTargets are the auth and syslog sources every agent watches.
func DefaultTargets() []Target {
	return []Target{
		{Name: "Auth", Path: "/var/log/auth.log", Severity: "low", Custom: false, Module: "syslog"},
		{Name: "Syslog", Path: "/var/log/syslog", Severity: "medium", Custom: false, Module: "syslog"},
	}
}

// Validate checks that t can be consumed by the agent: built-in targets name
// a module, custom targets carry a regex.
func (t Target) Validate() error {
	if strings.TrimSpace(t.Name) == "" {
		return fmt.Errorf("%w: missing name", ErrInvalidTarget)
	}
	if strings.TrimSpace(t.Path) == "" {
		return fmt.Errorf("%w: %s: missing path", ErrInvalidTarget, t.Name)
	}
	if t.Custom {
		if strings.TrimSpace(t.Regex) == "" {
			return fmt.Errorf("%w: %s: custom target requires regex", ErrInvalidTarget, t.Name)
		}
		return nil
	}
	if strings.TrimSpace(t.Module) == "" {
		return fmt.Errorf("%w: %s: missing module", ErrInvalidTarget, t.Name)
	}
	return nil
}

// Write renders targets to path, creating the parent directory. An existing
// file is replaced. Returns the absolute path written.
func Write(path string, targets []Target) (string, error) {
	if len(targets) == 0 {
		return "", fmt.Errorf("%w: no targets", ErrInvalidTarget)
	}
	for i, target := range targets {
		if err := target.Validate(); err != nil {
			return "", fmt.Errorf("target[%d]: %w", i, err)
		}
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", fmt.Errorf("agentcfg: create config dir: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString("---\n")
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(File{Targets: targets}); err != nil {
		return "", fmt.Errorf("agentcfg: encode: %w", err)
	}
	if err := enc.Close(); err != nil {
		return "", fmt.Errorf("agentcfg: encode: %w", err)
	}
	if err := os.WriteFile(abs, buf.Bytes(), 0o644); err != nil {
		return "", fmt.Errorf("agentcfg: write %s: %w", abs, err)
	}
	log.Info().Str("path", abs).Int("targets", len(targets)).Msg("agentcfg.write")
	return abs, nil
}

// Load reads an agent configuration file and validates its targets.
func Load(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("agentcfg: load %s: %w", path, err)
	}
	var out File
	if err := yaml.Unmarshal(data, &out); err != nil {
		return File{}, fmt.Errorf("agentcfg: parse %s: %w", path, err)
	}
	for i, target := range out.Targets {
		if err := target.Validate(); err != nil {
			return File{}, fmt.Errorf("agentcfg: %s: target[%d]: %w", path, i, err)
		}
	}
	return out, nil
}
