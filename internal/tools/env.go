package tools

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var ErrNotFound = errors.New("tools: executable not found in PATH")

// Env is an immutable snapshot of environment variables. Stages that change
// the environment return a new Env rather than calling os.Setenv.
type Env struct {
	vars map[string]string
}

// FromOS snapshots the current process environment.
func FromOS() Env {
	return ParseEnviron(os.Environ())
}

// ParseEnviron builds an Env from KEY=VALUE pairs. Later duplicates win.
func ParseEnviron(pairs []string) Env {
	vars := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			continue
		}
		vars[key] = value
	}
	return Env{vars: vars}
}

func (e Env) Get(key string) string {
	return e.vars[key]
}

func (e Env) Lookup(key string) (string, bool) {
	v, ok := e.vars[key]
	return v, ok
}

// With returns a copy of e with key set to value.
func (e Env) With(key string, value string) Env {
	vars := make(map[string]string, len(e.vars)+1)
	for k, v := range e.vars {
		vars[k] = v
	}
	vars[key] = value
	return Env{vars: vars}
}

// PathEntries returns PATH split on the list separator.
func (e Env) PathEntries() []string {
	raw := e.vars["PATH"]
	if raw == "" {
		return nil
	}
	return filepath.SplitList(raw)
}

// WithPathPrefix returns a copy of e with dir placed first on PATH. Any
// existing occurrence of dir is removed so it appears exactly once.
func (e Env) WithPathPrefix(dir string) Env {
	dir = filepath.Clean(dir)
	entries := []string{dir}
	for _, entry := range e.PathEntries() {
		if filepath.Clean(entry) == dir {
			continue
		}
		entries = append(entries, entry)
	}
	return e.With("PATH", strings.Join(entries, string(os.PathListSeparator)))
}

// Environ renders e as sorted KEY=VALUE pairs for exec.Cmd.Env.
func (e Env) Environ() []string {
	out := make([]string, 0, len(e.vars))
	for k, v := range e.vars {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// LookPath resolves name against e's PATH. Names containing a separator are
// checked directly.
func (e Env) LookPath(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("%w: empty name", ErrNotFound)
	}
	if strings.ContainsRune(name, os.PathSeparator) {
		if isExecutable(name) {
			return name, nil
		}
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	for _, dir := range e.PathEntries() {
		if dir == "" {
			dir = "."
		}
		candidate := filepath.Join(dir, name)
		if isExecutable(candidate) {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrNotFound, name)
}
