// Package toolchain reconciles the Go toolchain on the host with the pinned
// version the project is built and tested against.
//
// Version pinning is soft: an existing installation is kept unless the
// operator (or the reinstall policy) asks for a clean install.
package toolchain

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/danmuck/crunchmage/internal/config"
	"github.com/danmuck/crunchmage/internal/fault"
	"github.com/danmuck/crunchmage/internal/prompt"
	"github.com/danmuck/crunchmage/internal/tools"
	"github.com/rs/zerolog/log"
)

var (
	ErrDownloadFailed = errors.New("toolchain: archive download failed")
	ErrExtractFailed  = errors.New("toolchain: archive extraction failed")
	ErrUnresolvable   = errors.New("toolchain: go not resolvable after install")
)

const binary = "go"

// State is the toolchain as observed on the Env PATH.
type State struct {
	Installed bool
	Version   string
	Path      string
}

// Config pins the toolchain and where it is installed.
type Config struct {
	Version     string
	ArchiveURL  string
	InstallRoot string
	ProfilePath string
	Reinstall   config.ReinstallPolicy
}

// Manager detects, and when needed installs, the toolchain.
type Manager struct {
	cfg    Config
	runner tools.CommandRunner
	prompt prompt.Prompter
	out    io.Writer
}

func NewManager(cfg Config, runner tools.CommandRunner, p prompt.Prompter, out io.Writer) *Manager {
	if runner == nil {
		runner = tools.ExecRunner{}
	}
	if out == nil {
		out = io.Discard
	}
	if cfg.Reinstall == "" {
		cfg.Reinstall = config.ReinstallAsk
	}
	return &Manager{cfg: cfg, runner: runner, prompt: p, out: out}
}

// BinDir is the directory holding the installed go binary.
func (m *Manager) BinDir() string {
	return filepath.Join(m.cfg.InstallRoot, "go", "bin")
}

// Detect looks up go on env's PATH and reads its version.
func (m *Manager) Detect(ctx context.Context, env tools.Env) State {
	path, err := env.LookPath(binary)
	if err != nil {
		return State{}
	}
	state := State{Installed: true, Path: path}
	stdout, _, _, err := m.runner.Run(ctx, env, binary, "version")
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("toolchain.detect version probe failed")
		return state
	}
	state.Version = ParseVersion(string(stdout))
	return state
}

// Ensure leaves a usable toolchain on the returned Env. The input env is not
// modified. Only a failed install is fatal.
func (m *Manager) Ensure(ctx context.Context, env tools.Env) (tools.Env, State, error) {
	state := m.Detect(ctx, env)
	if !state.Installed {
		fmt.Fprintf(m.out, "Go not found, installing Go %s...\n", m.cfg.Version)
		return m.installAndVerify(ctx, env)
	}

	fmt.Fprintf(m.out, "LogCrunch is built and tested on Go %s\n", m.cfg.Version)
	fmt.Fprintf(m.out, "You currently have %s (%s)\n", displayVersion(state.Version), state.Path)

	reinstall, err := m.wantReinstall(state)
	if err != nil {
		return env, state, fault.New(fault.KindEnvironment, "toolchain prompt", err)
	}
	if !reinstall {
		if state.Version != m.cfg.Version {
			log.Warn().Str("installed", state.Version).Str("pinned", m.cfg.Version).Msg("toolchain.keep version mismatch")
		}
		return env, state, nil
	}
	return m.installAndVerify(ctx, env)
}

func (m *Manager) wantReinstall(state State) (bool, error) {
	switch m.cfg.Reinstall {
	case config.ReinstallAlways:
		return true, nil
	case config.ReinstallNever:
		return false, nil
	}
	if m.prompt == nil {
		return false, nil
	}
	return m.prompt.Confirm(fmt.Sprintf("Would you like to clean-install Go %s?", m.cfg.Version), false)
}

func (m *Manager) installAndVerify(ctx context.Context, env tools.Env) (tools.Env, State, error) {
	next, err := m.Install(ctx, env)
	if err != nil {
		return env, State{}, fault.New(fault.KindAcquisition, "install go", err)
	}
	state := m.Detect(ctx, next)
	if !state.Installed {
		err := fmt.Errorf("%w: looked in %s", ErrUnresolvable, next.Get("PATH"))
		return env, state, fault.New(fault.KindAcquisition, "install go", err)
	}
	log.Info().Str("version", state.Version).Str("path", state.Path).Msg("toolchain.ready")
	return next, state, nil
}

// Install downloads the pinned archive, replaces InstallRoot/go, and records
// the PATH export in the profile. It returns env with the new bin dir first
// on PATH.
func (m *Manager) Install(ctx context.Context, env tools.Env) (tools.Env, error) {
	tmp, err := os.MkdirTemp("", "crunchmage-go-")
	if err != nil {
		return env, err
	}
	defer os.RemoveAll(tmp)

	archive := filepath.Join(tmp, path.Base(m.cfg.ArchiveURL))
	if err := m.runCommand(ctx, env, "curl", "-fsSL", "-o", archive, m.cfg.ArchiveURL); err != nil {
		return env, fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}

	goRoot := filepath.Join(m.cfg.InstallRoot, "go")
	log.Info().Str("dir", goRoot).Msg("toolchain.install removing previous installation")
	if err := os.RemoveAll(goRoot); err != nil {
		return env, fmt.Errorf("%w: remove %s: %v", ErrExtractFailed, goRoot, err)
	}
	if err := os.MkdirAll(m.cfg.InstallRoot, 0o755); err != nil {
		return env, fmt.Errorf("%w: %v", ErrExtractFailed, err)
	}
	if err := m.runCommand(ctx, env, "tar", "-C", m.cfg.InstallRoot, "-xzf", archive); err != nil {
		return env, fmt.Errorf("%w: %v", ErrExtractFailed, err)
	}

	if err := AppendProfile(m.cfg.ProfilePath, m.BinDir()); err != nil {
		log.Warn().Err(err).Str("profile", m.cfg.ProfilePath).Msg("toolchain.install profile update failed; future shells need PATH set manually")
	}
	return env.WithPathPrefix(m.BinDir()), nil
}

// AppendProfile adds an export of binDir to the shell profile at path unless
// an identical line is already present.
func AppendProfile(path string, binDir string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	line := "export PATH=$PATH:" + binDir
	existing, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	for _, l := range strings.Split(string(existing), "\n") {
		if strings.TrimSpace(l) == line {
			return nil
		}
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := fmt.Fprintf(f, "\n# Add Go to PATH\n%s\n", line); err != nil {
		return err
	}
	log.Info().Str("profile", path).Str("line", line).Msg("toolchain.profile updated")
	return nil
}

var versionPattern = regexp.MustCompile(`go(\d+(?:\.\d+){1,2}(?:[a-z]+\d+)?)`)

// ParseVersion extracts "1.23.4" from `go version` output.
func ParseVersion(out string) string {
	match := versionPattern.FindStringSubmatch(out)
	if len(match) < 2 {
		return ""
	}
	return match[1]
}

func displayVersion(v string) string {
	if v == "" {
		return "an unknown Go version"
	}
	return "Go " + v
}

func (m *Manager) runCommand(ctx context.Context, env tools.Env, name string, args ...string) error {
	log.Info().Str("cmd", name).Str("args", strings.Join(args, " ")).Msg("toolchain.install exec")
	stdout, stderr, exitCode, err := m.runner.Run(ctx, env, name, args...)
	if err == nil {
		return nil
	}
	return fmt.Errorf(
		"toolchain command failed cmd=%s args=%q exit=%d stdout=%q stderr=%q: %w",
		name,
		strings.Join(args, " "),
		exitCode,
		strings.TrimSpace(string(stdout)),
		strings.TrimSpace(string(stderr)),
		err,
	)
}
