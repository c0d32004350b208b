package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/crunchmage/internal/agentcfg"
)

var ErrInvalid = errors.New("config: invalid settings")

// ReinstallPolicy controls what happens when a toolchain is already present.
type ReinstallPolicy string

const (
	ReinstallAsk    ReinstallPolicy = "ask"
	ReinstallAlways ReinstallPolicy = "yes"
	ReinstallNever  ReinstallPolicy = "no"
)

// Readiness strategies between the server and agent launches.
const (
	ReadinessTCP   = "tcp"
	ReadinessDelay = "delay"
)

type ToolchainSettings struct {
	Version     string
	ArchiveURL  string
	InstallRoot string
	ProfilePath string
	Reinstall   ReinstallPolicy
}

type SourceSettings struct {
	RepoURL    string
	Branch     string
	ProjectDir string
	Marker     string
	// Module is the module path a go.mod marker must declare; empty accepts any.
	Module     string
}

// BuildTarget is one binary built from the located module.
type BuildTarget struct {
	Name    string
	Package string
	Output  string
}

type CryptoSettings struct {
	Dir        string
	CommonName string
	Days       int
	KeyBits    int
}

type AgentSettings struct {
	ConfigPath string
	Targets    []agentcfg.Target
}

type LaunchSettings struct {
	Readiness    string
	ReadyTimeout time.Duration
	LaunchDelay  time.Duration
	SkipAgent    bool
}

// Settings is the fully resolved input of one provisioning run.
type Settings struct {
	Host      string
	Port      int
	CertPath  string
	KeyPath   string
	AssumeYes bool

	Toolchain ToolchainSettings
	Source    SourceSettings
	Builds    []BuildTarget
	Crypto    CryptoSettings
	Agent     AgentSettings
	Launch    LaunchSettings
}

// Default returns the stock LogCrunch provisioning settings. Paths starting
// with "~/" are expanded by ExpandHome.
func Default() Settings {
	return Settings{
		Host: "localhost",
		Toolchain: ToolchainSettings{
			Version:     "1.23.4",
			ArchiveURL:  "https://go.dev/dl/go{version}.linux-{arch}.tar.gz",
			InstallRoot: "/usr/local",
			ProfilePath: "/etc/profile",
			Reinstall:   ReinstallAsk,
		},
		Source: SourceSettings{
			RepoURL:    "https://github.com/TLop503/LogCrunch.git",
			ProjectDir: "LogCrunch",
			Marker:     "go.mod",
			Module:     "github.com/TLop503/LogCrunch",
		},
		Builds: []BuildTarget{
			{Name: "server", Package: "./server", Output: "~/logcrunch_server"},
			{Name: "agent", Package: "./agent", Output: "~/logcrunch_agent"},
		},
		Crypto: CryptoSettings{
			Dir:        "~/logcrunch_crypto",
			CommonName: "localhost",
			Days:       365,
			KeyBits:    4096,
		},
		Agent: AgentSettings{
			ConfigPath: "~/logcrunch_config/agent_config.yaml",
			Targets:    agentcfg.DefaultTargets(),
		},
		Launch: LaunchSettings{
			Readiness:    ReadinessDelay,
			ReadyTimeout: 15 * time.Second,
			LaunchDelay:  3 * time.Second,
		},
	}
}

// ArchiveURLFor fills the {version} and {arch} placeholders.
func (t ToolchainSettings) ArchiveURLFor(arch string) string {
	if arch == "" {
		arch = runtime.GOARCH
	}
	r := strings.NewReplacer("{version}", t.Version, "{arch}", arch)
	return r.Replace(t.ArchiveURL)
}

// Build returns the build target with name.
func (s Settings) Build(name string) (BuildTarget, bool) {
	for _, b := range s.Builds {
		if b.Name == name {
			return b, true
		}
	}
	return BuildTarget{}, false
}

// ExpandHome rewrites every "~/" path in s relative to home.
func (s Settings) ExpandHome(home string) Settings {
	s.Toolchain.InstallRoot = expand(s.Toolchain.InstallRoot, home)
	s.Toolchain.ProfilePath = expand(s.Toolchain.ProfilePath, home)
	s.Crypto.Dir = expand(s.Crypto.Dir, home)
	s.Agent.ConfigPath = expand(s.Agent.ConfigPath, home)
	s.CertPath = expand(s.CertPath, home)
	s.KeyPath = expand(s.KeyPath, home)
	builds := make([]BuildTarget, len(s.Builds))
	for i, b := range s.Builds {
		b.Output = expand(b.Output, home)
		builds[i] = b
	}
	s.Builds = builds
	return s
}

func expand(path string, home string) string {
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}

type fileConfig struct {
	Toolchain struct {
		Version     string `toml:"version"`
		ArchiveURL  string `toml:"archive_url"`
		InstallRoot string `toml:"install_root"`
		Profile     string `toml:"profile"`
		Reinstall   string `toml:"reinstall"`
	} `toml:"toolchain"`
	Source struct {
		RepoURL    string `toml:"repo_url"`
		Branch     string `toml:"branch"`
		ProjectDir string `toml:"project_dir"`
		Marker     string `toml:"marker"`
		Module     string `toml:"module"`
	} `toml:"source"`
	Build []struct {
		Name    string `toml:"name"`
		Package string `toml:"package"`
		Output  string `toml:"output"`
	} `toml:"build"`
	Crypto struct {
		Dir        string `toml:"dir"`
		CommonName string `toml:"common_name"`
		Days       int    `toml:"days"`
		KeyBits    int    `toml:"key_bits"`
	} `toml:"crypto"`
	Agent struct {
		ConfigPath string            `toml:"config_path"`
		Targets    []agentcfg.Target `toml:"targets"`
	} `toml:"agent"`
	Launch struct {
		Readiness    string `toml:"readiness"`
		ReadyTimeout string `toml:"ready_timeout"`
		LaunchDelay  string `toml:"launch_delay"`
		SkipAgent    bool   `toml:"skip_agent"`
	} `toml:"launch"`
}

// LoadFile overlays the keys present in the TOML file at path onto base.
func LoadFile(path string, base Settings) (Settings, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Settings{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Settings{}, fmt.Errorf("%w: unknown keys in %s: %v", ErrInvalid, path, undecoded)
	}

	cfg := base
	str := func(dst *string, value string, key ...string) {
		if meta.IsDefined(key...) {
			*dst = strings.TrimSpace(value)
		}
	}
	str(&cfg.Toolchain.Version, raw.Toolchain.Version, "toolchain", "version")
	str(&cfg.Toolchain.ArchiveURL, raw.Toolchain.ArchiveURL, "toolchain", "archive_url")
	str(&cfg.Toolchain.InstallRoot, raw.Toolchain.InstallRoot, "toolchain", "install_root")
	str(&cfg.Toolchain.ProfilePath, raw.Toolchain.Profile, "toolchain", "profile")
	if meta.IsDefined("toolchain", "reinstall") {
		cfg.Toolchain.Reinstall = ReinstallPolicy(strings.ToLower(strings.TrimSpace(raw.Toolchain.Reinstall)))
	}

	str(&cfg.Source.RepoURL, raw.Source.RepoURL, "source", "repo_url")
	str(&cfg.Source.Branch, raw.Source.Branch, "source", "branch")
	str(&cfg.Source.ProjectDir, raw.Source.ProjectDir, "source", "project_dir")
	str(&cfg.Source.Marker, raw.Source.Marker, "source", "marker")
	str(&cfg.Source.Module, raw.Source.Module, "source", "module")

	if meta.IsDefined("build") {
		cfg.Builds = make([]BuildTarget, 0, len(raw.Build))
		for _, b := range raw.Build {
			cfg.Builds = append(cfg.Builds, BuildTarget{
				Name:    strings.TrimSpace(b.Name),
				Package: strings.TrimSpace(b.Package),
				Output:  strings.TrimSpace(b.Output),
			})
		}
	}

	str(&cfg.Crypto.Dir, raw.Crypto.Dir, "crypto", "dir")
	str(&cfg.Crypto.CommonName, raw.Crypto.CommonName, "crypto", "common_name")
	if meta.IsDefined("crypto", "days") {
		cfg.Crypto.Days = raw.Crypto.Days
	}
	if meta.IsDefined("crypto", "key_bits") {
		cfg.Crypto.KeyBits = raw.Crypto.KeyBits
	}

	str(&cfg.Agent.ConfigPath, raw.Agent.ConfigPath, "agent", "config_path")
	if meta.IsDefined("agent", "targets") {
		cfg.Agent.Targets = raw.Agent.Targets
	}

	str(&cfg.Launch.Readiness, raw.Launch.Readiness, "launch", "readiness")
	if meta.IsDefined("launch", "ready_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Launch.ReadyTimeout))
		if err != nil {
			return Settings{}, fmt.Errorf("parse launch.ready_timeout: %w", err)
		}
		cfg.Launch.ReadyTimeout = d
	}
	if meta.IsDefined("launch", "launch_delay") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Launch.LaunchDelay))
		if err != nil {
			return Settings{}, fmt.Errorf("parse launch.launch_delay: %w", err)
		}
		cfg.Launch.LaunchDelay = d
	}
	if meta.IsDefined("launch", "skip_agent") {
		cfg.Launch.SkipAgent = raw.Launch.SkipAgent
	}
	return cfg, nil
}

// Validate checks a fully merged Settings value.
func Validate(s Settings) error {
	if strings.TrimSpace(s.Host) == "" {
		return fmt.Errorf("%w: host is required", ErrInvalid)
	}
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range 1-65535", ErrInvalid, s.Port)
	}
	if (s.CertPath == "") != (s.KeyPath == "") {
		return fmt.Errorf("%w: cert_path and key_path must be supplied together", ErrInvalid)
	}
	if strings.TrimSpace(s.Toolchain.Version) == "" {
		return fmt.Errorf("%w: toolchain.version is required", ErrInvalid)
	}
	if !strings.HasPrefix(s.Toolchain.ArchiveURL, "https://") {
		return fmt.Errorf("%w: toolchain.archive_url must be https: %q", ErrInvalid, s.Toolchain.ArchiveURL)
	}
	switch s.Toolchain.Reinstall {
	case ReinstallAsk, ReinstallAlways, ReinstallNever:
	default:
		return fmt.Errorf("%w: toolchain.reinstall %q (want ask|yes|no)", ErrInvalid, s.Toolchain.Reinstall)
	}
	if strings.TrimSpace(s.Toolchain.InstallRoot) == "" {
		return fmt.Errorf("%w: toolchain.install_root is required", ErrInvalid)
	}
	if !strings.HasPrefix(s.Source.RepoURL, "https://") {
		return fmt.Errorf("%w: source.repo_url must be https: %q", ErrInvalid, s.Source.RepoURL)
	}
	if strings.TrimSpace(s.Source.ProjectDir) == "" || strings.TrimSpace(s.Source.Marker) == "" {
		return fmt.Errorf("%w: source.project_dir and source.marker are required", ErrInvalid)
	}
	if _, ok := s.Build("server"); !ok {
		return fmt.Errorf("%w: a build named \"server\" is required", ErrInvalid)
	}
	if _, ok := s.Build("agent"); !ok && !s.Launch.SkipAgent {
		return fmt.Errorf("%w: a build named \"agent\" is required unless launch.skip_agent is set", ErrInvalid)
	}
	for i, b := range s.Builds {
		if b.Name == "" || b.Package == "" || b.Output == "" {
			return fmt.Errorf("%w: build[%d] requires name, package and output", ErrInvalid, i)
		}
	}
	if s.Crypto.Dir == "" || s.Crypto.CommonName == "" {
		return fmt.Errorf("%w: crypto.dir and crypto.common_name are required", ErrInvalid)
	}
	if s.Crypto.Days < 1 {
		return fmt.Errorf("%w: crypto.days must be positive", ErrInvalid)
	}
	if s.Crypto.KeyBits < 2048 {
		return fmt.Errorf("%w: crypto.key_bits must be at least 2048", ErrInvalid)
	}
	if s.Agent.ConfigPath == "" {
		return fmt.Errorf("%w: agent.config_path is required", ErrInvalid)
	}
	for i, target := range s.Agent.Targets {
		if err := target.Validate(); err != nil {
			return fmt.Errorf("%w: agent.targets[%d]: %v", ErrInvalid, i, err)
		}
	}
	switch s.Launch.Readiness {
	case ReadinessTCP:
		if s.Launch.ReadyTimeout <= 0 {
			return fmt.Errorf("%w: launch.ready_timeout must be positive", ErrInvalid)
		}
	case ReadinessDelay:
		if s.Launch.LaunchDelay < 0 {
			return fmt.Errorf("%w: launch.launch_delay must not be negative", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: launch.readiness %q (want tcp|delay)", ErrInvalid, s.Launch.Readiness)
	}
	return nil
}

// HomeDir resolves the operator's home directory.
func HomeDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("config: resolve home directory: %w", err)
	}
	return home, nil
}
