package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/danmuck/crunchmage/internal/config"
	"github.com/danmuck/crunchmage/internal/fault"
	"github.com/spf13/pflag"
)

type options struct {
	flags *pflag.FlagSet

	configPath   string
	writeConfig  string
	assumeYes    bool
	reinstall    string
	readiness    string
	readyTimeout time.Duration
	launchDelay  time.Duration
	skipAgent    bool
	goVersion    string
	metricsFile  string

	host     string
	port     int
	certPath string
	keyPath  string
}

func parseArgs(args []string) (options, error) {
	var opts options
	flags := pflag.NewFlagSet("crunchmage", pflag.ContinueOnError)
	flags.SetOutput(io.Discard)
	flags.StringVarP(&opts.configPath, "config", "c", "", "TOML settings file overlaid on the defaults")
	flags.StringVar(&opts.writeConfig, "write-config", "", "write a settings template to this path and exit")
	flags.BoolVarP(&opts.assumeYes, "yes", "y", false, "skip the confirmation gate and keep defaults for every question")
	flags.StringVar(&opts.reinstall, "reinstall-go", "", "when Go is already installed: ask|yes|no")
	flags.StringVar(&opts.readiness, "readiness", "", "how to wait for the server before starting the agent: delay (default) or tcp")
	flags.DurationVar(&opts.readyTimeout, "ready-timeout", 0, "give up on the server after this long (tcp readiness)")
	flags.DurationVar(&opts.launchDelay, "launch-delay", 0, "fixed wait before starting the agent (delay readiness)")
	flags.BoolVar(&opts.skipAgent, "skip-agent", false, "build and start only the server")
	flags.StringVar(&opts.goVersion, "go-version", "", "Go release to install")
	flags.StringVar(&opts.metricsFile, "metrics-file", "", "write run metrics in Prometheus text format to this path")
	opts.flags = flags

	if err := flags.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return opts, err
		}
		return opts, fault.New(fault.KindConfig, "parse arguments", err)
	}
	if opts.writeConfig != "" {
		return opts, nil
	}
	if err := opts.positionals(flags.Args()); err != nil {
		return opts, fault.New(fault.KindConfig, "parse arguments", err)
	}
	return opts, nil
}

// positionals accepts [host] port [cert_path key_path]. An odd count means
// host was left out.
func (o *options) positionals(args []string) error {
	rest := args
	switch len(args) {
	case 1, 3:
	case 2, 4:
		o.host = args[0]
		rest = args[1:]
	case 0:
		return fmt.Errorf("%w: port is required (usage: crunchmage [host] port [cert_path key_path])", config.ErrInvalid)
	default:
		return fmt.Errorf("%w: too many arguments: %q", config.ErrInvalid, args)
	}

	port, err := strconv.Atoi(strings.TrimSpace(rest[0]))
	if err != nil && len(args) == 3 && isPort(args[1]) {
		return fmt.Errorf("%w: cert_path and key_path must be supplied together (got host %q, port %q, and one path)", config.ErrInvalid, args[0], args[1])
	}
	if err != nil {
		return fmt.Errorf("%w: port must be an integer, got %q", config.ErrInvalid, rest[0])
	}
	o.port = port
	if len(rest) == 3 {
		o.certPath = rest[1]
		o.keyPath = rest[2]
	}
	return nil
}

func isPort(s string) bool {
	_, err := strconv.Atoi(strings.TrimSpace(s))
	return err == nil
}

// resolveSettings layers defaults, the config file, flags, then positionals.
func resolveSettings(opts options) (config.Settings, error) {
	settings := config.Default()
	if opts.configPath != "" {
		loaded, err := config.LoadFile(opts.configPath, settings)
		if err != nil {
			return config.Settings{}, fault.New(fault.KindConfig, "load config", err)
		}
		settings = loaded
	}

	changed := func(name string) bool {
		return opts.flags != nil && opts.flags.Changed(name)
	}
	if changed("reinstall-go") {
		settings.Toolchain.Reinstall = config.ReinstallPolicy(strings.ToLower(opts.reinstall))
	}
	if changed("readiness") {
		settings.Launch.Readiness = strings.ToLower(opts.readiness)
	}
	if changed("ready-timeout") {
		settings.Launch.ReadyTimeout = opts.readyTimeout
	}
	if changed("launch-delay") {
		settings.Launch.LaunchDelay = opts.launchDelay
	}
	if changed("skip-agent") {
		settings.Launch.SkipAgent = opts.skipAgent
	}
	if changed("go-version") {
		settings.Toolchain.Version = strings.TrimSpace(opts.goVersion)
	}
	settings.AssumeYes = opts.assumeYes

	if opts.host != "" {
		settings.Host = opts.host
	}
	settings.Port = opts.port
	settings.CertPath = opts.certPath
	settings.KeyPath = opts.keyPath

	home, err := config.HomeDir()
	if err != nil {
		return config.Settings{}, fault.New(fault.KindEnvironment, "resolve home", err)
	}
	settings = settings.ExpandHome(home)
	if err := config.Validate(settings); err != nil {
		return config.Settings{}, fault.New(fault.KindConfig, "validate settings", err)
	}
	return settings, nil
}

func writeConfig(path string, out io.Writer) error {
	if err := config.WriteTemplate(path, false); err != nil {
		return fault.New(fault.KindConfig, "write config", err)
	}
	fmt.Fprintf(out, "Wrote settings template to %s\n", path)
	return nil
}
