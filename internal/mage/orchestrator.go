// Package mage drives one provisioning run from a bare Linux host to a
// running LogCrunch server and agent.
//
// Stages run strictly in order and each gates the next. The orchestrator is
// the only place that talks to the operator and the only writer of one
// stage's output into the next stage's input.
package mage

import (
	"context"
	"errors"
	"fmt"
	"go/version"
	"io"
	"net"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/danmuck/crunchmage/internal/agentcfg"
	"github.com/danmuck/crunchmage/internal/build"
	"github.com/danmuck/crunchmage/internal/certs"
	"github.com/danmuck/crunchmage/internal/config"
	"github.com/danmuck/crunchmage/internal/fault"
	"github.com/danmuck/crunchmage/internal/launch"
	"github.com/danmuck/crunchmage/internal/observability"
	"github.com/danmuck/crunchmage/internal/prompt"
	"github.com/danmuck/crunchmage/internal/source"
	"github.com/danmuck/crunchmage/internal/toolchain"
	"github.com/danmuck/crunchmage/internal/tools"
	"github.com/danmuck/crunchmage/internal/workdir"
	"github.com/rs/zerolog/log"
)

var ErrMissingTools = errors.New("mage: required tools not found")

// Report is what a run produced, filled in as stages complete.
type Report struct {
	State       State
	History     []State
	Platform    Platform
	Address     string
	Toolchain   toolchain.State
	Cloned      bool
	Location    source.Location
	Artifacts   map[string]string
	AgentConfig string
	Certs       certs.Bundle
	Systemd     bool
	Server      launch.Process
	Agent       *launch.Process
	Metrics     observability.Snapshot
}

// Orchestrator holds the collaborators of one run. Zero-valued optional
// fields are filled by New or on first Run.
type Orchestrator struct {
	Settings config.Settings
	Env      tools.Env
	Runner   tools.CommandRunner
	Prompt   prompt.Prompter
	Spawner  launch.Spawner
	Out      io.Writer

	// Readiness overrides the probe chosen from Settings.Launch.
	Readiness launch.Readiness
	// Platform overrides host detection.
	Platform *Platform
	// SystemdDirs overrides the unit directories probed.
	SystemdDirs []string
	// WorkDir is where the run starts; empty means the current directory.
	WorkDir string
	// Metrics receives stage and command timings. Nil gets a fresh recorder.
	Metrics *observability.Recorder

	report    Report
	runner    tools.CommandRunner
	stageDone func(error)
}

// New binds settings to the local host: process env, real commands, the
// terminal, and detached spawning.
func New(settings config.Settings) *Orchestrator {
	return &Orchestrator{
		Settings: settings,
		Env:      tools.FromOS(),
		Runner:   tools.ExecRunner{},
		Prompt:   prompt.NewTerminal(),
		Spawner:  launch.DetachedSpawner{},
		Out:      os.Stdout,
	}
}

// State is the current state machine position.
func (o *Orchestrator) State() State {
	return o.report.State
}

// Run executes every stage. On error the returned Report holds everything
// completed before the failure and State is StateAborted.
func (o *Orchestrator) Run(ctx context.Context) (Report, error) {
	o.defaults()
	o.stageDone = nil
	s := o.Settings
	o.report = Report{
		State:     StateStart,
		History:   []State{StateStart},
		Address:   net.JoinHostPort(s.Host, strconv.Itoa(s.Port)),
		Artifacts: map[string]string{},
	}

	platform := DetectPlatform()
	if o.Platform != nil {
		platform = *o.Platform
	}
	o.report.Platform = platform
	if err := CheckPlatform(platform); err != nil {
		return o.abort(err)
	}

	o.banner()
	if !s.AssumeYes {
		ok, err := o.Prompt.Proceed("Note! This will install Go, clone and build LogCrunch, and start it in the background.")
		if err != nil {
			return o.abort(err)
		}
		if !ok {
			fmt.Fprintf(o.Out, "Aborted. Nothing was changed.\n")
			return o.abort(prompt.ErrAborted)
		}
	}

	o.stageDone = o.Metrics.StartStage(StateToolchainReady.String())
	err := o.inWorkDir(func() error {
		if err := o.preflight(); err != nil {
			return err
		}
		return o.stages(ctx)
	})
	if err != nil {
		return o.abort(err)
	}
	o.report.Metrics = o.Metrics.Snapshot()
	o.summary()
	return o.report, nil
}

func (o *Orchestrator) defaults() {
	if o.Runner == nil {
		o.Runner = tools.ExecRunner{}
	}
	if o.Prompt == nil {
		o.Prompt = prompt.Defaults{}
	}
	if o.Spawner == nil {
		o.Spawner = launch.DetachedSpawner{}
	}
	if o.Out == nil {
		o.Out = io.Discard
	}
	if o.SystemdDirs == nil {
		o.SystemdDirs = SystemdDirs
	}
	if o.Metrics == nil {
		o.Metrics = observability.NewRecorder()
	}
	o.runner = observability.InstrumentRunner(o.Runner, o.Metrics)
}

func (o *Orchestrator) inWorkDir(fn func() error) error {
	if o.WorkDir == "" {
		return fn()
	}
	if err := workdir.Within(o.WorkDir, fn); err != nil {
		return fault.New(fault.KindEnvironment, "enter work dir", err)
	}
	return nil
}

func (o *Orchestrator) advance(to State) {
	next, ok := o.report.State.next()
	if !ok || next != to {
		panic(fmt.Sprintf("mage: illegal transition %s -> %s", o.report.State, to))
	}
	o.report.State = to
	o.report.History = append(o.report.History, to)
	if o.stageDone != nil {
		o.stageDone(nil)
		o.stageDone = nil
	}
	log.Info().Str("state", to.String()).Msg("mage.transition")
	if after, ok := to.next(); ok {
		o.stageDone = o.Metrics.StartStage(after.String())
	}
}

func (o *Orchestrator) abort(err error) (Report, error) {
	from := o.report.State
	if o.stageDone != nil {
		o.stageDone(err)
		o.stageDone = nil
	}
	o.report.State = StateAborted
	o.report.History = append(o.report.History, StateAborted)
	o.report.Metrics = o.Metrics.Snapshot()
	if errors.Is(err, prompt.ErrAborted) {
		log.Info().Str("from", from.String()).Msg("mage.aborted by operator")
	} else {
		log.Error().Err(err).Str("from", from.String()).Msg("mage.aborted")
	}
	return o.report, err
}

func (o *Orchestrator) stages(ctx context.Context) error {
	s := o.Settings

	tc := toolchain.NewManager(toolchain.Config{
		Version:     s.Toolchain.Version,
		ArchiveURL:  s.Toolchain.ArchiveURLFor(o.report.Platform.Arch),
		InstallRoot: s.Toolchain.InstallRoot,
		ProfilePath: s.Toolchain.ProfilePath,
		Reinstall:   s.Toolchain.Reinstall,
	}, o.runner, o.questionPrompter(), o.Out)
	env, state, err := tc.Ensure(ctx, o.Env)
	if err != nil {
		return err
	}
	o.report.Toolchain = state
	o.advance(StateToolchainReady)

	locator := o.locator()
	acquired, err := source.Acquirer{
		RepoURL: s.Source.RepoURL,
		Branch:  s.Source.Branch,
		Locator: locator,
		Runner:  o.runner,
	}.Ensure(ctx, env)
	if err != nil {
		return err
	}
	o.report.Cloned = acquired.Cloned
	o.advance(StateSourceReady)

	loc, err := locator.Locate()
	if err != nil {
		fmt.Fprintf(o.Out, "Error: could not find %s. %v\n", s.Source.Marker, err)
		return err
	}
	o.report.Location = loc
	fmt.Fprintf(o.Out, "Found module root: %s\n", loc.Root)
	if newerThanToolchain(loc.GoVersion, s.Toolchain.Version) {
		log.Warn().Str("module_go", loc.GoVersion).Str("toolchain", s.Toolchain.Version).Msg("mage.locate module wants a newer Go than the pinned toolchain")
		fmt.Fprintf(o.Out, "Warning: %s declares go %s but the pinned toolchain is %s; the build may fetch a newer toolchain or fail.\n", loc.Marker, loc.GoVersion, s.Toolchain.Version)
	}
	o.advance(StateModuleLocated)

	builder := build.NewBuilder(o.runner, o.Out)
	results, err := builder.BuildAll(ctx, env, o.buildRequests(loc.Root))
	if err != nil {
		return err
	}
	for _, r := range results {
		o.report.Artifacts[r.Name] = r.ArtifactPath
	}
	o.advance(StateBuilt)

	if !s.Launch.SkipAgent {
		path, err := agentcfg.Write(s.Agent.ConfigPath, s.Agent.Targets)
		if err != nil {
			return fault.New(fault.KindConfig, "write agent config", err)
		}
		written, err := agentcfg.Load(path)
		if err != nil {
			return fault.New(fault.KindConfig, "verify agent config", err)
		}
		if len(written.Targets) != len(s.Agent.Targets) {
			err := fmt.Errorf("%w: %s holds %d targets, wrote %d", agentcfg.ErrInvalidTarget, path, len(written.Targets), len(s.Agent.Targets))
			return fault.New(fault.KindConfig, "verify agent config", err)
		}
		o.report.AgentConfig = path
		fmt.Fprintf(o.Out, "Agent configuration written to %s\n", path)
	}

	provisioner := certs.NewProvisioner(certs.Config{
		Dir:        s.Crypto.Dir,
		CommonName: s.Crypto.CommonName,
		Days:       s.Crypto.Days,
		KeyBits:    s.Crypto.KeyBits,
	}, o.runner, o.Out)
	bundle, err := provisioner.Resolve(ctx, env, s.CertPath, s.KeyPath)
	if err != nil {
		return err
	}
	o.report.Certs = bundle
	o.advance(StateCertsReady)

	o.report.Systemd = DetectSystemd(o.SystemdDirs)
	if o.report.Systemd {
		fmt.Fprintf(o.Out, "Detected systemd. systemd integration coming soon; starting LogCrunch in the background instead.\n")
	}

	return o.launch(ctx, env)
}

func (o *Orchestrator) buildRequests(root string) []build.Request {
	reqs := make([]build.Request, 0, len(o.Settings.Builds))
	for _, b := range o.Settings.Builds {
		if b.Name == "agent" && o.Settings.Launch.SkipAgent {
			continue
		}
		reqs = append(reqs, build.Request{Name: b.Name, Root: root, Package: b.Package, Output: b.Output})
	}
	return reqs
}

func (o *Orchestrator) launch(ctx context.Context, env tools.Env) error {
	s := o.Settings
	sup := launch.NewSupervisor(o.Spawner)

	server, err := sup.LaunchLine(env, "server", o.report.Artifacts["server"],
		launch.ServerArgs(s.Host, s.Port, o.report.Certs.CertPath, o.report.Certs.KeyPath))
	if err != nil {
		return err
	}
	o.report.Server = server
	fmt.Fprintf(o.Out, "Server started (pid %d) on %s\n", server.PID, o.report.Address)

	if s.Launch.SkipAgent {
		o.advance(StateLaunched)
		return nil
	}

	ready, err := o.readiness()
	if err != nil {
		return err
	}
	if err := ready.Wait(ctx); err != nil {
		fmt.Fprintf(o.Out, "Server (pid %d) is not accepting connections on %s; the agent was not started.\n", server.PID, o.report.Address)
		return err
	}

	agent, err := sup.LaunchLine(env, "agent", o.report.Artifacts["agent"],
		launch.AgentArgs(s.Host, s.Port, o.report.AgentConfig, false))
	if err != nil {
		return err
	}
	o.report.Agent = &agent
	fmt.Fprintf(o.Out, "Agent started (pid %d)\n", agent.PID)
	o.advance(StateLaunched)
	return nil
}

// readiness is the injected probe, or the one the launch settings name.
func (o *Orchestrator) readiness() (launch.Readiness, error) {
	if o.Readiness != nil {
		return o.Readiness, nil
	}
	l := o.Settings.Launch
	ready, err := launch.NewReadiness(l.Readiness, o.Settings.Host, o.Settings.Port, l.ReadyTimeout, l.LaunchDelay)
	if err != nil {
		return nil, fault.New(fault.KindConfig, "readiness", err)
	}
	return ready, nil
}

func (o *Orchestrator) locator() source.Locator {
	return source.Locator{
		Marker:     o.Settings.Source.Marker,
		ProjectDir: o.Settings.Source.ProjectDir,
		Module:     o.Settings.Source.Module,
	}
}

// newerThanToolchain reports whether a go directive asks for more than the
// pinned toolchain version. Unparseable versions never warn.
func newerThanToolchain(moduleGo string, pinned string) bool {
	if moduleGo == "" || pinned == "" {
		return false
	}
	a, b := "go"+moduleGo, "go"+pinned
	if !version.IsValid(a) || !version.IsValid(b) {
		return false
	}
	return version.Compare(a, b) > 0
}

// questionPrompter answers in-flow questions. --yes keeps every default.
func (o *Orchestrator) questionPrompter() prompt.Prompter {
	if o.Settings.AssumeYes {
		return prompt.Defaults{}
	}
	return o.Prompt
}

// RequiredTools lists the external commands this run will invoke, given what
// is already present.
func RequiredTools(s config.Settings, goPresent bool, sourcePresent bool) []string {
	var need []string
	if !goPresent || s.Toolchain.Reinstall == config.ReinstallAlways {
		need = append(need, "curl", "tar")
	}
	if !sourcePresent {
		need = append(need, "git")
	}
	if strings.TrimSpace(s.CertPath) == "" || strings.TrimSpace(s.KeyPath) == "" {
		need = append(need, "openssl")
	}
	sort.Strings(need)
	return need
}

func (o *Orchestrator) preflight() error {
	_, goErr := o.Env.LookPath("go")
	_, srcErr := o.locator().Locate()

	var missing []string
	for _, name := range RequiredTools(o.Settings, goErr == nil, srcErr == nil) {
		if _, err := o.Env.LookPath(name); err != nil {
			missing = append(missing, name)
		}
	}
	if goErr == nil && o.Settings.Toolchain.Reinstall == config.ReinstallAsk {
		for _, name := range []string{"curl", "tar"} {
			if _, err := o.Env.LookPath(name); err != nil {
				log.Warn().Str("tool", name).Msg("mage.preflight missing; a Go reinstall would fail")
			}
		}
	}
	if len(missing) == 0 {
		return nil
	}
	fmt.Fprintf(o.Out, "Missing required tools: %s\n", strings.Join(missing, ", "))
	fmt.Fprintf(o.Out, "Install them with your package manager and rerun.\n")
	return fault.New(fault.KindEnvironment, "preflight", fmt.Errorf("%w: %s", ErrMissingTools, strings.Join(missing, ", ")))
}

func (o *Orchestrator) banner() {
	s := o.Settings
	w := o.Out
	fmt.Fprintf(w, "Welcome to the LogCrunch installer.\n")
	fmt.Fprintf(w, "This will set up Go %s, fetch and build LogCrunch, and start the server and agent.\n", s.Toolchain.Version)
	fmt.Fprintf(w, "Required tools: tar, git, curl, openssl\n")
	if strings.TrimSpace(s.CertPath) == "" || strings.TrimSpace(s.KeyPath) == "" {
		fmt.Fprintf(w, "Certificates: self-signed, generated in %s\n", s.Crypto.Dir)
	} else {
		fmt.Fprintf(w, "Certificates: %s, %s\n", s.CertPath, s.KeyPath)
	}
	fmt.Fprintf(w, "Server address: %s\n", o.report.Address)
}

func (o *Orchestrator) summary() {
	r := o.report
	w := o.Out
	fmt.Fprintf(w, "\nLogCrunch is running.\n")
	fmt.Fprintf(w, "  Server: pid %d, listening on %s\n", r.Server.PID, r.Address)
	if r.Agent != nil {
		fmt.Fprintf(w, "  Agent:  pid %d, config %s\n", r.Agent.PID, r.AgentConfig)
		fmt.Fprintf(w, "  The agent was started without certificate verification.\n")
	}
	fmt.Fprintf(w, "  Certificate: %s\n  Key: %s\n", r.Certs.CertPath, r.Certs.KeyPath)
	for _, st := range r.Metrics.Stages {
		fmt.Fprintf(w, "  %-16s %s\n", st.Stage, st.Duration.Round(time.Millisecond))
	}
}
