// Package launch starts built artifacts as detached processes and decides
// when a dependent launch may follow.
//
// Launch is fire-and-forget: the supervisor keeps the PID for reporting and
// nothing else. Children run in their own session and outlive crunchmage.
package launch

import (
	"errors"
	"fmt"
	"os"
	"os/exec"

	"github.com/danmuck/crunchmage/internal/fault"
	"github.com/danmuck/crunchmage/internal/tools"
	"github.com/google/shlex"
	"github.com/rs/zerolog/log"
)

var (
	ErrEmptyCommand  = errors.New("launch: empty argument line")
	ErrNotExecutable = errors.New("launch: executable missing or not runnable")
	ErrStartFailed   = errors.New("launch: process start failed")
	ErrNotReady      = errors.New("launch: server did not become ready")
	ErrUnknownProbe  = errors.New("launch: unknown readiness mode")
)

// Spec is one process to start.
type Spec struct {
	Name       string
	Executable string
	Args       []string
}

// Process is a started child. Only the PID is retained.
type Process struct {
	Name       string
	PID        int
	Executable string
	Args       []string
}

// Spawner starts a detached process and returns its PID without waiting.
type Spawner interface {
	Spawn(env tools.Env, executable string, args []string) (int, error)
}

// DetachedSpawner starts children in a new session with stdio on the null
// device.
type DetachedSpawner struct{}

func (DetachedSpawner) Spawn(env tools.Env, executable string, args []string) (int, error) {
	cmd := exec.Command(executable, args...)
	cmd.Env = env.Environ()
	cmd.SysProcAttr = detachedAttr()
	if err := cmd.Start(); err != nil {
		return 0, err
	}
	pid := cmd.Process.Pid
	if err := cmd.Process.Release(); err != nil {
		log.Warn().Err(err).Int("pid", pid).Msg("launch.release failed")
	}
	return pid, nil
}

// Supervisor launches specs through a Spawner.
type Supervisor struct {
	Spawner Spawner
}

func NewSupervisor(spawner Spawner) *Supervisor {
	if spawner == nil {
		spawner = DetachedSpawner{}
	}
	return &Supervisor{Spawner: spawner}
}

// Tokenize splits a shell-style argument line. Quoted paths containing
// spaces stay one argument.
func Tokenize(line string) ([]string, error) {
	args, err := shlex.Split(line)
	if err != nil {
		return nil, fmt.Errorf("launch: tokenize %q: %w", line, err)
	}
	if len(args) == 0 {
		return nil, ErrEmptyCommand
	}
	return args, nil
}

// LaunchLine tokenizes argLine and launches executable with the result.
func (s *Supervisor) LaunchLine(env tools.Env, name string, executable string, argLine string) (Process, error) {
	args, err := Tokenize(argLine)
	if err != nil {
		return Process{}, fault.New(fault.KindLaunch, "launch "+name, err)
	}
	return s.Launch(env, Spec{Name: name, Executable: executable, Args: args})
}

// Launch starts spec detached. The executable must be a regular file with an
// execute bit.
func (s *Supervisor) Launch(env tools.Env, spec Spec) (Process, error) {
	info, err := os.Stat(spec.Executable)
	if err != nil || !info.Mode().IsRegular() || info.Mode().Perm()&0o111 == 0 {
		return Process{}, fault.New(fault.KindLaunch, "launch "+spec.Name, fmt.Errorf("%w: %s", ErrNotExecutable, spec.Executable))
	}
	log.Info().
		Str("name", spec.Name).
		Str("cmd", tools.JoinCommand(spec.Executable, spec.Args)).
		Msg("launch.spawn")
	pid, err := s.Spawner.Spawn(env, spec.Executable, spec.Args)
	if err != nil {
		return Process{}, fault.New(fault.KindLaunch, "launch "+spec.Name, fmt.Errorf("%w: %s: %v", ErrStartFailed, spec.Executable, err))
	}
	log.Info().Str("name", spec.Name).Int("pid", pid).Msg("launch.started")
	return Process{
		Name:       spec.Name,
		PID:        pid,
		Executable: spec.Executable,
		Args:       append([]string(nil), spec.Args...),
	}, nil
}

// ServerArgs renders `host port cert key` as a quoted argument line.
func ServerArgs(host string, port int, certPath string, keyPath string) string {
	return tools.QuoteArgs([]string{host, fmt.Sprint(port), certPath, keyPath})
}

// AgentArgs renders `host port config verify` as a quoted argument line.
// The agent takes "n" to skip certificate verification.
func AgentArgs(host string, port int, configPath string, verify bool) string {
	flag := "n"
	if verify {
		flag = "y"
	}
	return tools.QuoteArgs([]string{host, fmt.Sprint(port), configPath, flag})
}
