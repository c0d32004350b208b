package launch

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/crunchmage/internal/fault"
	"github.com/danmuck/crunchmage/internal/testutil/testlog"
	"github.com/danmuck/crunchmage/internal/tools"
)

type recordingSpawner struct {
	executables []string
	args        [][]string
	nextPID     int
	err         error
}

func (s *recordingSpawner) Spawn(_ tools.Env, executable string, args []string) (int, error) {
	if s.err != nil {
		return 0, s.err
	}
	s.executables = append(s.executables, executable)
	s.args = append(s.args, args)
	s.nextPID++
	return 1000 + s.nextPID, nil
}

func executable(t *testing.T, dir string, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestTokenizeKeepsQuotedPathsTogether(t *testing.T) {
	testlog.Start(t)
	got, err := Tokenize(`localhost 8443 "/home/op/my certs/server.crt" '/home/op/my certs/server.key'`)
	if err != nil {
		t.Fatalf("tokenize: %v", err)
	}
	want := []string{"localhost", "8443", "/home/op/my certs/server.crt", "/home/op/my certs/server.key"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %q want %q", got, want)
	}
	if _, err := Tokenize("   "); !errors.Is(err, ErrEmptyCommand) {
		t.Fatalf("expected ErrEmptyCommand, got %v", err)
	}
}

func TestServerArgsRoundTrip(t *testing.T) {
	testlog.Start(t)
	line := ServerArgs("localhost", 8443, "/tmp/a b/server.crt", "/tmp/it's/server.key")
	got, err := Tokenize(line)
	if err != nil {
		t.Fatalf("tokenize %q: %v", line, err)
	}
	want := []string{"localhost", "8443", "/tmp/a b/server.crt", "/tmp/it's/server.key"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %q want %q", got, want)
	}

	agent, err := Tokenize(AgentArgs("localhost", 8443, "/home/op/logcrunch_config/agent_config.yaml", false))
	if err != nil {
		t.Fatalf("tokenize agent: %v", err)
	}
	if strings.Join(agent, " ") != "localhost 8443 /home/op/logcrunch_config/agent_config.yaml n" {
		t.Fatalf("unexpected agent args: %q", agent)
	}
}

func TestLaunchLineStartsDetachedSpec(t *testing.T) {
	testlog.Start(t)
	bin := executable(t, t.TempDir(), "logcrunch_server")
	spawner := &recordingSpawner{}
	sup := NewSupervisor(spawner)

	proc, err := sup.LaunchLine(tools.ParseEnviron(nil), "server", bin, ServerArgs("localhost", 8443, "/c/server.crt", "/c/server.key"))
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	if proc.PID != 1001 || proc.Executable != bin {
		t.Fatalf("unexpected process: %+v", proc)
	}
	if strings.Join(spawner.args[0], " ") != "localhost 8443 /c/server.crt /c/server.key" {
		t.Fatalf("unexpected args: %q", spawner.args[0])
	}
}

func TestLaunchRejectsMissingOrNonExecutable(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	plain := filepath.Join(dir, "plain")
	if err := os.WriteFile(plain, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	spawner := &recordingSpawner{}
	sup := NewSupervisor(spawner)
	for _, path := range []string{filepath.Join(dir, "missing"), plain, dir} {
		_, err := sup.Launch(tools.ParseEnviron(nil), Spec{Name: "server", Executable: path})
		if !errors.Is(err, ErrNotExecutable) || !errors.Is(err, fault.ErrLaunch) {
			t.Fatalf("%s: expected launch error, got %v", path, err)
		}
	}
	if len(spawner.executables) != 0 {
		t.Fatalf("nothing should be spawned")
	}
}

func TestLaunchSpawnFailure(t *testing.T) {
	testlog.Start(t)
	bin := executable(t, t.TempDir(), "logcrunch_agent")
	sup := NewSupervisor(&recordingSpawner{err: errors.New("fork/exec: permission denied")})
	if _, err := sup.Launch(tools.ParseEnviron(nil), Spec{Name: "agent", Executable: bin}); !errors.Is(err, ErrStartFailed) {
		t.Fatalf("expected ErrStartFailed, got %v", err)
	}
}

func TestDetachedSpawnerStartsRealProcess(t *testing.T) {
	testlog.Start(t)
	sh, err := tools.FromOS().LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	marker := filepath.Join(t.TempDir(), "ran")
	pid, err := DetachedSpawner{}.Spawn(tools.FromOS(), sh, []string{"-c", "touch " + marker})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if pid <= 0 {
		t.Fatalf("expected pid, got %d", pid)
	}
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(marker); err == nil {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("detached child never ran")
}

func TestNextBackoffDelayGrowsToCap(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
	}
	if got := NextBackoffDelay(cfg, 1); got != 250*time.Millisecond {
		t.Fatalf("attempt1 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 3); got != time.Second {
		t.Fatalf("attempt3 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 6); got != 5*time.Second {
		t.Fatalf("attempt6 got=%v", got)
	}
}

func TestNextBackoffDelayFlatWithoutGrowth(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{InitialDelay: time.Second, Multiplier: 0.5}
	if got := NextBackoffDelay(cfg, 4); got != time.Second {
		t.Fatalf("multiplier below 1 should hold the initial delay, got %v", got)
	}
	if got := NextBackoffDelay(BackoffConfig{}, 4); got != 0 {
		t.Fatalf("zero config should not wait, got %v", got)
	}
}

func TestTCPProbeReadyAgainstListener(t *testing.T) {
	testlog.Start(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			_ = conn.Close()
		}
	}()
	port := ln.Addr().(*net.TCPAddr).Port

	if err := NewTCPProbe("0.0.0.0", port, 2*time.Second).Wait(context.Background()); err != nil {
		t.Fatalf("probe: %v", err)
	}
}

func TestTCPProbeRetriesThenSucceeds(t *testing.T) {
	testlog.Start(t)
	attempts := 0
	probe := &TCPProbe{
		Address: "localhost:8443",
		Timeout: 2 * time.Second,
		Backoff: BackoffConfig{InitialDelay: time.Millisecond, Multiplier: 2},
		Dial: func(context.Context, string, string) (net.Conn, error) {
			attempts++
			if attempts < 3 {
				return nil, errors.New("connection refused")
			}
			client, server := net.Pipe()
			_ = server.Close()
			return client, nil
		},
	}
	if err := probe.Wait(context.Background()); err != nil {
		t.Fatalf("probe: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestTCPProbeTimeoutIsLaunchError(t *testing.T) {
	testlog.Start(t)
	probe := &TCPProbe{
		Address: "localhost:8443",
		Timeout: 30 * time.Millisecond,
		Backoff: BackoffConfig{InitialDelay: 5 * time.Millisecond, Multiplier: 1},
		Dial: func(context.Context, string, string) (net.Conn, error) {
			return nil, errors.New("connection refused")
		},
	}
	err := probe.Wait(context.Background())
	if !errors.Is(err, ErrNotReady) || !errors.Is(err, fault.ErrLaunch) {
		t.Fatalf("expected not-ready launch error, got %v", err)
	}
	if !strings.Contains(err.Error(), "connection refused") {
		t.Fatalf("expected last dial error in message: %v", err)
	}
}

func TestNewReadinessModes(t *testing.T) {
	testlog.Start(t)
	r, err := NewReadiness(ModeDelay, "localhost", 8443, time.Second, 0)
	if err != nil {
		t.Fatalf("delay: %v", err)
	}
	if err := r.Wait(context.Background()); err != nil {
		t.Fatalf("zero delay wait: %v", err)
	}
	r, err = NewReadiness(ModeTCP, "localhost", 8443, time.Second, 0)
	if err != nil {
		t.Fatalf("tcp: %v", err)
	}
	if probe := r.(*TCPProbe); probe.Address != "localhost:8443" {
		t.Fatalf("unexpected address: %q", probe.Address)
	}
	r, err = NewReadiness("", "localhost", 8443, time.Second, 3*time.Second)
	if err != nil {
		t.Fatalf("default: %v", err)
	}
	if probe, ok := r.(DelayProbe); !ok || probe.Delay != 3*time.Second {
		t.Fatalf("empty mode should be a delay, got %#v", r)
	}
	if _, err := NewReadiness("http", "localhost", 8443, time.Second, 0); !errors.Is(err, ErrUnknownProbe) {
		t.Fatalf("expected ErrUnknownProbe, got %v", err)
	}
}

func TestDelayProbeHonoursCancellation(t *testing.T) {
	testlog.Start(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := (DelayProbe{Delay: time.Hour}).Wait(ctx); !errors.Is(err, fault.ErrLaunch) {
		t.Fatalf("expected launch error on cancel, got %v", err)
	}
}
