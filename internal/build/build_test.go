package build

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/danmuck/crunchmage/internal/fault"
	"github.com/danmuck/crunchmage/internal/testutil/testlog"
	"github.com/danmuck/crunchmage/internal/tools"
)

type goRunner struct {
	commands [][]string
	dirs     []string
	// behaviour of `go build`
	writeArtifact bool
	buildErr      error
	buildExit     int32
	tidyErr       error
}

func (r *goRunner) Run(_ context.Context, _ tools.Env, name string, args ...string) ([]byte, []byte, int32, error) {
	r.commands = append(r.commands, append([]string{name}, args...))
	cwd, _ := os.Getwd()
	r.dirs = append(r.dirs, cwd)
	if name != "go" {
		return nil, nil, 127, errors.New("unexpected command")
	}
	switch args[0] {
	case "mod":
		if r.tidyErr != nil {
			return nil, []byte("go: updates to go.mod needed"), 1, r.tidyErr
		}
		return nil, nil, 0, nil
	case "build":
		if r.buildErr != nil {
			return []byte("partial"), []byte("server/main.go:3:1: syntax error"), r.buildExit, r.buildErr
		}
		if r.writeArtifact {
			if err := os.WriteFile(args[2], []byte("\x7fELF"), 0o644); err != nil {
				return nil, []byte(err.Error()), 1, err
			}
		}
		return []byte(""), nil, 0, nil
	}
	return nil, nil, 2, errors.New("unexpected go subcommand")
}

func moduleRoot(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "go.mod"), []byte("module example.com/logcrunch\n"), 0o644); err != nil {
		t.Fatalf("write go.mod: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(root, "server"), 0o755); err != nil {
		t.Fatalf("mkdir server: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "server", "main.go"), []byte("package main\n"), 0o644); err != nil {
		t.Fatalf("write main.go: %v", err)
	}
	return root
}

func cwd(t *testing.T) string {
	t.Helper()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	return wd
}

func TestBuildSuccessMarksArtifactExecutable(t *testing.T) {
	testlog.Start(t)
	before := cwd(t)
	root := moduleRoot(t)
	output := filepath.Join(t.TempDir(), "logcrunch_server")
	runner := &goRunner{writeArtifact: true}
	var out bytes.Buffer

	res, err := NewBuilder(runner, &out).Build(context.Background(), tools.ParseEnviron(nil), Request{
		Name: "server", Root: root, Package: "./server", Output: output, Tidy: true,
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if res.ArtifactPath != output || res.ExitCode != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
	info, err := os.Stat(output)
	if err != nil {
		t.Fatalf("stat artifact: %v", err)
	}
	if info.Mode().Perm()&0o111 == 0 {
		t.Fatalf("artifact not executable: %v", info.Mode())
	}
	if got := cwd(t); got != before {
		t.Fatalf("cwd not restored: %q", got)
	}
	if len(runner.commands) != 2 || strings.Join(runner.commands[0], " ") != "go mod tidy" {
		t.Fatalf("unexpected commands: %v", runner.commands)
	}
	for _, dir := range runner.dirs {
		resolvedDir, _ := filepath.EvalSymlinks(dir)
		resolvedRoot, _ := filepath.EvalSymlinks(root)
		if resolvedDir != resolvedRoot {
			t.Fatalf("command ran outside module root: %q", dir)
		}
	}
}

func TestBuildCompileFailureDumpsDiagnostics(t *testing.T) {
	testlog.Start(t)
	before := cwd(t)
	root := moduleRoot(t)
	runner := &goRunner{buildErr: errors.New("exit status 1"), buildExit: 1}
	var out bytes.Buffer

	res, err := NewBuilder(runner, &out).Build(context.Background(), tools.ParseEnviron(nil), Request{
		Name: "server", Root: root, Package: "./server", Output: filepath.Join(t.TempDir(), "bin"),
	})
	if !errors.Is(err, ErrCompileFailed) || !errors.Is(err, fault.ErrBuild) {
		t.Fatalf("expected compile failure, got %v", err)
	}
	if res.ArtifactPath != "" || res.ExitCode != 1 || !strings.Contains(res.Stderr, "syntax error") {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Diagnostics == nil || !res.Diagnostics.PackageExists {
		t.Fatalf("expected package diagnostics: %+v", res.Diagnostics)
	}
	dump := out.String()
	for _, want := range []string{"Return code: 1", "STDOUT: partial", "STDERR: server/main.go:3:1: syntax error", "Contents of current directory:", "  go.mod", "  server/", "server directory exists, contents:", "  main.go"} {
		if !strings.Contains(dump, want) {
			t.Fatalf("diagnostic dump missing %q:\n%s", want, dump)
		}
	}
	if got := cwd(t); got != before {
		t.Fatalf("cwd not restored after failure: %q", got)
	}
}

func TestBuildReportsMissingPackageDirectory(t *testing.T) {
	testlog.Start(t)
	root := moduleRoot(t)
	runner := &goRunner{buildErr: errors.New("exit status 1"), buildExit: 1}
	var out bytes.Buffer

	res, err := NewBuilder(runner, &out).Build(context.Background(), tools.ParseEnviron(nil), Request{
		Name: "agent", Root: root, Package: "./agent", Output: filepath.Join(t.TempDir(), "bin"),
	})
	if !errors.Is(err, ErrCompileFailed) {
		t.Fatalf("expected compile failure, got %v", err)
	}
	if res.Diagnostics.PackageExists {
		t.Fatalf("agent dir should be reported missing")
	}
	if !strings.Contains(out.String(), "Error: agent directory does not exist!") {
		t.Fatalf("expected missing directory note:\n%s", out.String())
	}
}

func TestBuildZeroExitWithoutArtifactFails(t *testing.T) {
	testlog.Start(t)
	root := moduleRoot(t)
	runner := &goRunner{writeArtifact: false}
	var out bytes.Buffer

	res, err := NewBuilder(runner, &out).Build(context.Background(), tools.ParseEnviron(nil), Request{
		Name: "server", Root: root, Package: "./server", Output: filepath.Join(t.TempDir(), "bin"),
	})
	if !errors.Is(err, ErrArtifactMissing) || !errors.Is(err, fault.ErrBuild) {
		t.Fatalf("expected missing artifact error, got %v", err)
	}
	if res.ExitCode != 0 || res.ArtifactPath != "" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if !strings.Contains(out.String(), "appeared to succeed but no output file was created") {
		t.Fatalf("expected contradiction to be reported:\n%s", out.String())
	}
}

func TestBuildTidyFailureIsOnlyAWarning(t *testing.T) {
	testlog.Start(t)
	root := moduleRoot(t)
	runner := &goRunner{writeArtifact: true, tidyErr: errors.New("exit status 1")}
	var out bytes.Buffer

	if _, err := NewBuilder(runner, &out).Build(context.Background(), tools.ParseEnviron(nil), Request{
		Name: "server", Root: root, Package: "./server", Output: filepath.Join(t.TempDir(), "bin"), Tidy: true,
	}); err != nil {
		t.Fatalf("tidy failure must not abort: %v", err)
	}
	if !strings.Contains(out.String(), "Warning: go mod tidy failed") {
		t.Fatalf("expected tidy warning:\n%s", out.String())
	}
}

func TestBuildAllTidiesOnceAndStopsOnFailure(t *testing.T) {
	testlog.Start(t)
	root := moduleRoot(t)
	bin := t.TempDir()
	runner := &goRunner{writeArtifact: true}
	reqs := []Request{
		{Name: "server", Root: root, Package: "./server", Output: filepath.Join(bin, "server")},
		{Name: "agent", Root: root, Package: "./agent", Output: filepath.Join(bin, "agent")},
	}
	results, err := NewBuilder(runner, nil).BuildAll(context.Background(), tools.ParseEnviron(nil), reqs)
	if err != nil {
		t.Fatalf("build all: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected two results, got %d", len(results))
	}
	tidies := 0
	for _, c := range runner.commands {
		if strings.Join(c, " ") == "go mod tidy" {
			tidies++
		}
	}
	if tidies != 1 {
		t.Fatalf("expected exactly one tidy, got %d", tidies)
	}

	failing := &goRunner{buildErr: errors.New("exit status 1"), buildExit: 1}
	results, err = NewBuilder(failing, nil).BuildAll(context.Background(), tools.ParseEnviron(nil), reqs)
	if err == nil || len(results) != 1 {
		t.Fatalf("expected stop after first failure, got %d results err=%v", len(results), err)
	}
}

func TestBuildRejectsIncompleteRequest(t *testing.T) {
	testlog.Start(t)
	if _, err := NewBuilder(&goRunner{}, nil).Build(context.Background(), tools.ParseEnviron(nil), Request{Name: "server"}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}
