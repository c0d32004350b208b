// Package build compiles binaries from a located module and proves the
// artifact exists before reporting success.
//
// A zero exit status alone is never success: the artifact must be on disk
// after the compiler returns. Failures carry a diagnostic dump (exit code,
// full output, directory listings) because the operator is often not a Go
// developer and has nothing else to go on.
package build

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/danmuck/crunchmage/internal/fault"
	"github.com/danmuck/crunchmage/internal/tools"
	"github.com/danmuck/crunchmage/internal/workdir"
	"github.com/rs/zerolog/log"
)

var (
	ErrCompileFailed   = errors.New("build: compilation failed")
	ErrArtifactMissing = errors.New("build: artifact missing after successful compile")
	ErrInvalidRequest  = errors.New("build: invalid request")
)

// Request describes one binary to build.
type Request struct {
	Name    string
	Root    string
	Package string
	Output  string
	// Tidy runs `go mod tidy` first. Failure there is only a warning.
	Tidy bool
}

// Result is the outcome of one compile. ArtifactPath is set only on success.
type Result struct {
	Name         string
	ArtifactPath string
	ExitCode     int
	Stdout       string
	Stderr       string
	Diagnostics  *Diagnostics
}

// Diagnostics is the directory snapshot taken when a compile fails.
type Diagnostics struct {
	Cwd            string
	CwdEntries     []string
	CwdListErr     string
	PackageDir     string
	PackageExists  bool
	PackageEntries []string
	PackageListErr string
}

// Builder runs the toolchain's build step.
type Builder struct {
	Runner tools.CommandRunner
	Out    io.Writer
}

func NewBuilder(runner tools.CommandRunner, out io.Writer) *Builder {
	if runner == nil {
		runner = tools.ExecRunner{}
	}
	if out == nil {
		out = io.Discard
	}
	return &Builder{Runner: runner, Out: out}
}

// Build compiles req.Package inside req.Root. The working directory is
// restored before Build returns, on every path.
func (b *Builder) Build(ctx context.Context, env tools.Env, req Request) (Result, error) {
	res := Result{Name: req.Name}
	if req.Root == "" || req.Package == "" || req.Output == "" {
		return res, fault.New(fault.KindBuild, "build "+req.Name, fmt.Errorf("%w: root, package and output are required", ErrInvalidRequest))
	}
	output, err := filepath.Abs(req.Output)
	if err != nil {
		return res, fault.New(fault.KindBuild, "build "+req.Name, err)
	}

	fmt.Fprintf(b.Out, "Compiling %s (%s)\n", req.Name, req.Package)
	err = workdir.Within(req.Root, func() error {
		cwd, _ := os.Getwd()
		log.Info().Str("target", req.Name).Str("dir", cwd).Msg("build.enter module directory")
		if req.Tidy {
			b.tidy(ctx, env)
		}

		stdout, stderr, exitCode, runErr := b.Runner.Run(ctx, env, "go", "build", "-o", output, req.Package)
		res.ExitCode = int(exitCode)
		res.Stdout = string(stdout)
		res.Stderr = string(stderr)
		if runErr == nil {
			return nil
		}
		if res.ExitCode == 0 {
			res.ExitCode = 1
		}
		res.Diagnostics = snapshot(req.Package)
		b.writeFailure(req, res)
		return fmt.Errorf("%w: %s exit=%d: %v", ErrCompileFailed, req.Package, res.ExitCode, runErr)
	})
	if err != nil {
		return res, fault.New(fault.KindBuild, "build "+req.Name, err)
	}

	info, statErr := os.Stat(output)
	if statErr != nil || !info.Mode().IsRegular() {
		fmt.Fprintf(b.Out, "Error: Expected output file not found at %s\n", output)
		fmt.Fprintf(b.Out, "Compilation appeared to succeed but no output file was created\n")
		return res, fault.New(fault.KindBuild, "build "+req.Name, fmt.Errorf("%w: %s", ErrArtifactMissing, output))
	}
	if err := os.Chmod(output, info.Mode().Perm()|0o111); err != nil {
		return res, fault.New(fault.KindBuild, "build "+req.Name, fmt.Errorf("mark %s executable: %w", output, err))
	}

	res.ArtifactPath = output
	fmt.Fprintf(b.Out, "%s built successfully: %s\n", req.Name, output)
	log.Info().Str("target", req.Name).Str("artifact", output).Msg("build.ok")
	return res, nil
}

// BuildAll builds every request against root, tidying once before the first.
// It stops at the first failure.
func (b *Builder) BuildAll(ctx context.Context, env tools.Env, reqs []Request) ([]Result, error) {
	results := make([]Result, 0, len(reqs))
	for i, req := range reqs {
		req.Tidy = i == 0
		res, err := b.Build(ctx, env, req)
		results = append(results, res)
		if err != nil {
			return results, err
		}
	}
	return results, nil
}

func (b *Builder) tidy(ctx context.Context, env tools.Env) {
	fmt.Fprintf(b.Out, "Running go mod tidy...\n")
	_, stderr, exitCode, err := b.Runner.Run(ctx, env, "go", "mod", "tidy")
	if err == nil {
		return
	}
	log.Warn().Err(err).Int32("exit", exitCode).Msg("build.tidy failed; continuing with cached dependencies")
	fmt.Fprintf(b.Out, "Warning: go mod tidy failed\n")
	fmt.Fprintf(b.Out, "STDERR: %s\n", strings.TrimSpace(string(stderr)))
}

func snapshot(pkg string) *Diagnostics {
	d := &Diagnostics{}
	d.Cwd, _ = os.Getwd()
	d.CwdEntries, d.CwdListErr = list(".")
	d.PackageDir = filepath.Clean(pkg)
	if info, err := os.Stat(d.PackageDir); err == nil && info.IsDir() {
		d.PackageExists = true
		d.PackageEntries, d.PackageListErr = list(d.PackageDir)
	}
	return d
}

func list(dir string) ([]string, string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err.Error()
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, ""
}

func (b *Builder) writeFailure(req Request, res Result) {
	w := b.Out
	d := res.Diagnostics
	fmt.Fprintf(w, "Error: %s compilation failed!\n", req.Name)
	fmt.Fprintf(w, "Return code: %d\n", res.ExitCode)
	fmt.Fprintf(w, "STDOUT: %s\n", res.Stdout)
	fmt.Fprintf(w, "STDERR: %s\n", res.Stderr)
	fmt.Fprintf(w, "Reproduce with: cd %s && %s\n", d.Cwd, tools.JoinCommand("go", []string{"build", "-o", req.Output, req.Package}))
	fmt.Fprintf(w, "Current working directory: %s\n", d.Cwd)
	fmt.Fprintf(w, "Contents of current directory:\n")
	writeEntries(w, d.CwdEntries, d.CwdListErr, "directory")
	if d.PackageExists {
		fmt.Fprintf(w, "%s directory exists, contents:\n", d.PackageDir)
		writeEntries(w, d.PackageEntries, d.PackageListErr, d.PackageDir+" directory")
	} else {
		fmt.Fprintf(w, "Error: %s directory does not exist!\n", d.PackageDir)
	}
	log.Error().Str("target", req.Name).Int("exit", res.ExitCode).Msg("build.compile failed")
}

func writeEntries(w io.Writer, entries []string, listErr string, what string) {
	if listErr != "" {
		fmt.Fprintf(w, "  Could not list %s: %s\n", what, listErr)
		return
	}
	for _, e := range entries {
		fmt.Fprintf(w, "  %s\n", e)
	}
}
