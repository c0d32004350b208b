package source

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/danmuck/crunchmage/internal/fault"
	"github.com/danmuck/crunchmage/internal/tools"
	"github.com/rs/zerolog/log"
)

var (
	ErrUnsupportedRepo = errors.New("source: unsupported repository")
	ErrCloneFailed     = errors.New("source: clone failed")
	ErrDirNotProject   = errors.New("source: destination exists without module marker")
)

// Acquired reports what Ensure did.
type Acquired struct {
	Cloned   bool
	Location Location
}

// Acquirer clones the project when no working copy is found.
type Acquirer struct {
	RepoURL string
	Branch  string
	Locator Locator
	Runner  tools.CommandRunner
}

// Ensure is a no-op when the marker file is already reachable from the
// current directory; otherwise it clones into ./ProjectDir.
func (a Acquirer) Ensure(ctx context.Context, env tools.Env) (Acquired, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return Acquired{}, fault.New(fault.KindEnvironment, "acquire source", err)
	}
	if loc, err := a.Locator.LocateFrom(cwd); err == nil {
		log.Info().Str("root", loc.Root).Msg("source.acquire working copy present")
		return Acquired{Location: loc}, nil
	}

	if err := validateRepoURL(a.RepoURL); err != nil {
		return Acquired{}, fault.New(fault.KindAcquisition, "acquire source", err)
	}
	dest := filepath.Join(cwd, a.Locator.ProjectDir)
	if _, err := os.Stat(dest); err == nil {
		err := fmt.Errorf("%w: %s (remove it or run from inside the project)", ErrDirNotProject, dest)
		return Acquired{}, fault.New(fault.KindAcquisition, "acquire source", err)
	}

	args := []string{"clone"}
	if branch := strings.TrimSpace(a.Branch); branch != "" {
		args = append(args, "--branch", branch, "--single-branch")
	}
	args = append(args, a.RepoURL, dest)
	if err := a.runCommand(ctx, env, "git", args...); err != nil {
		return Acquired{}, fault.New(fault.KindAcquisition, "acquire source", fmt.Errorf("%w: %v", ErrCloneFailed, err))
	}

	loc, err := a.Locator.LocateFrom(cwd)
	if err != nil {
		err := fmt.Errorf("%w: clone of %s has no %s", ErrDirNotProject, a.RepoURL, a.Locator.Marker)
		return Acquired{}, fault.New(fault.KindAcquisition, "acquire source", err)
	}
	return Acquired{Cloned: true, Location: loc}, nil
}

func (a Acquirer) runCommand(ctx context.Context, env tools.Env, name string, args ...string) error {
	runner := a.Runner
	if runner == nil {
		runner = tools.ExecRunner{}
	}
	log.Info().Str("cmd", name).Str("args", strings.Join(args, " ")).Msg("source.acquire exec")
	stdout, stderr, exitCode, err := runner.Run(ctx, env, name, args...)
	if err == nil {
		return nil
	}
	return fmt.Errorf(
		"source command failed cmd=%s args=%q exit=%d stdout=%q stderr=%q: %w",
		name,
		strings.Join(args, " "),
		exitCode,
		strings.TrimSpace(string(stdout)),
		strings.TrimSpace(string(stderr)),
		err,
	)
}

func validateRepoURL(repo string) error {
	u, err := url.Parse(strings.TrimSpace(repo))
	if err != nil {
		return fmt.Errorf("%w: repo=%q parse error: %v", ErrUnsupportedRepo, repo, err)
	}
	if u.Scheme != "https" || u.Host == "" {
		return fmt.Errorf("%w: repo=%q must be an https URL", ErrUnsupportedRepo, repo)
	}
	if strings.TrimSpace(u.Path) == "" || u.Path == "/" {
		return fmt.Errorf("%w: repo=%q missing repository path", ErrUnsupportedRepo, repo)
	}
	return nil
}
