package tools

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"

	"github.com/rs/zerolog/log"
)

// CommandRunner abstracts external command execution for provisioning stages.
// Commands run in the caller's current working directory with env as their
// complete environment.
type CommandRunner interface {
	Run(ctx context.Context, env Env, name string, args ...string) ([]byte, []byte, int32, error)
}

// ExecRunner executes commands on the local host.
type ExecRunner struct{}

// tools command-runner implementation backed by os/exec. The executable is
// resolved against env's PATH, never the process PATH.
func (r ExecRunner) Run(ctx context.Context, env Env, name string, args ...string) ([]byte, []byte, int32, error) {
	path, err := env.LookPath(name)
	if err != nil {
		return nil, []byte(err.Error()), 127, err
	}

	log.Debug().Str("cmd", name).Str("path", path).Str("args", strings.Join(args, " ")).Msg("tools.exec")
	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Env = env.Environ()
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err = cmd.Run()
	if err == nil {
		return stdout.Bytes(), stderr.Bytes(), 0, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return stdout.Bytes(), stderr.Bytes(), int32(exitErr.ExitCode()), err
	}

	exitCode := int32(1)
	var execErr *exec.Error
	if errors.As(err, &execErr) {
		exitCode = 127
	}
	return stdout.Bytes(), stderr.Bytes(), exitCode, err
}

// JoinCommand renders a command line with every token single-quoted, for
// logs and "reproduce with" hints.
func JoinCommand(cmd string, args []string) string {
	if len(args) == 0 {
		return shellEscape(cmd)
	}
	return shellEscape(cmd) + " " + QuoteArgs(args)
}

// QuoteArgs single-quotes each argument so a POSIX shell lexer splits the
// result back into exactly args.
func QuoteArgs(args []string) string {
	var builder strings.Builder
	for i, arg := range args {
		if i > 0 {
			builder.WriteByte(' ')
		}
		builder.WriteString(shellEscape(arg))
	}
	return builder.String()
}

func shellEscape(value string) string {
	if value == "" {
		return "''"
	}

	return "'" + strings.ReplaceAll(value, "'", `'"'"'`) + "'"
}
