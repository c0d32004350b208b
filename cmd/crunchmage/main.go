// crunchmage provisions a LogCrunch server and agent on a Linux host: it
// installs Go if needed, fetches and builds LogCrunch, prepares TLS
// material, and starts both processes in the background.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/crunchmage/internal/logging"
	"github.com/danmuck/crunchmage/internal/mage"
	"github.com/danmuck/crunchmage/internal/observability"
	"github.com/danmuck/crunchmage/internal/prompt"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
)

func main() {
	logging.ConfigureRuntime()
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "crunchmage: %v\n", err)
		if errors.Is(err, prompt.ErrAborted) {
			return
		}
		os.Exit(1)
	}
}

func run(args []string, stdout io.Writer, stderr io.Writer) error {
	opts, err := parseArgs(args)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			printHelp(stderr, opts.flags)
			return nil
		}
		return err
	}
	if opts.writeConfig != "" {
		return writeConfig(opts.writeConfig, stdout)
	}

	settings, err := resolveSettings(opts)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	orch := mage.New(settings)
	orch.Out = stdout
	if opts.metricsFile != "" {
		orch.Metrics = observability.NewRecorder()
	}
	_, err = orch.Run(ctx)
	if opts.metricsFile != "" {
		if werr := orch.Metrics.WriteTextfile(opts.metricsFile); werr != nil {
			log.Warn().Err(werr).Str("path", opts.metricsFile).Msg("crunchmage.metrics write failed")
		}
	}
	return err
}

func printHelp(w io.Writer, flags *pflag.FlagSet) {
	fmt.Fprintf(w, `crunchmage installs and starts LogCrunch on this host.

Usage:
  crunchmage [flags] [host] port [cert_path key_path]

host defaults to localhost. Supply cert_path and key_path together to use an
existing certificate; leave both out to generate a self-signed pair in
~/logcrunch_crypto.

Examples:
  crunchmage 8443
  crunchmage 0.0.0.0 8443 /etc/ssl/logcrunch.crt /etc/ssl/logcrunch.key
  crunchmage --yes --reinstall-go no --config ./crunchmage.toml 8443

Flags:
`)
	if flags != nil {
		flags.SetOutput(w)
		flags.PrintDefaults()
	}
}
