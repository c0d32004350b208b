package main

import (
	"fmt"
	"os"

	"github.com/danmuck/crunchmage/internal/config"
	"github.com/danmuck/crunchmage/internal/logging"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
)

const defaultPath = "crunchmage.toml"

func main() {
	logging.ConfigureRuntime()
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "configgen: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flags := pflag.NewFlagSet("configgen", pflag.ContinueOnError)
	output := flags.StringP("output", "o", defaultPath, "output path for config template")
	validate := flags.Bool("validate", false, "validate an existing config file")
	input := flags.StringP("input", "i", defaultPath, "config path for validation")
	force := flags.Bool("force", false, "overwrite existing config file")
	if err := flags.Parse(args); err != nil {
		return err
	}

	if *validate {
		if err := validateFile(*input); err != nil {
			return err
		}
		log.Info().Str("path", *input).Msg("configgen.validated")
		return nil
	}

	if err := config.WriteTemplate(*output, *force); err != nil {
		return err
	}
	log.Info().Str("path", *output).Msg("configgen.wrote template")
	return nil
}

// validateFile checks path the way crunchmage would load it, with a
// placeholder port since the port only comes from the command line.
func validateFile(path string) error {
	settings, err := config.LoadFile(path, config.Default())
	if err != nil {
		return err
	}
	home, err := config.HomeDir()
	if err != nil {
		return err
	}
	settings = settings.ExpandHome(home)
	settings.Port = 1
	return config.Validate(settings)
}
