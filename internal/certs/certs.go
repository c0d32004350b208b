// Package certs resolves the TLS certificate/key pair handed to the server.
//
// A bundle is either both caller-supplied files or a freshly generated
// self-signed pair; the two are never mixed. Returned paths are absolute and
// exist at the moment of return.
package certs

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/danmuck/crunchmage/internal/fault"
	"github.com/danmuck/crunchmage/internal/tools"
	"github.com/danmuck/crunchmage/internal/workdir"
	"github.com/rs/zerolog/log"
)

const (
	CertFile = "server.crt"
	KeyFile  = "server.key"
)

var (
	ErrCertMissing    = errors.New("certs: certificate file not found")
	ErrKeyMissing     = errors.New("certs: key file not found")
	ErrGenerateFailed = errors.New("certs: self-signed generation failed")
)

// Bundle is a resolved certificate/key pair.
type Bundle struct {
	CertPath   string
	KeyPath    string
	SelfSigned bool
}

type Config struct {
	Dir        string
	CommonName string
	Days       int
	KeyBits    int
}

// Provisioner resolves or generates a Bundle.
type Provisioner struct {
	cfg    Config
	runner tools.CommandRunner
	out    io.Writer
}

func NewProvisioner(cfg Config, runner tools.CommandRunner, out io.Writer) *Provisioner {
	if runner == nil {
		runner = tools.ExecRunner{}
	}
	if out == nil {
		out = io.Discard
	}
	if cfg.CommonName == "" {
		cfg.CommonName = "localhost"
	}
	if cfg.Days <= 0 {
		cfg.Days = 365
	}
	if cfg.KeyBits <= 0 {
		cfg.KeyBits = 4096
	}
	return &Provisioner{cfg: cfg, runner: runner, out: out}
}

// Resolve uses certPath/keyPath when both are set, otherwise discards both
// and generates a self-signed pair into the configured directory.
func (p *Provisioner) Resolve(ctx context.Context, env tools.Env, certPath string, keyPath string) (Bundle, error) {
	certPath = strings.TrimSpace(certPath)
	keyPath = strings.TrimSpace(keyPath)
	if certPath == "" || keyPath == "" {
		fmt.Fprintf(p.out, "Certificate or key path not provided. Generating self-signed certificates...\n")
		return p.Generate(ctx, env)
	}

	if !isFile(certPath) {
		fmt.Fprintf(p.out, "Error: Certificate file not found at %s\n", certPath)
		return Bundle{}, fault.New(fault.KindCertificate, "resolve certificates", fmt.Errorf("%w: %s", ErrCertMissing, certPath))
	}
	if !isFile(keyPath) {
		fmt.Fprintf(p.out, "Error: Key file not found at %s\n", keyPath)
		return Bundle{}, fault.New(fault.KindCertificate, "resolve certificates", fmt.Errorf("%w: %s", ErrKeyMissing, keyPath))
	}
	certAbs, err := filepath.Abs(certPath)
	if err != nil {
		return Bundle{}, fault.New(fault.KindCertificate, "resolve certificates", err)
	}
	keyAbs, err := filepath.Abs(keyPath)
	if err != nil {
		return Bundle{}, fault.New(fault.KindCertificate, "resolve certificates", err)
	}
	if _, err := tls.LoadX509KeyPair(certAbs, keyAbs); err != nil {
		log.Warn().Err(err).Str("cert", certAbs).Str("key", keyAbs).Msg("certs.resolve supplied pair does not load; the server will likely reject it")
	}
	fmt.Fprintf(p.out, "Using certificate: %s\nUsing key: %s\n", certAbs, keyAbs)
	return Bundle{CertPath: certAbs, KeyPath: keyAbs}, nil
}

// Generate writes server.crt and server.key into the configured directory,
// replacing any previous pair, and checks they load as a matching pair.
func (p *Provisioner) Generate(ctx context.Context, env tools.Env) (Bundle, error) {
	dir, err := filepath.Abs(p.cfg.Dir)
	if err != nil {
		return Bundle{}, fault.New(fault.KindCertificate, "generate certificates", err)
	}
	fmt.Fprintf(p.out, "Generating self-signed certificates in %s\n", dir)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return Bundle{}, fault.New(fault.KindCertificate, "generate certificates", fmt.Errorf("%w: create %s: %v", ErrGenerateFailed, dir, err))
	}

	args := []string{
		"req", "-x509",
		"-newkey", "rsa:" + strconv.Itoa(p.cfg.KeyBits),
		"-keyout", KeyFile,
		"-out", CertFile,
		"-days", strconv.Itoa(p.cfg.Days),
		"-nodes",
		"-subj", "/CN=" + p.cfg.CommonName,
	}
	err = workdir.Within(dir, func() error {
		log.Info().Str("cmd", "openssl").Str("args", strings.Join(args, " ")).Str("dir", dir).Msg("certs.generate exec")
		stdout, stderr, exitCode, runErr := p.runner.Run(ctx, env, "openssl", args...)
		if runErr == nil {
			return nil
		}
		return fmt.Errorf(
			"certs command failed cmd=openssl exit=%d stdout=%q stderr=%q: %w",
			exitCode,
			strings.TrimSpace(string(stdout)),
			strings.TrimSpace(string(stderr)),
			runErr,
		)
	})
	if err != nil {
		return Bundle{}, fault.New(fault.KindCertificate, "generate certificates", fmt.Errorf("%w: %v", ErrGenerateFailed, err))
	}

	bundle := Bundle{
		CertPath:   filepath.Join(dir, CertFile),
		KeyPath:    filepath.Join(dir, KeyFile),
		SelfSigned: true,
	}
	if !isFile(bundle.CertPath) || !isFile(bundle.KeyPath) {
		err := fmt.Errorf("%w: openssl exited cleanly but %s or %s is missing", ErrGenerateFailed, bundle.CertPath, bundle.KeyPath)
		return Bundle{}, fault.New(fault.KindCertificate, "generate certificates", err)
	}
	if _, err := tls.LoadX509KeyPair(bundle.CertPath, bundle.KeyPath); err != nil {
		return Bundle{}, fault.New(fault.KindCertificate, "generate certificates", fmt.Errorf("%w: generated pair does not load: %v", ErrGenerateFailed, err))
	}
	if err := os.Chmod(bundle.KeyPath, 0o600); err != nil {
		log.Warn().Err(err).Str("key", bundle.KeyPath).Msg("certs.generate could not restrict key permissions")
	}

	fmt.Fprintf(p.out, "Crypto generated successfully:\n  Certificate: %s\n  Private key: %s\n", bundle.CertPath, bundle.KeyPath)
	return bundle, nil
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
