package launch

import (
	"context"
	"fmt"
	"math"
	"net"
	"strconv"
	"time"

	"github.com/danmuck/crunchmage/internal/fault"
	"github.com/rs/zerolog/log"
)

const (
	ModeTCP   = "tcp"
	ModeDelay = "delay"
)

// Readiness blocks until a launched server can accept its dependents.
type Readiness interface {
	Wait(ctx context.Context) error
}

// BackoffConfig shapes the retry delays of a TCPProbe.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
}

func DefaultBackoff() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 100 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     2 * time.Second,
	}
}

// NextBackoffDelay returns the retry delay for attempt N (1-based).
func NextBackoffDelay(cfg BackoffConfig, attempt int) time.Duration {
	if attempt <= 1 {
		return cfg.InitialDelay
	}
	if cfg.InitialDelay <= 0 {
		return 0
	}
	if cfg.Multiplier < 1.0 {
		cfg.Multiplier = 1.0
	}
	delay := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt-1))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	return time.Duration(delay)
}

// TCPProbe is ready once a TCP connection to Address succeeds.
type TCPProbe struct {
	Address string
	Timeout time.Duration
	Backoff BackoffConfig
	Dial    func(ctx context.Context, network string, address string) (net.Conn, error)
}

// NewTCPProbe targets host:port. Wildcard bind hosts are probed on loopback.
func NewTCPProbe(host string, port int, timeout time.Duration) *TCPProbe {
	switch host {
	case "", "0.0.0.0":
		host = "127.0.0.1"
	case "::", "[::]":
		host = "::1"
	}
	return &TCPProbe{
		Address: net.JoinHostPort(host, strconv.Itoa(port)),
		Timeout: timeout,
		Backoff: DefaultBackoff(),
	}
}

func (p *TCPProbe) Wait(ctx context.Context) error {
	dial := p.Dial
	if dial == nil {
		dialer := &net.Dialer{Timeout: time.Second}
		dial = dialer.DialContext
	}
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	var lastErr error
	for attempt := 1; ; attempt++ {
		conn, err := dial(ctx, "tcp", p.Address)
		if err == nil {
			_ = conn.Close()
			log.Info().Str("addr", p.Address).Int("attempt", attempt).Msg("launch.ready")
			return nil
		}
		lastErr = err
		delay := NextBackoffDelay(p.Backoff, attempt)
		log.Debug().Err(err).Str("addr", p.Address).Int("attempt", attempt).Dur("retry_in", delay).Msg("launch.probe not ready")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			err := fmt.Errorf("%w: %s after %d attempts: %v", ErrNotReady, p.Address, attempt, lastErr)
			return fault.New(fault.KindLaunch, "await server", err)
		case <-timer.C:
		}
	}
}

// DelayProbe waits a fixed duration. It proves nothing about the server.
type DelayProbe struct {
	Delay time.Duration
}

func (p DelayProbe) Wait(ctx context.Context) error {
	if p.Delay <= 0 {
		return nil
	}
	log.Info().Dur("delay", p.Delay).Msg("launch.delay before dependent launch")
	timer := time.NewTimer(p.Delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fault.New(fault.KindLaunch, "await server", ctx.Err())
	case <-timer.C:
		return nil
	}
}

// NewReadiness picks a probe by mode name. An empty mode is a fixed delay.
func NewReadiness(mode string, host string, port int, timeout time.Duration, delay time.Duration) (Readiness, error) {
	switch mode {
	case ModeTCP:
		return NewTCPProbe(host, port, timeout), nil
	case ModeDelay, "":
		return DelayProbe{Delay: delay}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownProbe, mode)
}
