// Package workdir scopes changes to the process working directory.
//
// The working directory is process-global state. Every change made by a
// provisioning stage goes through Enter/Within so it is restored on every
// exit path, including errors and panics.
package workdir

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
)

// Guard remembers the directory that was current before Enter.
type Guard struct {
	previous string
	restored bool
}

// Enter changes into dir and returns a Guard that restores the previous
// directory. Callers must defer Restore.
func Enter(dir string) (*Guard, error) {
	previous, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("workdir: resolve current directory: %w", err)
	}
	if err := os.Chdir(dir); err != nil {
		return nil, fmt.Errorf("workdir: enter %s: %w", dir, err)
	}
	log.Debug().Str("from", previous).Str("to", dir).Msg("workdir.enter")
	return &Guard{previous: previous}, nil
}

// Previous is the directory Restore returns to.
func (g *Guard) Previous() string {
	return g.previous
}

// Restore changes back to the previous directory. It is safe to call twice.
func (g *Guard) Restore() error {
	if g == nil || g.restored {
		return nil
	}
	g.restored = true
	if err := os.Chdir(g.previous); err != nil {
		log.Error().Err(err).Str("dir", g.previous).Msg("workdir.restore failed")
		return fmt.Errorf("workdir: restore %s: %w", g.previous, err)
	}
	log.Debug().Str("to", g.previous).Msg("workdir.restore")
	return nil
}

// Within runs fn with dir as the working directory. A restore failure is
// reported only when fn itself succeeded.
func Within(dir string, fn func() error) (err error) {
	guard, err := Enter(dir)
	if err != nil {
		return err
	}
	defer func() {
		if restoreErr := guard.Restore(); restoreErr != nil && err == nil {
			err = restoreErr
		}
	}()
	return fn()
}
