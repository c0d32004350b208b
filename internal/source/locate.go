package source

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/danmuck/crunchmage/internal/fault"
	"github.com/rs/zerolog/log"
	"golang.org/x/mod/modfile"
)

var (
	ErrModuleNotFound = errors.New("source: module root not found")
	ErrMarkerInvalid  = errors.New("source: marker does not parse")
	ErrWrongModule    = errors.New("source: marker belongs to another module")
)

// Location is the resolved module root.
type Location struct {
	Root       string
	Marker     string
	ModulePath string
	GoVersion  string
}

// Locator probes a fixed, ordered candidate list for Marker. When Module is
// set and Marker is a go.mod, a candidate only matches if its module path
// equals Module.
type Locator struct {
	Marker     string
	ProjectDir string
	Module     string
}

// Candidates lists the probe order for cwd: cwd, its parent, cwd/ProjectDir.
func (l Locator) Candidates(cwd string) []string {
	return []string{
		cwd,
		filepath.Dir(cwd),
		filepath.Join(cwd, l.ProjectDir),
	}
}

// Locate probes from the current working directory.
func (l Locator) Locate() (Location, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return Location{}, fault.New(fault.KindLocation, "locate module", err)
	}
	return l.LocateFrom(cwd)
}

// LocateFrom returns the first candidate holding the marker file. No further
// candidates are probed after a match.
func (l Locator) LocateFrom(cwd string) (Location, error) {
	candidates := l.Candidates(cwd)
	var rejected []string
	for _, dir := range candidates {
		marker := filepath.Join(dir, l.Marker)
		info, err := os.Stat(marker)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		loc := Location{Root: dir, Marker: marker}
		if err := l.identify(&loc); err != nil {
			log.Debug().Err(err).Str("dir", dir).Msg("source.locate candidate rejected")
			rejected = append(rejected, fmt.Sprintf("%s (%v)", dir, err))
			continue
		}
		log.Info().Str("root", loc.Root).Str("module", loc.ModulePath).Msg("source.locate found module")
		return loc, nil
	}
	err := fmt.Errorf("%w: no %s in [%s] (cwd=%s)", ErrModuleNotFound, l.Marker, strings.Join(candidates, ", "), cwd)
	if len(rejected) > 0 {
		err = fmt.Errorf("%w; rejected: %s", err, strings.Join(rejected, "; "))
	}
	return Location{}, fault.New(fault.KindLocation, "locate module", err)
}

// identify reads module metadata from a go.mod marker and checks it against
// l.Module. A marker that does not parse is not the project.
func (l Locator) identify(loc *Location) error {
	if filepath.Base(loc.Marker) != "go.mod" {
		return nil
	}
	data, err := os.ReadFile(loc.Marker)
	if err != nil {
		return err
	}
	file, err := modfile.ParseLax(loc.Marker, data, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMarkerInvalid, err)
	}
	if file.Module != nil {
		loc.ModulePath = file.Module.Mod.Path
	}
	if file.Go != nil {
		loc.GoVersion = file.Go.Version
	}
	if l.Module != "" && loc.ModulePath != l.Module {
		return fmt.Errorf("%w: module %q, want %q", ErrWrongModule, loc.ModulePath, l.Module)
	}
	return nil
}
