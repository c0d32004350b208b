// Package fault classifies fatal provisioning failures.
//
// Every stage returns plain wrapped errors; the orchestrator tags them with a
// Kind so the operator sees which category of problem stopped the run.
// Nothing is retried automatically.
package fault

import (
	"errors"
	"fmt"
)

// Kind is one category of fatal failure.
type Kind string

const (
	KindEnvironment Kind = "environment"
	KindAcquisition Kind = "acquisition"
	KindLocation    Kind = "location"
	KindBuild       Kind = "build"
	KindCertificate Kind = "certificate"
	KindLaunch      Kind = "launch"
	KindConfig      Kind = "config"
)

// Category sentinels for errors.Is checks.
var (
	ErrEnvironment = errors.New("environment error")
	ErrAcquisition = errors.New("acquisition error")
	ErrLocation    = errors.New("location error")
	ErrBuild       = errors.New("build error")
	ErrCertificate = errors.New("certificate error")
	ErrLaunch      = errors.New("launch error")
	ErrConfig      = errors.New("config error")
)

var sentinels = map[Kind]error{
	KindEnvironment: ErrEnvironment,
	KindAcquisition: ErrAcquisition,
	KindLocation:    ErrLocation,
	KindBuild:       ErrBuild,
	KindCertificate: ErrCertificate,
	KindLaunch:      ErrLaunch,
	KindConfig:      ErrConfig,
}

// Error is a classified failure raised by operation Op.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s error in %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the category sentinel for e.Kind.
func (e *Error) Is(target error) bool {
	sentinel, ok := sentinels[e.Kind]
	return ok && target == sentinel
}

// New classifies err. A nil err yields nil; an already classified err is
// returned unchanged so the innermost classification wins.
func New(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	var existing *Error
	if errors.As(err, &existing) {
		return err
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the classification of err, if any.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}
