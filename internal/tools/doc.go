// Package tools provides the host-facing primitives shared by every
// provisioning stage.
//
// Ownership boundary:
// - external command execution with captured stdout/stderr/exit code
//
// - explicit environment context (Env) passed from stage to stage
//
// - PATH resolution against an Env instead of the process environment
package tools
