// Package mlerr holds the error kinds shared by the crop and disease pipelines.
//
// Every package wraps one of these sentinels with context, so callers can
// branch on the kind with errors.Is regardless of which layer failed.
package mlerr

import "errors"

var (
	// ErrUnfitted is returned when a preprocessor or model is used before it was fitted or trained.
	ErrUnfitted = errors.New("component used before fit")
	// ErrInvalidIndex is returned when a class index falls outside the class set.
	ErrInvalidIndex = errors.New("class index out of range")
	// ErrInvalidArgument covers malformed inputs: bad k, wrong feature count, bad split fractions.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrUnavailableConverter marks an export format whose external tooling is missing.
	ErrUnavailableConverter = errors.New("export converter unavailable")
	// ErrNumericDivergence is returned when a training loss becomes NaN or infinite.
	ErrNumericDivergence = errors.New("training diverged")
)
