package model

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrCancelled is returned by engines that observed a cancellation between items.
	ErrCancelled = errors.New("job cancelled")
	// ErrNoOverlap marks a polygon that lies entirely outside the raster extent.
	ErrNoOverlap = errors.New("geometry does not overlap raster")
)

// ValidationError carries every accumulated validation message.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	if len(e.Errors) == 1 {
		return "validation failed: " + e.Errors[0]
	}
	return fmt.Sprintf("validation failed (%d errors): %s", len(e.Errors), strings.Join(e.Errors, "; "))
}

type ReprojectionError struct {
	From   string
	To     string
	Reason string
}

func (e *ReprojectionError) Error() string {
	return fmt.Sprintf("reproject %s -> %s: %s", e.From, e.To, e.Reason)
}

// ResourceError means a raster or container could not be opened or written.
type ResourceError struct {
	Op   string
	Path string
	Err  error
}

func (e *ResourceError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %q: %v", e.Op, e.Path, e.Err)
}

func (e *ResourceError) Unwrap() error { return e.Err }
