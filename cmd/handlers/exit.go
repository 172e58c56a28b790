package handlers

import (
	"context"
	"errors"

	"github.com/liuyongshun/msgtool/internal/core"
)

// errInterrupted marks a command aborted by a signal so Execute can
// map it to exit code 130 rather than a generic failure.
var errInterrupted = errors.New("interrupted")

// errPartialFailure marks a multi-source command where at least one
// source failed and at least one succeeded, mapping to exit code 1.
var errPartialFailure = errors.New("partial failure: some sources failed")

// exitCodeFor implements spec §6's exit-code contract: 0 success
// (handled by Execute's nil-error path), 1 partial failure, 2
// configuration invalid, 130 interrupted.
func exitCodeFor(err error) int {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, errInterrupted):
		return 130
	case errors.Is(err, core.ErrConfigInvalid):
		return 2
	case errors.Is(err, errPartialFailure):
		return 1
	default:
		return 1
	}
}
