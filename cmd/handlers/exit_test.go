package handlers

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/liuyongshun/msgtool/internal/core"
)

func TestExitCodeForMapsKnownErrors(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"context canceled", context.Canceled, 130},
		{"interrupted", errInterrupted, 130},
		{"config invalid", fmt.Errorf("%w: bad yaml", core.ErrConfigInvalid), 2},
		{"partial failure", errPartialFailure, 1},
		{"generic error", errors.New("boom"), 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := exitCodeFor(tc.err); got != tc.want {
				t.Errorf("exitCodeFor(%v) = %d, want %d", tc.err, got, tc.want)
			}
		})
	}
}
