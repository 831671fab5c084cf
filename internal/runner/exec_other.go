//go:build windows

package runner

import (
	"context"
	"time"
)

func isolationSupported() bool { return false }

func runIsolated(ctx context.Context, entry FuncRef, pc map[string]any, limit time.Duration) (any, map[string]any, error) {
	return runInline(ctx, entry, pc)
}
