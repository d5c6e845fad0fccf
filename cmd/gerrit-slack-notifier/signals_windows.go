//go:build windows

package main

import (
	"context"

	"gerrit-slack-notifier/internal/scheduler"
)

// handleControlSignals is a no-op; use the control API instead.
func handleControlSignals(_ context.Context, _ *scheduler.Scheduler) func() {
	return func() {}
}
