//go:build !windows

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"gerrit-slack-notifier/internal/log"
	"gerrit-slack-notifier/internal/scheduler"
)

// handleControlSignals maps SIGHUP to reload, SIGUSR1 to pause and SIGUSR2 to resume.
func handleControlSignals(ctx context.Context, sched *scheduler.Scheduler) func() {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGHUP, syscall.SIGUSR1, syscall.SIGUSR2)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case sig, ok := <-sigs:
				if !ok {
					return
				}
				log.Info(ctx, "Control signal received", "signal", sig.String())
				switch sig {
				case syscall.SIGHUP:
					sched.Reload()
				case syscall.SIGUSR1:
					sched.Pause()
				case syscall.SIGUSR2:
					sched.Resume()
				}
			}
		}
	}()

	return func() { signal.Stop(sigs) }
}
