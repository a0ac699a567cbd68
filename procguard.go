// Command procguard runs a program as a guarded singleton daemon: it
// guarantees only one instance is running via a pidfile, optionally
// detaches from the terminal, and supervises the wrapped command until
// it exits or a termination signal arrives.
package main

import (
	"context"
	"errors"
	"os"

	"github.com/tuxgal/procguard/internal/guard"
	"github.com/tuxgal/tuxlog"
	"github.com/tuxgal/tuxlogi"
)

// Exit codes distinguishing the failure kinds of the core.
const (
	exitOK              = 0
	exitFailure         = 1
	exitAnotherInstance = 2
	exitPidFile         = 3
	exitDaemonize       = 4
	exitLockTimeout     = 5
)

var (
	log = buildLogger(false)
)

func buildLogger(debug bool) tuxlogi.Logger {
	config := tuxlog.NewConsoleLoggerConfig()
	config.MaxLevel = tuxlog.LvlInfo
	if debug {
		config.MaxLevel = tuxlog.LvlDebug
	}
	return tuxlog.NewLogger(config)
}

// exitCodeFor maps the core's error taxonomy to the command's exit
// codes. The numeric mapping is this command's policy, not the core's.
func exitCodeFor(err error) int {
	var inUse *guard.PidFileInUseError
	var pidErr *guard.PidFileError
	var invalidPid *guard.InvalidPidFileError
	var daemonErr *guard.DaemonizeError
	var lockTimeout *guard.LockTimeoutError
	switch {
	case errors.As(err, &inUse):
		return exitAnotherInstance
	case errors.As(err, &pidErr), errors.As(err, &invalidPid):
		return exitPidFile
	case errors.As(err, &daemonErr):
		return exitDaemonize
	case errors.As(err, &lockTimeout):
		return exitLockTimeout
	default:
		return exitFailure
	}
}

func run() int {
	inv, err := parseFlags()
	if err != nil {
		log.Errorf("Invalid invocation, reason: %v", err)
		return exitFailure
	}
	if inv.debug {
		log = buildLogger(true)
	}
	log.Debugf("Invocation: %v", inv)

	// The excluded logging layer renders structured events; here that
	// layer is the command's logger.
	events := func(ev guard.Event) {
		log.Infof("Event: %v", ev)
	}

	g, err := guard.Start(guard.Config{
		Log:           log,
		Events:        events,
		PidFilePath:   inv.pidFile,
		Description:   inv.name,
		PidFileMaxAge: inv.retry.MaxAge,
		Force:         inv.force,
		Daemonize:     inv.daemonize,
		WorkDir:       inv.workDir,
		Stdout:        inv.stdout,
		Stderr:        inv.stderr,
		User:          inv.user,
		Group:         inv.group,
	})
	if err != nil {
		log.Errorf("Failed to establish sole instance, reason: %v", err)
		return exitCodeFor(err)
	}
	defer g.Stop()

	if inv.lockFile != "" {
		lf := guard.NewLockFile(guard.LockConfig{
			Log:      log,
			Events:   events,
			Resource: inv.name,
			Path:     inv.lockFile,
			Retry:    inv.retry,
			UsePid:   true,
		})
		ctx := context.Background()
		if inv.lockTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, inv.lockTimeout)
			defer cancel()
		}
		handle, err := lf.Acquire(ctx)
		if err != nil {
			log.Errorf("Failed to acquire lock, reason: %v", err)
			return exitCodeFor(err)
		}
		defer func() {
			if err := handle.Release(); err != nil {
				log.Warnf("Failed to release lock, reason: %v", err)
			}
		}()
	}

	if len(inv.cmd) > 0 {
		status := runCommand(log, g, inv.cmd)
		log.Infof("Wrapped command exited with status code: %d", status)
		g.Stop()
		return status
	}

	g.Wait()
	return exitOK
}

func main() {
	os.Exit(run())
}
