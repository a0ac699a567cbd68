package main

import (
	"flag"
	"fmt"
	"path/filepath"
	"time"

	"github.com/tuxgal/procguard/internal/guard"
)

// invocation represents the parsed invocation of the procguard command.
type invocation struct {
	// Absolute path of the pidfile.
	pidFile string
	// Label of the guarded service for diagnostics.
	name string
	// Whether to detach from the terminal.
	daemonize bool
	// Remove an existing pidfile unconditionally.
	force bool
	// Working directory after detachment.
	workDir string
	// Stream redirection targets after detachment.
	stdout guard.Redirect
	stderr guard.Redirect
	// User and group to switch to after detachment.
	user  string
	group string
	// Path of an optional auxiliary lock file.
	lockFile string
	// Overall deadline for acquiring the auxiliary lock.
	lockTimeout time.Duration
	// Retry and staleness policy for the auxiliary lock, with MaxAge
	// doubling as the pidfile staleness bound.
	retry guard.RetryPolicy
	// Enable debug logging.
	debug bool
	// The wrapped command and its arguments.
	cmd []string
}

// String returns the string representation of the invocation.
func (i *invocation) String() string {
	return fmt.Sprintf(
		"{pidFile: %q name: %q daemonize: %v lockFile: %q cmd: %v}",
		i.pidFile, i.name, i.daemonize, i.lockFile, i.cmd)
}

// parseFlags parses the command line args and returns the invocation
// information for procguard.
func parseFlags() (*invocation, error) {
	inv := &invocation{}
	var stdout, stderr string

	flag.StringVar(&inv.pidFile, "pidfile", "", "Absolute path of the pidfile (required)")
	flag.StringVar(&inv.name, "name", "procguard", "Label of the guarded service used in diagnostics")
	flag.BoolVar(&inv.daemonize, "daemonize", false, "Detach from the terminal and run in the background")
	flag.BoolVar(&inv.force, "force", false, "Remove an existing pidfile unconditionally")
	flag.StringVar(&inv.workDir, "workdir", "/", "Working directory after detachment")
	flag.StringVar(&stdout, "stdout", "discard", "Stdout destination after detachment: discard, inherit or a file path")
	flag.StringVar(&stderr, "stderr", "discard", "Stderr destination after detachment: discard, inherit or a file path")
	flag.StringVar(&inv.user, "user", "", "User to switch to after detachment")
	flag.StringVar(&inv.group, "group", "", "Group to switch to after detachment")
	flag.StringVar(&inv.lockFile, "lockfile", "", "Path of an auxiliary lock file to hold while running")
	flag.DurationVar(&inv.lockTimeout, "lock-timeout", 30*time.Second, "Overall deadline for acquiring the auxiliary lock, 0 to wait forever")
	flag.DurationVar(&inv.retry.StartDelay, "lock-start-delay", 100*time.Millisecond, "Delay before the first lock retry")
	flag.DurationVar(&inv.retry.DelayIncrease, "lock-delay-increase", 100*time.Millisecond, "Amount added to the lock retry delay after every attempt")
	flag.DurationVar(&inv.retry.MaxDelay, "lock-max-delay", time.Second, "Upper bound of the lock retry delay")
	flag.DurationVar(&inv.retry.MaxAge, "max-age", 0, "Age beyond which a lock or pidfile is considered stale, 0 to disable")
	flag.BoolVar(&inv.debug, "debug", false, "Enable debug logging")
	flag.Parse()

	if inv.pidFile == "" {
		return nil, fmt.Errorf("-pidfile is required")
	}
	if !filepath.IsAbs(inv.pidFile) {
		return nil, fmt.Errorf("-pidfile must be an absolute path, got %q", inv.pidFile)
	}
	if inv.lockFile != "" && !filepath.IsAbs(inv.lockFile) {
		return nil, fmt.Errorf("-lockfile must be an absolute path, got %q", inv.lockFile)
	}

	var err error
	if inv.stdout, err = parseRedirect(stdout); err != nil {
		return nil, fmt.Errorf("invalid -stdout, reason: %v", err)
	}
	if inv.stderr, err = parseRedirect(stderr); err != nil {
		return nil, fmt.Errorf("invalid -stderr, reason: %v", err)
	}

	inv.cmd = flag.Args()
	return inv, nil
}

// parseRedirect parses a stream redirection flag value.
func parseRedirect(value string) (guard.Redirect, error) {
	switch value {
	case "discard":
		return guard.Redirect{Mode: guard.RedirectDiscard}, nil
	case "inherit":
		return guard.Redirect{Mode: guard.RedirectInherit}, nil
	default:
		if !filepath.IsAbs(value) {
			return guard.Redirect{}, fmt.Errorf("expected discard, inherit or an absolute file path, got %q", value)
		}
		return guard.Redirect{Mode: guard.RedirectFile, Path: value}, nil
	}
}
