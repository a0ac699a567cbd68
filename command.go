package main

import (
	"errors"
	"os"
	"os/exec"
	"time"

	"github.com/tuxgal/procguard/internal/guard"
	"github.com/tuxgal/tuxlogi"
	"golang.org/x/sys/unix"
)

// runCommand launches the wrapped command and blocks until it exits or
// the guard stops, returning the exit status to propagate. When the
// guard stops first (a termination signal arrived), the command is
// terminated gracefully before returning.
func runCommand(log tuxlogi.Logger, g *guard.Guard, cmdline []string) int {
	cmd := exec.Command(cmdline[0], cmdline[1:]...)
	cmd.SysProcAttr = &unix.SysProcAttr{
		// Use a new process group for the child so termination signals
		// can address the whole group.
		Setpgid: true,
	}
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		log.Errorf("Failed to launch command %q %q, reason: %v", cmdline[0], cmdline[1:], err)
		return exitFailure
	}
	pid := cmd.Process.Pid
	log.Infof("Launched command %q pid: %d", cmdline[0], pid)

	doneCh := make(chan int, 1)
	go func() {
		doneCh <- exitStatus(cmd.Wait())
	}()

	select {
	case status := <-doneCh:
		return status
	case <-g.Done():
		terminateCommand(log, pid)
		return <-doneCh
	}
}

// exitStatus extracts the exit status from the result of cmd.Wait.
func exitStatus(err error) int {
	if err == nil {
		return exitOK
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return exitFailure
}

// terminateCommand terminates the wrapped command's process group,
// escalating from SIGTERM to SIGKILL after the graceful attempts are
// exhausted.
func terminateCommand(log tuxlogi.Logger, pid int) {
	sig := unix.SIGTERM
	totalAttempts := 3
	for attempt := 1; attempt <= totalAttempts+1; attempt++ {
		if attempt > totalAttempts {
			sig = unix.SIGKILL
		}
		if err := unix.Kill(-pid, sig); err != nil {
			// The process group is already gone.
			return
		}
		log.Infof(
			"Termination attempt [%d/%d] - sent signal %s to pgid: %d",
			attempt, totalAttempts+1, unix.SignalName(sig), pid)

		if waitForExit(pid, 5*time.Second) {
			return
		}
	}
}

// waitForExit polls liveness of the specified pid until it dies or the
// timeout elapses.
func waitForExit(pid int, timeout time.Duration) bool {
	sleepUntil := time.NewTimer(timeout)
	defer sleepUntil.Stop()
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			if guard.ProbeProcess(pid) == guard.LivenessDead {
				return true
			}
		case <-sleepUntil.C:
			return false
		}
	}
}
