package guard

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/tuxgal/tuxlogi"
	"golang.org/x/sys/unix"
)

const (
	// stageEnv carries the detachment stage across the re-exec
	// boundary: unset/0 in the original foreground process, 1 in the
	// intermediate session leader, 2 in the final daemon process.
	stageEnv = "_PROCGUARD_STAGE"

	stageForeground    = 0
	stageSessionLeader = 1
	stageDaemon        = 2

	// File-creation mask of the detached daemon.
	detachedUmask = 0o022

	devNull = "/dev/null"

	selfFdDir = "/proc/self/fd"
)

const (
	// RedirectDiscard redirects the stream to /dev/null.
	RedirectDiscard RedirectMode = iota
	// RedirectFile redirects the stream to a file, appending.
	RedirectFile
	// RedirectInherit leaves the stream untouched.
	RedirectInherit
)

// RedirectMode selects the destination of a standard stream after
// detachment.
type RedirectMode uint8

// Redirect describes the destination of a standard output stream
// after detachment. Standard input is always redirected to /dev/null.
type Redirect struct {
	// Destination mode.
	Mode RedirectMode
	// Destination path, used with RedirectFile.
	Path string
}

// DaemonConfig is the configuration for a Daemonizer.
type DaemonConfig struct {
	// Logger used by the daemonizer.
	Log tuxlogi.Logger
	// Sink for structured events, may be nil.
	Events EventSink
	// Working directory of the detached daemon, "/" if empty.
	WorkDir string
	// Destination of standard output after detachment.
	Stdout Redirect
	// Destination of standard error after detachment.
	Stderr Redirect
}

// Daemonizer transforms the current process into a detached background
// daemon. Since a Go process cannot fork and keep running, each fork
// of the classic double-fork sequence is a re-exec of the current
// binary with the stage recorded in the environment; the phase machine
// within each process still only ever moves forward, and the object is
// consumed once per process lifetime.
type Daemonizer struct {
	// Logger used by the daemonizer.
	log tuxlogi.Logger
	// Event sink.
	events EventSink
	// Phase machine.
	phases *phaseMachine
	// Detachment stage of the current process.
	stage int
	// Working directory after detachment.
	workdir string
	// Stream redirection targets.
	stdout Redirect
	stderr Redirect
}

// NewDaemonizer instantiates a daemonizer, reading the detachment
// stage of the current process from the environment.
func NewDaemonizer(cfg DaemonConfig) *Daemonizer {
	workdir := cfg.WorkDir
	if workdir == "" {
		workdir = "/"
	}
	return &Daemonizer{
		log:     cfg.Log,
		events:  cfg.Events,
		phases:  newPhaseMachine(cfg.Log),
		stage:   stageFromEnv(),
		workdir: workdir,
		stdout:  cfg.Stdout,
		stderr:  cfg.Stderr,
	}
}

// Detach advances the detachment sequence by the part belonging to the
// current process.
//
// In the original foreground process it spawns the intermediate child
// and returns daemon=false; the caller must exit 0, freeing the
// controlling terminal. This is the only step whose failure can still
// be reported synchronously to an interactive caller.
//
// In the intermediate child it creates a new session, spawns the final
// daemon process and returns daemon=false; the session leader must
// also exit, which guarantees the daemon can never reacquire a
// controlling terminal.
//
// In the final daemon process it changes the working directory, resets
// the umask, redirects the standard streams and returns daemon=true.
func (d *Daemonizer) Detach() (bool, error) {
	switch d.stage {
	case stageForeground:
		if err := d.phases.set(PhaseForeground); err != nil {
			return false, &DaemonizeError{Phase: d.phases.current(), Err: err}
		}
		if err := d.spawnNext(stageSessionLeader); err != nil {
			return false, &DaemonizeError{Phase: PhaseForeground, Err: err}
		}
		d.log.Debugf("Forked intermediate child, parent exiting")
		return false, nil

	case stageSessionLeader:
		// The foreground -> forked transition happened at the re-exec
		// boundary; replay it so the machine stays forward-only.
		if err := d.fastForward(PhaseForked); err != nil {
			return false, err
		}
		if _, err := unix.Setsid(); err != nil {
			// No terminal remains to report to beyond this process.
			return false, &DaemonizeError{Phase: PhaseForked, Err: fmt.Errorf("setsid failed, reason: %v", err)}
		}
		if err := d.phases.set(PhaseSessionLeader); err != nil {
			return false, &DaemonizeError{Phase: d.phases.current(), Err: err}
		}
		if err := d.spawnNext(stageDaemon); err != nil {
			return false, &DaemonizeError{Phase: PhaseSessionLeader, Err: err}
		}
		d.log.Debugf("Forked final daemon process, session leader exiting")
		return false, nil

	case stageDaemon:
		if err := d.fastForward(PhaseSessionLeader); err != nil {
			return false, err
		}
		if err := d.finalize(); err != nil {
			return false, err
		}
		return true, nil

	default:
		return false, &DaemonizeError{
			Phase: d.phases.current(),
			Err:   fmt.Errorf("unexpected detachment stage %d", d.stage),
		}
	}
}

// Stage returns the detachment stage of the current process as read
// from the environment at construction time.
func (d *Daemonizer) Stage() int {
	return d.stage
}

// fastForward replays the phases crossed in ancestor processes up to
// and including the specified phase.
func (d *Daemonizer) fastForward(upto Phase) error {
	for _, phase := range []Phase{PhaseForeground, PhaseForked, PhaseSessionLeader} {
		if phase > upto {
			break
		}
		if err := d.phases.set(phase); err != nil {
			return &DaemonizeError{Phase: d.phases.current(), Err: err}
		}
	}
	return nil
}

// spawnNext re-executes the current binary with the specified stage in
// its environment. The standard descriptors are passed through as-is;
// the final daemon process remaps them during finalize, which also
// means pre-detachment failures still reach the terminal. Every other
// descriptor is flagged close-on-exec first, so nothing above fd 2
// crosses the re-exec boundary.
func (d *Daemonizer) spawnNext(stage int) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to resolve own executable, reason: %v", err)
	}

	if err := markInheritedCloseOnExec(); err != nil {
		return err
	}

	proc, err := os.StartProcess(exe, os.Args, &os.ProcAttr{
		Env:   append(envWithoutStage(), fmt.Sprintf("%s=%d", stageEnv, stage)),
		Files: []*os.File{os.Stdin, os.Stdout, os.Stderr},
	})
	if err != nil {
		return fmt.Errorf("failed to fork, reason: %v", err)
	}
	return proc.Release()
}

// finalize completes detachment inside the final daemon process.
func (d *Daemonizer) finalize() error {
	unix.Umask(detachedUmask)

	if err := os.Chdir(d.workdir); err != nil {
		return &DaemonizeError{
			Phase: PhaseSessionLeader,
			Err:   fmt.Errorf("failed to chdir to %q, reason: %v", d.workdir, err),
		}
	}

	if err := d.redirectStreams(); err != nil {
		return &DaemonizeError{Phase: PhaseSessionLeader, Err: err}
	}

	if err := d.phases.set(PhaseDetached); err != nil {
		return &DaemonizeError{Phase: d.phases.current(), Err: err}
	}
	d.log.Infof("Detached from the controlling terminal, pid: %d", os.Getpid())
	emit(d.events, Event{
		Kind: EventDaemonDetached,
		Pid:  os.Getpid(),
	})
	return nil
}

// redirectStreams points stdin at /dev/null and stdout/stderr at their
// configured destinations.
func (d *Daemonizer) redirectStreams() error {
	null, err := os.OpenFile(devNull, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("failed to open %s, reason: %v", devNull, err)
	}
	defer null.Close()

	if err := unix.Dup2(int(null.Fd()), int(os.Stdin.Fd())); err != nil {
		return fmt.Errorf("failed to redirect stdin, reason: %v", err)
	}
	if err := redirectStream(null, os.Stdout, d.stdout); err != nil {
		return fmt.Errorf("failed to redirect stdout, reason: %v", err)
	}
	if err := redirectStream(null, os.Stderr, d.stderr); err != nil {
		return fmt.Errorf("failed to redirect stderr, reason: %v", err)
	}
	return nil
}

// redirectStream remaps one output stream per its redirect target.
func redirectStream(null *os.File, stream *os.File, target Redirect) error {
	switch target.Mode {
	case RedirectInherit:
		return nil
	case RedirectDiscard:
		return unix.Dup2(int(null.Fd()), int(stream.Fd()))
	case RedirectFile:
		f, err := os.OpenFile(target.Path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
		if err != nil {
			return err
		}
		defer f.Close()
		return unix.Dup2(int(f.Fd()), int(stream.Fd()))
	default:
		return fmt.Errorf("unexpected redirect mode %d", target.Mode)
	}
}

// markInheritedCloseOnExec flags every open descriptor above the
// standard three close-on-exec so it cannot survive into the next
// detachment stage. Descriptors the Go runtime owns already carry the
// flag; what this catches are descriptors inherited from our own
// parent (a shell redirect, a leaked socket), which would otherwise
// stay open in the daemon forever. Closing them outright here is not
// an option since the runtime's own descriptors are indistinguishable
// from inherited ones.
func markInheritedCloseOnExec() error {
	entries, err := os.ReadDir(selfFdDir)
	if err != nil {
		return fmt.Errorf("failed to list open descriptors, reason: %v", err)
	}
	for _, entry := range entries {
		fd, err := strconv.Atoi(entry.Name())
		if err != nil || fd <= 2 {
			continue
		}
		// The descriptor backing the listing itself is gone by now,
		// individual failures are expected.
		_, _ = unix.FcntlInt(uintptr(fd), unix.F_SETFD, unix.FD_CLOEXEC)
	}
	return nil
}

// stageFromEnv reads the detachment stage of the current process from
// the environment, defaulting to the foreground stage.
func stageFromEnv() int {
	v := os.Getenv(stageEnv)
	if v == "" {
		return stageForeground
	}
	stage, err := strconv.Atoi(v)
	if err != nil || stage < stageForeground || stage > stageDaemon {
		return stageForeground
	}
	return stage
}

// envWithoutStage returns the current environment with any stage
// marker entries removed.
func envWithoutStage() []string {
	env := os.Environ()
	result := make([]string, 0, len(env))
	for _, entry := range env {
		if strings.HasPrefix(entry, stageEnv+"=") {
			continue
		}
		result = append(result, entry)
	}
	return result
}
