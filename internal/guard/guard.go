package guard

import (
	"os"
	"sync"
	"time"

	"github.com/tuxgal/tuxlogi"
)

// Config is the configuration for a Guard. All settings arrive already
// validated; flag parsing and configuration files are the caller's
// concern.
type Config struct {
	// Logger used by the guard and every component it owns.
	Log tuxlogi.Logger
	// Sink for structured events, may be nil.
	Events EventSink
	// Absolute path of the pidfile.
	PidFilePath string
	// Human-readable label of the service for diagnostics.
	Description string
	// Permission of the pidfile, 0644 if zero.
	PidFilePerm os.FileMode
	// Age beyond which a pidfile with a live-probing owner is still
	// considered stale. Zero disables age based staleness.
	PidFileMaxAge time.Duration
	// Remove any existing pidfile unconditionally instead of failing
	// when it is owned by another live process.
	Force bool
	// Whether to detach from the terminal before running.
	Daemonize bool
	// Working directory after detachment, "/" if empty.
	WorkDir string
	// Destination of standard output after detachment.
	Stdout Redirect
	// Destination of standard error after detachment.
	Stderr Redirect
	// User to switch to after detachment, no switch if empty.
	User string
	// Group to switch to after detachment, no switch if empty.
	Group string
	// Liveness probe, ProbeProcess if nil. Overridable in tests.
	Probe ProbeFunc
	// Pid of the calling process, os.Getpid if nil. Overridable in tests.
	Pid func() int
	// Used to exit the intermediate processes of the detachment
	// sequence, os.Exit if nil. Overridable in tests.
	ExitFn func(code int)
}

// Guard composes the pidfile and the daemonizer so that a single Start
// call either establishes the calling service as the sole, running
// instance or fails with a typed reason. The guard owns the pidfile
// for the lifetime of the service and releases it on every normal and
// signaled exit path.
type Guard struct {
	// Logger used by the guard.
	log tuxlogi.Logger
	// Event sink.
	events EventSink
	// Owned pidfile.
	pidfile *PidFile
	// Signal manager.
	signals *signalManager
	// Pidfile watcher.
	watcher *pidfileWatcher
	// Used to exit intermediate detachment processes.
	exitFn func(code int)
	// Guards the one-shot stop sequence.
	stopOnce sync.Once
	// Closed once the stop sequence completes.
	doneCh chan struct{}
}

// Start establishes the calling service as the sole running instance.
//
// The pidfile is always claimed first, in the still-attached foreground
// process, so that "another instance is running" is reported
// synchronously. When daemonizing, the detachment sequence then runs to
// completion: the intermediate processes exit through the configured
// exit function and never return from Start, and the final daemon
// process rewrites the pidfile with its own pid before signal handling
// and the pidfile watch are put in place.
func Start(cfg Config) (*Guard, error) {
	g := &Guard{
		log:    cfg.Log,
		events: cfg.Events,
		exitFn: cfg.ExitFn,
		doneCh: make(chan struct{}),
	}
	if g.exitFn == nil {
		g.exitFn = os.Exit
	}
	g.pidfile = NewPidFile(PidFileConfig{
		Log:         cfg.Log,
		Events:      cfg.Events,
		Path:        cfg.PidFilePath,
		Description: cfg.Description,
		Perm:        cfg.PidFilePerm,
		MaxAge:      cfg.PidFileMaxAge,
		Probe:       cfg.Probe,
		Pid:         cfg.Pid,
	})

	if cfg.Daemonize {
		d := NewDaemonizer(DaemonConfig{
			Log:     cfg.Log,
			Events:  cfg.Events,
			WorkDir: cfg.WorkDir,
			Stdout:  cfg.Stdout,
			Stderr:  cfg.Stderr,
		})
		if d.Stage() == stageForeground {
			if err := g.pidfile.Create(cfg.Force); err != nil {
				return nil, err
			}
		}
		daemon, err := d.Detach()
		if err != nil {
			if d.Stage() == stageForeground {
				// Still attached, nothing ever detached: release the
				// claim so the failure leaves no stale pidfile behind.
				_ = g.pidfile.Remove()
			}
			return nil, err
		}
		if !daemon {
			// Intermediate process of the detachment sequence, its
			// part is done.
			g.exitFn(0)
			return nil, nil
		}
		if err := dropPrivileges(cfg.User, cfg.Group); err != nil {
			return nil, err
		}
		// The pid visible to the outside world is that of the final
		// daemon process, not the one recorded before detachment.
		if err := g.pidfile.Recreate(); err != nil {
			return nil, err
		}
	} else {
		if err := g.pidfile.Create(cfg.Force); err != nil {
			return nil, err
		}
	}

	g.signals = newSignalManager(cfg.Log, g.handleTermination, g.recheckPidFile)

	watcher, err := newPidfileWatcher(cfg.Log, g.pidfile.Path(), g.recheckPidFile)
	if err != nil {
		// The watch is an additional safety net over the SIGHUP driven
		// re-validation, not a prerequisite for running.
		g.log.Warnf("Running without pidfile watch: %v", err)
	} else {
		g.watcher = watcher
	}

	g.log.Infof("Guarding %q as sole instance, pid: %d, pidfile: %s",
		cfg.Description, g.pidfile.pid(), g.pidfile.Path())
	return g, nil
}

// Pid returns the pid recorded in the owned pidfile.
func (g *Guard) Pid() int {
	return g.pidfile.pid()
}

// PidFilePath returns the path of the owned pidfile.
func (g *Guard) PidFilePath() string {
	return g.pidfile.Path()
}

// Wait blocks until the guard has stopped.
func (g *Guard) Wait() {
	<-g.doneCh
}

// Done returns a channel that is closed once the guard has stopped.
func (g *Guard) Done() <-chan struct{} {
	return g.doneCh
}

// Stop releases the guard's resources: the pidfile watch, the signal
// handler and finally the pidfile itself. It is idempotent and safe to
// call from any exit path.
func (g *Guard) Stop() {
	g.stopOnce.Do(func() {
		emit(g.events, Event{
			Kind: EventServiceStopping,
			Path: g.pidfile.Path(),
			Pid:  g.pidfile.pid(),
		})
		g.log.Infof("Service stopping, releasing pidfile %s", g.pidfile.Path())

		if g.watcher != nil {
			g.watcher.shutDown()
		}
		g.signals.shutDown()
		if err := g.pidfile.Remove(); err != nil {
			g.log.Errorf("Failed to remove pidfile on shutdown, reason: %v", err)
		}
		close(g.doneCh)
	})
}

// handleTermination initiates the stop sequence for a termination
// signal. The stop runs in a separate goroutine so the signal handler
// loop stays responsive while shutting down.
func (g *Guard) handleTermination(sig os.Signal) {
	go g.Stop()
}

// recheckPidFile re-validates that the on-disk pidfile still records
// the calling process, rewriting it if it was removed or replaced
// out-of-band.
func (g *Guard) recheckPidFile() {
	status, pid, err := g.pidfile.Check()
	if err != nil {
		g.log.Errorf("Failed to re-validate pidfile, reason: %v", err)
		return
	}
	if status == PidOwnedByUs {
		return
	}
	g.log.Warnf(
		"Pidfile %s no longer records us (%s, pid: %d), reasserting",
		g.pidfile.Path(), status, pid)
	if err := g.pidfile.Create(true); err != nil {
		g.log.Errorf("Failed to reassert pidfile, reason: %v", err)
	}
}
