package guard

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/tuxgal/tuxlogi"
)

const (
	// PidAbsent means no pidfile exists at the path.
	PidAbsent PidStatus = iota
	// PidOwnedByUs means the pidfile records the calling process's pid.
	PidOwnedByUs
	// PidOwnedByOther means the pidfile records another live process.
	PidOwnedByOther
	// PidStale means the pidfile records a dead owner, has exceeded its
	// maximum age, or holds content that can never be valid.
	PidStale
)

var pidStatusStr = map[PidStatus]string{
	PidAbsent:       "ABSENT",
	PidOwnedByUs:    "OWNED_BY_US",
	PidOwnedByOther: "OWNED_BY_OTHER",
	PidStale:        "STALE",
}

// PidStatus is the classification of an on-disk pidfile relative to
// the calling process.
type PidStatus uint8

func (p PidStatus) String() string {
	return pidStatusStr[p]
}

// PidFileConfig is the configuration for a PidFile.
type PidFileConfig struct {
	// Logger used by the pidfile.
	Log tuxlogi.Logger
	// Sink for structured events, may be nil.
	Events EventSink
	// Absolute path of the pidfile.
	Path string
	// Human-readable label of the owning service for diagnostics.
	Description string
	// Permission of a newly created pidfile, 0644 if zero.
	Perm os.FileMode
	// Age beyond which the pidfile is considered stale even if its
	// recorded owner probes alive. Zero disables age based staleness.
	MaxAge time.Duration
	// Liveness probe, ProbeProcess if nil.
	Probe ProbeFunc
	// Pid of the calling process, os.Getpid if nil. Overridable so the
	// ownership rules can be tested from a single process.
	Pid func() int
}

// PidFile is the service's own identity record on disk: a marker file
// whose sole content is the owning process's pid as decimal text.
// While the owner is alive the file must contain exactly that
// process's pid; a file left behind by a crashed owner is the stale
// case that Check detects and Create cleans up.
type PidFile struct {
	// Logger used by the pidfile.
	log tuxlogi.Logger
	// Event sink.
	events EventSink
	// Path of the pidfile.
	path string
	// Label of the owning service.
	desc string
	// Permission for newly created pidfiles.
	perm os.FileMode
	// Age based staleness bound.
	maxAge time.Duration
	// Liveness probe.
	probe ProbeFunc
	// Current process pid.
	pid func() int
}

// NewPidFile instantiates a pidfile at the specified path.
func NewPidFile(cfg PidFileConfig) *PidFile {
	probe := cfg.Probe
	if probe == nil {
		probe = ProbeProcess
	}
	pid := cfg.Pid
	if pid == nil {
		pid = os.Getpid
	}
	perm := cfg.Perm
	if perm == 0 {
		perm = markerPerm
	}
	return &PidFile{
		log:    cfg.Log,
		events: cfg.Events,
		path:   cfg.Path,
		desc:   cfg.Description,
		perm:   perm,
		maxAge: cfg.MaxAge,
		probe:  probe,
		pid:    pid,
	}
}

// Path returns the path of the pidfile.
func (p *PidFile) Path() string {
	return p.path
}

// Check reads and classifies the pidfile. The returned pid is the one
// recorded on disk, 0 when absent or unparsable.
func (p *PidFile) Check() (PidStatus, int, error) {
	pid, raw, err := p.read()
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return PidAbsent, 0, nil
		}
		return PidAbsent, 0, &PidFileError{Path: p.path, Err: err}
	}
	if pid <= 0 {
		p.log.Warnf("Pidfile %s for %q contains invalid content %q", p.path, p.desc, raw)
		return PidStale, 0, nil
	}
	if pid == p.pid() {
		return PidOwnedByUs, pid, nil
	}
	if p.probe(pid) == LivenessDead {
		return PidStale, pid, nil
	}
	if p.maxAge > 0 {
		if info, err := os.Stat(p.path); err == nil && time.Since(info.ModTime()) > p.maxAge {
			return PidStale, pid, nil
		}
	}
	return PidOwnedByOther, pid, nil
}

// Create writes the calling process's pid as the sole content of the
// pidfile. It fails with PidFileInUseError if the file is validly
// owned by another live process. A stale file is removed and replaced
// without requiring force; staleness alone authorizes the cleanup.
// With force set, any existing file is removed unconditionally.
func (p *PidFile) Create(force bool) error {
	if force {
		if err := os.Remove(p.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return &PidFileError{Path: p.path, Err: err}
		}
		return p.write()
	}

	status, pid, err := p.Check()
	if err != nil {
		return err
	}
	switch status {
	case PidOwnedByOther:
		return &PidFileInUseError{Path: p.path, Pid: pid}
	case PidStale:
		p.log.Warnf("Removing stale pidfile %s previously owned by pid: %d", p.path, pid)
		emit(p.events, Event{
			Kind:     EventPidFileStale,
			Path:     p.path,
			Pid:      p.pid(),
			StalePid: pid,
		})
		if err := os.Remove(p.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return &PidFileError{Path: p.path, Err: err}
		}
	case PidOwnedByUs:
		// Re-entrant call, rewrite in place.
		if err := os.Remove(p.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return &PidFileError{Path: p.path, Err: err}
		}
	case PidAbsent:
	}
	return p.write()
}

// Recreate removes and rewrites the pidfile with the calling process's
// pid, preserving the path. It is used after daemonizing, when the pid
// visible to the outside world changes across the fork boundary. It
// fails with InvalidPidFileError if the content at call time cannot be
// parsed as a positive integer.
func (p *PidFile) Recreate() error {
	pid, raw, err := p.read()
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return &PidFileError{Path: p.path, Err: err}
	}
	if err == nil && pid <= 0 {
		return &InvalidPidFileError{Path: p.path, Content: raw}
	}
	if err := os.Remove(p.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return &PidFileError{Path: p.path, Err: err}
	}
	return p.write()
}

// Remove deletes the pidfile. It is idempotent: an already absent file
// is not an error. A file owned by a different live pid is refused.
func (p *PidFile) Remove() error {
	pid, _, err := p.read()
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return &PidFileError{Path: p.path, Err: err}
	}
	if pid > 0 && pid != p.pid() && p.probe(pid) != LivenessDead {
		return &PidFileError{Path: p.path, Pid: pid}
	}
	if err := os.Remove(p.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return &PidFileError{Path: p.path, Err: err}
	}
	p.log.Debugf("Removed pidfile %s for %q", p.path, p.desc)
	return nil
}

// write publishes the pidfile through the same atomic create-exclusive
// primitive as the lock marker, so competing creators are totally
// ordered by the filesystem.
func (p *PidFile) write() error {
	pid := p.pid()
	tmp := fmt.Sprintf("%s.%d.tmp", p.path, pid)
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, p.perm)
	if err != nil {
		return &PidFileError{Path: p.path, Err: err}
	}
	defer os.Remove(tmp)

	_, err = fmt.Fprintf(f, "%d\n", pid)
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return &PidFileError{Path: p.path, Err: err}
	}

	if err := os.Link(tmp, p.path); err != nil {
		if errors.Is(err, fs.ErrExist) {
			// Lost the creation race; report whoever won.
			winner, _, rerr := p.read()
			if rerr == nil && winner > 0 {
				return &PidFileInUseError{Path: p.path, Pid: winner}
			}
			return &PidFileInUseError{Path: p.path}
		}
		return &PidFileError{Path: p.path, Err: err}
	}

	p.log.Infof("Created pidfile %s for %q with pid: %d", p.path, p.desc, pid)
	emit(p.events, Event{
		Kind: EventPidFileCreated,
		Path: p.path,
		Pid:  pid,
	})
	return nil
}

// read returns the recorded pid, or 0 along with the raw content when
// the content is not a positive decimal integer.
func (p *PidFile) read() (int, string, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return 0, "", err
	}
	raw := string(data)
	pid, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || pid <= 0 {
		return 0, raw, nil
	}
	return pid, raw, nil
}
