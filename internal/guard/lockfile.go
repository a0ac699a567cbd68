package guard

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/tuxgal/tuxlogi"
)

// markerPerm is the permission of newly created marker files.
const markerPerm = os.FileMode(0o644)

// errLockHeld is the internal signal that the marker file already
// exists and acquisition has to go through the staleness/retry path.
var errLockHeld = errors.New("lock marker already exists")

// RetryPolicy controls the acquisition retry loop and the staleness
// decision of a lock file.
type RetryPolicy struct {
	// Delay before the first retry after finding the lock held.
	StartDelay time.Duration
	// Amount added to the delay after every held retry.
	DelayIncrease time.Duration
	// Upper bound for the delay between retries.
	MaxDelay time.Duration
	// Age beyond which a marker is considered stale regardless of its
	// holder. Zero disables age based staleness; with UsePid disabled
	// as well, a left-behind lock is never recovered automatically.
	MaxAge time.Duration
}

// LockConfig is the configuration for a LockFile.
type LockConfig struct {
	// Logger used by the lock file.
	Log tuxlogi.Logger
	// Sink for structured events, may be nil.
	Events EventSink
	// Logical name of the protected resource.
	Resource string
	// Absolute path of the marker file.
	Path string
	// Retry and staleness policy.
	Retry RetryPolicy
	// Whether liveness of the recorded holder pid participates in
	// staleness decisions.
	UsePid bool
	// Liveness probe, ProbeProcess if nil.
	Probe ProbeFunc
}

// LockFile is a generic, resource-agnostic advisory lock backed by an
// exclusively-created marker file containing the holder's pid and
// acquisition time.
type LockFile struct {
	// Logger used by the lock file.
	log tuxlogi.Logger
	// Event sink.
	events EventSink
	// Logical name of the protected resource.
	resource string
	// Path of the marker file.
	path string
	// Retry and staleness policy.
	retry RetryPolicy
	// Whether holder liveness participates in staleness decisions.
	usePid bool
	// Liveness probe.
	probe ProbeFunc
}

// LockHandle represents an acquired lock. The pid and creation time
// recorded at acquisition identify the marker this handle owns.
type LockHandle struct {
	lock      *LockFile
	holderPid int
	createdAt time.Time
}

// Path returns the path of the marker file the handle owns.
func (h *LockHandle) Path() string {
	return h.lock.path
}

// lockMarker is the parsed content of a marker file: the holder pid on
// the first line and the creation time as unix nanoseconds on the
// second.
type lockMarker struct {
	pid       int
	createdAt time.Time
}

// NewLockFile instantiates a lock file for the specified resource.
func NewLockFile(cfg LockConfig) *LockFile {
	probe := cfg.Probe
	if probe == nil {
		probe = ProbeProcess
	}
	return &LockFile{
		log:      cfg.Log,
		events:   cfg.Events,
		resource: cfg.Resource,
		path:     cfg.Path,
		retry:    cfg.Retry,
		usePid:   cfg.UsePid,
		probe:    probe,
	}
}

// Acquire attempts to acquire the lock, retrying with increasing delay
// while the lock is held by a live owner and taking over markers that
// are classified stale. The deadline of ctx bounds the overall attempt;
// it is checked before every attempt and before every sleep, and each
// sleep is rounded down to the remaining deadline. Without a deadline,
// Acquire retries until ctx is canceled.
//
// Filesystem errors other than "already exists" are never retried and
// surface immediately as LockIOError.
func (l *LockFile) Acquire(ctx context.Context) (*LockHandle, error) {
	start := time.Now()
	delay := l.retry.StartDelay
	lastHolder := 0

	for {
		if err := ctx.Err(); err != nil {
			return nil, l.timedOut(start, lastHolder)
		}

		handle, err := l.tryAcquire()
		if err == nil {
			l.log.Debugf("Acquired lock for resource %q at %s", l.resource, l.path)
			emit(l.events, Event{
				Kind:     EventLockAcquired,
				Resource: l.resource,
				Path:     l.path,
				Pid:      handle.holderPid,
				Waited:   time.Since(start),
			})
			return handle, nil
		}
		if !errors.Is(err, errLockHeld) {
			return nil, err
		}

		marker, err := readMarker(l.path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				// The holder released between our attempt and the read,
				// try again right away.
				continue
			}
			return nil, err
		}

		if marker == nil || l.stale(marker) {
			if err := l.takeOver(marker, start); err != nil {
				return nil, err
			}
			// One extra attempt without incrementing the delay.
			continue
		}
		lastHolder = marker.pid

		sleep := delay
		if deadline, ok := ctx.Deadline(); ok {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return nil, l.timedOut(start, lastHolder)
			}
			if sleep > remaining {
				sleep = remaining
			}
		}
		l.log.Debugf(
			"Lock for resource %q at %s held by pid: %d, retrying in %v",
			l.resource, l.path, marker.pid, sleep)

		timer := time.NewTimer(sleep)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, l.timedOut(start, lastHolder)
		}

		delay += l.retry.DelayIncrease
		if l.retry.MaxDelay > 0 && delay > l.retry.MaxDelay {
			delay = l.retry.MaxDelay
		}
	}
}

// Release removes the marker file iff its content still matches the
// pid and creation time recorded at acquisition. If the marker was
// replaced or force-taken in the interim, Release fails with
// LockOwnershipError and performs no filesystem mutation.
func (h *LockHandle) Release() error {
	l := h.lock
	marker, err := readMarker(l.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &LockOwnershipError{Path: l.path, WantPid: h.holderPid}
		}
		return err
	}
	if marker == nil || marker.pid != h.holderPid || !marker.createdAt.Equal(h.createdAt) {
		found := 0
		if marker != nil {
			found = marker.pid
		}
		return &LockOwnershipError{Path: l.path, WantPid: h.holderPid, FoundPid: found}
	}
	if err := os.Remove(l.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return &LockIOError{Path: l.path, Op: "remove marker", Err: err}
	}
	l.log.Debugf("Released lock for resource %q at %s", l.resource, l.path)
	return nil
}

// tryAcquire is the fast path: publish a fully written marker at the
// lock path via an atomic create-exclusive primitive. The marker is
// written and synced to a temporary file in the same directory first
// and then linked into place, so a reader at any instant sees either
// no marker or a complete one, never a partial write.
func (l *LockFile) tryAcquire() (*LockHandle, error) {
	pid := os.Getpid()
	// Round-trip through the on-disk encoding so the handle compares
	// equal to what a later read returns.
	createdAt := time.Unix(0, time.Now().UnixNano())

	tmp := fmt.Sprintf("%s.%d.tmp", l.path, pid)
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, markerPerm)
	if err != nil {
		return nil, &LockIOError{Path: l.path, Op: "create temp marker", Err: err}
	}
	defer os.Remove(tmp)

	_, err = fmt.Fprintf(f, "%d\n%d\n", pid, createdAt.UnixNano())
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, &LockIOError{Path: l.path, Op: "write temp marker", Err: err}
	}

	if err := os.Link(tmp, l.path); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil, errLockHeld
		}
		return nil, &LockIOError{Path: l.path, Op: "publish marker", Err: err}
	}

	return &LockHandle{
		lock:      l,
		holderPid: pid,
		createdAt: createdAt,
	}, nil
}

// stale classifies an existing marker. Holder liveness is consulted
// first when enabled, with unknown liveness treated conservatively as
// alive; the marker age against MaxAge decides otherwise.
func (l *LockFile) stale(m *lockMarker) bool {
	if l.usePid && l.probe(m.pid) == LivenessDead {
		return true
	}
	if l.retry.MaxAge > 0 && time.Since(m.createdAt) > l.retry.MaxAge {
		return true
	}
	return false
}

// takeOver removes a marker classified stale. A failure to remove it
// surfaces as LockIOError since a stuck stale marker would otherwise
// deadlock all future callers.
func (l *LockFile) takeOver(m *lockMarker, start time.Time) error {
	stalePid := 0
	if m != nil {
		stalePid = m.pid
	}
	l.log.Warnf(
		"Taking over stale lock for resource %q at %s previously held by pid: %d",
		l.resource, l.path, stalePid)
	if err := os.Remove(l.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return &LockIOError{Path: l.path, Op: "remove stale marker", Err: err}
	}
	emit(l.events, Event{
		Kind:     EventLockStaleTakeover,
		Resource: l.resource,
		Path:     l.path,
		Pid:      os.Getpid(),
		StalePid: stalePid,
		Waited:   time.Since(start),
	})
	return nil
}

func (l *LockFile) timedOut(start time.Time, holder int) error {
	waited := time.Since(start)
	l.log.Warnf(
		"Timed out acquiring lock for resource %q at %s after %v",
		l.resource, l.path, waited)
	emit(l.events, Event{
		Kind:     EventLockTimedOut,
		Resource: l.resource,
		Path:     l.path,
		Pid:      os.Getpid(),
		StalePid: holder,
		Waited:   waited,
	})
	return &LockTimeoutError{
		Resource:  l.resource,
		Path:      l.path,
		HolderPid: holder,
		Waited:    waited,
	}
}

// readMarker reads and parses the marker at the specified path. A nil
// marker with a nil error means the file exists but its content is not
// a valid marker; such markers can never become valid and are treated
// as stale by the acquisition path.
func readMarker(path string) (*lockMarker, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("marker %s: %w", path, fs.ErrNotExist)
		}
		return nil, &LockIOError{Path: path, Op: "read marker", Err: err}
	}

	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) != 2 {
		return nil, nil
	}
	pid, err := strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil || pid <= 0 {
		return nil, nil
	}
	nanos, err := strconv.ParseInt(strings.TrimSpace(lines[1]), 10, 64)
	if err != nil {
		return nil, nil
	}
	return &lockMarker{
		pid:       pid,
		createdAt: time.Unix(0, nanos),
	}, nil
}
