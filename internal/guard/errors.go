package guard

import (
	"fmt"
	"time"
)

// LockTimeoutError indicates that the overall deadline for acquiring a
// lock elapsed while the lock was held by a live owner.
type LockTimeoutError struct {
	// Logical name of the protected resource.
	Resource string
	// Path of the marker file.
	Path string
	// Pid recorded in the marker file at the last observation.
	HolderPid int
	// Total time spent waiting before giving up.
	Waited time.Duration
}

func (e *LockTimeoutError) Error() string {
	return fmt.Sprintf(
		"timed out acquiring lock for resource %q at %s after %v, held by pid: %d",
		e.Resource, e.Path, e.Waited, e.HolderPid)
}

// LockIOError indicates a filesystem failure other than "already exists"
// during lock acquisition, takeover or release. These are never retried.
type LockIOError struct {
	// Path of the marker file.
	Path string
	// The failing operation.
	Op string
	// Underlying error.
	Err error
}

func (e *LockIOError) Error() string {
	return fmt.Sprintf("lock file %s: failed to %s, reason: %v", e.Path, e.Op, e.Err)
}

func (e *LockIOError) Unwrap() error {
	return e.Err
}

// LockOwnershipError indicates that a release was refused because the
// marker file on disk no longer matches the handle (it was force-taken
// or replaced by another actor). No filesystem mutation is performed.
type LockOwnershipError struct {
	// Path of the marker file.
	Path string
	// Pid the releasing handle recorded at acquisition.
	WantPid int
	// Pid found in the marker file, 0 if the file is gone.
	FoundPid int
}

func (e *LockOwnershipError) Error() string {
	if e.FoundPid == 0 {
		return fmt.Sprintf("lock file %s: cannot release, marker no longer exists", e.Path)
	}
	return fmt.Sprintf(
		"lock file %s: cannot release, marker now owned by pid: %d (we recorded pid: %d)",
		e.Path, e.FoundPid, e.WantPid)
}

// PidFileInUseError indicates the pidfile is validly owned by another
// live process, i.e. another instance of the service is running.
type PidFileInUseError struct {
	// Path of the pidfile.
	Path string
	// Pid of the live owner.
	Pid int
}

func (e *PidFileInUseError) Error() string {
	return fmt.Sprintf("pidfile %s is in use by running pid: %d", e.Path, e.Pid)
}

// InvalidPidFileError indicates the pidfile content cannot be parsed as
// a positive integer (corrupted by an external actor).
type InvalidPidFileError struct {
	// Path of the pidfile.
	Path string
	// The raw content found.
	Content string
}

func (e *InvalidPidFileError) Error() string {
	return fmt.Sprintf("pidfile %s contains invalid content %q", e.Path, e.Content)
}

// PidFileError indicates a generic pidfile I/O failure, or a refusal to
// remove a pidfile owned by a different live process.
type PidFileError struct {
	// Path of the pidfile.
	Path string
	// Conflicting pid if relevant, 0 otherwise.
	Pid int
	// Underlying error, nil for refusals.
	Err error
}

func (e *PidFileError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("pidfile %s: refusing to remove, owned by live pid: %d", e.Path, e.Pid)
	}
	return fmt.Sprintf("pidfile %s: %v", e.Path, e.Err)
}

func (e *PidFileError) Unwrap() error {
	return e.Err
}

// DaemonizeError indicates a failure while detaching the process
// (fork, session creation, chdir or stream redirection).
type DaemonizeError struct {
	// The phase during which the failure occurred.
	Phase Phase
	// Underlying error.
	Err error
}

func (e *DaemonizeError) Error() string {
	return fmt.Sprintf("daemonize failed in phase %s, reason: %v", e.Phase, e.Err)
}

func (e *DaemonizeError) Unwrap() error {
	return e.Err
}
