package guard

import (
	"fmt"
	"time"
)

const (
	eventInvalid EventKind = iota
	// EventLockAcquired is emitted when a lock marker is created.
	EventLockAcquired
	// EventLockStaleTakeover is emitted when a stale marker is removed
	// so that acquisition can proceed.
	EventLockStaleTakeover
	// EventLockTimedOut is emitted when the acquisition deadline elapses.
	EventLockTimedOut
	// EventPidFileCreated is emitted when the pidfile is written.
	EventPidFileCreated
	// EventPidFileStale is emitted when a pidfile left behind by a dead
	// owner is detected.
	EventPidFileStale
	// EventDaemonDetached is emitted by the final daemon process once
	// detachment completes.
	EventDaemonDetached
	// EventServiceStopping is emitted when the guard begins releasing
	// its resources.
	EventServiceStopping
)

var eventKindStr = map[EventKind]string{
	eventInvalid:           "INVALID",
	EventLockAcquired:      "LOCK_ACQUIRED",
	EventLockStaleTakeover: "LOCK_STALE_TAKEOVER",
	EventLockTimedOut:      "LOCK_TIMED_OUT",
	EventPidFileCreated:    "PIDFILE_CREATED",
	EventPidFileStale:      "PIDFILE_STALE",
	EventDaemonDetached:    "DAEMON_DETACHED",
	EventServiceStopping:   "SERVICE_STOPPING",
}

// EventKind identifies the structured events reported by this package.
type EventKind uint8

func (e EventKind) String() string {
	s, ok := eventKindStr[e]
	if !ok {
		return fmt.Sprintf("EVENT(%d)", uint8(e))
	}
	return s
}

// Event is a structured notification handed to the caller-supplied sink.
// The caller decides how to render or translate it.
type Event struct {
	// Kind of the event.
	Kind EventKind
	// Logical resource name, empty for pidfile and daemon events.
	Resource string
	// Filesystem path of the marker or pidfile involved.
	Path string
	// Pid of the reporting process.
	Pid int
	// Pid of the stale or conflicting owner, 0 if not applicable.
	StalePid int
	// Time at which the event occurred.
	When time.Time
	// Time spent waiting before the event, 0 if not applicable.
	Waited time.Duration
}

// String returns the string representation of the event.
func (e Event) String() string {
	if e.Resource != "" {
		return fmt.Sprintf(
			"{%s resource: %q path: %q pid: %d stalePid: %d waited: %v}",
			e.Kind, e.Resource, e.Path, e.Pid, e.StalePid, e.Waited)
	}
	return fmt.Sprintf(
		"{%s path: %q pid: %d stalePid: %d waited: %v}",
		e.Kind, e.Path, e.Pid, e.StalePid, e.Waited)
}

// EventSink receives structured events. A nil sink discards them.
type EventSink func(Event)

// emit delivers the event to the sink if one is configured, stamping
// the event time.
func emit(sink EventSink, ev Event) {
	if sink == nil {
		return
	}
	ev.When = time.Now()
	sink(ev)
}
