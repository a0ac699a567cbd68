package guard

import (
	"errors"

	"golang.org/x/sys/unix"
)

const (
	// LivenessDead means the pid does not correspond to a live process.
	LivenessDead Liveness = iota
	// LivenessAlive means the process exists and we may signal it.
	LivenessAlive
	// LivenessUnknown means the probe could not determine liveness
	// (typically EPERM probing another user's process). Staleness
	// decisions treat this as alive, never removing another user's
	// legitimate lock.
	LivenessUnknown
)

var livenessStr = map[Liveness]string{
	LivenessDead:    "DEAD",
	LivenessAlive:   "ALIVE",
	LivenessUnknown: "UNKNOWN",
}

// Liveness is the result of a process liveness probe.
type Liveness uint8

func (l Liveness) String() string {
	return livenessStr[l]
}

// ProbeFunc probes whether the process with the specified pid is alive.
type ProbeFunc func(pid int) Liveness

// ProbeProcess probes liveness of the specified pid by sending it
// signal 0. The probe is a heuristic, not a correctness guarantee: a
// pid can be reused between the probe and any action taken on its
// result. The marker file create-exclusive step remains the actual
// mutual-exclusion guarantee.
func ProbeProcess(pid int) Liveness {
	if pid <= 0 {
		return LivenessDead
	}
	err := unix.Kill(pid, 0)
	switch {
	case err == nil:
		return LivenessAlive
	case errors.Is(err, unix.ESRCH):
		return LivenessDead
	case errors.Is(err, unix.EPERM):
		// The process exists but belongs to another user.
		return LivenessUnknown
	default:
		return LivenessUnknown
	}
}
