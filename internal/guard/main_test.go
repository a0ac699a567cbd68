package guard

import (
	"sync"
	"testing"

	"github.com/tuxgal/tuxlog"
	"github.com/tuxgal/tuxlogi"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testLogger() tuxlogi.Logger {
	config := tuxlog.NewConsoleLoggerConfig()
	config.MaxLevel = tuxlog.LvlWarn
	return tuxlog.NewLogger(config)
}

// eventRecorder is a test event sink capturing emitted events.
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) sink(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) find(kind EventKind) (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.events {
		if ev.Kind == kind {
			return ev, true
		}
	}
	return Event{}, false
}

// stubProbe returns a probe reporting the specified pids as dead and
// everything else as alive.
func stubProbe(deadPids ...int) ProbeFunc {
	dead := make(map[int]bool)
	for _, pid := range deadPids {
		dead[pid] = true
	}
	return func(pid int) Liveness {
		if dead[pid] {
			return LivenessDead
		}
		return LivenessAlive
	}
}
