package guard

import (
	"fmt"
	"sync"

	"github.com/tuxgal/tuxlogi"
)

const (
	phaseInvalid Phase = iota
	// PhaseForeground is the initial phase, attached to the terminal.
	PhaseForeground
	// PhaseForked is entered by the intermediate child after the first
	// fork, once the original parent has exited.
	PhaseForked
	// PhaseSessionLeader is entered after the child creates a new
	// session, detaching from the controlling terminal.
	PhaseSessionLeader
	// PhaseDetached is the terminal phase: the final daemon process,
	// after the second fork, chdir, umask reset and stream redirection.
	PhaseDetached
)

var (
	phaseStr = map[Phase]string{
		phaseInvalid:       "INVALID",
		PhaseForeground:    "FOREGROUND",
		PhaseForked:        "FORKED",
		PhaseSessionLeader: "SESSION_LEADER",
		PhaseDetached:      "DETACHED",
	}
	// Transitions are strictly forward, no phase is revisited.
	validPhaseTransitions = map[Phase]map[Phase]bool{
		phaseInvalid: {
			PhaseForeground: true,
		},
		PhaseForeground: {
			PhaseForked: true,
		},
		PhaseForked: {
			PhaseSessionLeader: true,
		},
		PhaseSessionLeader: {
			PhaseDetached: true,
		},
		PhaseDetached: nil,
	}
)

// Phase identifies the daemonizer's position in the detachment
// sequence foreground -> forked -> session-leader -> detached.
type Phase uint8

func (p Phase) String() string {
	s, ok := phaseStr[p]
	if !ok {
		return fmt.Sprintf("PHASE(%d)", uint8(p))
	}
	return s
}

// phaseMachine tracks the daemonizer's phase and validates that every
// transition moves strictly forward.
type phaseMachine struct {
	// Logger used by the phase machine.
	log tuxlogi.Logger
	// Mutex for protecting access to the phase field.
	mu sync.Mutex
	// Current phase.
	phase Phase
}

// newPhaseMachine instantiates a new phase machine.
func newPhaseMachine(log tuxlogi.Logger) *phaseMachine {
	return &phaseMachine{
		log:   log,
		phase: phaseInvalid,
	}
}

func (p *phaseMachine) String() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.phase.String()
}

// current returns the current phase.
func (p *phaseMachine) current() Phase {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.phase
}

// set sets the specified phase as the target phase of the machine
// after validating the transition.
func (p *phaseMachine) set(phase Phase) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	validMap, ok := validPhaseTransitions[p.phase]
	if !ok {
		return fmt.Errorf("invalid daemonizer phase %d", p.phase)
	}
	if isValid, ok := validMap[phase]; !ok || !isValid {
		return fmt.Errorf("invalid phase transition, cannot transition from %s -> %s", p.phase, phase)
	}
	p.log.Debugf("Phase Transition [%s] -> [%s]", p.phase, phase)
	p.phase = phase
	return nil
}
