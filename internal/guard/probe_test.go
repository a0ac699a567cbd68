package guard

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestProbeSelfIsAlive(t *testing.T) {
	assert.Equal(t, LivenessAlive, ProbeProcess(os.Getpid()))
}

func TestProbeInvalidPidIsDead(t *testing.T) {
	assert.Equal(t, LivenessDead, ProbeProcess(0))
	assert.Equal(t, LivenessDead, ProbeProcess(-1))
}

func TestProbeInitNeverDead(t *testing.T) {
	// pid 1 always exists; depending on privileges the probe reports
	// it alive or unknown, never dead.
	assert.NotEqual(t, LivenessDead, ProbeProcess(1))
}

func TestLivenessString(t *testing.T) {
	assert.Equal(t, "ALIVE", LivenessAlive.String())
	assert.Equal(t, "DEAD", LivenessDead.String())
	assert.Equal(t, "UNKNOWN", LivenessUnknown.String())
}
