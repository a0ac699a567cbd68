package guard

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

const (
	daemonizeTestEnv     = "_PROCGUARD_TEST_DAEMONIZE"
	daemonizeTestPidfile = "_PROCGUARD_TEST_PIDFILE"
	daemonizeTestWorkdir = "_PROCGUARD_TEST_WORKDIR"
)

func TestStageFromEnv(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  int
	}{
		{name: "unset", value: "", want: stageForeground},
		{name: "session leader", value: "1", want: stageSessionLeader},
		{name: "daemon", value: "2", want: stageDaemon},
		{name: "garbage", value: "bogus", want: stageForeground},
		{name: "out of range", value: "7", want: stageForeground},
		{name: "negative", value: "-1", want: stageForeground},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv(stageEnv, tc.value)
			assert.Equal(t, tc.want, stageFromEnv())
		})
	}
}

func TestEnvWithoutStage(t *testing.T) {
	t.Setenv(stageEnv, "1")
	for _, entry := range envWithoutStage() {
		assert.NotContains(t, entry, stageEnv+"=")
	}
}

func TestNewDaemonizerReadsStage(t *testing.T) {
	t.Setenv(stageEnv, "2")
	d := NewDaemonizer(DaemonConfig{Log: testLogger()})
	assert.Equal(t, stageDaemon, d.Stage())
}

func TestDetachRejectsUnexpectedStage(t *testing.T) {
	d := &Daemonizer{
		log:    testLogger(),
		phases: newPhaseMachine(testLogger()),
		stage:  9,
	}
	_, err := d.Detach()
	var daemonErr *DaemonizeError
	require.ErrorAs(t, err, &daemonErr)
	assert.Contains(t, err.Error(), "unexpected detachment stage")
}

func TestFastForwardReplaysInheritedPhases(t *testing.T) {
	d := &Daemonizer{
		log:    testLogger(),
		phases: newPhaseMachine(testLogger()),
	}
	require.NoError(t, d.fastForward(PhaseSessionLeader))
	assert.Equal(t, PhaseSessionLeader, d.phases.current())
}

func TestRedirectStreamRejectsUnknownMode(t *testing.T) {
	err := redirectStream(nil, nil, Redirect{Mode: RedirectMode(9)})
	require.Error(t, err)
	assert.Equal(t, fmt.Sprintf("unexpected redirect mode %d", 9), err.Error())
}

func TestRedirectInheritIsNoOp(t *testing.T) {
	require.NoError(t, redirectStream(nil, nil, Redirect{Mode: RedirectInherit}))
}

func TestDefaultWorkDir(t *testing.T) {
	d := NewDaemonizer(DaemonConfig{Log: testLogger()})
	assert.Equal(t, "/", d.workdir)
}

func TestMarkInheritedCloseOnExec(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "inherited")
	require.NoError(t, err)
	defer f.Close()

	// Simulate a descriptor our own parent leaked across its exec.
	_, err = unix.FcntlInt(f.Fd(), unix.F_SETFD, 0)
	require.NoError(t, err)

	require.NoError(t, markInheritedCloseOnExec())

	flags, err := unix.FcntlInt(f.Fd(), unix.F_GETFD, 0)
	require.NoError(t, err)
	assert.NotZero(t, flags&unix.FD_CLOEXEC,
		"descriptor would survive into the next detachment stage")

	// The standard streams must keep crossing the boundary.
	flags, err = unix.FcntlInt(os.Stdout.Fd(), unix.F_GETFD, 0)
	require.NoError(t, err)
	assert.Zero(t, flags&unix.FD_CLOEXEC)
}

// daemonizeTestService is the service side of TestDaemonizeEndToEnd,
// re-entered by every stage of the detachment sequence. It never
// returns: the intermediate stages exit inside Start, the final daemon
// exits once a termination signal stops the guard.
func daemonizeTestService() {
	g, err := Start(Config{
		Log:         testLogger(),
		PidFilePath: os.Getenv(daemonizeTestPidfile),
		Description: "daemonize-e2e",
		Daemonize:   true,
		WorkDir:     os.Getenv(daemonizeTestWorkdir),
		Stdout:      Redirect{Mode: RedirectDiscard},
		Stderr:      Redirect{Mode: RedirectDiscard},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to daemonize, reason: %v\n", err)
		os.Exit(1)
	}
	g.Wait()
	os.Exit(0)
}

func TestDaemonizeEndToEnd(t *testing.T) {
	if os.Getenv(daemonizeTestEnv) == "1" {
		daemonizeTestService()
		return
	}

	dir := t.TempDir()
	pidPath := filepath.Join(dir, "daemon.pid")

	var out bytes.Buffer
	cmd := exec.Command(os.Args[0], "-test.run", "^TestDaemonizeEndToEnd$")
	cmd.Env = append(os.Environ(),
		daemonizeTestEnv+"=1",
		daemonizeTestPidfile+"="+pidPath,
		daemonizeTestWorkdir+"="+dir,
	)
	cmd.Stdout = &out
	cmd.Stderr = &out
	require.NoError(t, cmd.Run(), out.String())
	launcherPid := cmd.Process.Pid

	// The pid on disk must end up belonging to the final daemon
	// process, not to the process launched above. It briefly records
	// the launched process between the foreground claim and the
	// post-detachment rewrite.
	var daemonPid int
	require.Eventually(t, func() bool {
		data, err := os.ReadFile(pidPath)
		if err != nil {
			return false
		}
		pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
		if err != nil || pid <= 0 || pid == launcherPid {
			return false
		}
		daemonPid = pid
		return true
	}, 10*time.Second, 50*time.Millisecond, out.String())

	assert.NotEqual(t, os.Getpid(), daemonPid)
	assert.NotEqual(t, launcherPid, daemonPid)
	require.Equal(t, LivenessAlive, ProbeProcess(daemonPid))

	// A termination signal must stop the daemon and release the
	// pidfile.
	require.NoError(t, unix.Kill(daemonPid, unix.SIGTERM))
	require.Eventually(t, func() bool {
		_, err := os.Stat(pidPath)
		return errors.Is(err, fs.ErrNotExist)
	}, 10*time.Second, 50*time.Millisecond)
	require.Eventually(t, func() bool {
		return ProbeProcess(daemonPid) == LivenessDead
	}, 10*time.Second, 50*time.Millisecond)
}
