package main

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tuxgal/procguard/internal/guard"
)

func TestExitCodeFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{
			name: "another instance",
			err:  &guard.PidFileInUseError{Path: "/run/x.pid", Pid: 42},
			want: exitAnotherInstance,
		},
		{
			name: "pidfile unwritable",
			err:  &guard.PidFileError{Path: "/run/x.pid", Err: errors.New("permission denied")},
			want: exitPidFile,
		},
		{
			name: "pidfile corrupt",
			err:  &guard.InvalidPidFileError{Path: "/run/x.pid", Content: "bogus"},
			want: exitPidFile,
		},
		{
			name: "daemonize failure",
			err:  &guard.DaemonizeError{Phase: guard.PhaseForeground, Err: errors.New("fork failed")},
			want: exitDaemonize,
		},
		{
			name: "lock timeout",
			err:  &guard.LockTimeoutError{Resource: "db", Path: "/tmp/x.lock"},
			want: exitLockTimeout,
		},
		{
			name: "anything else",
			err:  errors.New("boom"),
			want: exitFailure,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, exitCodeFor(tc.err))
		})
	}
}

func TestParseRedirect(t *testing.T) {
	r, err := parseRedirect("discard")
	require.NoError(t, err)
	assert.Equal(t, guard.RedirectDiscard, r.Mode)

	r, err = parseRedirect("inherit")
	require.NoError(t, err)
	assert.Equal(t, guard.RedirectInherit, r.Mode)

	r, err = parseRedirect("/var/log/svc.log")
	require.NoError(t, err)
	assert.Equal(t, guard.RedirectFile, r.Mode)
	assert.Equal(t, "/var/log/svc.log", r.Path)

	_, err = parseRedirect("relative/path.log")
	require.Error(t, err)
}

func TestExitStatus(t *testing.T) {
	assert.Equal(t, exitOK, exitStatus(nil))
	assert.Equal(t, exitFailure, exitStatus(errors.New("not started")))
}
