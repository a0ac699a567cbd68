package guard

import (
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/tuxgal/tuxlogi"
	"golang.org/x/sys/unix"
)

var (
	// Signals that initiate service shutdown.
	terminationSigs = []os.Signal{
		unix.SIGINT,  //  2
		unix.SIGQUIT, //  3
		unix.SIGTERM, // 15
	}
	// Signals that trigger a re-validation of the pidfile.
	recheckSigs = []os.Signal{
		unix.SIGHUP, //  1
	}
)

// signalManager owns registering for signal notifications and
// dispatching them to the guard: termination signals initiate the
// shutdown sequence, SIGHUP re-validates that the on-disk pidfile
// still matches the live process.
type signalManager struct {
	// Logger used by the signal manager.
	log tuxlogi.Logger
	// The channel used to receive notifications about signals from the OS.
	sigCh chan os.Signal
	// The channel used to notify that the signal handler goroutine has exited.
	sigHandlerDoneCh chan interface{}
	// Invoked once for the termination signal that initiates shutdown.
	onTerminate func(os.Signal)
	// Invoked for every re-validation signal.
	onRecheck func()
}

// newSignalManager instantiates a signal manager and initiates the
// signal handler goroutine to monitor signals.
func newSignalManager(log tuxlogi.Logger, onTerminate func(os.Signal), onRecheck func()) *signalManager {
	sm := &signalManager{
		log:              log,
		sigCh:            make(chan os.Signal, 10),
		sigHandlerDoneCh: make(chan interface{}, 1),
		onTerminate:      onTerminate,
		onRecheck:        onRecheck,
	}
	sm.start()
	return sm
}

// signalHandler registers signals to get notified on, and blocks in a
// loop to receive and handle signals. If sigCh is closed, the loop
// terminates and control exits this function.
func (s *signalManager) signalHandler(readyCh chan interface{}) {
	signal.Notify(s.sigCh, terminationSigs...)
	signal.Notify(s.sigCh, recheckSigs...)
	readyCh <- nil
	close(readyCh)

	for {
		osSig, ok := <-s.sigCh
		if !ok {
			s.log.Debugf("Signal handler is exiting ...")
			s.sigHandlerDoneCh <- nil
			close(s.sigHandlerDoneCh)
			return
		}

		sig, isUnix := osSig.(unix.Signal)
		if isUnix && sig == unix.SIGHUP {
			s.log.Debugf("Signal Handler received %s, re-validating pidfile", sigInfo(sig))
			s.onRecheck()
			continue
		}
		s.log.Infof("Signal Handler received %s, initiating shutdown", sigInfo(osSig))
		s.onTerminate(osSig)
	}
}

// start starts the signal handler goroutine and waits for it to
// initialize.
func (s *signalManager) start() {
	readyCh := make(chan interface{}, 1)
	go s.signalHandler(readyCh)
	<-readyCh
}

// shutDown gracefully shuts down the signal handler goroutine.
func (s *signalManager) shutDown() {
	signal.Reset()
	close(s.sigCh)

	// Wait for the signal handler goroutine to exit gracefully
	// within a period of 100ms after which we give up and exit
	// anyway since the rest of the clean up is complete.
	timeout := time.NewTimer(100 * time.Millisecond)
	select {
	case <-s.sigHandlerDoneCh:
		s.log.Debugf("Signal handler has exited")
	case <-timeout.C:
		s.log.Debugf("Signal handler did not exit, giving up and proceeding with termination")
	}
	timeout.Stop()
}

// sigInfo provides a human readable descriptive information for the
// specified signal.
func sigInfo(sig os.Signal) string {
	if s, ok := sig.(unix.Signal); ok {
		return fmt.Sprintf("%s(%d){%q}", unix.SignalName(s), int(s), sig)
	}
	return fmt.Sprintf("{%q}", sig)
}
