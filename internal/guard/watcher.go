package guard

import (
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/tuxgal/tuxlogi"
)

// pidfileWatcher watches the pidfile for out-of-band deletion or
// replacement, complementing the SIGHUP driven re-validation with an
// event driven one. The watch is on the containing directory since the
// pidfile itself disappears in exactly the cases of interest.
type pidfileWatcher struct {
	// Logger used by the pidfile watcher.
	log tuxlogi.Logger
	// Filesystem notification watcher.
	watcher *fsnotify.Watcher
	// Path of the watched pidfile.
	path string
	// Invoked when the pidfile is removed, renamed or overwritten.
	onChange func()
	// The channel used to notify that the watch goroutine has exited.
	doneCh chan interface{}
}

// newPidfileWatcher instantiates a watcher for the specified pidfile
// and starts the watch goroutine.
func newPidfileWatcher(log tuxlogi.Logger, path string, onChange func()) (*pidfileWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create pidfile watcher, reason: %v", err)
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("failed to watch %q, reason: %v", filepath.Dir(path), err)
	}

	pw := &pidfileWatcher{
		log:      log,
		watcher:  w,
		path:     path,
		onChange: onChange,
		doneCh:   make(chan interface{}, 1),
	}
	go pw.watch()
	return pw, nil
}

// watch receives filesystem notifications until the watcher is closed,
// invoking the change handler for events concerning the pidfile.
func (p *pidfileWatcher) watch() {
	defer close(p.doneCh)
	for {
		select {
		case ev, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			if ev.Name != p.path {
				continue
			}
			if ev.Op&(fsnotify.Remove|fsnotify.Rename|fsnotify.Write) != 0 {
				p.log.Warnf("Pidfile %s changed out-of-band (%s)", p.path, ev.Op)
				p.onChange()
			}
		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			p.log.Warnf("Pidfile watcher error: %v", err)
		}
	}
}

// shutDown stops the watch goroutine and releases the watcher.
func (p *pidfileWatcher) shutDown() {
	_ = p.watcher.Close()
	<-p.doneCh
}
