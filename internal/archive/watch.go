package archive

import (
	"github.com/fsnotify/fsnotify"
)

// InvalidationWatcher observes mapped archive files and latches the
// compatibility gates off if a file is rewritten, renamed or removed while
// the process is running. The mapped image itself stays valid (mappings are
// private), but archived assumptions about the outside world no longer
// hold, so the fast paths must not be trusted.
type InvalidationWatcher struct {
	w    *fsnotify.Watcher
	done chan struct{}
}

// WatchArchives starts watching the given archive files on behalf of ctx.
func WatchArchives(ctx *Context, paths ...string) (*InvalidationWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	for _, p := range paths {
		if err := w.Add(p); err != nil {
			w.Close()
			return nil, err
		}
	}
	iw := &InvalidationWatcher{w: w, done: make(chan struct{})}
	go iw.loop(ctx)
	return iw, nil
}

func (iw *InvalidationWatcher) loop(ctx *Context) {
	defer close(iw.done)
	for {
		select {
		case ev, ok := <-iw.w.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Remove|fsnotify.Rename|fsnotify.Chmod) != 0 {
				ctx.Gates().DisableFullModuleGraph()
				ctx.Gates().DisableOptimizedModuleHandling()
			}
		case _, ok := <-iw.w.Errors:
			if !ok {
				return
			}
		}
	}
}

// Close stops the watcher and waits for its loop to exit.
func (iw *InvalidationWatcher) Close() error {
	err := iw.w.Close()
	<-iw.done
	return err
}
