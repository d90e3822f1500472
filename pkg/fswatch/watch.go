package fswatch

import (
	"fmt"
	"os"
	"syscall"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/sidkik/dirmirror/pkg/errors"
)

var fs = afero.NewOsFs()

// Watcher notifies when anything changes within a directory tree.
type Watcher struct {
	root    string
	watcher *fsnotify.Watcher
	changes chan struct{}
	done    chan struct{}
}

// Watch starts watching `root` and all of its subdirectories. Directories
// that are created later are watched as well.
func Watch(root string) (*Watcher, error) {
	dirs, err := getDirsToWatch(root)
	if err != nil {
		return nil, errors.WithContext(err, "get paths")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.WithContext(err, "create watcher")
	}

	for _, dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			// Close the watcher so that we release the file handlers for the
			// previously added paths.
			if err := watcher.Close(); err != nil {
				log.WithError(err).Warn("Failed to close file watcher")
			}

			return nil, errors.WithContext(err, fmt.Sprintf("watch %q", dir))
		}
	}

	w := &Watcher{
		root:    root,
		watcher: watcher,
		changes: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go w.run()
	return w, nil
}

// Changes returns a channel that receives a value after something in the
// tree changes. Bursts of changes are combined into a single value.
func (w *Watcher) Changes() <-chan struct{} {
	return w.changes
}

// Close stops watching and releases the underlying file handles.
func (w *Watcher) Close() error {
	err := w.watcher.Close()
	<-w.done
	return err
}

func (w *Watcher) run() {
	defer close(w.done)
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&fsnotify.Create != 0 {
				w.watchNewDir(event.Name)
			}
			notify(w.changes)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.WithError(err).WithField("root", w.root).Warn("File watcher error")
			notify(w.changes)
		}
	}
}

// watchNewDir starts watching `path` if it's a directory. Any events in the
// directory that happened before it was watched are caught by the pass that
// the creation event triggers.
func (w *Watcher) watchNewDir(path string) {
	fi, err := fs.Stat(path)
	if err != nil || !fi.IsDir() {
		return
	}

	dirs, err := getDirsToWatch(path)
	if err != nil {
		log.WithError(err).WithField("path", path).Debug("Failed to list new directory")
		return
	}
	for _, dir := range dirs {
		if err := w.watcher.Add(dir); err != nil {
			log.WithError(err).WithField("path", dir).Warn("Failed to watch new directory")
		}
	}
}

// notify sends on `c` unless a notification is already pending.
func notify(c chan<- struct{}) {
	select {
	case c <- struct{}{}:
	default:
	}
}

// getDirsToWatch returns `root` and all directories beneath it. fsnotify
// doesn't watch recursively, and watching a directory is enough to be told
// about changes to the files in it.
func getDirsToWatch(root string) (dirs []string, err error) {
	fi, err := fs.Stat(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.FileNotFound{Path: root}
		}
		return nil, errors.WithContext(err, "stat")
	}
	if !fi.IsDir() {
		return nil, errors.WithContext(errors.ErrNotDirectory, root)
	}

	err = afero.Walk(fs, root, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return errors.WithContext(err, "walk error")
		}
		if fi.IsDir() {
			dirs = append(dirs, path)
		}
		return nil
	})
	return dirs, err
}

// IsWatchLimit returns whether `err` was caused by the OS limit on open files
// or watches. Callers can fall back to polling in that case.
func IsWatchLimit(err error) bool {
	return errors.Is(err, syscall.EMFILE) || errors.Is(err, syscall.ENOSPC)
}
