package sync

import (
	"context"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/sidkik/dirmirror/pkg/errors"
)

// Reconciler makes a replica tree match a source tree.
type Reconciler struct {
	fs    afero.Fs
	clock clockwork.Clock
	sink  Sink
	log   logrus.FieldLogger
}

// NewReconciler returns a Reconciler that operates on `fs`. Events are
// timestamped with `clock` and sent to `sink`, which may be nil.
func NewReconciler(fs afero.Fs, clock clockwork.Clock, sink Sink, log logrus.FieldLogger) *Reconciler {
	return &Reconciler{fs: fs, clock: clock, sink: sink, log: log}
}

// entryPair is an entry with the same name in a source directory and the
// corresponding replica directory.
type entryPair struct {
	name       string
	kind       EntryKind
	sourceDir  string
	replicaDir string
}

func (e entryPair) source() string {
	return filepath.Join(e.sourceDir, e.name)
}

func (e entryPair) replica() string {
	return filepath.Join(e.replicaDir, e.name)
}

// pass holds the state of a single call to Reconcile.
type pass struct {
	*Reconciler
	ctx         context.Context
	id          string
	replicaRoot string
	events      []Event
	upToDate    int
}

// Reconcile performs one full pass that mirrors `sourceDir` into
// `replicaDir`. It returns the events for every change that was made.
//
// If `sourceDir` doesn't exist, it returns errors.FileNotFound and doesn't
// touch the replica. Failures on individual entries don't abort the pass.
// They're reported as Failed events instead. The only other error is
// cancellation of `ctx`, which is checked before each directory.
func (r *Reconciler) Reconcile(ctx context.Context, sourceDir, replicaDir string) ([]Event, error) {
	srcInfo, err := r.fs.Stat(sourceDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.FileNotFound{Path: sourceDir}
		}
		return nil, errors.WithContext(err, "stat source")
	}
	if !srcInfo.IsDir() {
		return nil, errors.WithContext(errors.ErrNotDirectory, sourceDir)
	}

	replicaInfo, err := r.fs.Stat(replicaDir)
	if err == nil && !replicaInfo.IsDir() {
		return nil, errors.WithContext(errors.ErrNotDirectory, replicaDir)
	}

	p := &pass{
		Reconciler:  r,
		ctx:         ctx,
		id:          uuid.New().String(),
		replicaRoot: replicaDir,
	}
	start := r.clock.Now()
	root := entryPair{
		name:       filepath.Base(replicaDir),
		kind:       Directory,
		sourceDir:  filepath.Dir(sourceDir),
		replicaDir: filepath.Dir(replicaDir),
	}
	_, err = p.reconcileDir(sourceDir, replicaDir, root)

	summary := Summarize(p.events)
	r.log.WithFields(logrus.Fields{
		"pass":     p.id,
		"duration": r.clock.Now().Sub(start).String(),
		"upToDate": p.upToDate,
		"failed":   summary.Failed,
	}).Infof("Copied %d files, created %d folders, removed %d.",
		summary.CopiedFiles, summary.CreatedDirs, summary.Deleted)
	return p.events, err
}

// reconcileDir mirrors the contents of `src` into `dst`. It returns whether
// the whole subtree was mirrored without any failures.
func (p *pass) reconcileDir(src, dst string, self entryPair) (bool, error) {
	if err := p.ctx.Err(); err != nil {
		return false, errors.WithContext(err, "reconcile "+src)
	}

	if ok := p.ensureDir(dst, self); !ok {
		return false, nil
	}

	srcEntries, err := afero.ReadDir(p.fs, src)
	if err != nil {
		p.fail(self, "list", src, err)
		return false, nil
	}

	clean := true
	inSource := map[string]struct{}{}
	for _, info := range srcEntries {
		inSource[info.Name()] = struct{}{}
		entry := entryPair{name: info.Name(), sourceDir: src, replicaDir: dst}

		resolved, ok := p.resolve(entry, info)
		if !ok {
			clean = false
			continue
		}
		if resolved == nil {
			continue
		}

		if resolved.IsDir() {
			entry.kind = Directory
			before := len(p.events)
			subtreeOK, err := p.reconcileDir(entry.source(), entry.replica(), entry)
			if err != nil {
				return false, err
			}
			// Unchanged directories aren't reported so that a pass over an
			// in-sync tree emits nothing.
			if subtreeOK && len(p.events) > before {
				p.emit(Copied, entry, nil)
			}
			clean = clean && subtreeOK
			continue
		}

		entry.kind = File
		clean = p.syncFile(entry, resolved) && clean
	}

	// Only look for orphans after every source entry has been mirrored.
	replicaEntries, err := afero.ReadDir(p.fs, dst)
	if err != nil {
		p.fail(self, "list", dst, err)
		return false, nil
	}
	for _, info := range replicaEntries {
		if _, ok := inSource[info.Name()]; ok {
			continue
		}
		entry := entryPair{
			name:       info.Name(),
			kind:       kindOf(info),
			sourceDir:  src,
			replicaDir: dst,
		}
		clean = p.remove(entry) && clean
	}
	return clean, nil
}

// ensureDir creates `dst` if it doesn't exist. If a file or symlink is in the
// way, it's replaced by a directory. The replica root is the only directory
// that may be a symlink.
func (p *pass) ensureDir(dst string, self entryPair) bool {
	stat := p.lstat
	if dst == p.replicaRoot {
		stat = p.fs.Stat
	}

	info, err := stat(dst)
	switch {
	case err == nil && info.IsDir():
		return true
	case err == nil:
		if ok := p.remove(entryPair{
			name:       self.name,
			kind:       File,
			sourceDir:  self.sourceDir,
			replicaDir: self.replicaDir,
		}); !ok {
			return false
		}
	case !os.IsNotExist(err):
		p.fail(self, "stat", dst, err)
		return false
	}

	if err := p.fs.MkdirAll(dst, 0755); err != nil {
		p.fail(self, "create directory", dst, err)
		return false
	}
	p.emit(Created, self, nil)
	return true
}

// resolve follows symlinks in the source tree so that linked files are copied
// like regular files. It returns a nil FileInfo for entries that should be
// ignored, and false if the entry couldn't be inspected.
func (p *pass) resolve(entry entryPair, info os.FileInfo) (os.FileInfo, bool) {
	if isSymlink(info) {
		target, err := p.fs.Stat(entry.source())
		if err != nil {
			entry.kind = File
			p.fail(entry, "stat", entry.source(), err)
			return nil, false
		}
		if target.IsDir() {
			// Following directory links could loop forever.
			p.log.WithField("path", entry.source()).Debug("Skipping symlink to directory")
			return nil, true
		}
		info = target
	}

	if !info.IsDir() && !info.Mode().IsRegular() {
		p.log.WithFields(logrus.Fields{
			"path": entry.source(),
			"mode": info.Mode().String(),
		}).Debug("Skipping special file")
		return nil, true
	}
	return info, true
}

// syncFile copies the source file if the replica is missing or stale.
func (p *pass) syncFile(entry entryPair, srcInfo os.FileInfo) bool {
	replicaInfo, err := p.lstat(entry.replica())
	switch {
	case err == nil && isSymlink(replicaInfo):
		// Copying through the link would overwrite a file outside the replica.
		if ok := p.remove(entryPair{
			name:       entry.name,
			kind:       File,
			sourceDir:  entry.sourceDir,
			replicaDir: entry.replicaDir,
		}); !ok {
			return false
		}
	case err == nil && replicaInfo.IsDir():
		if ok := p.remove(entryPair{
			name:       entry.name,
			kind:       Directory,
			sourceDir:  entry.sourceDir,
			replicaDir: entry.replicaDir,
		}); !ok {
			return false
		}
	case err == nil:
		if !srcInfo.ModTime().After(replicaInfo.ModTime()) {
			p.upToDate++
			return true
		}
	case !os.IsNotExist(err):
		p.fail(entry, "stat", entry.replica(), err)
		return false
	}

	if err := copyFile(p.fs, entry.source(), entry.replica(), srcInfo); err != nil {
		p.fail(entry, "copy", entry.source(), err)
		return false
	}
	p.emit(Copied, entry, nil)
	return true
}

// remove deletes a replica entry, recursively if it's a directory.
func (p *pass) remove(entry entryPair) bool {
	var err error
	if entry.kind == Directory {
		err = p.fs.RemoveAll(entry.replica())
	} else {
		err = p.fs.Remove(entry.replica())
	}
	if err != nil {
		p.fail(entry, "remove", entry.replica(), err)
		return false
	}
	p.emit(Deleted, entry, nil)
	return true
}

func (p *pass) fail(entry entryPair, op, path string, err error) {
	entryErr := errors.EntryError{Op: op, Path: path, Err: err}
	p.log.WithError(err).WithFields(logrus.Fields{
		"pass": p.id,
		"op":   op,
		"path": path,
	}).Warn("Failed to sync entry. It will be retried on the next pass.")
	p.emit(Failed, entry, entryErr)
}

func (p *pass) emit(kind EventKind, entry entryPair, err error) {
	event := Event{
		Kind:       kind,
		Entry:      entry.kind,
		Name:       entry.name,
		SourceDir:  entry.sourceDir,
		ReplicaDir: entry.replicaDir,
		Time:       p.clock.Now(),
		Pass:       p.id,
		Err:        err,
	}
	p.events = append(p.events, event)
	if p.sink != nil {
		p.sink.Notify(event)
	}
}

// lstat stats a replica path without following symlinks, so that a link in
// the replica is never written through. Filesystems without symlink support
// fall back to Stat.
func (p *pass) lstat(path string) (os.FileInfo, error) {
	if lstater, ok := p.fs.(afero.Lstater); ok {
		info, _, err := lstater.LstatIfPossible(path)
		return info, err
	}
	return p.fs.Stat(path)
}

func isSymlink(info os.FileInfo) bool {
	return info.Mode()&os.ModeSymlink != 0
}

func kindOf(info os.FileInfo) EntryKind {
	if info.IsDir() {
		return Directory
	}
	return File
}
