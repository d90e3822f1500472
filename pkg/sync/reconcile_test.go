package sync

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	logrusTest "github.com/sirupsen/logrus/hooks/test"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidkik/dirmirror/pkg/errors"
)

var (
	t0 = time.Date(2019, 11, 10, 8, 0, 0, 0, time.UTC)
	t1 = t0.Add(time.Hour)
)

type mockFile struct {
	path     string
	contents string
	modTime  time.Time
}

func (f mockFile) writeTo(fs afero.Fs) error {
	if err := fs.MkdirAll(filepath.Dir(f.path), 0755); err != nil {
		return err
	}
	if err := afero.WriteFile(fs, f.path, []byte(f.contents), 0644); err != nil {
		return err
	}

	modTime := f.modTime
	if modTime.IsZero() {
		modTime = t0
	}
	return fs.Chtimes(f.path, modTime, modTime)
}

func writeFiles(t *testing.T, fs afero.Fs, files ...mockFile) {
	for _, f := range files {
		require.NoError(t, f.writeTo(fs))
	}
}

// readTree returns the contents of every file under `root`, keyed by the
// path relative to `root`. Directories map to the empty string and have a
// trailing slash.
func readTree(t *testing.T, fs afero.Fs, root string) map[string]string {
	tree := map[string]string{}
	err := afero.Walk(fs, root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if path == root {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if info.IsDir() {
			tree[rel+"/"] = ""
			return nil
		}

		contents, err := afero.ReadFile(fs, path)
		if err != nil {
			return err
		}
		tree[rel] = string(contents)
		return nil
	})
	require.NoError(t, err)
	return tree
}

func describe(events []Event) (descs []string) {
	for _, e := range events {
		descs = append(descs, fmt.Sprintf("%s %s %s", e.Kind, e.Entry, e.ReplicaPath()))
	}
	return descs
}

func newTestReconciler(fs afero.Fs) (*Reconciler, clockwork.FakeClock, *logrusTest.Hook) {
	clock := clockwork.NewFakeClock()
	log, hook := logrusTest.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)
	return NewReconciler(fs, clock, nil, log), clock, hook
}

func TestReconcileScenario(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFiles(t, fs,
		mockFile{path: "/source/a.txt", contents: "new a", modTime: t1},
		mockFile{path: "/source/sub/b.txt", contents: "b"},
		mockFile{path: "/replica/a.txt", contents: "old a", modTime: t0},
		mockFile{path: "/replica/old.txt", contents: "old"},
	)

	var notified []Event
	clock := clockwork.NewFakeClock()
	log, _ := logrusTest.NewNullLogger()
	r := NewReconciler(fs, clock, SinkFunc(func(e Event) {
		notified = append(notified, e)
	}), log)

	events, err := r.Reconcile(context.Background(), "/source", "/replica")
	require.NoError(t, err)

	assert.Equal(t, []string{
		"copied file /replica/a.txt",
		"created directory /replica/sub",
		"copied file /replica/sub/b.txt",
		"copied directory /replica/sub",
		"deleted file /replica/old.txt",
	}, describe(events))
	assert.Equal(t, events, notified)

	assert.Equal(t, map[string]string{
		"a.txt":     "new a",
		"sub/":      "",
		"sub/b.txt": "b",
	}, readTree(t, fs, "/replica"))

	pass := events[0].Pass
	assert.NotEmpty(t, pass)
	for _, e := range events {
		assert.Equal(t, pass, e.Pass)
		assert.Equal(t, clock.Now(), e.Time)
	}

	assert.Equal(t, Summary{CreatedDirs: 1, CopiedFiles: 2, Deleted: 1}, Summarize(events))
}

func TestReconcileConvergence(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFiles(t, fs,
		mockFile{path: "/source/file", contents: "file"},
		mockFile{path: "/source/dir/file", contents: "nested"},
		mockFile{path: "/source/dir/deeper/file", contents: "deeper"},
		mockFile{path: "/source/other/file", contents: "other"},
	)
	require.NoError(t, fs.MkdirAll("/source/empty", 0755))

	r, _, _ := newTestReconciler(fs)
	events, err := r.Reconcile(context.Background(), "/source", "/backups/replica")
	require.NoError(t, err)

	assert.Equal(t, readTree(t, fs, "/source"), readTree(t, fs, "/backups/replica"))
	assert.Equal(t, "created directory /backups/replica", describe(events)[0])

	// The copies keep the source's modification time.
	info, err := fs.Stat("/backups/replica/dir/deeper/file")
	require.NoError(t, err)
	assert.True(t, info.ModTime().Equal(t0))
}

func TestReconcileIdempotent(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFiles(t, fs,
		mockFile{path: "/source/file", contents: "file"},
		mockFile{path: "/source/dir/file", contents: "nested"},
		mockFile{path: "/replica/orphan", contents: "orphan"},
	)

	r, _, _ := newTestReconciler(fs)
	_, err := r.Reconcile(context.Background(), "/source", "/replica")
	require.NoError(t, err)

	events, err := r.Reconcile(context.Background(), "/source", "/replica")
	require.NoError(t, err)

	assert.Empty(t, events)
	assert.False(t, Summarize(events).Changed())
}

func TestReconcileDeletion(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFiles(t, fs,
		mockFile{path: "/source/keep", contents: "keep"},
		mockFile{path: "/source/remove", contents: "remove"},
		mockFile{path: "/source/dir/keep", contents: "keep"},
		mockFile{path: "/source/removed-dir/file", contents: "file"},
	)

	r, _, _ := newTestReconciler(fs)
	_, err := r.Reconcile(context.Background(), "/source", "/replica")
	require.NoError(t, err)

	require.NoError(t, fs.Remove("/source/remove"))
	require.NoError(t, fs.RemoveAll("/source/removed-dir"))

	events, err := r.Reconcile(context.Background(), "/source", "/replica")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"deleted file /replica/remove",
		"deleted directory /replica/removed-dir",
	}, describe(events))

	assert.Equal(t, map[string]string{
		"keep":     "keep",
		"dir/":     "",
		"dir/keep": "keep",
	}, readTree(t, fs, "/replica"))
}

func TestReconcileStaleness(t *testing.T) {
	tests := []struct {
		name           string
		sourceModTime  time.Time
		replicaModTime time.Time
		expCopied      bool
	}{
		{
			name:           "SourceNewer",
			sourceModTime:  t1,
			replicaModTime: t0,
			expCopied:      true,
		},
		{
			name:           "SameModTime",
			sourceModTime:  t0,
			replicaModTime: t0,
			expCopied:      false,
		},
		{
			name:           "ReplicaNewer",
			sourceModTime:  t0,
			replicaModTime: t1,
			expCopied:      false,
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			fs := afero.NewMemMapFs()
			writeFiles(t, fs,
				mockFile{path: "/source/file", contents: "source", modTime: test.sourceModTime},
				mockFile{path: "/replica/file", contents: "replica", modTime: test.replicaModTime},
			)

			r, _, _ := newTestReconciler(fs)
			events, err := r.Reconcile(context.Background(), "/source", "/replica")
			require.NoError(t, err)

			contents, err := afero.ReadFile(fs, "/replica/file")
			require.NoError(t, err)
			if test.expCopied {
				assert.Equal(t, []string{"copied file /replica/file"}, describe(events))
				assert.Equal(t, "source", string(contents))
			} else {
				assert.Empty(t, events)
				assert.Equal(t, "replica", string(contents))
			}
		})
	}
}

func TestReconcileMissingSource(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFiles(t, fs, mockFile{path: "/replica/file", contents: "replica"})

	r, _, _ := newTestReconciler(fs)
	events, err := r.Reconcile(context.Background(), "/source", "/replica")
	assert.Equal(t, errors.FileNotFound{Path: "/source"}, err)
	assert.Empty(t, events)
	assert.Equal(t, map[string]string{"file": "replica"}, readTree(t, fs, "/replica"))
}

func TestReconcileNotDirectory(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFiles(t, fs,
		mockFile{path: "/source-file", contents: "file"},
		mockFile{path: "/source/file", contents: "file"},
		mockFile{path: "/replica-file", contents: "replica"},
	)

	r, _, _ := newTestReconciler(fs)
	_, err := r.Reconcile(context.Background(), "/source-file", "/replica")
	assert.Equal(t, errors.ErrNotDirectory, errors.RootCause(err))
	exists, _ := afero.Exists(fs, "/replica")
	assert.False(t, exists)

	_, err = r.Reconcile(context.Background(), "/source", "/replica-file")
	assert.Equal(t, errors.ErrNotDirectory, errors.RootCause(err))
	contents, _ := afero.ReadFile(fs, "/replica-file")
	assert.Equal(t, "replica", string(contents))
}

func TestReconcileKindMismatch(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFiles(t, fs,
		mockFile{path: "/source/was-dir", contents: "now a file"},
		mockFile{path: "/source/was-file/file", contents: "now a dir"},
		mockFile{path: "/replica/was-dir/file", contents: "old"},
		mockFile{path: "/replica/was-file", contents: "old"},
	)

	r, _, _ := newTestReconciler(fs)
	events, err := r.Reconcile(context.Background(), "/source", "/replica")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"deleted directory /replica/was-dir",
		"copied file /replica/was-dir",
		"deleted file /replica/was-file",
		"created directory /replica/was-file",
		"copied file /replica/was-file/file",
		"copied directory /replica/was-file",
	}, describe(events))

	assert.Equal(t, map[string]string{
		"was-dir":       "now a file",
		"was-file/":     "",
		"was-file/file": "now a dir",
	}, readTree(t, fs, "/replica"))
}

func TestReconcileReplicaSymlinks(t *testing.T) {
	root := t.TempDir()
	outside := filepath.Join(root, "outside")
	source := filepath.Join(root, "source")
	replica := filepath.Join(root, "replica")

	fs := afero.NewOsFs()
	writeFiles(t, fs,
		mockFile{path: filepath.Join(outside, "precious"), contents: "precious"},
		mockFile{path: filepath.Join(outside, "target"), contents: "target"},
		mockFile{path: filepath.Join(source, "a.txt"), contents: "a", modTime: t1},
		mockFile{path: filepath.Join(source, "sub", "x"), contents: "x", modTime: t1},
	)
	require.NoError(t, os.MkdirAll(replica, 0755))
	require.NoError(t, os.Symlink(filepath.Join(outside, "target"), filepath.Join(replica, "a.txt")))
	require.NoError(t, os.Symlink(outside, filepath.Join(replica, "sub")))

	r, _, _ := newTestReconciler(fs)
	events, err := r.Reconcile(context.Background(), source, replica)
	require.NoError(t, err)

	// The links are replaced, and nothing they pointed at is touched.
	assert.Equal(t, []string{
		"deleted file " + filepath.Join(replica, "a.txt"),
		"copied file " + filepath.Join(replica, "a.txt"),
		"deleted file " + filepath.Join(replica, "sub"),
		"created directory " + filepath.Join(replica, "sub"),
		"copied file " + filepath.Join(replica, "sub", "x"),
		"copied directory " + filepath.Join(replica, "sub"),
	}, describe(events))
	assert.Equal(t, map[string]string{
		"precious": "precious",
		"target":   "target",
	}, readTree(t, fs, outside))
	assert.Equal(t, map[string]string{
		"a.txt": "a",
		"sub/":  "",
		"sub/x": "x",
	}, readTree(t, fs, replica))

	// The replica root itself may be a symlink.
	replicaLink := filepath.Join(root, "replica-link")
	require.NoError(t, os.Symlink(replica, replicaLink))
	events, err = r.Reconcile(context.Background(), source, replicaLink)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestReconcileCancelled(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFiles(t, fs, mockFile{path: "/source/file", contents: "file"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r, _, _ := newTestReconciler(fs)
	events, err := r.Reconcile(ctx, "/source", "/replica")
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Empty(t, events)

	exists, _ := afero.Exists(fs, "/replica")
	assert.False(t, exists)
}

// failingFs fails operations on specific paths.
type failingFs struct {
	afero.Fs
	failRemove map[string]bool
	failOpen   map[string]bool
}

func (fs failingFs) Remove(name string) error {
	if fs.failRemove[name] {
		return &os.PathError{Op: "remove", Path: name, Err: os.ErrPermission}
	}
	return fs.Fs.Remove(name)
}

func (fs failingFs) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	if fs.failOpen[name] {
		return nil, &os.PathError{Op: "open", Path: name, Err: os.ErrPermission}
	}
	return fs.Fs.OpenFile(name, flag, perm)
}

func TestReconcileEntryFailure(t *testing.T) {
	memFs := afero.NewMemMapFs()
	writeFiles(t, memFs,
		mockFile{path: "/source/dir/a", contents: "a"},
		mockFile{path: "/source/dir/b", contents: "b"},
		mockFile{path: "/source/c", contents: "c"},
		mockFile{path: "/replica/locked", contents: "locked"},
		mockFile{path: "/replica/orphan", contents: "orphan"},
	)
	fs := failingFs{
		Fs:         memFs,
		failRemove: map[string]bool{"/replica/locked": true},
		failOpen:   map[string]bool{"/replica/dir/a": true},
	}

	r, _, hook := newTestReconciler(fs)
	events, err := r.Reconcile(context.Background(), "/source", "/replica")
	require.NoError(t, err)

	// The failures don't stop siblings from being processed, but the
	// directory containing the failed copy isn't reported as mirrored.
	assert.Equal(t, []string{
		"copied file /replica/c",
		"created directory /replica/dir",
		"failed file /replica/dir/a",
		"copied file /replica/dir/b",
		"failed file /replica/locked",
		"deleted file /replica/orphan",
	}, describe(events))

	var entryErr errors.EntryError
	require.True(t, errors.As(events[2].Err, &entryErr))
	assert.Equal(t, "copy", entryErr.Op)
	assert.Equal(t, "/source/dir/a", entryErr.Path)
	assert.True(t, errors.Is(events[4].Err, os.ErrPermission))
	assert.Equal(t, Summary{CreatedDirs: 1, CopiedFiles: 2, Deleted: 1, Failed: 2}, Summarize(events))

	var warnings []string
	for _, entry := range hook.AllEntries() {
		if entry.Level == logrus.WarnLevel {
			warnings = append(warnings, entry.Data["path"].(string))
		}
	}
	assert.Equal(t, []string{"/source/dir/a", "/replica/locked"}, warnings)

	// The failed entries are retried on the next pass.
	fs.failRemove = nil
	fs.failOpen = nil
	r.fs = fs
	events, err = r.Reconcile(context.Background(), "/source", "/replica")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"copied file /replica/dir/a",
		"copied directory /replica/dir",
		"deleted file /replica/locked",
	}, describe(events))
}

func TestEventString(t *testing.T) {
	tests := []struct {
		event Event
		exp   string
	}{
		{
			event: Event{Kind: Created, Entry: Directory, Name: "sub", ReplicaDir: "/replica"},
			exp:   `Folder: "sub" created in /replica`,
		},
		{
			event: Event{Kind: Copied, Entry: File, Name: "a.txt", SourceDir: "/source", ReplicaDir: "/replica"},
			exp:   `File: "a.txt" copied from /source to /replica`,
		},
		{
			event: Event{Kind: Deleted, Entry: Directory, Name: "old", ReplicaDir: "/replica"},
			exp:   `Folder: "old" deleted from /replica`,
		},
		{
			event: Event{Kind: Failed, Entry: File, Name: "a.txt", Err: errors.New("boom")},
			exp:   `File: "a.txt" failed to sync: boom`,
		},
	}

	for _, test := range tests {
		assert.Equal(t, test.exp, test.event.String())
		assert.False(t, strings.HasSuffix(test.event.String(), "\n"))
	}
}
