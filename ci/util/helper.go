package util

import (
	"bytes"
	"context"
	"fmt"
	"io/ioutil"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sidkik/dirmirror/pkg/errors"
)

// TestHelper contains methods commonly used during integration tests. Each
// helper owns a scratch directory holding a source folder, a replica folder
// and a log file.
type TestHelper struct {
	Root    string
	Source  string
	Replica string
	LogFile string
}

// NewTestHelper creates a new TestHelper rooted in a fresh temporary
// directory.
func NewTestHelper() (*TestHelper, error) {
	root, err := ioutil.TempDir("", "dirmirror-ci")
	if err != nil {
		return nil, errors.WithContext(err, "create scratch dir")
	}

	helper := &TestHelper{
		Root:    root,
		Source:  filepath.Join(root, "source"),
		Replica: filepath.Join(root, "replica"),
		LogFile: filepath.Join(root, "logs", "dirmirror.log"),
	}
	if err := os.MkdirAll(helper.Source, 0755); err != nil {
		return nil, errors.WithContext(err, "create source")
	}
	return helper, nil
}

// Cleanup removes the scratch directory.
func (helper *TestHelper) Cleanup() {
	os.RemoveAll(helper.Root)
}

// WriteSource writes `contents` to `path`, relative to the source directory.
// The file's modification time is set to `modTime`.
func (helper *TestHelper) WriteSource(path, contents string, modTime time.Time) error {
	fullPath := filepath.Join(helper.Source, path)
	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		return errors.WithContext(err, "mkdir")
	}
	if err := ioutil.WriteFile(fullPath, []byte(contents), 0644); err != nil {
		return errors.WithContext(err, "write")
	}
	return os.Chtimes(fullPath, modTime, modTime)
}

// ReadReplica returns the contents of `path`, relative to the replica
// directory.
func (helper *TestHelper) ReadReplica(path string) (string, error) {
	contents, err := ioutil.ReadFile(filepath.Join(helper.Replica, path))
	return string(contents), err
}

// Start starts the given dirmirror command. It returns a buffer holding the
// command's stdout, and a channel for obtaining any errors after starting the
// command, and any errors from starting the command.
// The command is stopped with SIGTERM when `ctx` is cancelled.
func (helper *TestHelper) Start(ctx context.Context, args ...string) (
	*bytes.Buffer, chan error, error) {

	cmd := exec.Command("dirmirror", args...)

	stdout := bytes.NewBuffer(nil)
	stderr := bytes.NewBuffer(nil)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, nil, err
	}

	errChan := make(chan error, 1)
	go func() {
		waitErr := make(chan error)
		go func() {
			waitErr <- cmd.Wait()
			close(waitErr)
		}()

		defer close(errChan)
		select {
		case <-ctx.Done():
			if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
				errChan <- errors.WithContext(err, "kill")
				return
			}
			if err := <-waitErr; err != nil {
				errChan <- fmt.Errorf("exited uncleanly (%s): stderr: %s", err, stderr)
			}
		case err := <-waitErr:
			errChan <- fmt.Errorf("crashed (%s): stderr: %s", err, stderr)
		}
	}()
	return stdout, errChan, nil
}

// Run runs the given dirmirror command, and returns its combined output.
func (helper *TestHelper) Run(ctx context.Context, command ...string) ([]byte, error) {
	return exec.CommandContext(ctx, "dirmirror", command...).CombinedOutput()
}

// ReplicaArgs returns the positional arguments and flags that point
// dirmirror at the helper's directories.
func (helper *TestHelper) ReplicaArgs(extra ...string) []string {
	args := []string{helper.Source, helper.Replica, "--log-file", helper.LogFile}
	return append(args, extra...)
}

// TestWithRetry runs `test` with an exponential backoff until it passes, or
// `ctx` expires.
func TestWithRetry(ctx context.Context, test func() bool) bool {
	maxSleepTime := 5 * time.Second
	sleepTime := 100 * time.Millisecond
	for {
		select {
		case <-ctx.Done():
			return test()
		case <-time.After(sleepTime):
			sleepTime *= 2
			if sleepTime > maxSleepTime {
				sleepTime = maxSleepTime
			}
		}

		if test() {
			return true
		}
	}
}
