package eventlog

import (
	"os"
	"path/filepath"
	goSync "sync"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/sidkik/dirmirror/pkg/errors"
	"github.com/sidkik/dirmirror/pkg/sync"
)

var fs = afero.NewOsFs()

// FileSink appends one line per event to a log file. It also implements
// logrus.Hook so that errors from the rest of the program end up in the same
// file. Per-entry failures already arrive as events.
type FileSink struct {
	path   string
	file   afero.File
	logger *logrus.Logger

	mu     goSync.Mutex
	closed bool
}

// OpenFile opens the log file at `path` for appending, creating it and its
// parent directory if necessary. The file stays open until Close is called.
func OpenFile(path string) (*FileSink, error) {
	if err := fs.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, errors.WithContext(err, "create log directory")
	}

	f, err := fs.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, errors.WithContext(err, "open log file")
	}

	logger := logrus.New()
	logger.SetOutput(f)
	logger.SetLevel(logrus.InfoLevel)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
		DisableColors: true,
	})
	return &FileSink{path: path, file: f, logger: logger}, nil
}

// Notify writes `e` to the log file.
func (s *FileSink) Notify(e sync.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	entry := s.logger.WithTime(e.Time).WithFields(logrus.Fields{
		"pass":    e.Pass,
		"event":   string(e.Kind),
		"entry":   string(e.Entry),
		"name":    e.Name,
		"source":  e.SourceDir,
		"replica": e.ReplicaDir,
	})
	if e.Kind == sync.Failed {
		entry.WithError(e.Err).Warn(e.String())
		return
	}
	entry.Info(e.String())
}

// Levels implements logrus.Hook.
func (s *FileSink) Levels() []logrus.Level {
	return []logrus.Level{
		logrus.PanicLevel,
		logrus.FatalLevel,
		logrus.ErrorLevel,
	}
}

// Fire implements logrus.Hook.
func (s *FileSink) Fire(entry *logrus.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}

	// Log at the error level at most so that a fatal entry doesn't exit from
	// inside the hook.
	level := entry.Level
	if level < logrus.ErrorLevel {
		level = logrus.ErrorLevel
	}
	s.logger.WithTime(entry.Time).WithFields(entry.Data).Log(level, entry.Message)
	return nil
}

// Close flushes and closes the log file. Events received afterwards are
// dropped.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	if err := s.file.Sync(); err != nil {
		s.file.Close()
		return errors.WithContext(err, "sync log file")
	}
	return errors.WithContext(s.file.Close(), "close log file")
}
