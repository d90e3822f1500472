package run

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/sidkik/dirmirror/cmd/util"
	"github.com/sidkik/dirmirror/pkg/config"
	"github.com/sidkik/dirmirror/pkg/errors"
	"github.com/sidkik/dirmirror/pkg/eventlog"
	"github.com/sidkik/dirmirror/pkg/fswatch"
	"github.com/sidkik/dirmirror/pkg/sync"
)

type watcher interface {
	Changes() <-chan struct{}
	Close() error
}

// Mocked for unit testing.
var (
	fs          = afero.NewOsFs()
	clock       = clockwork.NewRealClock()
	openLog     = eventlog.OpenFile
	watchSource = func(root string) (watcher, error) {
		w, err := fswatch.Watch(root)
		if err != nil {
			return nil, err
		}
		return w, nil
	}
)

// New creates a new `run` command.
func New() *cobra.Command {
	var flags util.MirrorFlags
	cmd := &cobra.Command{
		Use:   "run [source replica]",
		Short: "Keep a replica directory in sync with a source directory",
		Long: `Mirror the source directory into the replica directory, and then mirror it
again every interval until interrupted.

Files in the replica that don't exist in the source are deleted.
If no directories are given, they're read from the config created by
"dirmirror config".`,
		Run: func(_ *cobra.Command, args []string) {
			mirror, err := util.ResolveMirror(args, flags)
			if err != nil {
				util.HandleFatalError(err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := runMirror(ctx, mirror, logrus.StandardLogger()); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
	cmd.Flags().StringVar(&flags.Interval, "interval", "",
		"The number of minutes between syncs. Overrides the config file.")
	cmd.Flags().StringVar(&flags.LogFile, "log-file", "",
		"The file that sync events are appended to. Overrides the config file.")
	cmd.Flags().BoolVar(&flags.Watch, "watch", false,
		"Also sync as soon as files in the source directory change.")
	return cmd
}

// runMirror mirrors until `ctx` is cancelled. Errors during a pass are logged
// rather than returned, so an error is only returned if the mirror couldn't
// be started.
func runMirror(ctx context.Context, mirror config.Mirror, log *logrus.Logger) error {
	fileSink, err := openLog(mirror.LogFile)
	if err != nil {
		return errors.WithContext(err, "open log file")
	}
	defer func() {
		if err := fileSink.Close(); err != nil {
			log.WithError(err).Warn("Failed to close log file")
		}
	}()
	log.AddHook(fileSink)

	sink := eventlog.Multi(fileSink, eventlog.NewConsoleSink())
	reconciler := sync.NewReconciler(fs, clock, sink, log)

	var trigger <-chan struct{}
	if mirror.Watch {
		w, err := watchSource(mirror.Source)
		switch {
		case err == nil:
			defer w.Close()
			trigger = w.Changes()
		case fswatch.IsWatchLimit(err):
			log.WithError(err).Warnf("Too many files to automatically watch for changes. "+
				"The directories will be synced every %d minutes instead.", mirror.IntervalMinutes)
		default:
			log.WithError(err).Warn("Failed to watch the source directory for changes. " +
				"Falling back to syncing on the interval.")
		}
	}

	log.WithFields(logrus.Fields{
		"source":   mirror.Source,
		"replica":  mirror.Replica,
		"interval": mirror.IntervalMinutes,
		"logFile":  mirror.LogFile,
	}).Info("Starting to mirror. Press Ctrl-C to stop.")

	scheduler := sync.NewScheduler(sync.SchedulerOptions{
		Pass: func(ctx context.Context) error {
			_, err := reconciler.Reconcile(ctx, mirror.Source, mirror.Replica)
			return err
		},
		Interval: time.Duration(mirror.IntervalMinutes) * time.Minute,
		Clock:    clock,
		Trigger:  trigger,
		Log:      log,
	})
	scheduler.Run(ctx)

	log.Info("Stopped mirroring.")
	return nil
}
