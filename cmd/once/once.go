package once

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/sidkik/dirmirror/cmd/util"
	"github.com/sidkik/dirmirror/pkg/config"
	"github.com/sidkik/dirmirror/pkg/errors"
	"github.com/sidkik/dirmirror/pkg/eventlog"
	"github.com/sidkik/dirmirror/pkg/sync"
)

// Mocked for unit testing.
var (
	fs                = afero.NewOsFs()
	stdout  io.Writer = os.Stdout
	openLog           = eventlog.OpenFile
)

// New creates a new `once` command.
func New() *cobra.Command {
	var flags util.MirrorFlags
	cmd := &cobra.Command{
		Use:   "once [source replica]",
		Short: "Mirror the source directory into the replica a single time",
		Run: func(_ *cobra.Command, args []string) {
			mirror, err := util.ResolveMirror(args, flags)
			if err != nil {
				util.HandleFatalError(err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := mirrorOnce(ctx, mirror, logrus.StandardLogger()); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
	cmd.Flags().StringVar(&flags.LogFile, "log-file", "",
		"The file that sync events are appended to. Overrides the config file.")
	return cmd
}

func mirrorOnce(ctx context.Context, mirror config.Mirror, log *logrus.Logger) error {
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
	reconciler := sync.NewReconciler(fs, clockwork.NewRealClock(), sink, log)
	events, err := reconciler.Reconcile(ctx, mirror.Source, mirror.Replica)
	if err != nil {
		if notFound, ok := errors.RootCause(err).(errors.FileNotFound); ok {
			return errors.NewFriendlyError("The source directory %s doesn't exist.", notFound.Path)
		}
		return errors.WithContext(err, "mirror")
	}

	summary := sync.Summarize(events)
	if !summary.Changed() && summary.Failed == 0 {
		fmt.Fprintln(stdout, "Already in sync.")
		return nil
	}

	fmt.Fprintf(stdout, "Copied %d files, created %d folders, and removed %d entries.\n",
		summary.CopiedFiles, summary.CreatedDirs, summary.Deleted)
	if summary.Failed > 0 {
		return errors.NewFriendlyError("%d entries failed to sync. "+
			"See %s for details.", summary.Failed, mirror.LogFile)
	}
	return nil
}
