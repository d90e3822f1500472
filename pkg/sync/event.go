package sync

import (
	"fmt"
	"path/filepath"
	"time"
)

// EventKind describes what happened to an entry.
type EventKind string

const (
	// Created means a replica directory was created because it was missing.
	Created EventKind = "created"

	// Copied means a file was copied from the source, or a directory's
	// contents changed and were mirrored.
	Copied EventKind = "copied"

	// Deleted means a replica entry was removed because it no longer exists
	// in the source.
	Deleted EventKind = "deleted"

	// Failed means an operation on a single entry failed. The entry is
	// skipped until the next pass.
	Failed EventKind = "failed"
)

// EntryKind is whether an entry is a file or a directory.
type EntryKind string

const (
	File      EntryKind = "file"
	Directory EntryKind = "directory"
)

// Event describes a single mutation (or failed mutation) applied to the
// replica during a pass.
type Event struct {
	Kind  EventKind
	Entry EntryKind

	// Name is the name of the entry within SourceDir and ReplicaDir.
	Name       string
	SourceDir  string
	ReplicaDir string

	// Time is when the event happened.
	Time time.Time

	// Pass identifies the pass that produced the event.
	Pass string

	// Err is set for Failed events.
	Err error
}

// SourcePath returns the full path to the entry in the source tree.
func (e Event) SourcePath() string {
	return filepath.Join(e.SourceDir, e.Name)
}

// ReplicaPath returns the full path to the entry in the replica tree.
func (e Event) ReplicaPath() string {
	return filepath.Join(e.ReplicaDir, e.Name)
}

func (e Event) String() string {
	switch e.Kind {
	case Created:
		return fmt.Sprintf("Folder: %q created in %s", e.Name, e.ReplicaDir)
	case Deleted:
		return fmt.Sprintf("%s: %q deleted from %s", e.label(), e.Name, e.ReplicaDir)
	case Failed:
		return fmt.Sprintf("%s: %q failed to sync: %s", e.label(), e.Name, e.Err)
	default:
		return fmt.Sprintf("%s: %q copied from %s to %s", e.label(), e.Name, e.SourceDir, e.ReplicaDir)
	}
}

func (e Event) label() string {
	if e.Entry == Directory {
		return "Folder"
	}
	return "File"
}

// Sink receives events as they're produced.
type Sink interface {
	Notify(Event)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(Event)

// Notify calls f(e).
func (f SinkFunc) Notify(e Event) {
	f(e)
}

// Summary counts the events of a single pass.
type Summary struct {
	CreatedDirs int
	CopiedFiles int
	Deleted     int
	Failed      int
}

// Summarize counts the events of a pass by kind.
func Summarize(events []Event) (summary Summary) {
	for _, e := range events {
		switch {
		case e.Kind == Created:
			summary.CreatedDirs++
		case e.Kind == Copied && e.Entry == File:
			summary.CopiedFiles++
		case e.Kind == Deleted:
			summary.Deleted++
		case e.Kind == Failed:
			summary.Failed++
		}
	}
	return summary
}

// Changed returns whether the pass modified the replica.
func (s Summary) Changed() bool {
	return s.CreatedDirs+s.CopiedFiles+s.Deleted > 0
}
