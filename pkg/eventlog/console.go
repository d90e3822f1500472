package eventlog

import (
	"fmt"
	"io"
	"os"
	goSync "sync"

	"github.com/buger/goterm"

	"github.com/sidkik/dirmirror/pkg/sync"
)

var stdout io.Writer = os.Stdout

// ConsoleSink prints a colored line to stdout for every event.
type ConsoleSink struct {
	mu  goSync.Mutex
	out io.Writer
}

// NewConsoleSink creates a ConsoleSink.
func NewConsoleSink() *ConsoleSink {
	return &ConsoleSink{out: stdout}
}

// Notify prints `e`.
func (s *ConsoleSink) Notify(e sync.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	line := fmt.Sprintf("%s %s", e.Time.Format("15:04:05"), e)
	fmt.Fprintln(s.out, goterm.Color(line, eventColor(e.Kind)))
}

func eventColor(kind sync.EventKind) int {
	switch kind {
	case sync.Copied:
		return goterm.GREEN
	case sync.Created:
		return goterm.CYAN
	case sync.Deleted:
		return goterm.YELLOW
	case sync.Failed:
		return goterm.RED
	default:
		return goterm.BLACK
	}
}
