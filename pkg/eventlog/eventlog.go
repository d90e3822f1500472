// Package eventlog renders sync events for humans: an append-only log file
// and colored console output. Both are fed from the same event stream.
package eventlog

import (
	"github.com/sidkik/dirmirror/pkg/sync"
)

type multiSink []sync.Sink

// Multi returns a sink that forwards every event to each of `sinks` in
// order. Nil sinks are ignored.
func Multi(sinks ...sync.Sink) sync.Sink {
	var m multiSink
	for _, sink := range sinks {
		if sink != nil {
			m = append(m, sink)
		}
	}
	return m
}

func (m multiSink) Notify(e sync.Event) {
	for _, sink := range m {
		sink.Notify(e)
	}
}
