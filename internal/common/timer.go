// Package common provides shared stage timing.
package common

import (
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Timer measures one named stage and optionally reports it to a histogram.
type Timer struct {
	start    time.Time
	name     string
	duration time.Duration
	observer prometheus.Observer
}

// NewStageTimer creates a named timer that records its duration in seconds
// to obs on Stop. obs may be nil.
func NewStageTimer(name string, obs prometheus.Observer) *Timer {
	return &Timer{name: name, start: time.Now(), observer: obs}
}

// Stop stops the timer and returns the elapsed duration.
func (t *Timer) Stop() time.Duration {
	t.duration = time.Since(t.start)
	if t.observer != nil {
		t.observer.Observe(t.duration.Seconds())
	}
	return t.duration
}

// LogAttr returns the duration as a slog attribute keyed by the timer name.
func (t *Timer) LogAttr() slog.Attr {
	key := t.name
	if key == "" {
		key = "duration"
	}
	return slog.Duration(key, t.duration)
}
