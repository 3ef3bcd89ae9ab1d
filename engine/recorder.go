package engine

import (
	"context"
	"time"
)

// Recorder observes the outcome and latency of engine operations.
type Recorder interface {
	Observe(ctx context.Context, op string, success bool, dur time.Duration)
}

// NopRecorder discards observations.
type NopRecorder struct{}

// Observe implements Recorder.
func (NopRecorder) Observe(context.Context, string, bool, time.Duration) {}
