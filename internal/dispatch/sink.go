// Package dispatch delivers composed events to the webhook and other sinks, and collects
// the advertising pixel commands a page has to run.
//
// Delivery is best effort: nothing is retried, and no failure reaches the caller as
// anything other than a Result.
package dispatch

import (
	"context"

	v1 "github.com/aevon-lab/funnel-tracker/internal/api/v1"
)

// Result is the outcome of sending one event to one sink.
type Result struct {
	Sink       string
	Success    bool
	Error      string
	StatusCode int
}

func failure(sink string, msg string) Result {
	return Result{Sink: sink, Error: msg}
}

// Sink is a server-side consumer of tracked events.
// Send must not retry and must report every failure through Result.
type Sink interface {
	Name() string
	Send(ctx context.Context, evt *v1.TrackedEvent) Result
}
