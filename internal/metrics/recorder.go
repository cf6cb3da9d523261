// Package metrics defines the observability hooks of the state runtime and a
// Prometheus implementation.
package metrics

import "time"

// ResultLabel enumerates mutation outcome categories for counters.
type ResultLabel string

const (
	ResultApplied ResultLabel = "applied"
	ResultNoop    ResultLabel = "noop"
	ResultFailed  ResultLabel = "failed"
)

// Recorder defines observability hooks for the state runtime. All methods
// must be safe to call on a nil *PrometheusRecorder so metrics stay optional.
type Recorder interface {
	ObserveMutation(source string, d time.Duration)
	IncMutationResult(source string, result ResultLabel)
	IncHydration(success bool)
	IncBroadcast(success bool)
	IncSubscriberError(subscriber string)
	IncRequest(msgType string, ok bool)
	IncFallback(op string)
	IncAlarm(name string)
}

// NoopRecorder is a Recorder that does nothing (default when metrics not configured).
type NoopRecorder struct{}

func (NoopRecorder) ObserveMutation(string, time.Duration) {}
func (NoopRecorder) IncMutationResult(string, ResultLabel) {}
func (NoopRecorder) IncHydration(bool)                     {}
func (NoopRecorder) IncBroadcast(bool)                     {}
func (NoopRecorder) IncSubscriberError(string)             {}
func (NoopRecorder) IncRequest(string, bool)               {}
func (NoopRecorder) IncFallback(string)                    {}
func (NoopRecorder) IncAlarm(string)                       {}
