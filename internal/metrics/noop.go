package metrics

import "time"

// NoopSink is used when metrics are disabled to avoid nil checks.
type NoopSink struct{}

func NewNoopSink() *NoopSink { return &NoopSink{} }

func (NoopSink) RunStarted(string, string)                        {}
func (NoopSink) RunCompleted(string, string, bool, time.Duration) {}
func (NoopSink) JobScheduled(string)                              {}
func (NoopSink) JobSuspended(string)                              {}
func (NoopSink) TaskDropped(string)                               {}
func (NoopSink) TaskSkipped()                                     {}
func (NoopSink) TaskPanicked()                                    {}
func (NoopSink) Observe(Stats)                                    {}
