package metrics

import "time"

// Noop discards every event. Used when metrics are not wired and in tests.
type Noop struct{}

func (Noop) RunCompleted(string, time.Duration) {}
func (Noop) RecordsWritten(int)                 {}
func (Noop) RetryAttempt(string)                {}
