// Package metrics defines the recorder the gate and facilitator client
// report to.
package metrics

import "time"

// Recorder counts events and observes latencies. Label keys the gate uses
// are route, state and network; missing keys are recorded empty.
type Recorder interface {
	IncCounter(name string, labels map[string]string)
	ObserveLatency(name string, duration time.Duration, labels map[string]string)
}
