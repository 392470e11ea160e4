// Package alert delivers advisory notifications about experiment and
// canary health. Delivery is fire-and-forget: a failing or slow sink
// never blocks or fails the operation that raised the alert.
package alert

import (
	"log"
	"time"
)

// Severity classifies an alert.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is a single advisory event.
type Alert struct {
	ExperimentID string    `json:"experiment_id"`
	Variant      string    `json:"variant,omitempty"`
	Severity     Severity  `json:"severity"`
	Reason       string    `json:"reason"`
	Detail       string    `json:"detail,omitempty"`
	At           time.Time `json:"at"`
}

// Sink receives alerts. Implementations must be safe for concurrent use.
type Sink interface {
	Notify(a Alert)
}

// Dispatcher fans alerts out to a sink asynchronously.
type Dispatcher struct {
	sink Sink
}

func NewDispatcher(sink Sink) *Dispatcher {
	return &Dispatcher{sink: sink}
}

// Fire delivers the alert on a separate goroutine. Panics inside the
// sink are recovered so a broken sink cannot take down the caller.
func (d *Dispatcher) Fire(a Alert) {
	if d == nil || d.sink == nil {
		return
	}
	if a.At.IsZero() {
		a.At = time.Now().UTC()
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("alert sink panic: %v", r)
			}
		}()
		d.sink.Notify(a)
	}()
}

// LogSink writes alerts to the process log.
type LogSink struct{}

func (LogSink) Notify(a Alert) {
	log.Printf("ALERT [%s] experiment=%s variant=%s reason=%s detail=%s",
		a.Severity, a.ExperimentID, a.Variant, a.Reason, a.Detail)
}
