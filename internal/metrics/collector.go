package metrics

import (
	"time"

	dberrors "github.com/blueberrycongee/dbmux/pkg/errors"
)

// Fan-out outcomes.
const (
	FanOutComplete = "complete"
	FanOutPartial  = "partial"
	FanOutFailed   = "failed"
)

const noGroup = "none"

// Collector provides methods to record metrics.
type Collector struct{}

// NewCollector creates a new metrics collector.
func NewCollector() *Collector {
	return &Collector{}
}

func groupLabel(group string) string {
	if group == "" {
		return noGroup
	}
	return group
}

// StatusOf maps an operation error to a low-cardinality status label.
func StatusOf(err error) string {
	if err == nil {
		return "success"
	}
	if kind := dberrors.KindOf(err); kind != "" {
		return string(kind)
	}
	return "error"
}

// RecordOperation records one routed read or write.
func (c *Collector) RecordOperation(family, mode, group string, err error, elapsed time.Duration) {
	OperationsTotal.WithLabelValues(family, mode, groupLabel(group), StatusOf(err)).Inc()
	OperationLatency.WithLabelValues(family, mode).Observe(elapsed.Seconds())
}

// RecordAttempt records a single attempt against an instance.
func (c *Collector) RecordAttempt(target string, err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	AttemptsTotal.WithLabelValues(target, outcome).Inc()
}

// RecordCacheLookup records a result cache hit or miss.
func (c *Collector) RecordCacheLookup(family, group string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	CacheLookups.WithLabelValues(family, groupLabel(group), result).Inc()
}

// RecordFanOut records the outcome of a write fan-out.
func (c *Collector) RecordFanOut(family, outcome string) {
	FanOutsTotal.WithLabelValues(family, outcome).Inc()
}

// RecordInstanceHealth records a heartbeat outcome.
func (c *Collector) RecordInstanceHealth(family, instance string, err error) {
	up := 1.0
	if err != nil {
		up = 0
	}
	InstanceUp.WithLabelValues(family, instance).Set(up)
}

// RecordRegistry records how many declared instances opened.
func (c *Collector) RecordRegistry(family string, ready, unavailable int) {
	RegisteredInstances.WithLabelValues(family, "ready").Set(float64(ready))
	RegisteredInstances.WithLabelValues(family, "unavailable").Set(float64(unavailable))
}

// RecordDocumentPoolEvent records a document driver pool event.
func (c *Collector) RecordDocumentPoolEvent(instance, event string) {
	DocumentPoolEvents.WithLabelValues(instance, event).Inc()
}

// RecordSwipes records n flushed swipes with the given status.
func (c *Collector) RecordSwipes(status string, n int) {
	if n <= 0 {
		return
	}
	SwipesFlushed.WithLabelValues(status).Add(float64(n))
}
