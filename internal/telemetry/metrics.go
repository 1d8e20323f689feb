package telemetry

import (
	"go.opentelemetry.io/otel/metric"
)

// PipelineMetrics are the counters and histograms shared by the poller and
// the ticket processor.
type PipelineMetrics struct {
	Cycles          metric.Int64Counter
	ListFailures    metric.Int64Counter
	TicketsSeen     metric.Int64Counter
	TicketFailures  metric.Int64Counter
	Launches        metric.Int64Counter
	LaunchFailures  metric.Int64Counter
	LaunchDuration  metric.Float64Histogram
	CommentFailures metric.Int64Counter
}

// NewPipelineMetrics registers the pipeline instruments on the meter for
// scope. Registration errors fall back to no-op instruments.
func NewPipelineMetrics(scope string) *PipelineMetrics {
	m := Meter(scope)
	pm := &PipelineMetrics{}
	pm.Cycles, _ = m.Int64Counter("evalbot.poll.cycles",
		metric.WithDescription("Completed poll cycles"))
	pm.ListFailures, _ = m.Int64Counter("evalbot.poll.list_failures",
		metric.WithDescription("Poll cycles whose ticket listing failed"))
	pm.TicketsSeen, _ = m.Int64Counter("evalbot.tickets.seen",
		metric.WithDescription("Open tickets dispatched to the processor"))
	pm.TicketFailures, _ = m.Int64Counter("evalbot.tickets.failures",
		metric.WithDescription("Tickets whose processing returned an error or panicked"))
	pm.Launches, _ = m.Int64Counter("evalbot.launches",
		metric.WithDescription("Launch attempts"))
	pm.LaunchFailures, _ = m.Int64Counter("evalbot.launch.failures",
		metric.WithDescription("Failed launches by stage and kind"))
	pm.LaunchDuration, _ = m.Float64Histogram("evalbot.launch.duration",
		metric.WithDescription("Launch duration in milliseconds"),
		metric.WithUnit("ms"))
	pm.CommentFailures, _ = m.Int64Counter("evalbot.tracker.write_failures",
		metric.WithDescription("Failed label, comment or close calls"))
	return pm
}
