package metrics

import "github.com/thushan/loginproxy/internal/core/ports"

// EventSink adapts Registry to ports.EventSink, turning the lifecycle spans
// a ProxyConnection emits into counter/histogram updates. It ignores fields
// it has no metric for; structured logging of the full payload is a
// separate concern handled by the caller, not this adapter.
type EventSink struct {
	reg *Registry
}

// NewEventSink wraps an already-built Registry.
func NewEventSink(reg *Registry) *EventSink {
	return &EventSink{reg: reg}
}

func (s *EventSink) ProxySessionStarted(fields map[string]any) {
	s.reg.SessionsStarted.Inc()
}

func (s *EventSink) ProxySessionReconnecting(fields map[string]any) {
	s.reg.ReconnectsTotal.Inc()
}

func (s *EventSink) ProxySessionFinished(fields map[string]any) {
	s.reg.SessionsDetached.Inc()
	if d, ok := fields["duration_seconds"].(float64); ok {
		s.reg.SessionDuration.Observe(d)
	}
}

func (s *EventSink) ProxySessionFailed(fields map[string]any) {
	failureType, _ := fields["type"].(string)
	s.reg.SessionsFailed.WithLabelValues(failureType).Inc()
}

func (s *EventSink) ProxySessionRedirected(fields map[string]any) {
	s.reg.RedirectsTotal.Inc()
}

func (s *EventSink) DestGaugesChanged(destination string, waiting, proxying, delayedDisconnects int64) {
	s.reg.DestWaitingConnections.WithLabelValues(destination).Set(float64(waiting))
	s.reg.DestProxyingConnections.WithLabelValues(destination).Set(float64(proxying))
	s.reg.DelayedDisconnects.WithLabelValues(destination).Set(float64(delayedDisconnects))
}

var _ ports.EventSink = (*EventSink)(nil)
