// Package metrics exports sluice bridge events as Prometheus metrics.
package metrics

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/RobertWHurst/sluice"
)

// Collector is a sluice.Observer recording bridge traffic and lifecycle.
// One Collector may observe several bridges; series are labelled with the
// bridge name.
type Collector struct {
	messagesSent      *prometheus.CounterVec
	bytesSent         *prometheus.CounterVec
	fragmentsSent     *prometheus.CounterVec
	backPressure      *prometheus.CounterVec
	sendFailures      *prometheus.CounterVec
	messagesDelivered *prometheus.CounterVec
	deliveries        *prometheus.CounterVec
	bytesDelivered    *prometheus.CounterVec
	messagesDropped   *prometheus.CounterVec
	abandoned         *prometheus.CounterVec
	transitions       *prometheus.CounterVec
	state             *prometheus.GaugeVec
	messageSize       *prometheus.HistogramVec

	logger *zap.Logger
}

var _ sluice.Observer = &Collector{}

// NewCollector registers the sluice metrics with registerer. A nil
// registerer uses the default Prometheus registry.
func NewCollector(namespace string, registerer prometheus.Registerer, logger *zap.Logger) *Collector {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	factory := promauto.With(registerer)
	bridge := []string{"bridge"}

	return &Collector{
		messagesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Messages fully offered to the transport",
		}, bridge),
		bytesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "Payload bytes offered to the transport, after compression",
		}, bridge),
		fragmentsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fragments_sent_total",
			Help:      "Fragments offered to the transport",
		}, bridge),
		backPressure: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "back_pressure_total",
			Help:      "Offers retried because the transport was back-pressured",
		}, bridge),
		sendFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_failures_total",
			Help:      "Submits that returned an error",
		}, []string{"bridge", "reason"}),
		messagesDelivered: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_delivered_total",
			Help:      "Received messages delivered to at least one subscriber",
		}, bridge),
		deliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Individual subscriber deliveries",
		}, bridge),
		bytesDelivered: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_delivered_total",
			Help:      "Payload bytes of delivered messages",
		}, bridge),
		messagesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dropped_total",
			Help:      "Received messages no subscriber had demand for",
		}, bridge),
		abandoned: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_abandoned_total",
			Help:      "Partially reassembled messages discarded",
		}, bridge),
		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Termination state transitions",
		}, []string{"bridge", "from", "to"}),
		state: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "state",
			Help:      "Current termination state: 0 active, 1 draining, 2 terminated, 3 errored",
		}, bridge),
		messageSize: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "message_size_bytes",
			Help:      "Size of sent messages on the wire",
			Buckets:   prometheus.ExponentialBuckets(64, 4, 10),
		}, bridge),
		logger: logger.With(zap.String("component", "metrics")),
	}
}

func (c *Collector) Observe(event sluice.Event) {
	switch event.Kind {
	case sluice.EventSent:
		c.messagesSent.WithLabelValues(event.Bridge).Inc()
		c.bytesSent.WithLabelValues(event.Bridge).Add(float64(event.Bytes))
		c.fragmentsSent.WithLabelValues(event.Bridge).Add(float64(event.Fragments))
		c.messageSize.WithLabelValues(event.Bridge).Observe(float64(event.Bytes))
	case sluice.EventBackPressure:
		c.backPressure.WithLabelValues(event.Bridge).Inc()
	case sluice.EventSendFailed:
		c.sendFailures.WithLabelValues(event.Bridge, failureReason(event.Err)).Inc()
	case sluice.EventDelivered:
		c.messagesDelivered.WithLabelValues(event.Bridge).Inc()
		c.deliveries.WithLabelValues(event.Bridge).Add(float64(event.Receivers))
		c.bytesDelivered.WithLabelValues(event.Bridge).Add(float64(event.Bytes))
	case sluice.EventDropped:
		c.messagesDropped.WithLabelValues(event.Bridge).Inc()
	case sluice.EventAbandoned:
		c.abandoned.WithLabelValues(event.Bridge).Inc()
	case sluice.EventTransition:
		c.transitions.WithLabelValues(event.Bridge, event.From.String(), event.To.String()).Inc()
		c.state.WithLabelValues(event.Bridge).Set(float64(event.To))
		if event.To == sluice.StateErrored {
			c.logger.Debug("bridge errored", zap.String("bridge", event.Bridge), zap.Error(event.Err))
		}
	}
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, sluice.ErrSendTimeout):
		return "timeout"
	case errors.Is(err, sluice.ErrNotConnected):
		return "not_connected"
	case errors.Is(err, sluice.ErrConcurrentWrite):
		return "concurrent_write"
	case errors.Is(err, sluice.ErrMessageTooLarge):
		return "too_large"
	case errors.Is(err, sluice.ErrDraining):
		return "draining"
	case errors.Is(err, sluice.ErrTerminated):
		return "terminated"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "other"
	}
}
