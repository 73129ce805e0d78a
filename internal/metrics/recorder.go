package metrics

import (
	"context"
	"strconv"
	"time"

	"github.com/alejoacosta74/botstream/internal/common"
	"github.com/alejoacosta74/botstream/internal/dispatcher"
	"github.com/alejoacosta74/botstream/internal/events"
	"github.com/alejoacosta74/botstream/internal/registry"
	"github.com/alejoacosta74/botstream/pkg/botstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
)

const namespace = "botstream"

var allStatuses = []registry.Status{
	registry.StatusDisconnected,
	registry.StatusConnecting,
	registry.StatusConnected,
	registry.StatusError,
}

// MetricsRecorder handles the collection and recording of metrics. It is
// fed directly by the stream manager for lifecycle observations and reads
// bot payloads and registry snapshots from the event buses.
type MetricsRecorder struct {
	wsMetrics struct {
		connectAttempts  *prometheus.CounterVec
		connectionCloses *prometheus.CounterVec
		messagesReceived *prometheus.CounterVec
		messagesDropped  *prometheus.CounterVec
		heartbeatsSent   *prometheus.CounterVec
		reconnects       *prometheus.CounterVec
		reconnectDelay   prometheus.Histogram
		status           *prometheus.GaugeVec
	}
	botMetrics struct {
		spreadPercentage *prometheus.GaugeVec
		marketPrice      *prometheus.GaugeVec
		eventLatency     prometheus.Histogram
	}
	registryMetrics struct {
		reconnectAttempts prometheus.Gauge
		connectedBots     prometheus.Gauge
	}
	kafkaMetrics struct {
		messagesSent   *prometheus.CounterVec
		sendErrors     *prometheus.CounterVec
		messageLatency prometheus.Histogram
	}

	eventBus  events.Bus[dispatcher.Event]
	statusBus events.Bus[registry.Record]
	logger    *logrus.Entry
	done      chan struct{}
}

// RecorderOption configures a MetricsRecorder
type RecorderOption func(*MetricsRecorder)

// WithEventBus records spread samples and event latency from dispatched events.
func WithEventBus(bus events.Bus[dispatcher.Event]) RecorderOption {
	return func(r *MetricsRecorder) {
		r.eventBus = bus
	}
}

// WithStatusBus mirrors registry snapshots into gauges.
func WithStatusBus(bus events.Bus[registry.Record]) RecorderOption {
	return func(r *MetricsRecorder) {
		r.statusBus = bus
	}
}

// NewMetricsRecorder registers all metrics on reg.
func NewMetricsRecorder(reg prometheus.Registerer, opts ...RecorderOption) *MetricsRecorder {
	r := &MetricsRecorder{
		logger: logrus.WithField("component", "metrics_recorder"),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}

	factory := promauto.With(reg)

	r.wsMetrics.connectAttempts = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ws",
		Name:      "connect_attempts_total",
		Help:      "Number of transport open attempts per bot",
	}, []string{"bot"})

	r.wsMetrics.connectionCloses = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ws",
		Name:      "closes_total",
		Help:      "Number of closed connections per bot and close code",
	}, []string{"bot", "code"})

	r.wsMetrics.messagesReceived = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ws",
		Name:      "messages_total",
		Help:      "Number of messages received from the bot channel by type",
	}, []string{"bot", "type"})

	r.wsMetrics.messagesDropped = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ws",
		Name:      "messages_dropped_total",
		Help:      "Number of inbound or outbound messages dropped by reason",
	}, []string{"bot", "reason"})

	r.wsMetrics.heartbeatsSent = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ws",
		Name:      "heartbeats_total",
		Help:      "Number of ping frames sent",
	}, []string{"bot"})

	r.wsMetrics.reconnects = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ws",
		Name:      "reconnects_scheduled_total",
		Help:      "Number of reconnect attempts scheduled",
	}, []string{"bot"})

	r.wsMetrics.reconnectDelay = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "ws",
		Name:      "reconnect_delay_seconds",
		Help:      "Delay before scheduled reconnect attempts",
		Buckets:   []float64{1, 2, 4, 6, 8, 10, 20, 60},
	})

	r.wsMetrics.status = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "ws",
		Name:      "status",
		Help:      "1 for the current lifecycle status of each bot subscription",
	}, []string{"bot", "status"})

	r.botMetrics.spreadPercentage = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "bot",
		Name:      "spread_percentage",
		Help:      "Latest spread between the two markets of a bot",
	}, []string{"bot"})

	r.botMetrics.marketPrice = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "bot",
		Name:      "market_price",
		Help:      "Latest price seen on each market of a bot",
	}, []string{"bot", "market"})

	r.botMetrics.eventLatency = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "bot",
		Name:      "event_latency_seconds",
		Help:      "Delay between the server timestamp of an event and its dispatch",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 5},
	})

	r.registryMetrics.reconnectAttempts = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "registry",
		Name:      "reconnect_attempts",
		Help:      "Reconnect attempts shown by the connection status registry",
	})

	r.registryMetrics.connectedBots = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "registry",
		Name:      "connected_bots",
		Help:      "Number of bots with a live channel",
	})

	r.kafkaMetrics.messagesSent = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "kafka",
		Name:      "messages_sent_total",
		Help:      "Number of status records exported to Kafka by topic",
	}, []string{"topic"})

	r.kafkaMetrics.sendErrors = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "kafka",
		Name:      "send_errors_total",
		Help:      "Number of failed Kafka exports by reason",
	}, []string{"reason"})

	r.kafkaMetrics.messageLatency = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "kafka",
		Name:      "send_duration_seconds",
		Help:      "Time taken to get a broker acknowledgement",
		Buckets:   prometheus.DefBuckets,
	})

	r.logger.Debug("Metrics recorder initialized")
	return r
}

func botLabel(botID int) string { return strconv.Itoa(botID) }

func (r *MetricsRecorder) ConnectAttempt(botID int) {
	r.wsMetrics.connectAttempts.WithLabelValues(botLabel(botID)).Inc()
}

// StatusChanged sets the gauge of status to 1 and every other status of the
// bot to 0.
func (r *MetricsRecorder) StatusChanged(botID int, status registry.Status) {
	bot := botLabel(botID)
	for _, s := range allStatuses {
		v := 0.0
		if s == status {
			v = 1
		}
		r.wsMetrics.status.WithLabelValues(bot, string(s)).Set(v)
	}
}

func (r *MetricsRecorder) ReconnectScheduled(botID int, attempt int, delay time.Duration) {
	r.wsMetrics.reconnects.WithLabelValues(botLabel(botID)).Inc()
	r.wsMetrics.reconnectDelay.Observe(delay.Seconds())
	r.logger.WithFields(logrus.Fields{
		"bot_id":  botID,
		"attempt": attempt,
	}).Trace("Recorded reconnect")
}

func (r *MetricsRecorder) ConnectionClosed(botID int, code int) {
	r.wsMetrics.connectionCloses.WithLabelValues(botLabel(botID), strconv.Itoa(code)).Inc()
}

func (r *MetricsRecorder) MessageReceived(botID int, msgType string) {
	r.wsMetrics.messagesReceived.WithLabelValues(botLabel(botID), msgType).Inc()
}

func (r *MetricsRecorder) MessageDropped(botID int, reason string) {
	r.wsMetrics.messagesDropped.WithLabelValues(botLabel(botID), reason).Inc()
}

func (r *MetricsRecorder) HeartbeatSent(botID int) {
	r.wsMetrics.heartbeatsSent.WithLabelValues(botLabel(botID)).Inc()
}

func (r *MetricsRecorder) RecordKafkaMessageSent(topic string, duration time.Duration) {
	r.kafkaMetrics.messagesSent.WithLabelValues(topic).Inc()
	r.kafkaMetrics.messageLatency.Observe(duration.Seconds())
}

func (r *MetricsRecorder) RecordKafkaError(reason string) {
	r.kafkaMetrics.sendErrors.WithLabelValues(reason).Inc()
}

// Start subscribes to the configured buses and records until ctx is done.
func (r *MetricsRecorder) Start(ctx context.Context) error {
	r.logger.Debug("Starting metrics recorder")

	var spreads <-chan dispatcher.Event
	var statuses <-chan registry.Record
	if r.eventBus != nil {
		spreads = r.eventBus.Subscribe(common.TypeSpreadUpdate.Topic())
	}
	if r.statusBus != nil {
		statuses = r.statusBus.Subscribe(common.TopicConnectionStatus)
	}

	go r.recordMetrics(ctx, spreads, statuses)
	return nil
}

// recordMetrics handles the bus driven metrics. A nil channel blocks forever
// so an unconfigured bus is simply never selected.
func (r *MetricsRecorder) recordMetrics(ctx context.Context, spreads <-chan dispatcher.Event, statuses <-chan registry.Record) {
	defer close(r.done)

	for {
		select {
		case <-ctx.Done():
			r.logger.Debug("Context cancelled, stopping metrics recorder")
			if spreads != nil {
				r.eventBus.Unsubscribe(common.TypeSpreadUpdate.Topic(), spreads)
			}
			if statuses != nil {
				r.statusBus.Unsubscribe(common.TopicConnectionStatus, statuses)
			}
			return
		case ev, ok := <-spreads:
			if !ok {
				r.logger.Warn("Spread channel closed")
				spreads = nil
				continue
			}
			r.recordSpread(ev)
		case rec, ok := <-statuses:
			if !ok {
				r.logger.Warn("Status channel closed")
				statuses = nil
				continue
			}
			r.registryMetrics.reconnectAttempts.Set(float64(rec.ReconnectAttempts))
			r.registryMetrics.connectedBots.Set(float64(len(rec.ConnectedBotIDs)))
		}
	}
}

func (r *MetricsRecorder) recordSpread(ev dispatcher.Event) {
	if !ev.Timestamp.IsZero() {
		if latency := time.Since(ev.Timestamp); latency >= 0 {
			r.botMetrics.eventLatency.Observe(latency.Seconds())
		}
	}

	spread, err := botstream.Decode[botstream.SpreadUpdate](ev.Data)
	if err != nil {
		r.logger.WithError(err).Debug("Skipping undecodable spread update")
		return
	}

	bot := botLabel(ev.BotID)
	r.botMetrics.spreadPercentage.WithLabelValues(bot).Set(spread.SpreadPercentage)
	r.botMetrics.marketPrice.WithLabelValues(bot, "market1").Set(spread.Market1Price)
	r.botMetrics.marketPrice.WithLabelValues(bot, "market2").Set(spread.Market2Price)
}

func (r *MetricsRecorder) Done() <-chan struct{} {
	return r.done
}
