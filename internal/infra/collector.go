package infra

import (
	"github.com/prometheus/client_golang/prometheus"
)

// GaugeSource supplies values the collector reads at scrape time.
type GaugeSource interface {
	QueueDepths() map[string]int
	ActiveSubscriptions() int
	ChannelUp() map[string]bool
}

// Collector exports Metrics to Prometheus. Values are read at scrape time,
// so the atomic counters stay the single source of truth.
type Collector struct {
	m   *Metrics
	src GaugeSource

	received       *prometheus.Desc
	enqueued       *prometheus.Desc
	delivered      *prometheus.Desc
	dropped        *prometheus.Desc
	stale          *prometheus.Desc
	callbackErrors *prometheus.Desc
	parseErrors    *prometheus.Desc
	sendErrors     *prometheus.Desc
	subscribeSends *prometheus.Desc
	reconnects     *prometheus.Desc
	queueDepth     *prometheus.Desc
	subscriptions  *prometheus.Desc
	channelUp      *prometheus.Desc
}

// NewCollector builds a collector. src may be nil.
func NewCollector(m *Metrics, src GaugeSource) *Collector {
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc("feedmux_"+name, help, labels, nil)
	}
	return &Collector{
		m:              m,
		src:            src,
		received:       desc("events_received_total", "Frames received from upstream, counted before epoch checks and parsing"),
		enqueued:       desc("events_enqueued_total", "Events pushed into subscriber queues"),
		delivered:      desc("events_delivered_total", "Events handed to subscriber callbacks"),
		dropped:        desc("events_dropped_total", "Events discarded by queue overflow policies"),
		stale:          desc("events_stale_total", "Events discarded because their epoch is stale"),
		callbackErrors: desc("callback_errors_total", "Subscriber callbacks that returned an error or panicked"),
		parseErrors:    desc("parse_errors_total", "Upstream frames that failed to parse"),
		sendErrors:     desc("send_errors_total", "Outbound writes rejected or failed"),
		subscribeSends: desc("subscribe_sends_total", "Consolidated subscription messages written"),
		reconnects:     desc("reconnects_total", "Successful reconnects"),
		queueDepth:     desc("subscriber_queue_depth", "Queued events per subscriber", "component"),
		subscriptions:  desc("active_subscriptions", "Registered subscription specs across components"),
		channelUp:      desc("channel_up", "Whether the channel is connected (1) or not (0)", "channel"),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.received, c.enqueued, c.delivered, c.dropped, c.stale,
		c.callbackErrors, c.parseErrors, c.sendErrors, c.subscribeSends,
		c.reconnects, c.queueDepth, c.subscriptions, c.channelUp,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.m.Snapshot()
	counter := func(d *prometheus.Desc, v uint64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v))
	}
	counter(c.received, s.Received)
	counter(c.enqueued, s.Enqueued)
	counter(c.delivered, s.Delivered)
	counter(c.dropped, s.Dropped)
	counter(c.stale, s.Stale)
	counter(c.callbackErrors, s.CallbackErrors)
	counter(c.parseErrors, s.ParseErrors)
	counter(c.sendErrors, s.SendErrors)
	counter(c.subscribeSends, s.SubscribeSends)
	counter(c.reconnects, s.Reconnects)

	if c.src == nil {
		return
	}
	for id, depth := range c.src.QueueDepths() {
		ch <- prometheus.MustNewConstMetric(c.queueDepth, prometheus.GaugeValue, float64(depth), id)
	}
	ch <- prometheus.MustNewConstMetric(c.subscriptions, prometheus.GaugeValue, float64(c.src.ActiveSubscriptions()))
	for name, up := range c.src.ChannelUp() {
		v := 0.0
		if up {
			v = 1
		}
		ch <- prometheus.MustNewConstMetric(c.channelUp, prometheus.GaugeValue, v, name)
	}
}
