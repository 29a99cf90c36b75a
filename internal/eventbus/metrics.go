package eventbus

import (
	"github.com/prometheus/client_golang/prometheus"
)

// StatsCollector отдаёт Stats шины в Prometheus в момент сбора, без
// фонового опроса. Метка backend различает memory и jetstream.
type StatsCollector struct {
	bus EventBus

	published *prometheus.Desc
	consumed  *prometheus.Desc
	dropped   *prometheus.Desc
	inflight  *prometheus.Desc
}

// NewStatsCollector создаёт коллектор; регистрирует его вызывающий.
func NewStatsCollector(bus EventBus, backend string) *StatsCollector {
	labels := prometheus.Labels{"backend": backend}
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName("tileblend", "eventbus", name), help, nil, labels)
	}
	return &StatsCollector{
		bus:       bus,
		published: desc("events_published_total", "Опубликованные события."),
		consumed:  desc("events_consumed_total", "События, доставленные подписчикам."),
		dropped:   desc("events_dropped_total", "События, потерянные при публикации или разборе."),
		inflight:  desc("events_inflight", "События в очереди или в обработке."),
	}
}

func (c *StatsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.published
	ch <- c.consumed
	ch <- c.dropped
	ch <- c.inflight
}

func (c *StatsCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.bus.Metrics()
	ch <- prometheus.MustNewConstMetric(c.published, prometheus.CounterValue, float64(s.Published))
	ch <- prometheus.MustNewConstMetric(c.consumed, prometheus.CounterValue, float64(s.Consumed))
	ch <- prometheus.MustNewConstMetric(c.dropped, prometheus.CounterValue, float64(s.Dropped))
	ch <- prometheus.MustNewConstMetric(c.inflight, prometheus.GaugeValue, float64(s.InFlight))
}
