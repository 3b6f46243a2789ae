// Package lrumetrics exports [disklru.Cache] statistics as Prometheus
// metrics.
//
// The collector reads [disklru.Cache.Stats] on every scrape, so nothing has
// to be updated on the hot path:
//
//	reg := prometheus.NewRegistry()
//	reg.MustRegister(lrumetrics.NewCollector(cache, "lrush", nil))
//	http.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
package lrumetrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/calvinalkan/disklru/pkg/disklru"
)

// StatsSource is implemented by [*disklru.Cache].
type StatsSource interface {
	Stats() disklru.Stats
}

// Collector is a [prometheus.Collector] over a cache's counters.
type Collector struct {
	src StatsSource

	entries      *prometheus.Desc
	size         *prometheus.Desc
	maxSize      *prometheus.Desc
	redundantOps *prometheus.Desc

	hits          *prometheus.Desc
	misses        *prometheus.Desc
	commits       *prometheus.Desc
	aborts        *prometheus.Desc
	evictions     *prometheus.Desc
	removals      *prometheus.Desc
	compactions   *prometheus.Desc
	journalErrors *prometheus.Desc
	wipes         *prometheus.Desc
}

// NewCollector returns a collector for src. Metric names are prefixed with
// namespace (e.g. "lrush_disklru_hits_total"); labels are attached to every
// metric and can tell several caches apart.
func NewCollector(src StatsSource, namespace string, labels prometheus.Labels) *Collector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "disklru", name), help, nil, labels)
	}

	return &Collector{
		src: src,

		entries:      desc("entries", "Entries in the cache, including pending first edits."),
		size:         desc("size_bytes", "Bytes used by committed values."),
		maxSize:      desc("max_size_bytes", "Configured size bound."),
		redundantOps: desc("journal_redundant_records", "Journal records superseded since the last rebuild."),

		hits:          desc("hits_total", "Get calls that returned a snapshot."),
		misses:        desc("misses_total", "Get calls that found nothing readable."),
		commits:       desc("commits_total", "Successful commits."),
		aborts:        desc("aborts_total", "Edits rolled back."),
		evictions:     desc("evictions_total", "Entries evicted to honor the size bound."),
		removals:      desc("removals_total", "Entries removed explicitly."),
		compactions:   desc("journal_rebuilds_total", "Journal rebuilds."),
		journalErrors: desc("journal_errors_total", "Failed journal appends or rebuilds."),
		wipes:         desc("wipes_total", "Corrupt cache directories discarded at open."),
	}
}

// Describe implements [prometheus.Collector].
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.entries, c.size, c.maxSize, c.redundantOps,
		c.hits, c.misses, c.commits, c.aborts, c.evictions,
		c.removals, c.compactions, c.journalErrors, c.wipes,
	} {
		ch <- d
	}
}

// Collect implements [prometheus.Collector].
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.src.Stats()

	gauge := func(d *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v)
	}

	counter := func(d *prometheus.Desc, v uint64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v))
	}

	gauge(c.entries, float64(s.Entries))
	gauge(c.size, float64(s.Size))
	gauge(c.maxSize, float64(s.MaxSize))
	gauge(c.redundantOps, float64(s.RedundantOps))

	counter(c.hits, s.Hits)
	counter(c.misses, s.Misses)
	counter(c.commits, s.Commits)
	counter(c.aborts, s.Aborts)
	counter(c.evictions, s.Evictions)
	counter(c.removals, s.Removals)
	counter(c.compactions, s.Compactions)
	counter(c.journalErrors, s.JournalErrors)
	counter(c.wipes, s.Wipes)
}

var _ prometheus.Collector = (*Collector)(nil)
