package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/sirupsen/logrus"
)

// Registry bundles the server's Prometheus collectors. One instance is
// created at startup and threaded through the gateway middleware.
type Registry struct {
	reg *prometheus.Registry

	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	BytesIn         prometheus.Counter
	BytesOut        prometheus.Counter
	JanitorPasses   prometheus.Counter
	JanitorDeletes  prometheus.Counter
}

// NewRegistry builds the collector set. dataDir feeds the disk usage
// gauges via gopsutil.
func NewRegistry(dataDir string) *Registry {
	reg := prometheus.NewRegistry()
	m := &Registry{
		reg: reg,
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stratumfs_requests_total",
			Help: "S3 API requests by operation and status code.",
		}, []string{"operation", "code"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stratumfs_request_duration_seconds",
			Help:    "S3 API request latency by operation.",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		BytesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stratumfs_bytes_received_total",
			Help: "Object payload bytes received.",
		}),
		BytesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stratumfs_bytes_sent_total",
			Help: "Object payload bytes sent.",
		}),
		JanitorPasses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stratumfs_janitor_passes_total",
			Help: "Completed lifecycle janitor passes.",
		}),
		JanitorDeletes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stratumfs_janitor_expired_total",
			Help: "Object versions expired by the lifecycle janitor.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal, m.RequestDuration, m.BytesIn, m.BytesOut,
		m.JanitorPasses, m.JanitorDeletes,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m.registerDiskGauges(dataDir)
	return m
}

func (m *Registry) registerDiskGauges(dataDir string) {
	usage := func(pick func(*disk.UsageStat) float64) func() float64 {
		return func() float64 {
			stat, err := disk.Usage(dataDir)
			if err != nil {
				logrus.WithError(err).WithField("path", dataDir).Debug("Failed to read disk usage")
				return 0
			}
			return pick(stat)
		}
	}

	m.reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "stratumfs_disk_total_bytes",
			Help: "Capacity of the filesystem holding the data directory.",
		}, usage(func(s *disk.UsageStat) float64 { return float64(s.Total) })),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "stratumfs_disk_free_bytes",
			Help: "Free space of the filesystem holding the data directory.",
		}, usage(func(s *disk.UsageStat) float64 { return float64(s.Free) })),
	)
}

// Handler serves the scrape endpoint.
func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
