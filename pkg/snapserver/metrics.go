package snapserver

import (
	"net/http"
	"strconv"

	"github.com/felixge/httpsnoop"
	"github.com/function61/snaprestore/pkg/dirsync"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metricsController struct {
	registry *prometheus.Registry

	httpRequests *prometheus.CounterVec

	snapshotsCreated prometheus.Counter
	snapshotsDeleted prometheus.Counter

	// (totalRequests, errors) instead of (successes, errors) b/c:
	//   https://promcon.io/2017-munich/slides/best-practices-and-beastly-pitfalls.pdf
	restoresTotal prometheus.Counter
	restoreErrors prometheus.Counter

	syncFilesCopied     prometheus.Counter
	syncFilesDeleted    prometheus.Counter
	syncPartialFailures prometheus.Counter

	sweepFailures prometheus.Counter
}

func newMetricsController() *metricsController {
	reg := prometheus.NewRegistry()

	counter := func(name string, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help})
		reg.MustRegister(c)
		return c
	}

	m := &metricsController{
		registry: reg,
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "snaprestore_http_requests_total",
			Help: "HTTP server's handled requests",
		}, []string{"code", "method"}),
		snapshotsCreated:    counter("snaprestore_snapshots_created_total", "Snapshots taken"),
		snapshotsDeleted:    counter("snaprestore_snapshots_deleted_total", "Snapshots deleted explicitly"),
		restoresTotal:       counter("snaprestore_restores_total", "Restore attempts"),
		restoreErrors:       counter("snaprestore_restore_errors_total", "Restore attempts that errored"),
		syncFilesCopied:     counter("snaprestore_sync_files_copied_total", "Files copied back from snapshots"),
		syncFilesDeleted:    counter("snaprestore_sync_files_deleted_total", "Extraneous files deleted by sync"),
		syncPartialFailures: counter("snaprestore_sync_partial_failures_total", "Sync items that could not be touched"),
		sweepFailures:       counter("snaprestore_sweep_failures_total", "Expired snapshots that could not be deleted"),
	}

	reg.MustRegister(m.httpRequests)

	return m
}

func (m *metricsController) observeRestore(result *dirsync.Result, err error) {
	m.restoresTotal.Inc()

	if err != nil {
		m.restoreErrors.Inc()
	}

	if result != nil {
		m.syncFilesCopied.Add(float64(result.FilesCopied))
		m.syncFilesDeleted.Add(float64(result.FilesDeleted))
		m.syncPartialFailures.Add(float64(len(result.PartialFailures)))
	}
}

func (m *metricsController) MetricsHTTPHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// instruments a HTTP handler
func (m *metricsController) WrapHTTPServer(actual http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stats := httpsnoop.CaptureMetrics(actual, w, r)

		m.httpRequests.With(prometheus.Labels{
			"code":   strconv.Itoa(stats.Code),
			"method": r.Method,
		}).Inc()
	})
}
