package cleanup

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// WriteMetrics writes rep as gauges in the node_exporter textfile format.
// The file is replaced atomically by the prometheus client.
func WriteMetrics(path string, rep *Report) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	labels := prometheus.Labels{"dry_run": strconv.FormatBool(rep.DryRun)}

	factory.NewGauge(prometheus.GaugeOpts{
		Name:        "pipectl_cleanup_deleted_files",
		Help:        "Files deleted (or that would be deleted) by the last cleanup run",
		ConstLabels: labels,
	}).Set(float64(len(rep.Deleted)))

	factory.NewGauge(prometheus.GaugeOpts{
		Name:        "pipectl_cleanup_skipped_files",
		Help:        "Matched files left in place by the last cleanup run",
		ConstLabels: labels,
	}).Set(float64(len(rep.Skipped)))

	errs := factory.NewGaugeVec(prometheus.GaugeOpts{
		Name:        "pipectl_cleanup_errors",
		Help:        "Per-path errors of the last cleanup run by kind",
		ConstLabels: labels,
	}, []string{"kind"})
	for _, k := range []ErrorKind{KindPathEscapesRoot, KindPermissionDenied, KindConcurrentModification, KindNotRegularFile, KindIO} {
		errs.WithLabelValues(string(k)).Set(0)
	}
	for _, e := range rep.Errors {
		errs.WithLabelValues(string(e.Kind)).Inc()
	}

	factory.NewGauge(prometheus.GaugeOpts{
		Name:        "pipectl_cleanup_last_run_timestamp_seconds",
		Help:        "Unix time the last cleanup run finished",
		ConstLabels: labels,
	}).Set(float64(rep.Finished.Unix()))

	factory.NewGauge(prometheus.GaugeOpts{
		Name:        "pipectl_cleanup_duration_seconds",
		Help:        "Wall time of the last cleanup run",
		ConstLabels: labels,
	}).Set(rep.Finished.Sub(rep.Started).Seconds())

	return prometheus.WriteToTextfile(path, reg)
}
