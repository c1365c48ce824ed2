package maintenance

import "github.com/prometheus/client_golang/prometheus"

var (
	runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlrecall_maintenance_runs_total",
			Help: "Total number of maintenance runs by task and status.",
		},
		[]string{"task", "status"},
	)
	exportsDeletedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sqlrecall_export_files_deleted_total",
			Help: "Total number of export files removed by export retention.",
		},
	)
)

func init() {
	prometheus.MustRegister(runsTotal, exportsDeletedTotal)
}
