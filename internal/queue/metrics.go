package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// queueEntries — количество записей очереди по состоянию.
	queueEntries = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fm_queue_entries",
		Help: "Количество задач в очереди по состоянию",
	}, []string{"state"})

	// activeDownloads — задачи в состоянии Downloading.
	activeDownloads = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fm_active_downloads",
		Help: "Количество выполняющихся скачиваний",
	})

	// tasksTotal — завершённые задачи по результату.
	tasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fm_tasks_total",
		Help: "Общее количество завершённых задач по результату",
	}, []string{"result"})

	// taskDuration — длительность выполнения задачи.
	taskDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fm_task_duration_seconds",
		Help:    "Длительность выполнения задачи от допуска до завершения",
		Buckets: []float64{1, 5, 15, 60, 300, 900, 1800, 3600, 7200},
	})
)
