package downloader

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus-метрики движка скачивания.
var (
	transfersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fm_transfers_total",
		Help: "Количество скачиваний по режиму и результату.",
	}, []string{"mode", "result"})

	transferDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fm_transfer_duration_seconds",
		Help:    "Длительность успешных скачиваний.",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
	}, []string{"mode"})

	bytesReceivedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fm_bytes_received_total",
		Help: "Количество байт, полученных от источников.",
	})

	chunkRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fm_chunk_retries_total",
		Help: "Количество повторов чанков и сегментов.",
	})
)
