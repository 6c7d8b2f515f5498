// Пакет wal — журнал незавершённых скачиваний.
//
// Перед записью файла видео на диск создаётся запись со статусом
// pending, после добавления видео в каталог она коммитится, при
// ошибке откатывается. Pending-записи, оставшиеся после аварийной
// остановки, указывают на частично записанные файлы.
// Каждая запись — отдельный файл {tx_id}.wal.json.
package wal

import (
	"time"
)

// OperationType — тип операции над файлом видео.
type OperationType string

// OpDownload — скачивание нового файла.
const OpDownload OperationType = "download"

// TransactionStatus — статус записи журнала.
type TransactionStatus string

const (
	StatusPending    TransactionStatus = "pending"
	StatusCommitted  TransactionStatus = "committed"
	StatusRolledBack TransactionStatus = "rolled_back"
)

// Entry — запись журнала.
type Entry struct {
	TransactionID string            `json:"transaction_id"`
	Operation     OperationType     `json:"operation"`
	Status        TransactionStatus `json:"status"`

	// VideoID — ID записи каталога
	VideoID string `json:"video_id"`
	// Path — файл, который создаётся или удаляется
	Path string `json:"path"`

	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func walFileName(txID string) string {
	return txID + ".wal.json"
}
