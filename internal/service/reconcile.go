// reconcile.go — сервис сверки каталога с файлами на диске.
//
// Для каждой записи каталога проверяется по порядку:
//   - missing_file: файла нет на диске
//   - size_mismatch: размер не совпадает с записью
//   - checksum_mismatch: SHA-256 не совпадает с записью
//
// Запись с проблемой удаляется из каталога, файл на диске остаётся.
// Прошедшие проверку записи получают Exists=true.
//
// Выполняется при старте и, если задан FM_RECONCILE_INTERVAL,
// периодически в фоновой горутине.
package service

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/goartstore/fetch-module/internal/domain/model"
	"github.com/bigkaa/goartstore/fetch-module/internal/storage/filestore"
	"github.com/bigkaa/goartstore/fetch-module/internal/store"
)

// Prometheus метрики сверки
var (
	// reconcileRunsTotal — количество запусков сверки.
	reconcileRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fm_reconcile_runs_total",
		Help: "Общее количество запусков сверки каталога",
	})

	// reconcileIssuesTotal — количество обнаруженных проблем по типу.
	reconcileIssuesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fm_reconcile_issues_total",
		Help: "Общее количество проблем, обнаруженных сверкой",
	}, []string{"type"})

	// reconcileDurationSeconds — длительность выполнения сверки.
	reconcileDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fm_reconcile_duration_seconds",
		Help:    "Длительность выполнения сверки в секундах",
		Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 900},
	})
)

// IssueType — тип проблемы, найденной сверкой.
type IssueType string

const (
	IssueMissingFile      IssueType = "missing_file"
	IssueSizeMismatch     IssueType = "size_mismatch"
	IssueChecksumMismatch IssueType = "checksum_mismatch"
)

// ReconcileIssue — проблема одной записи.
type ReconcileIssue struct {
	Type        IssueType `json:"type"`
	VideoID     string    `json:"videoId"`
	Path        string    `json:"path"`
	Description string    `json:"description"`
}

// ReconcileSummary — сводка по типам проблем.
type ReconcileSummary struct {
	OK                 int `json:"ok"`
	MissingFiles       int `json:"missingFiles"`
	SizeMismatches     int `json:"sizeMismatches"`
	ChecksumMismatches int `json:"checksumMismatches"`
}

// ReconcileResult — результат одного прохода сверки.
type ReconcileResult struct {
	StartedAt    time.Time        `json:"startedAt"`
	CompletedAt  time.Time        `json:"completedAt"`
	FilesChecked int              `json:"filesChecked"`
	Issues       []ReconcileIssue `json:"issues"`
	Summary      ReconcileSummary `json:"summary"`
}

// ReconcileService — сервис сверки каталога.
type ReconcileService struct {
	store    *store.Store
	files    *filestore.FileStore
	interval time.Duration
	logger   *slog.Logger

	mu        sync.Mutex // защита от параллельного запуска
	inProcess bool
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewReconcileService создаёт сервис сверки.
// interval = 0 отключает фоновый запуск, RunOnce остаётся доступен.
func NewReconcileService(
	st *store.Store,
	files *filestore.FileStore,
	interval time.Duration,
	logger *slog.Logger,
) *ReconcileService {
	return &ReconcileService{
		store:    st,
		files:    files,
		interval: interval,
		logger:   logger.With(slog.String("component", "reconcile")),
	}
}

// Start запускает фоновую сверку с периодическим тикером.
func (rs *ReconcileService) Start(ctx context.Context) {
	if rs.interval <= 0 {
		return
	}
	rsCtx, cancel := context.WithCancel(ctx)
	rs.cancel = cancel
	rs.done = make(chan struct{})

	go rs.run(rsCtx)

	rs.logger.Info("Периодическая сверка запущена",
		slog.String("interval", rs.interval.String()),
	)
}

// Stop останавливает фоновую сверку и ждёт завершения текущего прохода.
func (rs *ReconcileService) Stop() {
	if rs.cancel == nil {
		return
	}
	rs.cancel()
	<-rs.done
	rs.logger.Info("Периодическая сверка остановлена")
}

// IsInProgress возвращает true, если сверка выполняется.
func (rs *ReconcileService) IsInProgress() bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.inProcess
}

// run — основной цикл фоновой горутины.
func (rs *ReconcileService) run(ctx context.Context) {
	defer close(rs.done)

	ticker := time.NewTicker(rs.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rs.RunOnce(ctx)
		}
	}
}

// RunOnce выполняет один проход сверки.
// Если сверка уже выполняется, возвращает nil, true.
func (rs *ReconcileService) RunOnce(ctx context.Context) (*ReconcileResult, bool) {
	rs.mu.Lock()
	if rs.inProcess {
		rs.mu.Unlock()
		rs.logger.Warn("Сверка уже выполняется, пропуск")
		return nil, true
	}
	rs.inProcess = true
	rs.mu.Unlock()

	defer func() {
		rs.mu.Lock()
		rs.inProcess = false
		rs.mu.Unlock()
	}()

	startedAt := time.Now().UTC()
	rs.logger.Info("Сверка начата")

	videos := rs.store.List()
	var issues []ReconcileIssue
	for _, v := range videos {
		if ctx.Err() != nil {
			break
		}
		if issue := rs.check(v); issue != nil {
			issues = append(issues, *issue)
			rs.evict(ctx, v, issue)
			continue
		}
		if !v.Exists {
			if err := rs.store.SetExists(ctx, v.ID, true); err != nil {
				rs.logger.Error("Ошибка обновления записи",
					slog.String("video_id", v.ID),
					slog.String("error", err.Error()),
				)
			}
		}
	}

	completedAt := time.Now().UTC()
	duration := completedAt.Sub(startedAt)

	summary := ReconcileSummary{}
	for _, issue := range issues {
		switch issue.Type {
		case IssueMissingFile:
			summary.MissingFiles++
		case IssueSizeMismatch:
			summary.SizeMismatches++
		case IssueChecksumMismatch:
			summary.ChecksumMismatches++
		}
	}
	summary.OK = max(len(videos)-len(issues), 0)

	reconcileRunsTotal.Inc()
	reconcileDurationSeconds.Observe(duration.Seconds())
	for _, issue := range issues {
		reconcileIssuesTotal.WithLabelValues(string(issue.Type)).Inc()
	}

	rs.logger.Info("Сверка завершена",
		slog.Int("files_checked", len(videos)),
		slog.Int("issues", len(issues)),
		slog.Int("ok", summary.OK),
		slog.Duration("duration", duration),
	)

	return &ReconcileResult{
		StartedAt:    startedAt,
		CompletedAt:  completedAt,
		FilesChecked: len(videos),
		Issues:       issues,
		Summary:      summary,
	}, false
}

// check проверяет одну запись: наличие, затем размер, затем хэш.
// Хэш считается только при совпадении размера.
func (rs *ReconcileService) check(v *model.Video) *ReconcileIssue {
	issue := &ReconcileIssue{VideoID: v.ID, Path: v.Path}

	size, err := rs.files.Size(v.Path)
	if err != nil {
		if !errors.Is(err, filestore.ErrFileNotFound) {
			rs.logger.Warn("Ошибка получения размера файла",
				slog.String("video_id", v.ID),
				slog.String("error", err.Error()),
			)
		}
		issue.Type = IssueMissingFile
		issue.Description = "Файл записи отсутствует на диске"
		return issue
	}

	if size != v.Size {
		issue.Type = IssueSizeMismatch
		issue.Description = "Размер файла на диске не совпадает с записью"
		return issue
	}

	sum, err := rs.files.ComputeChecksum(v.Path)
	if err != nil {
		rs.logger.Warn("Ошибка вычисления контрольной суммы",
			slog.String("video_id", v.ID),
			slog.String("error", err.Error()),
		)
		issue.Type = IssueMissingFile
		issue.Description = "Файл записи не читается"
		return issue
	}
	if !bytes.Equal(sum, v.Hash) {
		issue.Type = IssueChecksumMismatch
		issue.Description = "SHA-256 файла на диске не совпадает с записью"
		return issue
	}

	return nil
}

// evict удаляет запись с проблемой из каталога. Файл на диске не
// трогается: на тот же путь может ссылаться другая запись.
func (rs *ReconcileService) evict(ctx context.Context, v *model.Video, issue *ReconcileIssue) {
	rs.logger.Warn("Запись не прошла сверку и будет удалена",
		slog.String("video_id", v.ID),
		slog.String("type", string(issue.Type)),
		slog.String("path", v.Path),
	)

	if err := rs.store.Remove(ctx, v.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
		rs.logger.Error("Ошибка удаления записи",
			slog.String("video_id", v.ID),
			slog.String("error", err.Error()),
		)
	}
}
