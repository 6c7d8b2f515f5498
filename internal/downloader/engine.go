// Пакет downloader — движок многопоточного скачивания с докачкой.
//
// Download зондирует источник запросом Range: bytes=0-16. Если сервер
// поддерживает диапазоны и сообщил длину, файл делится на ParallelCount
// чанков, каждый качается своей горутиной со своим дескриптором файла
// и пишет по своему смещению. Упавший чанк докачивается с текущей
// позиции до Retries раз с паузой RetryDelay. Без поддержки диапазонов
// файл качается последовательно. HLS-плейлисты (.m3u8) собираются
// последовательной склейкой сегментов.
//
// Download не паникует: любая ошибка (включая восстановленную панику)
// возвращается как *TransferError, частичный файл удаляется.
package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// probeRange — заголовок зондирующего запроса.
const probeRange = "bytes=0-16"

// Режимы скачивания (метка метрик).
const (
	modeParallel   = "parallel"
	modeSequential = "sequential"
	modeHLS        = "hls"
)

// ProgressFunc получает процент выполнения (0..100). Вызывается из
// горутин чанков, поэтому соседние значения могут прийти не по порядку.
type ProgressFunc func(percent float64)

// Doer — транспорт движка: клиент должен быть получен через Acquire
// до каждого Do. Реализуется clientpool.Pool.
type Doer interface {
	Acquire(target *url.URL, proxy string) error
	Do(req *http.Request, proxy string) (*http.Response, error)
}

// Options — параметры движка.
type Options struct {
	// ParallelCount — количество чанков; 0 — всегда последовательно
	ParallelCount int
	// BufferSize — размер буфера чтения одного чанка
	BufferSize int
	// Retries — количество повторов чанка после первой неудачи
	Retries int
	// RetryDelay — пауза перед повтором
	RetryDelay time.Duration
}

// Request — одно скачивание.
type Request struct {
	URL  string
	Path string
	// Header — дополнительные заголовки (Authorization, Cookie).
	// Range вызывающего игнорируется.
	Header   http.Header
	Proxy    string
	Progress ProgressFunc
}

// Engine — движок скачивания. Безопасен для одновременных Download.
type Engine struct {
	client Doer
	opts   Options
	logger *slog.Logger
}

// New создаёт движок.
func New(client Doer, opts Options, logger *slog.Logger) *Engine {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 64 << 10
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if opts.ParallelCount < 0 {
		opts.ParallelCount = 0
	}
	return &Engine{
		client: client,
		opts:   opts,
		logger: logger.With(slog.String("component", "downloader")),
	}
}

// probeResult — что удалось узнать зондирующим запросом.
type probeResult struct {
	length   int64
	ranged   bool
	playlist bool
}

// Download скачивает req.URL в req.Path. Существующий файл по пути
// удаляется заранее.
func (e *Engine) Download(ctx context.Context, req Request) (err error) {
	start := time.Now()
	mode := modeSequential
	log := e.logger.With(slog.String("url", logURL(req.URL)), slog.String("path", req.Path))

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("паника при скачивании: %v", r)
		}
		if err == nil {
			transfersTotal.WithLabelValues(mode, "success").Inc()
			transferDuration.WithLabelValues(mode).Observe(time.Since(start).Seconds())
			log.Info("Скачивание завершено",
				slog.String("mode", mode),
				slog.Duration("duration", time.Since(start)),
			)
			return
		}

		if rmErr := os.Remove(req.Path); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
			log.Warn("Не удалось удалить частичный файл", slog.String("error", rmErr.Error()))
		}
		transfersTotal.WithLabelValues(mode, "error").Inc()
		var te *TransferError
		if !errors.As(err, &te) {
			err = &TransferError{URL: req.URL, Path: req.Path, Err: err}
		}
		log.Error("Скачивание завершилось ошибкой",
			slog.String("mode", mode),
			slog.String("error", err.Error()),
		)
	}()

	target, err := url.Parse(req.URL)
	if err != nil {
		return fmt.Errorf("разбор URL: %w", err)
	}
	if err := os.Remove(req.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("удаление существующего файла: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(req.Path), 0o750); err != nil {
		return fmt.Errorf("создание каталога: %w", err)
	}

	if isPlaylistURL(target) {
		mode = modeHLS
		return e.downloadHLS(ctx, req, target)
	}

	probe, err := e.probe(ctx, req, target)
	if err != nil {
		return fmt.Errorf("зондирующий запрос: %w", err)
	}

	switch {
	case probe.playlist:
		mode = modeHLS
		return e.downloadHLS(ctx, req, target)
	case probe.ranged && probe.length > 0 && e.opts.ParallelCount > 0:
		mode = modeParallel
		return e.downloadParallel(ctx, req, target, probe.length)
	default:
		return e.downloadSequential(ctx, req, target)
	}
}

// probe выполняет запрос первых байт. Неуспешный статус не ошибка:
// источник просто качается последовательно.
func (e *Engine) probe(ctx context.Context, req Request, target *url.URL) (probeResult, error) {
	var res probeResult

	resp, err := e.send(ctx, req, target, probeRange)
	if err != nil {
		return res, err
	}
	defer drainAndClose(resp.Body)

	res.playlist = isPlaylistContentType(resp.Header.Get("Content-Type"))

	switch resp.StatusCode {
	case http.StatusPartialContent:
		if _, _, total, err := ParseContentRange(resp.Header.Get("Content-Range")); err == nil && total > 0 {
			res.length = total
			res.ranged = true
		}
	case http.StatusOK:
		res.length = resp.ContentLength
	default:
		e.logger.Warn("Зондирующий запрос вернул неуспешный статус",
			slog.String("url", logURL(req.URL)),
			slog.Int("status", resp.StatusCode),
		)
	}
	return res, nil
}

// downloadParallel качает файл чанками. Первая неустранимая ошибка
// чанка отменяет остальные через контекст errgroup.
func (e *Engine) downloadParallel(ctx context.Context, req Request, target *url.URL, length int64) error {
	ranges := SplitRanges(length, e.opts.ParallelCount)

	f, err := os.OpenFile(req.Path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return fmt.Errorf("создание файла: %w", err)
	}
	if err := f.Truncate(length); err != nil {
		_ = f.Close()
		return fmt.Errorf("резервирование файла: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("закрытие файла: %w", err)
	}

	var received atomic.Int64
	report := newReporter(req.Progress, length)

	g, gctx := errgroup.WithContext(ctx)
	for i, r := range ranges {
		g.Go(func() error {
			return e.fetchChunk(gctx, req, target, i, r, &received, report)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if got := received.Load(); got != length {
		return fmt.Errorf("%w: получено %d из %d байт", ErrIntegrity, got, length)
	}
	return verifySize(req.Path, length)
}

// fetchChunk качает диапазон r своим дескриптором файла, докачивая
// с текущей позиции после сбоя.
func (e *Engine) fetchChunk(
	ctx context.Context,
	req Request,
	target *url.URL,
	idx int,
	r Range,
	received *atomic.Int64,
	report func(int64),
) error {
	f, err := os.OpenFile(req.Path, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("чанк %d: открытие файла: %w", idx, err)
	}
	defer f.Close()

	pos := r.Start
	for attempt := 0; ; attempt++ {
		n, err := e.copyRange(ctx, req, target, f, r, pos, received, report)
		pos += n
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !retryable(err) {
			return fmt.Errorf("чанк %d: %w", idx, err)
		}
		if attempt >= e.opts.Retries {
			return fmt.Errorf("чанк %d: %w: %w", idx, ErrRetriesExhausted, err)
		}

		chunkRetriesTotal.Inc()
		e.logger.Warn("Ошибка скачивания чанка, повтор",
			slog.String("url", logURL(req.URL)),
			slog.Int("chunk", idx),
			slog.Int("attempt", attempt+1),
			slog.Int64("offset", pos),
			slog.String("error", err.Error()),
		)
		if err := sleepCtx(ctx, e.opts.RetryDelay); err != nil {
			return err
		}
	}
}

// copyRange запрашивает [pos, r.End) и пишет ответ по смещению pos.
// Возвращает количество записанных байт даже при ошибке.
func (e *Engine) copyRange(
	ctx context.Context,
	req Request,
	target *url.URL,
	f *os.File,
	r Range,
	pos int64,
	received *atomic.Int64,
	report func(int64),
) (int64, error) {
	if pos >= r.End {
		return 0, nil
	}

	resp, err := e.send(ctx, req, target, r.Header(pos))
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusPartialContent:
	case http.StatusOK:
		return 0, ErrRangeIgnored
	default:
		return 0, &StatusError{Code: resp.StatusCode, Status: resp.Status}
	}

	if cr := resp.Header.Get("Content-Range"); cr != "" {
		if start, _, _, err := ParseContentRange(cr); err == nil && start != pos {
			return 0, fmt.Errorf("%w: ожидалось начало %d, получено %d", ErrRangeMismatch, pos, start)
		}
	}

	return e.writeBody(resp.Body, f, pos, r.End, received, report)
}

// downloadSequential качает файл одним запросом без Range.
func (e *Engine) downloadSequential(ctx context.Context, req Request, target *url.URL) error {
	resp, err := e.send(ctx, req, target, "")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{Code: resp.StatusCode, Status: resp.Status}
	}

	f, err := os.OpenFile(req.Path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return fmt.Errorf("создание файла: %w", err)
	}
	defer f.Close()

	total := resp.ContentLength
	var received atomic.Int64
	if _, err := e.writeBody(resp.Body, f, 0, -1, &received, newReporter(req.Progress, total)); err != nil {
		return err
	}
	if total > 0 && received.Load() != total {
		return fmt.Errorf("%w: получено %d из %d байт", ErrIntegrity, received.Load(), total)
	}
	if err := f.Sync(); err != nil {
		return &writeError{err: err}
	}
	return nil
}

// writeBody копирует тело ответа в файл начиная с pos. end < 0 —
// читать до EOF. Счётчик received общий для всех чанков файла.
func (e *Engine) writeBody(
	body io.Reader,
	f *os.File,
	pos, end int64,
	received *atomic.Int64,
	report func(int64),
) (int64, error) {
	size := e.opts.BufferSize
	if end >= 0 && end-pos < int64(size) {
		size = int(end - pos)
	}
	buf := make([]byte, size)

	var written int64
	for end < 0 || pos < end {
		want := len(buf)
		if end >= 0 && int64(want) > end-pos {
			want = int(end - pos)
		}

		n, rerr := body.Read(buf[:want])
		if n > 0 {
			if _, werr := f.WriteAt(buf[:n], pos); werr != nil {
				return written, &writeError{err: werr}
			}
			pos += int64(n)
			written += int64(n)
			bytesReceivedTotal.Add(float64(n))
			report(received.Add(int64(n)))
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return written, rerr
		}
	}

	if end >= 0 && pos < end {
		return written, io.ErrUnexpectedEOF
	}
	return written, nil
}

// send получает клиент для хоста и выполняет GET. Range вызывающего
// заменяется на rangeHeader (или удаляется, если он пуст).
func (e *Engine) send(ctx context.Context, req Request, target *url.URL, rangeHeader string) (*http.Response, error) {
	if err := e.client.Acquire(target, req.Proxy); err != nil {
		return nil, err
	}

	r, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("создание запроса: %w", err)
	}
	for k, vs := range req.Header {
		if strings.EqualFold(k, "Range") {
			continue
		}
		for _, v := range vs {
			r.Header.Add(k, v)
		}
	}
	if rangeHeader != "" {
		r.Header.Set("Range", rangeHeader)
	}

	return e.client.Do(r, req.Proxy)
}

// newReporter переводит счётчик байт в проценты. При неизвестной
// длине прогресс не сообщается.
func newReporter(fn ProgressFunc, total int64) func(int64) {
	if fn == nil || total <= 0 {
		return func(int64) {}
	}
	return func(n int64) {
		p := float64(n) / float64(total) * 100
		if p > 100 {
			p = 100
		}
		fn(p)
	}
}

// verifySize сверяет размер файла на диске с ожидаемым.
func verifySize(path string, want int64) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("проверка файла: %w", err)
	}
	if info.Size() != want {
		return fmt.Errorf("%w: на диске %d, ожидается %d", ErrIntegrity, info.Size(), want)
	}
	return nil
}

// sleepCtx ждёт d или отмены контекста.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// drainAndClose дочитывает небольшой остаток тела, чтобы соединение
// вернулось в пул.
func drainAndClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 64<<10))
	_ = body.Close()
}

// logURL — адрес без query и userinfo (в них бывают токены).
func logURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid>"
	}
	return u.Scheme + "://" + u.Host + u.Path
}
