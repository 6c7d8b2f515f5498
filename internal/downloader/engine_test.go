package downloader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bigkaa/goartstore/fetch-module/internal/clientpool"
)

// newTestLogger — логгер для тестов, выводит только ошибки.
func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// newTestEngine создаёт движок с реальным пулом клиентов и короткой паузой повтора.
func newTestEngine(t *testing.T, parallel int) *Engine {
	t.Helper()
	pool := clientpool.New(clientpool.Options{Capacity: 4}, newTestLogger())
	t.Cleanup(pool.Close)
	return New(pool, Options{
		ParallelCount: parallel,
		BufferSize:    32 << 10,
		Retries:       5,
		RetryDelay:    time.Millisecond,
	}, newTestLogger())
}

// randomPayload — детерминированные псевдослучайные данные.
func randomPayload(n int) []byte {
	r := rand.New(rand.NewPCG(1, 2))
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(r.Uint32())
	}
	return b
}

// serveRange отдаёт payload с поддержкой Range.
func serveRange(w http.ResponseWriter, r *http.Request, payload []byte) {
	http.ServeContent(w, r, "video.mp4", time.Time{}, bytes.NewReader(payload))
}

// parseRange разбирает "bytes=start-end" запроса.
func parseRange(t *testing.T, r *http.Request) (int64, int64, bool) {
	t.Helper()
	h := r.Header.Get("Range")
	if h == "" {
		return 0, 0, false
	}
	var start, end int64
	if _, err := fmt.Sscanf(h, "bytes=%d-%d", &start, &end); err != nil {
		t.Errorf("Ошибка разбора Range %q: %v", h, err)
		return 0, 0, false
	}
	return start, end, true
}

// assertFile сравнивает содержимое файла с ожидаемым.
func assertFile(t *testing.T, path string, want []byte) {
	t.Helper()
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Ошибка чтения %s: %v", path, err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("содержимое файла отличается: %d байт, ожидается %d", len(got), len(want))
	}
}

// progressRecorder собирает значения прогресса.
type progressRecorder struct {
	mu     sync.Mutex
	values []float64
}

func (p *progressRecorder) record(v float64) {
	p.mu.Lock()
	p.values = append(p.values, v)
	p.mu.Unlock()
}

func (p *progressRecorder) max() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	var m float64
	for _, v := range p.values {
		if v < 0 || v > 100 {
			return -1
		}
		if v > m {
			m = v
		}
	}
	return m
}

func TestDownload_Parallel(t *testing.T) {
	payload := randomPayload(1_000_000)
	var (
		mu     sync.Mutex
		ranges []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		ranges = append(ranges, r.Header.Get("Range"))
		mu.Unlock()
		serveRange(w, r, payload)
	}))
	defer srv.Close()

	e := newTestEngine(t, 4)
	path := filepath.Join(t.TempDir(), "author", "video.mp4")
	progress := &progressRecorder{}

	err := e.Download(context.Background(), Request{URL: srv.URL + "/video.mp4", Path: path, Progress: progress.record})
	if err != nil {
		t.Fatalf("Ошибка Download: %v", err)
	}

	assertFile(t, path, payload)
	if got := progress.max(); got != 100 {
		t.Errorf("максимальный прогресс = %v, ожидается 100", got)
	}

	want := map[string]bool{
		"bytes=0-16":          true,
		"bytes=0-249999":      true,
		"bytes=250000-499999": true,
		"bytes=500000-749999": true,
		"bytes=750000-999999": true,
	}
	mu.Lock()
	defer mu.Unlock()
	if len(ranges) != len(want) {
		t.Fatalf("запросов = %d (%v), ожидается %d", len(ranges), ranges, len(want))
	}
	for _, r := range ranges {
		if !want[r] {
			t.Errorf("неожиданный Range %q", r)
		}
	}
}

// TestDownload_ChunkRecoversAfterFailures — четыре обрыва чанка подряд
// не мешают скачиванию, докачка идёт с текущей позиции.
func TestDownload_ChunkRecoversAfterFailures(t *testing.T) {
	payload := randomPayload(1_000_000)
	var failures atomic.Int32
	var resumed atomic.Bool

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start, end, ok := parseRange(t, r)
		if ok && start >= 250000 && start < 500000 {
			if start > 250000 {
				resumed.Store(true)
			}
			if failures.Load() < 4 {
				failures.Add(1)
				w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(payload)))
				w.Header().Set("Content-Length", fmt.Sprint(end-start+1))
				w.WriteHeader(http.StatusPartialContent)
				_, _ = w.Write(payload[start : start+1000])
				w.(http.Flusher).Flush()
				panic(http.ErrAbortHandler)
			}
		}
		serveRange(w, r, payload)
	}))
	defer srv.Close()

	e := newTestEngine(t, 4)
	path := filepath.Join(t.TempDir(), "video.mp4")

	if err := e.Download(context.Background(), Request{URL: srv.URL + "/v", Path: path}); err != nil {
		t.Fatalf("Ошибка Download: %v", err)
	}

	assertFile(t, path, payload)
	if failures.Load() != 4 {
		t.Errorf("обрывов = %d, ожидается 4", failures.Load())
	}
	if !resumed.Load() {
		t.Error("повтор должен продолжать чанк с текущей позиции")
	}
}

// TestDownload_RetriesExhausted — шестая неудача чанка прерывает скачивание.
func TestDownload_RetriesExhausted(t *testing.T) {
	payload := randomPayload(1_000_000)
	var attempts atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start, _, ok := parseRange(t, r)
		if ok && start >= 250000 && start < 500000 {
			attempts.Add(1)
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		serveRange(w, r, payload)
	}))
	defer srv.Close()

	e := newTestEngine(t, 4)
	path := filepath.Join(t.TempDir(), "video.mp4")

	err := e.Download(context.Background(), Request{URL: srv.URL + "/v", Path: path})

	var te *TransferError
	if !errors.As(err, &te) {
		t.Fatalf("ожидалась *TransferError, получено %v", err)
	}
	if !errors.Is(err, ErrRetriesExhausted) {
		t.Errorf("ожидалась ErrRetriesExhausted, получено %v", err)
	}
	if attempts.Load() != 6 {
		t.Errorf("попыток чанка = %d, ожидается 6", attempts.Load())
	}
	if _, statErr := os.Stat(path); !errors.Is(statErr, fs.ErrNotExist) {
		t.Error("частичный файл должен быть удалён")
	}
}

func TestDownload_NonRetryableStatus(t *testing.T) {
	payload := randomPayload(100_000)
	var attempts atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if start, _, ok := parseRange(t, r); ok && start > 0 {
			attempts.Add(1)
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		serveRange(w, r, payload)
	}))
	defer srv.Close()

	e := newTestEngine(t, 4)
	err := e.Download(context.Background(), Request{URL: srv.URL + "/v", Path: filepath.Join(t.TempDir(), "v.mp4")})

	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusForbidden {
		t.Fatalf("ожидалась StatusError 403, получено %v", err)
	}
	if errors.Is(err, ErrRetriesExhausted) {
		t.Error("403 не должен повторяться")
	}
}

// TestDownload_SequentialWithoutRanges — сервер без поддержки Range.
func TestDownload_SequentialWithoutRanges(t *testing.T) {
	payload := randomPayload(300_000)
	var requests atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		requests.Add(1)
		w.Header().Set("Content-Length", fmt.Sprint(len(payload)))
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	e := newTestEngine(t, 8)
	path := filepath.Join(t.TempDir(), "video.mp4")
	progress := &progressRecorder{}

	if err := e.Download(context.Background(), Request{URL: srv.URL + "/v", Path: path, Progress: progress.record}); err != nil {
		t.Fatalf("Ошибка Download: %v", err)
	}

	assertFile(t, path, payload)
	if requests.Load() != 2 {
		t.Errorf("запросов = %d, ожидается 2 (зонд + файл)", requests.Load())
	}
	if progress.max() != 100 {
		t.Errorf("максимальный прогресс = %v", progress.max())
	}
}

func TestDownload_ParallelDisabled(t *testing.T) {
	payload := randomPayload(200_000)
	var ranged atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Range") != "" {
			ranged.Add(1)
		}
		serveRange(w, r, payload)
	}))
	defer srv.Close()

	e := newTestEngine(t, 0)
	path := filepath.Join(t.TempDir(), "video.mp4")

	if err := e.Download(context.Background(), Request{URL: srv.URL + "/v", Path: path}); err != nil {
		t.Fatalf("Ошибка Download: %v", err)
	}
	assertFile(t, path, payload)
	if ranged.Load() != 1 {
		t.Errorf("запросов с Range = %d, ожидается 1 (только зонд)", ranged.Load())
	}
}

// TestDownload_OutOfOrderChunks — чанки завершаются в обратном порядке.
func TestDownload_OutOfOrderChunks(t *testing.T) {
	payload := randomPayload(400_000)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if start, end, ok := parseRange(t, r); ok && end > 16 {
			delay := time.Duration(len(payload)-int(start)) / 4000 * time.Millisecond
			time.Sleep(delay)
		}
		serveRange(w, r, payload)
	}))
	defer srv.Close()

	e := newTestEngine(t, 4)
	path := filepath.Join(t.TempDir(), "video.mp4")

	if err := e.Download(context.Background(), Request{URL: srv.URL + "/v", Path: path}); err != nil {
		t.Fatalf("Ошибка Download: %v", err)
	}
	assertFile(t, path, payload)
}

func TestDownload_ReplacesExistingFile(t *testing.T) {
	payload := randomPayload(50_000)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		serveRange(w, r, payload)
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "video.mp4")
	if err := os.WriteFile(path, bytes.Repeat([]byte("x"), 200_000), 0o600); err != nil {
		t.Fatalf("Ошибка записи: %v", err)
	}

	e := newTestEngine(t, 8)
	if err := e.Download(context.Background(), Request{URL: srv.URL + "/v", Path: path}); err != nil {
		t.Fatalf("Ошибка Download: %v", err)
	}
	assertFile(t, path, payload)
}

// TestDownload_Headers — заголовки вызывающего передаются, его Range — нет.
func TestDownload_Headers(t *testing.T) {
	payload := randomPayload(10_000)
	var (
		mu     sync.Mutex
		bad    []string
		probed bool
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		if r.Header.Get("Authorization") != "Bearer abc" || r.Header.Get("Cookie") != "sid=1" {
			bad = append(bad, r.Header.Get("Range"))
		}
		if r.Header.Get("Range") == probeRange {
			probed = true
		}
		if strings.HasPrefix(r.Header.Get("Range"), "bytes=5-") {
			bad = append(bad, "caller range leaked")
		}
		mu.Unlock()
		serveRange(w, r, payload)
	}))
	defer srv.Close()

	h := http.Header{}
	h.Set("Authorization", "Bearer abc")
	h.Set("Cookie", "sid=1")
	h.Set("Range", "bytes=5-10")

	e := newTestEngine(t, 2)
	path := filepath.Join(t.TempDir(), "video.mp4")
	if err := e.Download(context.Background(), Request{URL: srv.URL + "/v", Path: path, Header: h}); err != nil {
		t.Fatalf("Ошибка Download: %v", err)
	}
	assertFile(t, path, payload)

	mu.Lock()
	defer mu.Unlock()
	if len(bad) != 0 {
		t.Errorf("некорректные заголовки в запросах: %v", bad)
	}
	if !probed {
		t.Error("зондирующий запрос не выполнен")
	}
}

func TestDownload_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	e := newTestEngine(t, 8)
	path := filepath.Join(t.TempDir(), "video.mp4")

	err := e.Download(context.Background(), Request{URL: srv.URL + "/missing", Path: path})
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusNotFound {
		t.Fatalf("ожидалась StatusError 404, получено %v", err)
	}
	if _, statErr := os.Stat(path); !errors.Is(statErr, fs.ErrNotExist) {
		t.Error("файл не должен существовать")
	}
}

func TestDownload_Canceled(t *testing.T) {
	payload := randomPayload(10_000)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		serveRange(w, r, payload)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	e := newTestEngine(t, 4)
	err := e.Download(ctx, Request{URL: srv.URL + "/v", Path: filepath.Join(t.TempDir(), "v.mp4")})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("ожидалась context.Canceled, получено %v", err)
	}
}

func TestDownload_InvalidURL(t *testing.T) {
	e := newTestEngine(t, 4)
	err := e.Download(context.Background(), Request{URL: "://bad", Path: filepath.Join(t.TempDir(), "v.mp4")})

	var te *TransferError
	if !errors.As(err, &te) {
		t.Fatalf("ожидалась *TransferError, получено %v", err)
	}
}

// panicDoer паникует при отправке запроса.
type panicDoer struct{}

func (panicDoer) Acquire(*url.URL, string) error { return nil }

func (panicDoer) Do(*http.Request, string) (*http.Response, error) {
	panic("transport exploded")
}

func TestDownload_RecoversPanic(t *testing.T) {
	e := New(panicDoer{}, Options{ParallelCount: 4}, newTestLogger())
	err := e.Download(context.Background(), Request{URL: "http://example.invalid/v", Path: filepath.Join(t.TempDir(), "v.mp4")})

	var te *TransferError
	if !errors.As(err, &te) {
		t.Fatalf("паника должна превращаться в *TransferError, получено %v", err)
	}
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{errors.New("connection reset"), true},
		{&StatusError{Code: 503}, true},
		{&StatusError{Code: 429}, true},
		{&StatusError{Code: 404}, false},
		{ErrRangeIgnored, false},
		{&writeError{err: errors.New("disk full")}, false},
		{context.Canceled, false},
		{fmt.Errorf("x: %w", clientpool.ErrPoolClosed), false},
	}
	for _, tt := range tests {
		if got := retryable(tt.err); got != tt.want {
			t.Errorf("retryable(%v) = %v, ожидается %v", tt.err, got, tt.want)
		}
	}
}
