package downloader

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync/atomic"

	"github.com/grafov/m3u8"
)

// maxPlaylistSize — ограничение размера плейлиста.
const maxPlaylistSize = 8 << 20

// downloadHLS склеивает сегменты медиаплейлиста в один файл. Для
// master-плейлиста выбирается вариант с наибольшим битрейтом.
func (e *Engine) downloadHLS(ctx context.Context, req Request, target *url.URL) error {
	media, base, err := e.mediaPlaylist(ctx, req, target)
	if err != nil {
		return err
	}
	segments, err := collectSegments(media, base)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(req.Path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return fmt.Errorf("создание файла: %w", err)
	}
	defer f.Close()

	var pos int64
	for i, seg := range segments {
		n, err := e.fetchSegment(ctx, req, i, seg, f, pos)
		if err != nil {
			return err
		}
		pos += n
		if req.Progress != nil {
			req.Progress(float64(i+1) / float64(len(segments)) * 100)
		}
	}

	// Хвост от оборванной попытки длиннее итогового сегмента
	if err := f.Truncate(pos); err != nil {
		return &writeError{err: err}
	}

	e.logger.Debug("HLS-плейлист собран",
		slog.String("url", logURL(req.URL)),
		slog.Int("segments", len(segments)),
		slog.Int64("size", pos),
	)
	return nil
}

// mediaPlaylist загружает плейлист по адресу target; master-плейлист
// разворачивается в медиаплейлист лучшего варианта. Возвращает также
// адрес, относительно которого разрешаются URI сегментов.
func (e *Engine) mediaPlaylist(ctx context.Context, req Request, target *url.URL) (*m3u8.MediaPlaylist, *url.URL, error) {
	pl, listType, err := e.loadPlaylist(ctx, req, target)
	if err != nil {
		return nil, nil, err
	}
	if listType == m3u8.MEDIA {
		return pl.(*m3u8.MediaPlaylist), target, nil
	}

	best := bestVariant(pl.(*m3u8.MasterPlaylist))
	if best == nil {
		return nil, nil, ErrEmptyPlaylist
	}
	variantURL, err := target.Parse(best.URI)
	if err != nil {
		return nil, nil, fmt.Errorf("адрес варианта %q: %w", best.URI, err)
	}

	pl, listType, err = e.loadPlaylist(ctx, req, variantURL)
	if err != nil {
		return nil, nil, err
	}
	if listType != m3u8.MEDIA {
		return nil, nil, fmt.Errorf("вариант %s не является медиаплейлистом", logURL(variantURL.String()))
	}
	return pl.(*m3u8.MediaPlaylist), variantURL, nil
}

// loadPlaylist скачивает и разбирает плейлист.
func (e *Engine) loadPlaylist(ctx context.Context, req Request, target *url.URL) (m3u8.Playlist, m3u8.ListType, error) {
	resp, err := e.send(ctx, req, target, "")
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, 0, &StatusError{Code: resp.StatusCode, Status: resp.Status}
	}

	pl, listType, err := m3u8.DecodeFrom(io.LimitReader(resp.Body, maxPlaylistSize), true)
	if err != nil {
		return nil, 0, fmt.Errorf("разбор плейлиста: %w", err)
	}
	return pl, listType, nil
}

// bestVariant — вариант с наибольшим заявленным битрейтом.
func bestVariant(p *m3u8.MasterPlaylist) *m3u8.Variant {
	var best *m3u8.Variant
	for _, v := range p.Variants {
		if v == nil || v.URI == "" {
			continue
		}
		if best == nil || v.Bandwidth > best.Bandwidth {
			best = v
		}
	}
	return best
}

// collectSegments возвращает абсолютные адреса сегментов (с init-сегментом
// EXT-X-MAP в начале, если он есть).
func collectSegments(p *m3u8.MediaPlaylist, base *url.URL) ([]*url.URL, error) {
	if encrypted(p.Key) {
		return nil, ErrEncryptedPlaylist
	}

	var (
		out     []*url.URL
		lastMap string
	)
	addMap := func(m *m3u8.Map) error {
		if m == nil || m.URI == "" || m.URI == lastMap {
			return nil
		}
		u, err := base.Parse(m.URI)
		if err != nil {
			return fmt.Errorf("адрес init-сегмента: %w", err)
		}
		lastMap = m.URI
		out = append(out, u)
		return nil
	}
	if err := addMap(p.Map); err != nil {
		return nil, err
	}

	for _, seg := range p.Segments {
		if seg == nil {
			continue
		}
		if encrypted(seg.Key) {
			return nil, ErrEncryptedPlaylist
		}
		if err := addMap(seg.Map); err != nil {
			return nil, err
		}
		if seg.URI == "" {
			continue
		}
		u, err := base.Parse(seg.URI)
		if err != nil {
			return nil, fmt.Errorf("адрес сегмента %q: %w", seg.URI, err)
		}
		out = append(out, u)
	}

	if len(out) == 0 {
		return nil, ErrEmptyPlaylist
	}
	return out, nil
}

func encrypted(k *m3u8.Key) bool {
	return k != nil && k.Method != "" && !strings.EqualFold(k.Method, "NONE")
}

// fetchSegment пишет сегмент по смещению pos. Повтор начинает сегмент
// заново с того же смещения.
func (e *Engine) fetchSegment(ctx context.Context, req Request, idx int, seg *url.URL, f *os.File, pos int64) (int64, error) {
	for attempt := 0; ; attempt++ {
		n, err := e.copySegment(ctx, req, seg, f, pos)
		if err == nil {
			return n, nil
		}
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		if !retryable(err) {
			return 0, fmt.Errorf("сегмент %d: %w", idx, err)
		}
		if attempt >= e.opts.Retries {
			return 0, fmt.Errorf("сегмент %d: %w: %w", idx, ErrRetriesExhausted, err)
		}

		chunkRetriesTotal.Inc()
		e.logger.Warn("Ошибка скачивания сегмента, повтор",
			slog.String("url", logURL(seg.String())),
			slog.Int("segment", idx),
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()),
		)
		if err := sleepCtx(ctx, e.opts.RetryDelay); err != nil {
			return 0, err
		}
	}
}

func (e *Engine) copySegment(ctx context.Context, req Request, seg *url.URL, f *os.File, pos int64) (int64, error) {
	resp, err := e.send(ctx, req, seg, "")
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, &StatusError{Code: resp.StatusCode, Status: resp.Status}
	}

	var counter atomic.Int64
	return e.writeBody(resp.Body, f, pos, -1, &counter, func(int64) {})
}

// isPlaylistURL — адрес указывает на .m3u8.
func isPlaylistURL(u *url.URL) bool {
	return strings.HasSuffix(strings.ToLower(u.Path), ".m3u8")
}

// isPlaylistContentType — MIME-тип HLS-плейлиста.
func isPlaylistContentType(ct string) bool {
	mt, _, _ := strings.Cut(strings.ToLower(ct), ";")
	switch strings.TrimSpace(mt) {
	case "application/vnd.apple.mpegurl", "application/x-mpegurl", "audio/mpegurl", "audio/x-mpegurl":
		return true
	default:
		return false
	}
}
