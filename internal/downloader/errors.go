package downloader

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/bigkaa/goartstore/fetch-module/internal/clientpool"
)

// Ошибки движка скачивания.
var (
	// ErrRetriesExhausted — чанк или сегмент не скачан за отведённое число попыток
	ErrRetriesExhausted = errors.New("исчерпаны попытки скачивания")
	// ErrRangeIgnored — сервер ответил 200 на запрос диапазона
	ErrRangeIgnored = errors.New("сервер проигнорировал заголовок Range")
	// ErrRangeMismatch — Content-Range не совпадает с запрошенным диапазоном
	ErrRangeMismatch = errors.New("сервер вернул другой диапазон")
	// ErrIntegrity — размер итогового файла не совпадает с ожидаемым
	ErrIntegrity = errors.New("размер файла не совпадает с ожидаемым")
	// ErrEncryptedPlaylist — HLS-плейлист с шифрованием
	ErrEncryptedPlaylist = errors.New("зашифрованные HLS-плейлисты не поддерживаются")
	// ErrEmptyPlaylist — в плейлисте нет сегментов или вариантов
	ErrEmptyPlaylist = errors.New("HLS-плейлист не содержит сегментов")
)

// TransferError — итоговая ошибка Download. Частичный файл к моменту
// возврата уже удалён.
type TransferError struct {
	URL  string
	Path string
	Err  error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("скачивание %s → %s: %v", e.URL, e.Path, e.Err)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

// StatusError — неуспешный HTTP-статус ответа источника.
type StatusError struct {
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("неожиданный HTTP-статус: %s", e.Status)
}

// writeError — ошибка записи на диск (повтор бессмысленен).
type writeError struct {
	err error
}

func (e *writeError) Error() string {
	return fmt.Sprintf("запись в файл: %v", e.err)
}

func (e *writeError) Unwrap() error {
	return e.err
}

// retryable сообщает, имеет ли смысл повторять запрос после ошибки.
// Сетевые ошибки и обрывы тела ответа повторяются; 5xx, 408 и 429 тоже.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrRangeIgnored) || errors.Is(err, ErrRangeMismatch) || errors.Is(err, clientpool.ErrPoolClosed) {
		return false
	}
	var we *writeError
	if errors.As(err, &we) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code >= http.StatusInternalServerError ||
			se.Code == http.StatusTooManyRequests ||
			se.Code == http.StatusRequestTimeout
	}
	return true
}
