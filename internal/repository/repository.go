// Пакет repository — слой доступа к таблице каталога видео.
// Все запросы — чистый SQL без ORM: SQLite через database/sql
// (modernc.org/sqlite), PostgreSQL через pgx.
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/bigkaa/goartstore/fetch-module/internal/domain/model"
)

// Ошибки слоя репозиториев.
var (
	// ErrNotFound — запись не найдена.
	ErrNotFound = errors.New("запись не найдена")
	// ErrConflict — запись с таким ID уже существует.
	ErrConflict = errors.New("конфликт — запись уже существует")
)

// VideoRepository — долговременное хранилище каталога.
// Каждая операция синхронна: после успешного возврата изменение сохранено.
type VideoRepository interface {
	// List возвращает все записи в порядке вставки.
	List(ctx context.Context) ([]*model.Video, error)
	// Insert добавляет запись; ErrConflict при дубликате ID.
	Insert(ctx context.Context, v *model.Video) error
	// Update перезаписывает все поля записи по ID.
	Update(ctx context.Context, v *model.Video) error
	// Delete удаляет запись по ID.
	Delete(ctx context.Context, id string) error
	// Ping проверяет доступность хранилища.
	Ping(ctx context.Context) error
}

// DBTX — интерфейс для выполнения SQL-запросов через pgx.
// Реализуется как *pgxpool.Pool, так и pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// isUniqueViolation проверяет нарушение уникальности PostgreSQL.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}

// encodeTags сериализует теги в JSON-массив.
func encodeTags(tags []string) (string, error) {
	if tags == nil {
		tags = []string{}
	}
	b, err := json.Marshal(tags)
	if err != nil {
		return "", fmt.Errorf("ошибка сериализации тегов: %w", err)
	}
	return string(b), nil
}

// decodeTags разбирает JSON-массив тегов.
func decodeTags(raw string) ([]string, error) {
	if raw == "" {
		return nil, nil
	}
	var tags []string
	if err := json.Unmarshal([]byte(raw), &tags); err != nil {
		return nil, fmt.Errorf("ошибка разбора тегов %q: %w", raw, err)
	}
	return tags, nil
}

// hashValue — хэш для колонки NOT NULL.
func hashValue(h []byte) []byte {
	if h == nil {
		return []byte{}
	}
	return h
}
