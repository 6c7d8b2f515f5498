package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/bigkaa/goartstore/fetch-module/internal/domain/model"
)

// sqliteColumns — список колонок таблицы Videos в порядке сканирования.
const sqliteColumns = `ID, Source, Name, Alias, Author, Tag, Info,
	UploadTime, DownloadTime, Size, Path, "Exists", Hash`

// sqliteRepo — реализация VideoRepository поверх SQLite.
type sqliteRepo struct {
	db *sql.DB
}

// NewSQLiteRepository создаёт репозиторий для SQLite-базы.
func NewSQLiteRepository(db *sql.DB) VideoRepository {
	return &sqliteRepo{db: db}
}

func (r *sqliteRepo) List(ctx context.Context) ([]*model.Video, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+sqliteColumns+` FROM Videos ORDER BY rowid`)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения списка видео: %w", err)
	}
	defer rows.Close()

	var result []*model.Video
	for rows.Next() {
		v := &model.Video{}
		var tags string
		if err := rows.Scan(
			&v.ID, &v.Source, &v.Name, &v.Alias, &v.Author, &tags, &v.Info,
			&v.UploadTime, &v.DownloadTime, &v.Size, &v.Path, &v.Exists, &v.Hash,
		); err != nil {
			return nil, fmt.Errorf("ошибка сканирования видео: %w", err)
		}
		if v.Tag, err = decodeTags(tags); err != nil {
			return nil, err
		}
		result = append(result, v)
	}
	return result, rows.Err()
}

func (r *sqliteRepo) Insert(ctx context.Context, v *model.Video) error {
	tags, err := encodeTags(v.Tag)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO Videos (`+sqliteColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.ID, v.Source, v.Name, v.Alias, v.Author, tags, v.Info,
		v.UploadTime, v.DownloadTime, v.Size, v.Path, v.Exists, hashValue(v.Hash),
	)
	if err != nil {
		if isSQLiteConstraint(err) {
			return fmt.Errorf("%w: видео %s", ErrConflict, v.ID)
		}
		return fmt.Errorf("ошибка добавления видео: %w", err)
	}
	return nil
}

func (r *sqliteRepo) Update(ctx context.Context, v *model.Video) error {
	tags, err := encodeTags(v.Tag)
	if err != nil {
		return err
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE Videos
		SET Source = ?, Name = ?, Alias = ?, Author = ?, Tag = ?, Info = ?,
			UploadTime = ?, DownloadTime = ?, Size = ?, Path = ?, "Exists" = ?, Hash = ?
		WHERE ID = ?`,
		v.Source, v.Name, v.Alias, v.Author, tags, v.Info,
		v.UploadTime, v.DownloadTime, v.Size, v.Path, v.Exists, hashValue(v.Hash),
		v.ID,
	)
	if err != nil {
		return fmt.Errorf("ошибка обновления видео: %w", err)
	}
	return expectOneRow(res)
}

func (r *sqliteRepo) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM Videos WHERE ID = ?`, id)
	if err != nil {
		return fmt.Errorf("ошибка удаления видео: %w", err)
	}
	return expectOneRow(res)
}

func (r *sqliteRepo) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// expectOneRow возвращает ErrNotFound, если запрос не затронул строк.
func expectOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("ошибка получения количества строк: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// isSQLiteConstraint — нарушение ограничения (PRIMARY KEY, UNIQUE).
// Расширенные коды SQLite содержат базовый код в младшем байте.
func isSQLiteConstraint(err error) bool {
	var se *sqlite.Error
	return errors.As(err, &se) && se.Code()&0xff == sqlite3.SQLITE_CONSTRAINT
}
