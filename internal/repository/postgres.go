package repository

import (
	"context"
	"fmt"

	"github.com/bigkaa/goartstore/fetch-module/internal/domain/model"
)

// postgresColumns — список колонок таблицы videos.
const postgresColumns = `id, source, name, alias, author, tag, info,
	upload_time, download_time, size, path, file_exists, hash`

// postgresRepo — реализация VideoRepository поверх PostgreSQL.
type postgresRepo struct {
	db   DBTX
	ping func(ctx context.Context) error
}

// NewPostgresRepository создаёт репозиторий PostgreSQL. ping — проверка
// пула (*pgxpool.Pool.Ping).
func NewPostgresRepository(db DBTX, ping func(ctx context.Context) error) VideoRepository {
	return &postgresRepo{db: db, ping: ping}
}

func (r *postgresRepo) List(ctx context.Context) ([]*model.Video, error) {
	rows, err := r.db.Query(ctx, `SELECT `+postgresColumns+` FROM videos ORDER BY seq`)
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

func (r *postgresRepo) Insert(ctx context.Context, v *model.Video) error {
	tags, err := encodeTags(v.Tag)
	if err != nil {
		return err
	}

	_, err = r.db.Exec(ctx, `
		INSERT INTO videos (`+postgresColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8, $9, $10, $11, $12, $13)`,
		v.ID, v.Source, v.Name, v.Alias, v.Author, tags, v.Info,
		v.UploadTime, v.DownloadTime, v.Size, v.Path, v.Exists, hashValue(v.Hash),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: видео %s", ErrConflict, v.ID)
		}
		return fmt.Errorf("ошибка добавления видео: %w", err)
	}
	return nil
}

func (r *postgresRepo) Update(ctx context.Context, v *model.Video) error {
	tags, err := encodeTags(v.Tag)
	if err != nil {
		return err
	}

	tag, err := r.db.Exec(ctx, `
		UPDATE videos
		SET source = $2, name = $3, alias = $4, author = $5, tag = $6::jsonb, info = $7,
			upload_time = $8, download_time = $9, size = $10, path = $11,
			file_exists = $12, hash = $13
		WHERE id = $1`,
		v.ID, v.Source, v.Name, v.Alias, v.Author, tags, v.Info,
		v.UploadTime, v.DownloadTime, v.Size, v.Path, v.Exists, hashValue(v.Hash),
	)
	if err != nil {
		return fmt.Errorf("ошибка обновления видео: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *postgresRepo) Delete(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM videos WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("ошибка удаления видео: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *postgresRepo) Ping(ctx context.Context) error {
	if r.ping == nil {
		return nil
	}
	return r.ping(ctx)
}
