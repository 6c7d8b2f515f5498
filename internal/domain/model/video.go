// Пакет model — доменные модели Fetch Module.
// Video — запись каталога скачанных видео, хранится в таблице Videos
// и отдаётся клиентам через RPC и плейлисты.
package model

import (
	"encoding/hex"
	"errors"
	"net/url"
	"strings"
	"time"
)

const (
	// DefaultAuthor — автор и псевдоним по умолчанию
	DefaultAuthor = "Unknown"
	// DefaultTag — тег по умолчанию для записи без тегов
	DefaultTag = "Uncategorized"
)

// Ошибки валидации задачи.
var (
	ErrEmptySource      = errors.New("источник (Source) не указан")
	ErrEmptyDownloadURL = errors.New("адрес скачивания (DownloadUrl) не указан")
	ErrInvalidURL       = errors.New("адрес скачивания должен быть абсолютным http(s) URL")
	ErrInvalidProxy     = errors.New("некорректный адрес прокси")
)

// Video — метаданные скачанного видео.
type Video struct {
	// ID — уникальный идентификатор записи (обычно UUID)
	ID string `json:"id"`

	// Source — сайт-источник, хранится в нижнем регистре
	Source string `json:"source"`

	// Name — название; пустое заменяется на ID
	Name string `json:"name"`

	Alias  string   `json:"alias"`
	Author string   `json:"author"`
	Tag    []string `json:"tag"`
	Info   string   `json:"info"`

	UploadTime   time.Time `json:"uploadTime"`
	DownloadTime time.Time `json:"downloadTime"`

	// Size — размер файла в байтах
	Size int64 `json:"size"`

	// Path — путь к файлу на диске
	Path string `json:"path"`

	// Exists — файл присутствует на диске и прошёл проверку
	Exists bool `json:"exists"`

	// Hash — SHA-256 содержимого файла
	Hash []byte `json:"hash"`
}

// Normalize приводит запись к каноническому виду: Source в нижнем
// регистре, пустые Name/Alias/Author/Tag заменяются значениями по умолчанию.
func (v *Video) Normalize() {
	v.Source = strings.ToLower(strings.TrimSpace(v.Source))
	if v.Name == "" {
		v.Name = v.ID
	}
	if v.Alias == "" {
		v.Alias = DefaultAuthor
	}
	if v.Author == "" {
		v.Author = DefaultAuthor
	}
	tags := v.Tag[:0:0]
	for _, t := range v.Tag {
		if t = strings.TrimSpace(t); t != "" {
			tags = append(tags, t)
		}
	}
	if len(tags) == 0 {
		tags = []string{DefaultTag}
	}
	v.Tag = tags
}

// Clone возвращает глубокую копию записи.
func (v *Video) Clone() *Video {
	c := *v
	c.Tag = append([]string(nil), v.Tag...)
	if v.Hash != nil {
		c.Hash = append([]byte(nil), v.Hash...)
	}
	return &c
}

// HashHex — хэш в виде hex-строки (для логов и ETag).
func (v *Video) HashHex() string {
	return hex.EncodeToString(v.Hash)
}

// Cookie — cookie, передаваемая источнику при скачивании.
type Cookie struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Domain string `json:"domain,omitempty"`
	Path   string `json:"path,omitempty"`
}

// VideoTask — запрос на скачивание: метаданные будущей записи
// плюс транспортные параметры, которые в каталог не попадают.
type VideoTask struct {
	Video

	DownloadURL     string   `json:"downloadUrl"`
	DownloadProxy   string   `json:"downloadProxy,omitempty"`
	Authorization   string   `json:"authorization,omitempty"`
	DownloadCookies []Cookie `json:"downloadCookies,omitempty"`
}

// Validate проверяет обязательные поля задачи.
func (t *VideoTask) Validate() error {
	if strings.TrimSpace(t.Source) == "" {
		return ErrEmptySource
	}
	if strings.TrimSpace(t.DownloadURL) == "" {
		return ErrEmptyDownloadURL
	}
	u, err := url.Parse(t.DownloadURL)
	if err != nil || !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return ErrInvalidURL
	}
	if t.DownloadProxy != "" {
		p, err := url.Parse(t.DownloadProxy)
		if err != nil || p.Host == "" {
			return ErrInvalidProxy
		}
	}
	return nil
}

// CookieHeader собирает значение заголовка Cookie.
func (t *VideoTask) CookieHeader() string {
	parts := make([]string, 0, len(t.DownloadCookies))
	for _, c := range t.DownloadCookies {
		if c.Name == "" {
			continue
		}
		parts = append(parts, c.Name+"="+c.Value)
	}
	return strings.Join(parts, "; ")
}
