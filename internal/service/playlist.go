// playlist.go — построение плейлиста XSPF по каталогу.
package service

import (
	"cmp"
	"encoding/xml"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/bigkaa/goartstore/fetch-module/internal/domain/model"
	"github.com/bigkaa/goartstore/fetch-module/internal/store"
)

// Варианты сортировки плейлиста.
const (
	OrderByName       = "name"
	OrderByAuthor     = "author"
	OrderByTag        = "tag"
	OrderBySize       = "size"
	OrderByUploadTime = "uploadTime"
)

const (
	xspfNamespace = "http://xspf.org/ns/0/"
	vlcNamespace  = "http://www.videolan.org/vlc/playlist/ns/0/"
)

type xspfPlaylist struct {
	XMLName   xml.Name      `xml:"playlist"`
	Xmlns     string        `xml:"xmlns,attr"`
	XmlnsVLC  string        `xml:"xmlns:vlc,attr"`
	Version   string        `xml:"version,attr"`
	Title     string        `xml:"title"`
	TrackList xspfTrackList `xml:"trackList"`
}

type xspfTrackList struct {
	Tracks []xspfTrack `xml:"track"`
}

type xspfTrack struct {
	Location string `xml:"location"`
	Title    string `xml:"title,omitempty"`
	Creator  string `xml:"creator,omitempty"`
}

// PlaylistService строит плейлисты.
type PlaylistService struct {
	store *store.Store
	name  string
}

// NewPlaylistService создаёт сервис плейлистов. name попадает в заголовок.
func NewPlaylistService(st *store.Store, name string) *PlaylistService {
	return &PlaylistService{store: st, name: name}
}

// Select возвращает записи плейлиста в нужном порядке.
// В плейлист попадают только записи с файлом на диске.
//   - name: фильтр key по названию, по убыванию названия
//   - author: фильтр key по автору или псевдониму, по убыванию автора
//   - tag: фильтр key по тегам, в порядке каталога
//   - size: по убыванию размера, key не используется
//   - иначе: по убыванию времени публикации
func (ps *PlaylistService) Select(orderBy, key string) []*model.Video {
	videos := slices.DeleteFunc(ps.store.List(), func(v *model.Video) bool { return !v.Exists })

	if key != "" {
		var match func(v *model.Video) bool
		switch strings.ToLower(orderBy) {
		case OrderByName:
			match = func(v *model.Video) bool { return containsFold(v.Name, key) }
		case OrderByAuthor:
			match = func(v *model.Video) bool { return containsFold(v.Author, key) || containsFold(v.Alias, key) }
		case OrderByTag:
			match = func(v *model.Video) bool {
				return slices.ContainsFunc(v.Tag, func(t string) bool { return containsFold(t, key) })
			}
		}
		if match != nil {
			videos = slices.DeleteFunc(videos, func(v *model.Video) bool { return !match(v) })
		}
	}

	switch strings.ToLower(orderBy) {
	case OrderByName:
		slices.SortStableFunc(videos, func(a, b *model.Video) int { return cmp.Compare(b.Name, a.Name) })
	case OrderByAuthor:
		slices.SortStableFunc(videos, func(a, b *model.Video) int { return cmp.Compare(b.Author, a.Author) })
	case OrderByTag:
		// порядок каталога
	case OrderBySize:
		slices.SortStableFunc(videos, func(a, b *model.Video) int { return cmp.Compare(b.Size, a.Size) })
	default:
		slices.SortStableFunc(videos, func(a, b *model.Video) int { return b.UploadTime.Compare(a.UploadTime) })
	}
	return videos
}

// Write пишет XSPF-документ в w.
func (ps *PlaylistService) Write(w io.Writer, orderBy, key string) error {
	if orderBy == "" {
		orderBy = OrderByUploadTime
	}
	videos := ps.Select(orderBy, key)

	doc := xspfPlaylist{
		Xmlns:    xspfNamespace,
		XmlnsVLC: vlcNamespace,
		Version:  "1",
		Title:    fmt.Sprintf("%s OrderBy %s", ps.name, orderBy),
	}
	doc.TrackList.Tracks = make([]xspfTrack, 0, len(videos))
	for _, v := range videos {
		doc.TrackList.Tracks = append(doc.TrackList.Tracks, xspfTrack{
			Location: "/" + v.ID + ".mp4",
			Title:    v.Name,
			Creator:  v.Author,
		})
	}

	if _, err := io.WriteString(w, xml.Header); err != nil {
		return err
	}
	if err := xml.NewEncoder(w).Encode(doc); err != nil {
		return fmt.Errorf("ошибка сериализации плейлиста: %w", err)
	}
	return nil
}

func containsFold(s, sub string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(sub))
}
