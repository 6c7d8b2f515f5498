package downloader

import (
	"fmt"
	"strconv"
	"strings"
)

// Range — полуинтервал байтов [Start, End).
type Range struct {
	Start int64
	End   int64
}

// Len — длина диапазона.
func (r Range) Len() int64 {
	return r.End - r.Start
}

// Header — значение заголовка Range для оставшейся части диапазона,
// начиная с from.
func (r Range) Header(from int64) string {
	return fmt.Sprintf("bytes=%d-%d", from, r.End-1)
}

// SplitRanges делит length байт на parts смежных диапазонов размера
// length/parts; последний диапазон дотягивается до length.
// Если диапазоны получаются пустыми (length < parts), возвращается
// один диапазон на весь файл.
func SplitRanges(length int64, parts int) []Range {
	if length <= 0 {
		return nil
	}
	if parts <= 1 {
		return []Range{{Start: 0, End: length}}
	}

	size := length / int64(parts)
	if size == 0 {
		return []Range{{Start: 0, End: length}}
	}

	ranges := make([]Range, parts)
	for i := range ranges {
		ranges[i] = Range{Start: int64(i) * size, End: int64(i+1) * size}
	}
	ranges[parts-1].End = length
	return ranges
}

// ParseContentRange разбирает заголовок Content-Range вида
// "bytes start-end/total" или "bytes start-end/*".
// Возвращает start, end (включительно) и total (-1, если неизвестен).
func ParseContentRange(header string) (start, end, total int64, err error) {
	header = strings.TrimSpace(header)
	if !strings.HasPrefix(header, "bytes ") {
		return 0, 0, 0, fmt.Errorf("некорректный Content-Range: %q", header)
	}
	header = strings.TrimPrefix(header, "bytes ")

	span, size, ok := strings.Cut(header, "/")
	if !ok {
		return 0, 0, 0, fmt.Errorf("некорректный Content-Range: %q", header)
	}
	first, last, ok := strings.Cut(span, "-")
	if !ok {
		return 0, 0, 0, fmt.Errorf("некорректный Content-Range: %q", header)
	}

	if start, err = strconv.ParseInt(first, 10, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("некорректное начало диапазона: %w", err)
	}
	if end, err = strconv.ParseInt(last, 10, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("некорректный конец диапазона: %w", err)
	}
	if end < start {
		return 0, 0, 0, fmt.Errorf("конец диапазона меньше начала: %q", header)
	}

	if size == "*" {
		return start, end, -1, nil
	}
	if total, err = strconv.ParseInt(size, 10, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("некорректный размер: %w", err)
	}
	return start, end, total, nil
}
