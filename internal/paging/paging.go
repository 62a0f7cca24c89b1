// Package paging slices large listings and content into fixed-size
// pages addressed by opaque cursors. A cursor encodes the offset of the
// next page plus a fingerprint of the listing it was issued for, so a
// cursor stays valid for as long as the listing is unchanged and is
// rejected once it changes.
package paging

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/fnv"
	"unicode/utf8"
)

// DefaultPageSize is used when a page size of zero is requested.
const DefaultPageSize = 50

// ErrInvalidCursor is returned for cursors that cannot be decoded.
var ErrInvalidCursor = errors.New("invalid cursor")

// ErrStaleCursor is returned for cursors issued against a listing that
// has since changed.
var ErrStaleCursor = errors.New("cursor refers to a listing that has changed")

// Page is one slice of a listing.
type Page[T any] struct {
	Items []T `json:"items"`
	// NextCursor is empty on the last page.
	NextCursor string `json:"nextCursor,omitempty"`
	Total      int    `json:"total"`
}

// Paginate returns the page of items starting at cursor (empty for the
// first page). key identifies each item for fingerprinting; it must be
// stable for unchanged data.
func Paginate[T any](items []T, cursor string, size int, key func(T) string) (Page[T], error) {
	if size <= 0 {
		size = DefaultPageSize
	}
	fp := fingerprint(items, key)

	offset := 0
	if cursor != "" {
		var err error
		offset, err = decodeCursor(cursor, fp)
		if err != nil {
			return Page[T]{}, err
		}
		if offset > len(items) {
			return Page[T]{}, fmt.Errorf("%w: offset %d beyond %d items", ErrInvalidCursor, offset, len(items))
		}
	}

	end := min(offset+size, len(items))
	page := Page[T]{
		Items: append([]T(nil), items[offset:end]...),
		Total: len(items),
	}
	if end < len(items) {
		page.NextCursor = encodeCursor(end, fp)
	}
	return page, nil
}

// All walks every page of items and concatenates them. It exists mainly
// for callers that want to drain a paginated source through the same
// cursor path as remote consumers.
func All[T any](items []T, size int, key func(T) string) ([]T, error) {
	var out []T
	cursor := ""
	for {
		p, err := Paginate(items, cursor, size, key)
		if err != nil {
			return nil, err
		}
		out = append(out, p.Items...)
		if p.NextCursor == "" {
			return out, nil
		}
		cursor = p.NextCursor
	}
}

// Text pages a large string by runes, never splitting a UTF-8 sequence.
func Text(s, cursor string, size int) (Page[string], error) {
	if size <= 0 {
		size = 4096
	}
	chunks := chunkRunes(s, size)
	return Paginate(chunks, cursor, 1, func(c string) string { return c })
}

func chunkRunes(s string, size int) []string {
	var out []string
	for len(s) > 0 {
		n, i := 0, 0
		for i < len(s) && n < size {
			_, w := utf8.DecodeRuneInString(s[i:])
			i += w
			n++
		}
		out = append(out, s[:i])
		s = s[i:]
	}
	return out
}

func fingerprint[T any](items []T, key func(T) string) uint64 {
	h := fnv.New64a()
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(items)))
	h.Write(n[:])
	for _, it := range items {
		h.Write([]byte(key(it)))
		h.Write([]byte{0})
	}
	return h.Sum64()
}

func encodeCursor(offset int, fp uint64) string {
	var b [16]byte
	binary.BigEndian.PutUint64(b[:8], uint64(offset))
	binary.BigEndian.PutUint64(b[8:], fp)
	return base64.RawURLEncoding.EncodeToString(b[:])
}

func decodeCursor(cursor string, fp uint64) (int, error) {
	b, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil || len(b) != 16 {
		return 0, ErrInvalidCursor
	}
	offset := binary.BigEndian.Uint64(b[:8])
	if binary.BigEndian.Uint64(b[8:]) != fp {
		return 0, ErrStaleCursor
	}
	if offset > uint64(^uint(0)>>1) {
		return 0, ErrInvalidCursor
	}
	return int(offset), nil
}
