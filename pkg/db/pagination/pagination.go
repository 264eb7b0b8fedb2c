package pagination

import (
	"encoding/base64"
	"encoding/json"
)

const (
	DefaultLimit = 10
	MaxLimit     = 250
)

type Pagination struct {
	Cursor string `form:"cursor"`
	Limit  int    `form:"limit,default=10" binding:"gte=1,lte=250"`
}

// Cursor points at the last row of the previous page.
type Cursor struct {
	ID string `json:"id,omitempty"`
}

type PageInfo struct {
	NextCursor string `json:"next_cursor,omitempty"`
	HasMore    bool   `json:"has_more"`
}

func (p Pagination) Size() int {
	switch {
	case p.Limit <= 0:
		return DefaultLimit
	case p.Limit > MaxLimit:
		return MaxLimit
	}
	return p.Limit
}

func EncodeCursor(data Cursor) (string, error) {
	b, err := json.Marshal(data)
	if err != nil {
		return "", err
	}

	return base64.RawURLEncoding.EncodeToString(b), nil
}

func DecodeCursor(data string) (*Cursor, error) {
	b, err := base64.RawURLEncoding.DecodeString(data)
	if err != nil {
		return nil, err
	}

	var cursor Cursor
	if err := json.Unmarshal(b, &cursor); err != nil {
		return nil, err
	}

	return &cursor, nil
}

// BuildCursorPage trims the look-ahead row fetched by option.ApplyPagination
// and returns the page with its navigation info.
func BuildCursorPage[T any](data []*T, limit int, extractCursor func(*T) Cursor) ([]*T, *PageInfo, error) {
	if len(data) == 0 {
		return data, &PageInfo{HasMore: false}, nil
	}

	info := &PageInfo{}
	if len(data) > limit {
		info.HasMore = true
		data = data[:limit]
	}

	if info.HasMore {
		next, err := EncodeCursor(extractCursor(data[len(data)-1]))
		if err != nil {
			return nil, nil, err
		}
		info.NextCursor = next
	}

	return data, info, nil
}
