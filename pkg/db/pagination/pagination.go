package pagination

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

type Pagination struct {
	Cursor string `form:"cursor"`
	Limit  int    `form:"limit,default=10" binding:"omitempty,gte=1,lte=250"`
}

// Cursor points at the last row of the previous page. IDs are snowflake
// strings, so ordering them as text matches creation order.
type Cursor struct {
	ID string `json:"id,omitempty"`
}

type PageInfo struct {
	NextCursor string `json:"next_cursor,omitempty"`
	HasMore    bool   `json:"has_more"`
}

func EncodeCursor(data Cursor) (string, error) {
	b, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("encode cursor: %w", err)
	}

	return base64.URLEncoding.EncodeToString(b), nil
}

func DecodeCursor(data string) (*Cursor, error) {
	b, err := base64.URLEncoding.DecodeString(data)
	if err != nil {
		return nil, err
	}

	var cursor Cursor
	if err := json.Unmarshal(b, &cursor); err != nil {
		return nil, err
	}

	return &cursor, nil
}

// PageSize clamps the requested page size to 1..250, defaulting to 10.
func (p Pagination) PageSize() int {
	switch {
	case p.Limit <= 0:
		return 10
	case p.Limit > 250:
		return 250
	default:
		return p.Limit
	}
}

// BuildCursorPageInfo trims a limit+1 result to limit rows and reports
// whether more rows follow.
func BuildCursorPageInfo[T any](data []*T, limit int, extractID func(*T) string) ([]*T, *PageInfo) {
	if len(data) <= limit {
		return data, &PageInfo{HasMore: false}
	}

	data = data[:limit]
	next, err := EncodeCursor(Cursor{ID: extractID(data[len(data)-1])})
	if err != nil {
		return data, &PageInfo{HasMore: false}
	}
	return data, &PageInfo{HasMore: true, NextCursor: next}
}
