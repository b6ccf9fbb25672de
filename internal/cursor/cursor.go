// Package cursor pages through a table by keyset on its id column.
package cursor

import (
	"context"
	"fmt"
)

// Cursor is a keyset position: the id of the last row seen
type Cursor struct {
	IDColumn string
	LastID   string
}

// WhereClause returns the condition selecting rows strictly after the cursor
// in ascending id order.
func (c *Cursor) WhereClause() (string, []any) {
	idColumn := c.IDColumn
	if idColumn == "" {
		idColumn = "id"
	}
	return fmt.Sprintf("(%s > ?)", idColumn), []any{c.LastID}
}

// NewCursor creates a cursor positioned after lastID
func NewCursor(idColumn, lastID string) (*Cursor, error) {
	if lastID == "" {
		return nil, fmt.Errorf("last ID required")
	}
	if idColumn == "" {
		idColumn = "id"
	}
	return &Cursor{IDColumn: idColumn, LastID: lastID}, nil
}

// PageFunc fetches up to limit rows strictly after the cursor (nil = from
// the start). It reports how many rows it saw and the cursor of the last one.
type PageFunc func(ctx context.Context, after *Cursor, limit int) (int, *Cursor, error)

// Paginate calls fetch page by page until a page comes back shorter than
// pageSize. It returns the total number of rows seen.
func Paginate(ctx context.Context, pageSize int, fetch PageFunc) (int, error) {
	if pageSize <= 0 {
		return 0, fmt.Errorf("page size must be positive, got %d", pageSize)
	}

	var after *Cursor
	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, last, err := fetch(ctx, after, pageSize)
		if err != nil {
			return total, err
		}
		total += n
		if n < pageSize || last == nil {
			return total, nil
		}
		after = last
	}
}
