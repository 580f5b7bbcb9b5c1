package model

import (
	"encoding/base64"
	"strings"
	"time"
)

// Page limits for listings.
const (
	DefaultPageSize = 50
	MaxPageSize     = 500
)

// ClampLimit applies the listing defaults to a caller-supplied limit.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultPageSize
	}
	if limit > MaxPageSize {
		return MaxPageSize
	}
	return limit
}

// Cursor is the position of the last row of a page in a listing ordered by
// (UpdatedAt DESC, ID DESC).
type Cursor struct {
	UpdatedAt time.Time
	ID        string
}

// Encode renders c as an opaque URL-safe token.
func (c Cursor) Encode() string {
	raw := c.UpdatedAt.UTC().Format(time.RFC3339Nano) + "|" + c.ID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// Before reports whether a row at (at, id) sorts after c in the listing order.
func (c Cursor) Before(at time.Time, id string) bool {
	if at.Equal(c.UpdatedAt) {
		return id < c.ID
	}
	return at.Before(c.UpdatedAt)
}

// DecodeCursor parses a token produced by Encode. The empty string yields
// the zero Cursor and ok=false.
func DecodeCursor(s string) (c Cursor, ok bool, err error) {
	if s == "" {
		return Cursor{}, false, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return Cursor{}, false, Invalid("cursor", "malformed")
	}
	ts, id, found := strings.Cut(string(raw), "|")
	if !found || id == "" {
		return Cursor{}, false, Invalid("cursor", "malformed")
	}
	at, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return Cursor{}, false, Invalid("cursor", "malformed")
	}
	return Cursor{UpdatedAt: at, ID: id}, true, nil
}
