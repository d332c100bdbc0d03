package model

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

const cursorSep = "\x1f"

// Cursor is an ingestion watermark: the (timestamp, native id) of the last
// committed record. The zero Cursor precedes every record.
type Cursor struct {
	TS time.Time
	ID string
}

// IsZero reports whether c is the initial cursor.
func (c Cursor) IsZero() bool {
	return c.TS.IsZero() && c.ID == ""
}

// Compare orders cursors by timestamp, then id.
func (c Cursor) Compare(o Cursor) int {
	switch {
	case c.TS.Before(o.TS):
		return -1
	case c.TS.After(o.TS):
		return 1
	}
	return strings.Compare(c.ID, o.ID)
}

// Less reports whether c sorts before o.
func (c Cursor) Less(o Cursor) bool {
	return c.Compare(o) < 0
}

// Admits reports whether a record at (ts, id) is newer than the cursor and
// must be scanned.
func (c Cursor) Admits(ts time.Time, id string) bool {
	if c.IsZero() {
		return true
	}
	return c.Less(Cursor{TS: ts, ID: id})
}

// Encode serializes the cursor for storage.
func (c Cursor) Encode() string {
	if c.IsZero() {
		return ""
	}
	return c.TS.UTC().Format(time.RFC3339Nano) + cursorSep + c.ID
}

func (c Cursor) String() string {
	if c.IsZero() {
		return "<start>"
	}
	return fmt.Sprintf("%s/%s", c.TS.UTC().Format(time.RFC3339Nano), c.ID)
}

// ParseCursor decodes a stored cursor. An empty string is the zero cursor.
func ParseCursor(s string) (Cursor, error) {
	if s == "" {
		return Cursor{}, nil
	}
	tsPart, id, ok := strings.Cut(s, cursorSep)
	if !ok {
		return Cursor{}, fmt.Errorf("parse cursor %q: missing separator", s)
	}
	ts, err := time.Parse(time.RFC3339Nano, tsPart)
	if err != nil {
		return Cursor{}, fmt.Errorf("parse cursor %q: %w", s, err)
	}
	return Cursor{TS: ts.UTC(), ID: id}, nil
}

// SortRecords orders records by (timestamp, source id).
func SortRecords(recs []NativeRecord) {
	sort.SliceStable(recs, func(i, j int) bool {
		return recs[i].Key().Less(recs[j].Key())
	})
}

// MaxCursor returns the largest record position in recs, or the zero cursor.
func MaxCursor(recs []NativeRecord) Cursor {
	var best Cursor
	for _, r := range recs {
		if k := r.Key(); best.IsZero() || best.Less(k) {
			best = k
		}
	}
	return best
}
