package intention

import (
	"sort"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// Record is a single intention. Local records are stored with these JSON
// names; the hosted backend uses its own row shape and is mapped onto Record
// by the remote adapter.
type Record struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Kind      Kind      `json:"kind"`
	CreatedAt time.Time `json:"createdAt"`
	Sealed    bool      `json:"sealed"`
}

// Same reports whether r and other are the same record. Records are equal
// by ID only.
func (r Record) Same(other Record) bool {
	return r.ID == other.ID
}

// Identity is the signed-in principal. A nil *Identity means anonymous.
type Identity struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// NormalizeText trims surrounding whitespace and applies Unicode NFC so that
// visually identical texts are stored identically. ok is false when nothing
// is left, which callers treat as a rejected submission.
func NormalizeText(s string) (text string, ok bool) {
	text = norm.NFC.String(strings.TrimSpace(s))
	return text, text != ""
}

// SortNewestFirst orders records by CreatedAt descending. Records created in
// the same instant fall back to ID descending so the order is deterministic.
func SortNewestFirst(records []Record) {
	sort.SliceStable(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID > b.ID
	})
}

// Filter returns the records of the given kind, preserving order. The result
// is never nil.
func Filter(records []Record, kind Kind) []Record {
	out := make([]Record, 0, len(records))
	for _, r := range records {
		if r.Kind == kind {
			out = append(out, r)
		}
	}
	return out
}

// IndexOf returns the position of the record with id, or -1.
func IndexOf(records []Record, id string) int {
	for i, r := range records {
		if r.ID == id {
			return i
		}
	}
	return -1
}

// Without returns a copy of records with id removed. removed is false when
// id was not present, in which case the copy equals the input.
func Without(records []Record, id string) (out []Record, removed bool) {
	out = make([]Record, 0, len(records))
	for _, r := range records {
		if r.ID == id {
			removed = true
			continue
		}
		out = append(out, r)
	}
	return out, removed
}
