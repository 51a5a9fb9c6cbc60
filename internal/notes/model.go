package notes

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

const maxTitleLength = 190

var (
	// ErrInvalidTitle indicates that a note title is empty or exceeds storage bounds.
	ErrInvalidTitle = errors.New("notes: invalid title")
	// ErrDecode indicates that a wire payload could not be turned into a Note.
	ErrDecode = errors.New("notes: decode failed")
)

// NormalizeTitle validates raw input and returns the canonical title key.
func NormalizeTitle(rawInput string) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidTitle)
	}
	if utf8.RuneCountInString(trimmed) > maxTitleLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidTitle, maxTitleLength)
	}
	return trimmed, nil
}

// CanonicalTime converts a timestamp to the zone and precision every comparison uses: UTC, milliseconds.
func CanonicalTime(value time.Time) time.Time {
	return value.UTC().Truncate(time.Millisecond)
}

// Note is a titled text note. UpdatedAt is always canonical.
type Note struct {
	Title     string
	Content   string
	UpdatedAt time.Time
}

// NewerThan reports whether note was updated strictly after other.
func (note Note) NewerThan(other Note) bool {
	return CanonicalTime(note.UpdatedAt).After(CanonicalTime(other.UpdatedAt))
}

// Snapshot is the value emitted by every note observable. Found is false when no note exists for Title.
type Snapshot struct {
	Title    string
	Note     Note
	Found    bool
	Revision uint64
}

// NoteRecord is the persisted row for a note.
type NoteRecord struct {
	Title           string `gorm:"column:title;primaryKey;size:190;not null"`
	Content         string `gorm:"column:content;type:text;not null"`
	UpdatedAtMillis int64  `gorm:"column:updated_at_ms;not null;index:idx_shared_notes_updated"`
}

// TableName provides the explicit table binding for GORM.
func (NoteRecord) TableName() string {
	return "shared_notes"
}

func recordFromNote(note Note) NoteRecord {
	return NoteRecord{
		Title:           note.Title,
		Content:         note.Content,
		UpdatedAtMillis: CanonicalTime(note.UpdatedAt).UnixMilli(),
	}
}

func (record NoteRecord) note() Note {
	return Note{
		Title:     record.Title,
		Content:   record.Content,
		UpdatedAt: time.UnixMilli(record.UpdatedAtMillis).UTC(),
	}
}
