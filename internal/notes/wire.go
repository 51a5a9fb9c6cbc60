package notes

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// WireTimeLayout is the timestamp format written to the remote server.
const WireTimeLayout = "2006-01-02T15:04:05.000Z07:00"

// Layouts without a zone designator are read as UTC.
var zonelessLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

type wirePayload struct {
	Title     string  `json:"title,omitempty"`
	Content   *string `json:"content"`
	UpdatedAt *string `json:"updated_at"`
}

// DecodeNote parses a wire payload. A non-empty title overrides any title carried in the payload.
func DecodeNote(title string, payload []byte) (Note, error) {
	var wire wirePayload
	if err := json.Unmarshal(payload, &wire); err != nil {
		return Note{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if wire.Content == nil {
		return Note{}, fmt.Errorf("%w: missing content", ErrDecode)
	}
	if wire.UpdatedAt == nil {
		return Note{}, fmt.Errorf("%w: missing updated_at", ErrDecode)
	}
	updatedAt, err := ParseTimestamp(*wire.UpdatedAt)
	if err != nil {
		return Note{}, err
	}

	resolvedTitle := title
	if strings.TrimSpace(resolvedTitle) == "" {
		resolvedTitle = wire.Title
	}
	normalized, err := NormalizeTitle(resolvedTitle)
	if err != nil {
		return Note{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	return Note{
		Title:     normalized,
		Content:   *wire.Content,
		UpdatedAt: updatedAt,
	}, nil
}

// EncodeNote renders the PUT body for a note. The title travels in the URL.
func EncodeNote(note Note) ([]byte, error) {
	content := note.Content
	updatedAt := FormatTimestamp(note.UpdatedAt)
	return json.Marshal(wirePayload{Content: &content, UpdatedAt: &updatedAt})
}

// EncodeNoteWithTitle renders a payload that also carries the title, as the server replies do.
func EncodeNoteWithTitle(note Note) ([]byte, error) {
	content := note.Content
	updatedAt := FormatTimestamp(note.UpdatedAt)
	return json.Marshal(wirePayload{Title: note.Title, Content: &content, UpdatedAt: &updatedAt})
}

// FormatTimestamp renders a canonical wire timestamp.
func FormatTimestamp(value time.Time) string {
	return CanonicalTime(value).Format(WireTimeLayout)
}

// ParseTimestamp reads a wire timestamp and returns it canonicalized.
func ParseTimestamp(raw string) (time.Time, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return time.Time{}, fmt.Errorf("%w: empty updated_at", ErrDecode)
	}
	if parsed, err := time.Parse(time.RFC3339Nano, trimmed); err == nil {
		return CanonicalTime(parsed), nil
	}
	for _, layout := range zonelessLayouts {
		if parsed, err := time.ParseInLocation(layout, trimmed, time.UTC); err == nil {
			return CanonicalTime(parsed), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: unrecognized updated_at %q", ErrDecode, trimmed)
}
