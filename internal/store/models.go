package store

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a note id does not resolve to a row.
var ErrNotFound = errors.New("note not found")

// Note is a user's notebook page. ImageURL holds either the provider's
// transient locator or, after migration, the durable storage locator.
type Note struct {
	ID          string
	Name        string
	CreatedAt   time.Time
	ImageURL    *string
	UserID      string
	EditorState *string
}

// InitialEditorState is what the editor shows before anything was saved.
func (n Note) InitialEditorState() string {
	if n.EditorState != nil && *n.EditorState != "" {
		return *n.EditorState
	}
	return "<h1>" + n.Name + "</h1>"
}

func stringPtr(value string) *string {
	return &value
}
