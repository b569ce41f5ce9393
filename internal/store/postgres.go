package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"time"
)

// PostgresStore persists notes through database/sql. The same queries serve
// the embedded SQLite database; only the placeholder style differs.
type PostgresStore struct {
	db     *sql.DB
	rebind func(string) string
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, rebind: func(query string) string { return query }}
}

// NewSQLiteStore wraps a database opened with OpenSQLite.
func NewSQLiteStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, rebind: questionMarks}
}

var numberedPlaceholder = regexp.MustCompile(`\$\d+`)

func questionMarks(query string) string {
	return numberedPlaceholder.ReplaceAllString(query, "?")
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) InsertNote(ctx context.Context, note Note) (string, error) {
	createdAt := note.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO notes (id, name, created_at, image_url, user_id, editor_state)
		VALUES ($1, $2, $3, $4, $5, $6)
	`), note.ID, note.Name, createdAt, nullable(note.ImageURL), note.UserID, nullable(note.EditorState))
	if err != nil {
		return "", fmt.Errorf("insert note: %w", err)
	}
	return note.ID, nil
}

func (s *PostgresStore) GetNote(ctx context.Context, noteID string) (Note, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT id, name, created_at, image_url, user_id, editor_state
		FROM notes
		WHERE id=$1
	`), noteID)
	note, err := scanNote(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Note{}, ErrNotFound
	}
	if err != nil {
		return Note{}, fmt.Errorf("get note: %w", err)
	}
	return note, nil
}

func (s *PostgresStore) ListNotesByUser(ctx context.Context, userID string) ([]Note, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, name, created_at, image_url, user_id, editor_state
		FROM notes
		WHERE user_id=$1
		ORDER BY created_at DESC
	`), userID)
	if err != nil {
		return nil, fmt.Errorf("list notes: %w", err)
	}
	defer rows.Close()

	items := make([]Note, 0)
	for rows.Next() {
		note, err := scanNote(rows)
		if err != nil {
			return nil, fmt.Errorf("scan note: %w", err)
		}
		items = append(items, note)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notes: %w", err)
	}
	return items, nil
}

// UpdateEditorState overwrites the editor state. Concurrent writers are not
// ordered: whichever statement lands last wins.
func (s *PostgresStore) UpdateEditorState(ctx context.Context, noteID, editorState string) error {
	result, err := s.db.ExecContext(ctx, s.rebind(`UPDATE notes SET editor_state=$1 WHERE id=$2`), editorState, noteID)
	if err != nil {
		return fmt.Errorf("update editor state: %w", err)
	}
	return requireRow(result)
}

func (s *PostgresStore) UpdateImageURL(ctx context.Context, noteID, imageURL string) error {
	result, err := s.db.ExecContext(ctx, s.rebind(`UPDATE notes SET image_url=$1 WHERE id=$2`), imageURL, noteID)
	if err != nil {
		return fmt.Errorf("update image url: %w", err)
	}
	return requireRow(result)
}

func (s *PostgresStore) DeleteNote(ctx context.Context, noteID string) error {
	if _, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM notes WHERE id=$1`), noteID); err != nil {
		return fmt.Errorf("delete note: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNote(row rowScanner) (Note, error) {
	var (
		note        Note
		imageURL    sql.NullString
		editorState sql.NullString
	)
	if err := row.Scan(&note.ID, &note.Name, &note.CreatedAt, &imageURL, &note.UserID, &editorState); err != nil {
		return Note{}, err
	}
	if imageURL.Valid {
		note.ImageURL = stringPtr(imageURL.String)
	}
	if editorState.Valid {
		note.EditorState = stringPtr(editorState.String)
	}
	return note, nil
}

func requireRow(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func nullable(value *string) any {
	if value == nil {
		return nil
	}
	return *value
}
