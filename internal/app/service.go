package app

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"notebook/api/internal/auth"
	"notebook/api/internal/autosave"
	"notebook/api/internal/completion"
	"notebook/api/internal/config"
	"notebook/api/internal/pipeline"
	"notebook/api/internal/store"
	"notebook/api/internal/textgen"
)

type Session struct {
	Token     string
	UserID    string
	Email     string
	ExpiresAt time.Time
}

// NoteStore is the persistence the service needs.
type NoteStore interface {
	InsertNote(context.Context, store.Note) (string, error)
	GetNote(context.Context, string) (store.Note, error)
	ListNotesByUser(context.Context, string) ([]store.Note, error)
	UpdateEditorState(context.Context, string, string) error
	UpdateImageURL(context.Context, string, string) error
	DeleteNote(context.Context, string) error
	Ping(context.Context) error
}

// LeaseStore is the cross-replica completion exclusion.
type LeaseStore interface {
	completion.Lease
	Ping(context.Context) error
}

type Service struct {
	cfg       config.Config
	verifier  *auth.Verifier
	store     NoteStore
	pipeline  *pipeline.Pipeline
	text      textgen.Generator
	leases    LeaseStore
	autosaves *autosave.Registry
	logger    *zap.Logger

	triggerMu sync.Mutex
	triggers  map[string]*sessionTrigger
}

// sessionTrigger is a completion trigger shared by the requests currently
// using it. It is dropped when the last of them returns.
type sessionTrigger struct {
	trigger *completion.Trigger
	refs    int
}

type Option func(*Service)

func WithLeases(leases LeaseStore) Option {
	return func(s *Service) { s.leases = leases }
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func New(cfg config.Config, notes NoteStore, creation *pipeline.Pipeline, text textgen.Generator, opts ...Option) *Service {
	s := &Service{
		cfg:      cfg,
		verifier: auth.NewVerifier([]byte(cfg.JWTSecret)),
		store:    notes,
		pipeline: creation,
		text:     text,
		logger:   zap.NewNop(),
		triggers: make(map[string]*sessionTrigger),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.autosaves = autosave.NewRegistry(
		autosave.PersistFunc(notes.UpdateEditorState),
		autosave.WithWindow(cfg.AutosaveWindow),
		autosave.WithLogger(s.logger.Named("autosave")),
	)
	return s
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := s.verifier.Verify(token)
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:     token,
		UserID:    claims.Sub,
		Email:     claims.Email,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// PingLeases reports whether Redis is configured and, if so, reachable.
func (s *Service) PingLeases(ctx context.Context) (bool, error) {
	if s.leases == nil {
		return false, nil
	}
	return true, s.leases.Ping(ctx)
}

// CreateNotebook runs the creation pipeline for the caller and, when
// configured, starts the image migration without waiting for it.
func (s *Service) CreateNotebook(ctx context.Context, session Session, name string) (string, error) {
	noteID, err := s.pipeline.CreateDocument(ctx, name, session.UserID)
	if err != nil {
		return "", err
	}
	if s.cfg.AutoMigrate {
		s.pipeline.MigrateAsync(noteID, s.logMigration)
	}
	return noteID, nil
}

func (s *Service) logMigration(result pipeline.MigrationResult) {
	if result.Err != nil {
		return
	}
	s.logger.Debug("detached image migration finished", zap.String("note_id", result.NoteID))
}

func (s *Service) MigrateNotebookImage(ctx context.Context, session Session, noteID string) (string, error) {
	if _, err := s.ownedNote(ctx, session, noteID); err != nil {
		return "", err
	}
	return s.pipeline.MigrateImage(ctx, noteID)
}

func (s *Service) ListNotes(ctx context.Context, session Session) ([]map[string]any, error) {
	notes, err := s.store.ListNotesByUser(ctx, session.UserID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(notes))
	for _, note := range notes {
		items = append(items, noteView(note))
	}
	return items, nil
}

func (s *Service) GetNote(ctx context.Context, session Session, noteID string) (map[string]any, error) {
	note, err := s.ownedNote(ctx, session, noteID)
	if err != nil {
		return nil, err
	}
	return noteView(note), nil
}

func (s *Service) DeleteNote(ctx context.Context, session Session, noteID string) error {
	if _, err := s.ownedNote(ctx, session, noteID); err != nil {
		return err
	}
	s.autosaves.Discard(noteID)
	return s.store.DeleteNote(ctx, noteID)
}

// SaveEditorState writes editorState unless it already matches the stored
// value. saved reports whether a write was issued. The note's autosave
// coordinator is discarded first, dropping any snapshot it still holds, so the
// next autosave is compared against the stored value.
func (s *Service) SaveEditorState(ctx context.Context, session Session, noteID, editorState string) (bool, error) {
	if editorState == "" {
		return false, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "editorState is required", nil)
	}
	if _, err := s.ownedNote(ctx, session, noteID); err != nil {
		return false, err
	}
	s.autosaves.Discard(noteID)
	note, err := s.store.GetNote(ctx, noteID)
	if err != nil {
		return false, err
	}
	if note.EditorState != nil && *note.EditorState == editorState {
		return false, nil
	}
	if err := s.store.UpdateEditorState(ctx, noteID, editorState); err != nil {
		return false, err
	}
	return true, nil
}

// QueueAutosave hands a snapshot to the note's coordinator and returns
// without waiting for it to settle.
func (s *Service) QueueAutosave(ctx context.Context, session Session, noteID, editorState string) error {
	note, err := s.ownedNote(ctx, session, noteID)
	if err != nil {
		return err
	}
	return s.autosaves.Update(noteID, func() (string, error) {
		return note.InitialEditorState(), nil
	}, editorState)
}

func (s *Service) AutosaveStatus(ctx context.Context, session Session, noteID string) (map[string]any, error) {
	note, err := s.ownedNote(ctx, session, noteID)
	if err != nil {
		return nil, err
	}
	coordinator, ok := s.autosaves.Lookup(noteID)
	if !ok {
		return map[string]any{
			"state":         autosave.StateIdle,
			"lastPersisted": note.InitialEditorState(),
		}, nil
	}
	status := coordinator.Status()
	payload := map[string]any{
		"state":         status.State,
		"lastPersisted": status.LastPersisted,
	}
	if status.LastError != nil {
		payload["lastError"] = status.LastError.Error()
	}
	return payload, nil
}

// Complete asks for an inline completion of prompt. skipped is true when a
// completion for the same editing session is already outstanding. The
// generation is not cancelled when the caller goes away.
func (s *Service) Complete(ctx context.Context, session Session, sessionID, prompt string) (string, bool, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		sessionID = "default"
	}
	key := session.UserID + "/" + sessionID
	trigger := s.acquireTrigger(key)
	defer s.releaseTrigger(key)

	out, ran, err := trigger.Complete(context.WithoutCancel(ctx), prompt)
	if err != nil {
		return "", false, domainError(http.StatusBadGateway, "COMPLETION_FAILED", "Completion failed", nil)
	}
	return out, !ran, nil
}

func (s *Service) acquireTrigger(key string) *completion.Trigger {
	s.triggerMu.Lock()
	defer s.triggerMu.Unlock()
	if entry, ok := s.triggers[key]; ok {
		entry.refs++
		return entry.trigger
	}
	opts := []completion.Option{
		completion.WithTokens(s.cfg.CompletionTokens),
		completion.WithLogger(s.logger.Named("completion")),
	}
	if s.leases != nil {
		opts = append(opts, completion.WithLease(s.leases))
	}
	entry := &sessionTrigger{trigger: completion.New(key, s.text, opts...), refs: 1}
	s.triggers[key] = entry
	return entry.trigger
}

func (s *Service) releaseTrigger(key string) {
	s.triggerMu.Lock()
	defer s.triggerMu.Unlock()
	entry, ok := s.triggers[key]
	if !ok {
		return
	}
	entry.refs--
	if entry.refs == 0 {
		delete(s.triggers, key)
	}
}

func (s *Service) activeTriggers() int {
	s.triggerMu.Lock()
	defer s.triggerMu.Unlock()
	return len(s.triggers)
}

// Close drops pending autosaves and waits for in-flight writes and detached
// migrations, giving up on the latter when ctx is done.
func (s *Service) Close(ctx context.Context) error {
	var g errgroup.Group
	g.Go(func() error {
		s.autosaves.Close()
		return nil
	})
	g.Go(func() error {
		return s.pipeline.Wait(ctx)
	})
	return g.Wait()
}

func (s *Service) ownedNote(ctx context.Context, session Session, noteID string) (store.Note, error) {
	note, err := s.store.GetNote(ctx, noteID)
	if err != nil {
		return store.Note{}, err
	}
	if note.UserID != session.UserID {
		return store.Note{}, store.ErrNotFound
	}
	return note, nil
}

func noteView(note store.Note) map[string]any {
	return map[string]any{
		"id":          note.ID,
		"name":        note.Name,
		"createdAt":   note.CreatedAt.UTC().Format(time.RFC3339),
		"imageUrl":    note.ImageURL,
		"userId":      note.UserID,
		"editorState": note.EditorState,
	}
}
