package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"notebook/api/internal/auth"
	"notebook/api/internal/config"
	"notebook/api/internal/pipeline"
	"notebook/api/internal/store"
	"notebook/api/internal/textgen"
)

const testSecret = "test-secret"

// fakeStore keeps notes in memory; the ...Fn hooks override single calls.
type fakeStore struct {
	mu    sync.Mutex
	notes map[string]store.Note

	editorWrites int

	pingFn              func(context.Context) error
	insertNoteFn        func(context.Context, store.Note) (string, error)
	updateEditorStateFn func(context.Context, string, string) error
}

func newFakeStore() *fakeStore {
	return &fakeStore{notes: make(map[string]store.Note)}
}

func (f *fakeStore) put(note store.Note) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notes[note.ID] = note
}

func (f *fakeStore) note(id string) (store.Note, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	note, ok := f.notes[id]
	return note, ok
}

func (f *fakeStore) writes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.editorWrites
}

func (f *fakeStore) InsertNote(ctx context.Context, note store.Note) (string, error) {
	if f.insertNoteFn != nil {
		return f.insertNoteFn(ctx, note)
	}
	f.put(note)
	return note.ID, nil
}

func (f *fakeStore) GetNote(ctx context.Context, id string) (store.Note, error) {
	note, ok := f.note(id)
	if !ok {
		return store.Note{}, store.ErrNotFound
	}
	return note, nil
}

func (f *fakeStore) ListNotesByUser(ctx context.Context, userID string) ([]store.Note, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	items := make([]store.Note, 0)
	for _, note := range f.notes {
		if note.UserID == userID {
			items = append(items, note)
		}
	}
	return items, nil
}

func (f *fakeStore) UpdateEditorState(ctx context.Context, id, editorState string) error {
	if f.updateEditorStateFn != nil {
		return f.updateEditorStateFn(ctx, id, editorState)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	note, ok := f.notes[id]
	if !ok {
		return store.ErrNotFound
	}
	f.editorWrites++
	note.EditorState = &editorState
	f.notes[id] = note
	return nil
}

func (f *fakeStore) UpdateImageURL(ctx context.Context, id, imageURL string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	note, ok := f.notes[id]
	if !ok {
		return store.ErrNotFound
	}
	note.ImageURL = &imageURL
	f.notes[id] = note
	return nil
}

func (f *fakeStore) DeleteNote(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.notes, id)
	return nil
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

type fixedImages string

func (f fixedImages) Resolve(ctx context.Context, description string) (string, bool) {
	return string(f), false
}

type fakeBlobs struct {
	err error
}

func (b fakeBlobs) Upload(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	if b.err != nil {
		return "", b.err
	}
	return "https://cdn.example/note-images/" + key, nil
}

type staticFetcher struct{}

func (staticFetcher) Fetch(ctx context.Context, locator string) ([]byte, error) {
	return []byte("jpeg"), nil
}

func describeAs(description string) textgen.Generator {
	return textgen.Func(func(ctx context.Context, system, user string) (string, error) {
		return description, nil
	})
}

func testConfig() config.Config {
	return config.Config{
		JWTSecret:        testSecret,
		AutosaveWindow:   30 * time.Millisecond,
		CompletionTokens: 30,
	}
}

func newTestService(t *testing.T, cfg config.Config, fs *fakeStore, text textgen.Generator, blobs fakeBlobs, opts ...Option) *Service {
	t.Helper()
	creation := pipeline.New(text, fixedImages("https://images.example/prompt/icon"), fs, blobs, staticFetcher{})
	svc := New(cfg, fs, creation, text, opts...)
	t.Cleanup(func() { _ = svc.Close(context.Background()) })
	return svc
}

func tokenFor(t *testing.T, userID string) string {
	t.Helper()
	token, err := auth.IssueToken([]byte(testSecret), auth.Claims{Sub: userID, Exp: time.Now().Add(time.Hour).Unix()})
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	return token
}

func sessionFor(userID string) Session {
	return Session{UserID: userID}
}

func doRequest(t *testing.T, handler http.Handler, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

func stringPtr(value string) *string {
	return &value
}
