package pipeline

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notebook/api/internal/imagegen"
	"notebook/api/internal/store"
	"notebook/api/internal/textgen"
)

type memoryNotes struct {
	mu        sync.Mutex
	notes     map[string]store.Note
	inserts   atomic.Int32
	insertErr error
	updateErr error
}

func newMemoryNotes() *memoryNotes {
	return &memoryNotes{notes: make(map[string]store.Note)}
}

func (m *memoryNotes) InsertNote(ctx context.Context, note store.Note) (string, error) {
	m.inserts.Add(1)
	if m.insertErr != nil {
		return "", m.insertErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notes[note.ID] = note
	return note.ID, nil
}

func (m *memoryNotes) GetNote(ctx context.Context, noteID string) (store.Note, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	note, ok := m.notes[noteID]
	if !ok {
		return store.Note{}, store.ErrNotFound
	}
	return note, nil
}

func (m *memoryNotes) UpdateImageURL(ctx context.Context, noteID, imageURL string) error {
	if m.updateErr != nil {
		return m.updateErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	note, ok := m.notes[noteID]
	if !ok {
		return store.ErrNotFound
	}
	note.ImageURL = &imageURL
	m.notes[noteID] = note
	return nil
}

type fakeBlobs struct {
	mu   sync.Mutex
	keys []string
	err  error
}

func (b *fakeBlobs) Upload(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	if b.err != nil {
		return "", b.err
	}
	b.mu.Lock()
	b.keys = append(b.keys, key)
	b.mu.Unlock()
	return "https://cdn.example/note-images/" + key, nil
}

type fetchFunc func(ctx context.Context, locator string) ([]byte, error)

func (f fetchFunc) Fetch(ctx context.Context, locator string) ([]byte, error) {
	return f(ctx, locator)
}

func okFetch(ctx context.Context, locator string) ([]byte, error) {
	return []byte("jpeg"), nil
}

func describeAs(description string) textgen.Generator {
	return textgen.Func(func(ctx context.Context, system, user string) (string, error) {
		return description, nil
	})
}

// imageServer answers HEAD probes with status.
func imageServer(t *testing.T, status int) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	t.Cleanup(server.Close)
	return server
}

var fixedNow = time.UnixMilli(1760000000000)

func newPipeline(t *testing.T, text textgen.Generator, probeStatus int, notes *memoryNotes, blobs *fakeBlobs, fetch fetchFunc) *Pipeline {
	t.Helper()
	server := imageServer(t, probeStatus)
	images := imagegen.New(time.Second,
		imagegen.WithBaseURL(server.URL+"/prompt/"),
		imagegen.WithPlaceholderURL("https://placeholder.example/256"),
	)
	return New(text, images, notes, blobs, fetch, WithClock(func() time.Time { return fixedNow }))
}

func TestCreateDocumentWithReachableImage(t *testing.T) {
	notes := newMemoryNotes()
	var gotUser string
	text := textgen.Func(func(ctx context.Context, system, user string) (string, error) {
		gotUser = user
		return "a flat map icon\n", nil
	})
	p := newPipeline(t, text, http.StatusOK, notes, &fakeBlobs{}, okFetch)

	id, err := p.CreateDocument(context.Background(), "Trip Plan", "user-1")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(id, "note_"))
	assert.Contains(t, gotUser, `titled "Trip Plan"`)

	note, err := notes.GetNote(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "Trip Plan", note.Name)
	assert.Equal(t, "user-1", note.UserID)
	require.NotNil(t, note.ImageURL)
	assert.True(t, strings.HasSuffix(*note.ImageURL, "/prompt/a%20flat%20map%20icon?width=256&height=256&nologo=true"), *note.ImageURL)
}

func TestCreateDocumentFallsBackToPlaceholder(t *testing.T) {
	notes := newMemoryNotes()
	p := newPipeline(t, describeAs("a flat map icon"), http.StatusServiceUnavailable, notes, &fakeBlobs{}, okFetch)

	id, err := p.CreateDocument(context.Background(), "Trip Plan", "user-1")
	require.NoError(t, err)

	note, err := notes.GetNote(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, note.ImageURL)
	assert.Equal(t, "https://placeholder.example/256?text=a%20flat%20map%20icon", *note.ImageURL)
}

func TestPlaceholderTruncatesLongDescriptions(t *testing.T) {
	notes := newMemoryNotes()
	p := newPipeline(t, describeAs("a flat map icon with a dotted route"), http.StatusNotFound, notes, &fakeBlobs{}, okFetch)

	first, err := p.CreateDocument(context.Background(), "Trip Plan", "user-1")
	require.NoError(t, err)
	second, err := p.CreateDocument(context.Background(), "Trip Plan", "user-1")
	require.NoError(t, err)

	a, _ := notes.GetNote(context.Background(), first)
	b, _ := notes.GetNote(context.Background(), second)
	assert.Equal(t, "https://placeholder.example/256?text=a%20flat%20map%20icon%20with", *a.ImageURL)
	assert.Equal(t, *a.ImageURL, *b.ImageURL)
}

func TestDescriptionFailureStopsBeforeInsert(t *testing.T) {
	cases := map[string]textgen.Generator{
		"provider error": textgen.Func(func(ctx context.Context, system, user string) (string, error) {
			return "", errors.New("quota exceeded")
		}),
		"blank description": describeAs("   "),
	}
	for name, text := range cases {
		t.Run(name, func(t *testing.T) {
			notes := newMemoryNotes()
			p := newPipeline(t, text, http.StatusOK, notes, &fakeBlobs{}, okFetch)

			_, err := p.CreateDocument(context.Background(), "Trip Plan", "user-1")
			require.ErrorIs(t, err, ErrDescription)
			var stageErr *StageError
			require.ErrorAs(t, err, &stageErr)
			assert.Equal(t, StageDescribe, stageErr.Stage)
			assert.Equal(t, int32(0), notes.inserts.Load())
		})
	}
}

func TestCreateDocumentRejectsBlankName(t *testing.T) {
	called := false
	text := textgen.Func(func(ctx context.Context, system, user string) (string, error) {
		called = true
		return "x", nil
	})
	p := newPipeline(t, text, http.StatusOK, newMemoryNotes(), &fakeBlobs{}, okFetch)

	_, err := p.CreateDocument(context.Background(), "  ", "user-1")
	assert.ErrorIs(t, err, ErrInvalidName)
	assert.False(t, called)
}

func TestInsertFailureIsPersistenceError(t *testing.T) {
	notes := newMemoryNotes()
	notes.insertErr = errors.New("connection refused")
	p := newPipeline(t, describeAs("icon"), http.StatusOK, notes, &fakeBlobs{}, okFetch)

	_, err := p.CreateDocument(context.Background(), "Trip Plan", "user-1")
	assert.ErrorIs(t, err, ErrPersistence)
	assert.ErrorIs(t, err, notes.insertErr)
}

func TestMigrateImageMovesToDurableLocator(t *testing.T) {
	notes := newMemoryNotes()
	blobs := &fakeBlobs{}
	var fetched string
	fetch := func(ctx context.Context, locator string) ([]byte, error) {
		fetched = locator
		return []byte("jpeg"), nil
	}
	p := newPipeline(t, describeAs("a flat map icon"), http.StatusOK, notes, blobs, fetch)

	id, err := p.CreateDocument(context.Background(), "Trip Plan", "user-1")
	require.NoError(t, err)
	before, _ := notes.GetNote(context.Background(), id)

	url, err := p.MigrateImage(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, *before.ImageURL, fetched)
	assert.Equal(t, "https://cdn.example/note-images/Trip-Plan-1760000000000.jpeg", url)

	after, _ := notes.GetNote(context.Background(), id)
	assert.Equal(t, url, *after.ImageURL)
}

func TestMigrateUploadFailureLeavesTransientLocator(t *testing.T) {
	notes := newMemoryNotes()
	blobs := &fakeBlobs{err: errors.New("bucket unavailable")}
	p := newPipeline(t, describeAs("a flat map icon"), http.StatusOK, notes, blobs, okFetch)

	id, err := p.CreateDocument(context.Background(), "Trip Plan", "user-1")
	require.NoError(t, err)
	before, _ := notes.GetNote(context.Background(), id)

	_, err = p.MigrateImage(context.Background(), id)
	require.ErrorIs(t, err, ErrStorage)
	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, StageUpload, stageErr.Stage)

	after, err := notes.GetNote(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, *before.ImageURL, *after.ImageURL)
}

func TestMigrateFetchFailureIsStorageError(t *testing.T) {
	notes := newMemoryNotes()
	fetch := func(ctx context.Context, locator string) ([]byte, error) {
		return nil, errors.New("gone")
	}
	p := newPipeline(t, describeAs("icon"), http.StatusOK, notes, &fakeBlobs{}, fetch)
	id, err := p.CreateDocument(context.Background(), "Trip Plan", "user-1")
	require.NoError(t, err)

	_, err = p.MigrateImage(context.Background(), id)
	assert.ErrorIs(t, err, ErrStorage)
}

func TestMigrateMissingNoteAndMissingImage(t *testing.T) {
	notes := newMemoryNotes()
	notes.notes["note_bare"] = store.Note{ID: "note_bare", Name: "Bare", UserID: "user-1"}
	p := newPipeline(t, describeAs("icon"), http.StatusOK, notes, &fakeBlobs{}, okFetch)

	_, err := p.MigrateImage(context.Background(), "note_missing")
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = p.MigrateImage(context.Background(), "note_bare")
	assert.ErrorIs(t, err, ErrNoImage)
}

func TestMigrateAsyncDoesNotBlockAndReportsResult(t *testing.T) {
	notes := newMemoryNotes()
	release := make(chan struct{})
	fetch := func(ctx context.Context, locator string) ([]byte, error) {
		<-release
		return []byte("jpeg"), nil
	}
	p := newPipeline(t, describeAs("icon"), http.StatusOK, notes, &fakeBlobs{}, fetch)

	id, err := p.CreateDocument(context.Background(), "Trip Plan", "user-1")
	require.NoError(t, err)

	results := make(chan MigrationResult, 1)
	p.MigrateAsync(id, func(r MigrationResult) { results <- r })

	transient, _ := notes.GetNote(context.Background(), id)
	assert.NotContains(t, *transient.ImageURL, "cdn.example")

	close(release)
	select {
	case r := <-results:
		require.NoError(t, r.Err)
		assert.Equal(t, id, r.NoteID)
		assert.Contains(t, r.URL, "cdn.example")
	case <-time.After(2 * time.Second):
		t.Fatal("migration did not report")
	}
	require.NoError(t, p.Wait(context.Background()))
}

func TestMigrateAsyncReportsFailure(t *testing.T) {
	notes := newMemoryNotes()
	p := newPipeline(t, describeAs("icon"), http.StatusOK, notes, &fakeBlobs{err: errors.New("denied")}, okFetch)
	id, err := p.CreateDocument(context.Background(), "Trip Plan", "user-1")
	require.NoError(t, err)

	var result MigrationResult
	p.MigrateAsync(id, func(r MigrationResult) { result = r })
	require.NoError(t, p.Wait(context.Background()))
	assert.ErrorIs(t, result.Err, ErrStorage)
}

func TestWaitHonorsContext(t *testing.T) {
	notes := newMemoryNotes()
	release := make(chan struct{})
	fetch := func(ctx context.Context, locator string) ([]byte, error) {
		<-release
		return nil, errors.New("stopped")
	}
	p := newPipeline(t, describeAs("icon"), http.StatusOK, notes, &fakeBlobs{}, fetch)
	id, err := p.CreateDocument(context.Background(), "Trip Plan", "user-1")
	require.NoError(t, err)

	p.MigrateAsync(id, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Wait(ctx), context.DeadlineExceeded)

	close(release)
	require.NoError(t, p.Wait(context.Background()))
}
