// Package pipeline turns a notebook name into a stored note with a thumbnail,
// then moves the thumbnail into storage the service owns.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"notebook/api/internal/blob"
	"notebook/api/internal/store"
	"notebook/api/internal/textgen"
	"notebook/api/internal/util"
)

const descriptionSystemInstruction = "You are a creative AI that generates short, minimalistic thumbnail descriptions. \n" +
	"Your descriptions should be suitable for AI image generation and describe flat, modern styled illustrations.\n" +
	"Keep descriptions under 50 words."

func descriptionPrompt(name string) string {
	return fmt.Sprintf("Generate a thumbnail description for a notebook titled \"%s\". \nMake it minimalistic and flat styled.", name)
}

// ImageSource resolves a description to an image locator. It always yields
// a locator, falling back to a placeholder when the primary is unreachable.
type ImageSource interface {
	Resolve(ctx context.Context, description string) (locator string, fallback bool)
}

type NoteStore interface {
	InsertNote(ctx context.Context, note store.Note) (string, error)
	GetNote(ctx context.Context, noteID string) (store.Note, error)
	UpdateImageURL(ctx context.Context, noteID, imageURL string) error
}

type Fetcher interface {
	Fetch(ctx context.Context, locator string) ([]byte, error)
}

// MigrationResult is delivered once per detached migration.
type MigrationResult struct {
	NoteID string
	URL    string
	Err    error
}

type Pipeline struct {
	text    textgen.Generator
	images  ImageSource
	notes   NoteStore
	blobs   blob.Store
	fetcher Fetcher
	logger  *zap.Logger
	now     func() time.Time

	wg sync.WaitGroup
}

type Option func(*Pipeline)

func WithLogger(logger *zap.Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

func New(text textgen.Generator, images ImageSource, notes NoteStore, blobs blob.Store, fetcher Fetcher, opts ...Option) *Pipeline {
	p := &Pipeline{
		text:    text,
		images:  images,
		notes:   notes,
		blobs:   blobs,
		fetcher: fetcher,
		logger:  zap.NewNop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// CreateDocument describes the name, resolves a thumbnail for the
// description and inserts the note. It returns as soon as the note exists;
// moving the thumbnail to durable storage is a separate call.
func (p *Pipeline) CreateDocument(ctx context.Context, name, ownerID string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", ErrInvalidName
	}
	logger := p.logger.With(zap.String("owner_id", ownerID))

	description, err := p.text.Complete(ctx, descriptionSystemInstruction, descriptionPrompt(name))
	if err != nil {
		logger.Warn("description generation failed", zap.Error(err))
		return "", fail(StageDescribe, ErrDescription, err)
	}
	description = strings.TrimSpace(description)
	if description == "" {
		return "", fail(StageDescribe, ErrDescription, textgen.ErrNoCandidates)
	}

	locator, fallback := p.images.Resolve(ctx, description)
	if locator == "" {
		return "", fail(StageImage, nil, errors.New("no image locator"))
	}
	if fallback {
		logger.Info("image provider unreachable, using placeholder", zap.String("image_url", locator))
	}

	noteID, err := p.notes.InsertNote(ctx, store.Note{
		ID:        util.NewID("note"),
		Name:      name,
		CreatedAt: p.now().UTC(),
		ImageURL:  &locator,
		UserID:    ownerID,
	})
	if err != nil {
		return "", fail(StageInsert, ErrPersistence, err)
	}
	logger.Info("note created", zap.String("note_id", noteID), zap.Bool("placeholder", fallback))
	return noteID, nil
}

// MigrateImage copies the note's current image into durable storage and
// points the note at the copy. On failure the note keeps its previous image.
func (p *Pipeline) MigrateImage(ctx context.Context, noteID string) (string, error) {
	note, err := p.notes.GetNote(ctx, noteID)
	if errors.Is(err, store.ErrNotFound) {
		return "", fail(StageLoad, nil, err)
	}
	if err != nil {
		return "", fail(StageLoad, ErrPersistence, err)
	}
	if note.ImageURL == nil || *note.ImageURL == "" {
		return "", fail(StageLoad, ErrNoImage, nil)
	}

	data, err := p.fetcher.Fetch(ctx, *note.ImageURL)
	if err != nil {
		return "", fail(StageFetch, ErrStorage, err)
	}
	durable, err := p.blobs.Upload(ctx, blob.ImageKey(note.Name, p.now()), data, blob.ImageContentType)
	if err != nil {
		return "", fail(StageUpload, ErrStorage, err)
	}

	if err := p.notes.UpdateImageURL(ctx, noteID, durable); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", fail(StageUpdate, nil, err)
		}
		return "", fail(StageUpdate, ErrPersistence, err)
	}
	p.logger.Info("image migrated", zap.String("note_id", noteID), zap.String("image_url", durable))
	return durable, nil
}

// MigrateAsync runs MigrateImage on its own goroutine. The outcome is always
// logged and, when done is non-nil, handed to done.
func (p *Pipeline) MigrateAsync(noteID string, done func(MigrationResult)) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		url, err := p.MigrateImage(context.Background(), noteID)
		if err != nil {
			p.logger.Error("image migration failed", zap.String("note_id", noteID), zap.Error(err))
		}
		if done != nil {
			done(MigrationResult{NoteID: noteID, URL: url, Err: err})
		}
	}()
}

// Wait blocks until detached migrations finish or ctx is done.
func (p *Pipeline) Wait(ctx context.Context) error {
	finished := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
