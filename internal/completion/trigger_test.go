package completion

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"notebook/api/internal/textgen"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestTrailingContext(t *testing.T) {
	words := make([]string, 40)
	for i := range words {
		words[i] = string(rune('a' + i%26))
	}
	long := strings.Join(words, " ")

	cases := []struct {
		name string
		text string
		n    int
		want string
	}{
		{name: "shorter than window", text: "hello  brave\nworld", n: 30, want: "hello brave world"},
		{name: "keeps last tokens", text: long, n: 30, want: strings.Join(words[10:], " ")},
		{name: "empty", text: "   ", n: 30, want: ""},
		{name: "non-positive keeps all", text: "a b c", n: 0, want: "a b c"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, TrailingContext(tc.text, tc.n))
		})
	}
}

func TestCompleteSendsTrailingContextInPrompt(t *testing.T) {
	var gotSystem, gotUser string
	gen := textgen.Func(func(ctx context.Context, system, user string) (string, error) {
		gotSystem, gotUser = system, user
		return " and then we walked home.", nil
	})
	trigger := New("session-1", gen, WithTokens(3))

	out, ran, err := trigger.Complete(context.Background(), "we went to the beach")
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, " and then we walked home.", out)
	assert.Contains(t, gotSystem, "autocomplete sentences")
	assert.Contains(t, gotUser, "##to the beach##")
}

func TestFireDropsWhileOutstanding(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int32
	gen := textgen.Func(func(ctx context.Context, system, user string) (string, error) {
		calls.Add(1)
		<-release
		return "done", nil
	})
	trigger := New("session-1", gen)

	var mu sync.Mutex
	var inserted []string
	insert := func(s string) {
		mu.Lock()
		inserted = append(inserted, s)
		mu.Unlock()
	}

	require.True(t, trigger.Fire("text", insert))
	for i := 0; i < 20; i++ {
		assert.False(t, trigger.Fire("text", insert))
	}
	_, ran, err := trigger.Complete(context.Background(), "text")
	require.NoError(t, err)
	assert.False(t, ran, "synchronous request should be dropped too")
	assert.True(t, trigger.Busy())

	close(release)
	trigger.Wait()

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, []string{"done"}, inserted)
	assert.False(t, trigger.Busy())
}

func TestFailureInsertsNothingAndResets(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	gen := textgen.Func(func(ctx context.Context, system, user string) (string, error) {
		if fail.Load() {
			return "", errors.New("provider down")
		}
		return "ok", nil
	})
	trigger := New("session-1", gen)

	insertCalls := 0
	require.True(t, trigger.Fire("text", func(string) { insertCalls++ }))
	trigger.Wait()
	assert.Equal(t, 0, insertCalls)

	_, ran, err := trigger.Complete(context.Background(), "text")
	assert.True(t, ran)
	assert.Error(t, err)

	fail.Store(false)
	out, ran, err := trigger.Complete(context.Background(), "text")
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, "ok", out)
}

func TestEmptyCompletionIsNotInserted(t *testing.T) {
	gen := textgen.Func(func(ctx context.Context, system, user string) (string, error) {
		return "", nil
	})
	trigger := New("session-1", gen)

	called := false
	require.True(t, trigger.Fire("text", func(string) { called = true }))
	trigger.Wait()
	assert.False(t, called)
}

func TestRefireFromInsertCallback(t *testing.T) {
	var calls atomic.Int32
	gen := textgen.Func(func(ctx context.Context, system, user string) (string, error) {
		calls.Add(1)
		return "x", nil
	})
	trigger := New("session-1", gen)

	refired := make(chan bool, 1)
	var once sync.Once
	var insert func(string)
	insert = func(string) {
		once.Do(func() { refired <- trigger.Fire("text", insert) })
	}
	require.True(t, trigger.Fire("text", insert))
	assert.True(t, <-refired)
	trigger.Wait()
	assert.Equal(t, int32(2), calls.Load())
}

type fakeLease struct {
	mu       sync.Mutex
	held     bool
	err      error
	released []string
}

func (l *fakeLease) Acquire(ctx context.Context, sessionID string) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return "", false, l.err
	}
	if l.held {
		return "", false, nil
	}
	l.held = true
	return "token-" + sessionID, true, nil
}

func (l *fakeLease) Release(ctx context.Context, sessionID, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.held = false
	l.released = append(l.released, token)
	return nil
}

func TestLeaseHeldElsewhereDropsRequest(t *testing.T) {
	var calls atomic.Int32
	gen := textgen.Func(func(ctx context.Context, system, user string) (string, error) {
		calls.Add(1)
		return "x", nil
	})
	lease := &fakeLease{held: true}
	trigger := New("session-1", gen, WithLease(lease))

	out, ran, err := trigger.Complete(context.Background(), "text")
	require.NoError(t, err)
	assert.False(t, ran)
	assert.Empty(t, out)
	assert.Equal(t, int32(0), calls.Load())
	assert.False(t, trigger.Busy())
}

func TestLeaseIsReleasedAfterCompletion(t *testing.T) {
	gen := textgen.Func(func(ctx context.Context, system, user string) (string, error) {
		return "x", nil
	})
	lease := &fakeLease{}
	trigger := New("session-1", gen, WithLease(lease))

	_, ran, err := trigger.Complete(context.Background(), "text")
	require.NoError(t, err)
	assert.True(t, ran)
	assert.False(t, lease.held)
	assert.Equal(t, []string{"token-session-1"}, lease.released)
}

func TestLeaseErrorFallsBackToLocalGuard(t *testing.T) {
	gen := textgen.Func(func(ctx context.Context, system, user string) (string, error) {
		return "x", nil
	})
	trigger := New("session-1", gen, WithLease(&fakeLease{err: errors.New("redis down")}))

	out, ran, err := trigger.Complete(context.Background(), "text")
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, "x", out)
}
