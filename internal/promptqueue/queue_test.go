package promptqueue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnqueueNeverBlocksAndPreservesFIFO(t *testing.T) {
	q := NewQueue()
	q.Enqueue(Prompt{Text: "one"})
	q.Enqueue(Prompt{Text: "two"})
	q.Enqueue(Prompt{Text: "three"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := q.ReadPrompts(ctx)

	got := []string{}
	for i := 0; i < 3; i++ {
		select {
		case p := <-ch:
			got = append(got, p.Text)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for prompt")
		}
	}

	assert.Equal(t, []string{"one", "two", "three"}, got)
}

func TestReadPromptsSuspendsUntilEnqueue(t *testing.T) {
	q := NewQueue()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := q.ReadPrompts(ctx)

	select {
	case <-ch:
		t.Fatal("expected no prompt yet")
	case <-time.After(50 * time.Millisecond):
	}

	q.Enqueue(Prompt{Text: "late"})

	select {
	case p := <-ch:
		assert.Equal(t, "late", p.Text)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for prompt")
	}
}

func TestReadPromptsTerminatesOnContextCancel(t *testing.T) {
	q := NewQueue()
	ctx, cancel := context.WithCancel(context.Background())
	ch := q.ReadPrompts(ctx)
	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("channel did not close after cancel")
	}
}

func TestReadPromptsTerminatesOnClose(t *testing.T) {
	q := NewQueue()
	ch := q.ReadPrompts(context.Background())
	q.Close()

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("channel did not close after Close")
	}
}

func TestEnqueueAfterCloseIsDiscarded(t *testing.T) {
	q := NewQueue()
	q.Close()
	q.Enqueue(Prompt{Text: "dropped"})
	require.Equal(t, 0, q.Len())
}
