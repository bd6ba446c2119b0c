package stream

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{BufferSize: 100, SubscriberQueue: 8, GraceWindow: 50 * time.Millisecond}
}

// S1: single-turn — first frame then a terminal frame, state survives the
// grace window then disappears.
func TestSingleTurn(t *testing.T) {
	b := NewBroker(testConfig(), nil)
	ctx := context.Background()

	isNew := b.CreateStream("t1")
	require.True(t, isNew)

	b.WriteMessage(ctx, "t1", Message{Content: "Hello"})
	b.WriteMessage(ctx, "t1", Message{Content: "world", IsComplete: true})

	state, ok := b.GetStreamState("t1")
	require.True(t, ok)
	assert.False(t, state.IsProcessing)
	require.Len(t, state.BufferedMessages, 2)
	assert.Equal(t, 1, state.BufferedMessages[0].SequenceNumber)
	assert.Equal(t, 2, state.BufferedMessages[1].SequenceNumber)

	time.Sleep(100 * time.Millisecond)
	_, ok = b.GetStreamState("t1")
	assert.False(t, ok)
}

// S2: resume — reconnecting client replays the buffer then subscribes for
// the live tail only.
func TestResume(t *testing.T) {
	b := NewBroker(testConfig(), nil)
	ctx := context.Background()

	b.CreateStream("t1")
	b.WriteMessage(ctx, "t1", Message{Content: "frame1"})

	state, ok := b.GetStreamState("t1")
	require.True(t, ok)
	require.Len(t, state.BufferedMessages, 1)
	assert.Equal(t, 1, state.LastSequence)

	ch, ok := b.Subscribe(context.Background(), "t1")
	require.True(t, ok)

	b.WriteMessage(ctx, "t1", Message{Content: "frame2", IsComplete: true})

	select {
	case msg := <-ch:
		assert.Equal(t, "frame2", msg.Content)
		assert.Equal(t, 2, msg.SequenceNumber)
	case <-time.After(time.Second):
		t.Fatal("expected frame2")
	}

	_, ok = <-ch
	assert.False(t, ok, "channel should close after terminal frame")
}

// S3: cancellation mid-stream closes subscribers and removes state
// immediately.
func TestCancellation(t *testing.T) {
	b := NewBroker(testConfig(), nil)
	ctx := context.Background()

	b.CreateStream("t1")
	ch, ok := b.Subscribe(context.Background(), "t1")
	require.True(t, ok)

	b.WriteMessage(ctx, "t1", Message{Content: "frame1"})
	<-ch

	b.CancelStream("t1")

	_, ok = <-ch
	assert.False(t, ok, "subscriber channel should close on cancel")

	_, ok = b.GetStreamState("t1")
	assert.False(t, ok, "state should be gone immediately after cancel")
}

// S6: two subscribers both see all frames in order.
func TestTwoSubscribers(t *testing.T) {
	b := NewBroker(testConfig(), nil)
	ctx := context.Background()

	b.CreateStream("t1")
	ch1, ok := b.Subscribe(context.Background(), "t1")
	require.True(t, ok)
	ch2, ok := b.Subscribe(context.Background(), "t1")
	require.True(t, ok)

	b.WriteMessage(ctx, "t1", Message{Content: "a"})
	b.WriteMessage(ctx, "t1", Message{Content: "b"})
	b.WriteMessage(ctx, "t1", Message{Content: "c", IsComplete: true})

	for _, ch := range []<-chan Message{ch1, ch2} {
		var seqs []int
		for msg := range ch {
			seqs = append(seqs, msg.SequenceNumber)
		}
		assert.Equal(t, []int{1, 2, 3}, seqs)
	}
}

// Invariant 1: sequence monotonicity.
func TestSequenceMonotonicity(t *testing.T) {
	b := NewBroker(testConfig(), nil)
	ctx := context.Background()
	b.CreateStream("t1")

	var last int
	for i := 0; i < 10; i++ {
		before := last
		b.WriteMessage(ctx, "t1", Message{Content: "x"})
		state, _ := b.GetStreamState("t1")
		last = state.LastSequence
		assert.Greater(t, last, before)
	}
}

// Invariant 2: subscriber isolation — a full queue drops frames only for
// that subscriber.
func TestSubscriberIsolation(t *testing.T) {
	cfg := Config{BufferSize: 100, SubscriberQueue: 1, GraceWindow: 50 * time.Millisecond}
	b := NewBroker(cfg, nil)
	ctx := context.Background()
	b.CreateStream("t1")

	slow, ok := b.Subscribe(context.Background(), "t1")
	require.True(t, ok)
	fast, ok := b.Subscribe(context.Background(), "t1")
	require.True(t, ok)

	// Fill the slow subscriber's single-capacity queue without draining it.
	b.WriteMessage(ctx, "t1", Message{Content: "1"})
	b.WriteMessage(ctx, "t1", Message{Content: "2"})
	b.WriteMessage(ctx, "t1", Message{Content: "3", IsComplete: true})

	var fastSeqs []int
	for msg := range fast {
		fastSeqs = append(fastSeqs, msg.SequenceNumber)
	}
	assert.Equal(t, []int{1, 2, 3}, fastSeqs, "fast subscriber receives every frame")

	var slowSeqs []int
	for msg := range slow {
		slowSeqs = append(slowSeqs, msg.SequenceNumber)
	}
	assert.Contains(t, slowSeqs, 1)
	assert.Contains(t, slowSeqs, 3, "terminal frame always reaches every subscriber")
	assert.LessOrEqual(t, len(slowSeqs), len(fastSeqs))
}

// Invariant 3: completion gate — state is never removed while
// PendingWrites > 0.
func TestCompletionGate(t *testing.T) {
	b := NewBroker(testConfig(), nil)
	ctx := context.Background()
	b.CreateStream("t1")

	ok := b.TryIncrementPending("t1")
	require.True(t, ok)

	b.WriteMessage(ctx, "t1", Message{Content: "done", IsComplete: true})

	// Terminal written but a pending write remains outstanding: the
	// broker must not have completed yet.
	state, ok := b.GetStreamState("t1")
	require.True(t, ok)
	assert.True(t, state.IsProcessing)

	ready := b.DecrementPendingAndCheckComplete("t1")
	assert.True(t, ready)
	b.CompleteStream("t1")

	state, ok = b.GetStreamState("t1")
	require.True(t, ok)
	assert.False(t, state.IsProcessing)
}

// Invariant 5: grace window — GetStreamState is non-null for at least the
// grace window after CompleteStream, then null.
func TestGraceWindow(t *testing.T) {
	cfg := Config{BufferSize: 100, SubscriberQueue: 8, GraceWindow: 80 * time.Millisecond}
	b := NewBroker(cfg, nil)
	ctx := context.Background()
	b.CreateStream("t1")
	b.WriteMessage(ctx, "t1", Message{Content: "x", IsComplete: true})

	time.Sleep(20 * time.Millisecond)
	_, ok := b.GetStreamState("t1")
	assert.True(t, ok, "state should still exist within the grace window")

	time.Sleep(100 * time.Millisecond)
	_, ok = b.GetStreamState("t1")
	assert.False(t, ok, "state should be gone after the grace window")
}

func TestCreateStreamReturnsExistingHandleWhileActive(t *testing.T) {
	b := NewBroker(testConfig(), nil)
	isNew := b.CreateStream("t1")
	assert.True(t, isNew)
	isNew = b.CreateStream("t1")
	assert.False(t, isNew)
}

func TestWriteAfterCancelIsNoop(t *testing.T) {
	b := NewBroker(testConfig(), nil)
	ctx := context.Background()
	b.CreateStream("t1")
	b.CancelStream("t1")
	assert.NotPanics(t, func() {
		b.WriteMessage(ctx, "t1", Message{Content: "late"})
	})
}

func TestSubscribeOnCompletingStreamReturnsEndedSequence(t *testing.T) {
	b := NewBroker(testConfig(), nil)
	ctx := context.Background()
	b.CreateStream("t1")
	b.WriteMessage(ctx, "t1", Message{Content: "x", IsComplete: true})

	ch, ok := b.Subscribe(context.Background(), "t1")
	require.True(t, ok)
	_, open := <-ch
	assert.False(t, open)
}
