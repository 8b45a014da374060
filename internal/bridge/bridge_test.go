package bridge

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefionn/stenobridge/internal/protocol"
)

// TestPublishAssignsSequence verifies sequence numbers are strictly
// increasing across published events.
func TestPublishAssignsSequence(t *testing.T) {
	b := New(16, 4)
	defer b.Close()

	for i := 0; i < 3; i++ {
		b.Publish(protocol.NewTranslationEvent("word", 0))
	}

	var last uint64
	for i := 0; i < 3; i++ {
		select {
		case ev := <-b.Events():
			assert.Greater(t, ev.Seq, last, "sequence must be strictly increasing")
			last = ev.Seq
		case <-time.After(time.Second):
			t.Fatal("event never arrived")
		}
	}
	assert.Equal(t, uint64(3), b.Seq())
}

// TestPublishDropsOldestWhenFull verifies the freshest events survive a
// buffer overflow and the loss is counted.
func TestPublishDropsOldestWhenFull(t *testing.T) {
	b := New(2, 4)
	defer b.Close()

	for i := 0; i < 10; i++ {
		b.Publish(protocol.NewTranslationEvent("word", 0))
	}

	assert.Equal(t, uint64(8), b.Dropped())

	first := <-b.Events()
	second := <-b.Events()
	assert.Equal(t, uint64(9), first.Seq)
	assert.Equal(t, uint64(10), second.Seq)

	select {
	case ev := <-b.Events():
		t.Fatalf("unexpected extra event with seq %d", ev.Seq)
	default:
	}
}

// TestPublishNeverBlocks verifies an unconsumed buffer cannot stall the
// publisher.
func TestPublishNeverBlocks(t *testing.T) {
	b := New(1, 1)
	defer b.Close()

	finished := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			b.Publish(protocol.NewStrokeEvent([]string{"S-"}, "S"))
		}
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked")
	}
}

// TestSubmitResolves verifies the host resolution flows back to the waiting
// submitter.
func TestSubmitResolves(t *testing.T) {
	b := New(4, 4)
	defer b.Close()

	go func() {
		call := <-b.Calls()
		assert.Equal(t, protocol.CommandSendText, call.Command.Kind)
		call.Resolve("typed", nil)
	}()

	cmd := &protocol.ClientCommand{
		Kind:     protocol.CommandSendText,
		SendText: &protocol.SendTextPayload{Text: "hi"},
	}
	pending, err := b.Submit(context.Background(), cmd)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	out, err := pending.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "typed", out.Result)
	assert.NoError(t, out.Err)
}

// TestSubmitPreservesOrder verifies commands submitted from one goroutine
// reach the host in submission order.
func TestSubmitPreservesOrder(t *testing.T) {
	b := New(4, 8)
	defer b.Close()

	texts := []string{"one", "two", "three", "four"}
	for _, text := range texts {
		cmd := &protocol.ClientCommand{
			Kind:     protocol.CommandSendText,
			SendText: &protocol.SendTextPayload{Text: text},
		}
		_, err := b.Submit(context.Background(), cmd)
		require.NoError(t, err)
	}

	for _, want := range texts {
		select {
		case call := <-b.Calls():
			assert.Equal(t, want, call.Command.SendText.Text)
			call.Resolve(nil, nil)
		case <-time.After(time.Second):
			t.Fatalf("call %q never arrived", want)
		}
	}
}

// TestSubmitAfterClose verifies a closed bridge refuses new commands.
func TestSubmitAfterClose(t *testing.T) {
	b := New(4, 4)
	b.Close()

	cmd := &protocol.ClientCommand{
		Kind:     protocol.CommandSendText,
		SendText: &protocol.SendTextPayload{Text: "late"},
	}
	_, err := b.Submit(context.Background(), cmd)
	assert.ErrorIs(t, err, ErrHostUnavailable)
}

// TestCloseFailsQueuedCommands verifies commands the host never drained
// resolve as host-unavailable instead of hanging their submitters.
func TestCloseFailsQueuedCommands(t *testing.T) {
	b := New(4, 4)

	cmd := &protocol.ClientCommand{
		Kind:     protocol.CommandSendText,
		SendText: &protocol.SendTextPayload{Text: "stranded"},
	}
	pending, err := b.Submit(context.Background(), cmd)
	require.NoError(t, err)

	b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	out, err := pending.Wait(ctx)
	require.NoError(t, err)
	assert.ErrorIs(t, out.Err, ErrHostUnavailable)
}

// TestCloseIdempotent verifies repeated Close calls are safe.
func TestCloseIdempotent(t *testing.T) {
	b := New(4, 4)
	b.Close()
	b.Close()
	b.Publish(protocol.NewTranslationEvent("after close", 0))
}

// TestWaitHonorsContext verifies an unresolved command does not outlive its
// caller's deadline.
func TestWaitHonorsContext(t *testing.T) {
	b := New(4, 4)
	defer b.Close()

	cmd := &protocol.ClientCommand{
		Kind:   protocol.CommandLookup,
		Lookup: &protocol.LookupPayload{Text: "hello"},
	}
	pending, err := b.Submit(context.Background(), cmd)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = pending.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// TestResolveOnce verifies only the first resolution counts.
func TestResolveOnce(t *testing.T) {
	b := New(4, 4)
	defer b.Close()

	cmd := &protocol.ClientCommand{
		Kind:   protocol.CommandLookup,
		Lookup: &protocol.LookupPayload{Text: "hello"},
	}
	pending, err := b.Submit(context.Background(), cmd)
	require.NoError(t, err)

	call := <-b.Calls()
	call.Resolve("first", nil)
	call.Resolve("second", nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	out, err := pending.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "first", out.Result)
}
