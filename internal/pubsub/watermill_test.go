package pubsub

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatermillBridge_PublishSubscribe(t *testing.T) {
	bus := NewWatermillBridge()
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan Message, 1)
	require.NoError(t, bus.Subscribe(ctx, "scripts.reload", func(_ context.Context, msg Message) error {
		received <- msg
		return nil
	}))

	err := bus.Publish(ctx, Message{
		Topic:    "scripts.reload",
		Source:   "test",
		Payload:  []byte(`{"paths":["a.lua"]}`),
		Metadata: map[string]string{"trace": "abc"},
	})
	require.NoError(t, err)

	select {
	case msg := <-received:
		assert.Equal(t, "scripts.reload", msg.Topic)
		assert.Equal(t, "test", msg.Source)
		assert.JSONEq(t, `{"paths":["a.lua"]}`, string(msg.Payload))
		assert.Equal(t, map[string]string{"trace": "abc"}, msg.Metadata)
		assert.NotEmpty(t, msg.ID)
		assert.False(t, msg.PublishedAt.IsZero())
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestWatermillBridge_ReservedMetadataWins(t *testing.T) {
	bus := NewWatermillBridge()
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan Message, 1)
	require.NoError(t, bus.Subscribe(ctx, "scripts.reload", func(_ context.Context, msg Message) error {
		received <- msg
		return nil
	}))

	err := bus.Publish(ctx, Message{
		Topic:  "scripts.reload",
		Source: "watcher",
		Metadata: map[string]string{
			MetaSource:      "spoofed",
			MetaPublishedAt: "yesterday",
			"reason":        "write",
		},
	})
	require.NoError(t, err)

	select {
	case msg := <-received:
		assert.Equal(t, "watcher", msg.Source)
		assert.Equal(t, map[string]string{"reason": "write"}, msg.Metadata)
		assert.WithinDuration(t, time.Now(), msg.PublishedAt, time.Minute)
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestWatermillBridge_PublishCanceled(t *testing.T) {
	bus := NewWatermillBridge()
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := bus.Publish(ctx, Message{Topic: "scripts.reload"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSlogAdapter(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	adapter := newSlogAdapter(logger).With(watermill.LogFields{"topic": "scripts.reload"})
	adapter.Error("handler failed", errors.New("boom"), watermill.LogFields{"msg_id": "1"})
	adapter.Trace("delivered", nil)

	out := buf.String()
	assert.Contains(t, out, `"msg":"handler failed"`)
	assert.Contains(t, out, `"topic":"scripts.reload"`)
	assert.Contains(t, out, `"error":"boom"`)
	assert.Contains(t, out, `"level":"DEBUG","msg":"delivered"`)
}

func TestWatermillBridge_NackRedelivers(t *testing.T) {
	bus := NewWatermillBridge()
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls int32
	attempts := make(chan struct{}, 4)
	require.NoError(t, bus.Subscribe(ctx, "flaky", func(context.Context, Message) error {
		attempts <- struct{}{}
		if atomic.AddInt32(&calls, 1) == 1 {
			return errors.New("try again")
		}
		return nil
	}))

	require.NoError(t, bus.Publish(ctx, Message{Topic: "flaky", Payload: []byte("x")}))

	for i := 0; i < 2; i++ {
		select {
		case <-attempts:
		case <-time.After(2 * time.Second):
			t.Fatalf("attempt %d not delivered", i+1)
		}
	}
}

type reloadPayload struct {
	Paths []string `json:"paths"`
}

func TestTypedEvents(t *testing.T) {
	bus := NewWatermillBridge()
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	event := NewEvent[reloadPayload]("scripts.reload")
	assert.Equal(t, "scripts.reload", event.Name())

	received := make(chan reloadPayload, 1)
	require.NoError(t, Subscribe(ctx, bus, event, func(_ context.Context, p reloadPayload) error {
		received <- p
		return nil
	}))
	require.NoError(t, Publish(ctx, bus, event, "test", reloadPayload{Paths: []string{"/scripts/a.lua"}}))

	select {
	case p := <-received:
		assert.Equal(t, []string{"/scripts/a.lua"}, p.Paths)
	case <-time.After(2 * time.Second):
		t.Fatal("typed event not delivered")
	}
}
