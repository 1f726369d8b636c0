package broadcast

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"board-api/domain"
)

func TestBridgeRelaysPublishedEvents(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	router := NewRouter(0, testLogger())
	bridge := NewBridge(client, "board-events", router, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go bridge.Run(ctx)
	// wait for the relay subscription to start
	time.Sleep(50 * time.Millisecond)

	topic := domain.BoardTopic("b1")
	sub := router.Subscribe(topic)
	t.Cleanup(func() { _ = sub.Close() })

	task := domain.Task{ID: "t1", Title: "relayed", BoardID: "b1", ColumnID: "c1", Version: 2}
	bridge.Publish(ctx, domain.Event{Topic: topic, Type: domain.EventTaskMoved, Task: &task})

	got := recvEvent(t, sub)
	if got.Type != domain.EventTaskMoved || got.Topic != topic {
		t.Fatalf("unexpected event: %#v", got)
	}
	if got.Task == nil || got.Task.ID != "t1" || got.Task.Version != 2 {
		t.Fatalf("event payload lost in relay: %#v", got.Task)
	}
}

func TestBridgeSkipsMalformedPayloads(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	router := NewRouter(0, testLogger())
	bridge := NewBridge(client, "board-events", router, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go bridge.Run(ctx)
	// wait for the relay subscription to start
	time.Sleep(50 * time.Millisecond)

	topic := domain.BoardTopic("b1")
	sub := router.Subscribe(topic)
	t.Cleanup(func() { _ = sub.Close() })

	client.Publish(ctx, "board-events", "not json")
	bridge.Publish(ctx, domain.Event{Topic: topic, Type: domain.EventTaskCreated})

	got := recvEvent(t, sub)
	if got.Type != domain.EventTaskCreated {
		t.Fatalf("expected the valid event to survive, got %#v", got)
	}
}
