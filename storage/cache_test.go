package storage

import (
	"context"
	"reflect"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"board-api/domain"
)

type countingLister struct {
	calls int
	tasks []domain.Task
}

func (l *countingLister) ListTasksByColumn(context.Context, string) ([]domain.Task, error) {
	l.calls++
	return append([]domain.Task(nil), l.tasks...), nil
}

func TestCacheListTasksMissThenHit(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	ctx := context.Background()
	expected := []domain.Task{{ID: "t1", Title: "cached", ColumnID: "c1", Position: 0, Version: 1}}
	lister := &countingLister{tasks: expected}
	cache := NewCache(lister, client, time.Minute)

	tasks, err := cache.ListTasksByColumn(ctx, "c1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !reflect.DeepEqual(tasks, expected) {
		t.Fatalf("unexpected tasks: %#v", tasks)
	}
	if lister.calls != 1 {
		t.Fatalf("expected 1 backing call, got %d", lister.calls)
	}
	if ttl := mr.TTL(columnCacheKey("c1")); ttl <= 0 || ttl > time.Minute {
		t.Fatalf("unexpected TTL: %v", ttl)
	}

	cached, err := cache.ListTasksByColumn(ctx, "c1")
	if err != nil {
		t.Fatalf("cached list: %v", err)
	}
	if !reflect.DeepEqual(cached, expected) {
		t.Fatalf("unexpected cached tasks: %#v", cached)
	}
	if lister.calls != 1 {
		t.Fatalf("expected cached read to avoid the store, calls=%d", lister.calls)
	}
}

func TestCacheEvictDropsKeys(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	ctx := context.Background()
	lister := &countingLister{tasks: []domain.Task{{ID: "t1", ColumnID: "c1"}}}
	cache := NewCache(lister, client, time.Minute)

	if _, err := cache.ListTasksByColumn(ctx, "c1"); err != nil {
		t.Fatalf("prime: %v", err)
	}
	if !mr.Exists(columnCacheKey("c1")) {
		t.Fatalf("expected cache primed")
	}

	cache.Evict(ctx, "c1", "c2")
	if mr.Exists(columnCacheKey("c1")) {
		t.Fatalf("expected cache key evicted")
	}

	if _, err := cache.ListTasksByColumn(ctx, "c1"); err != nil {
		t.Fatalf("refetch: %v", err)
	}
	if lister.calls != 2 {
		t.Fatalf("expected refetch from store after evict, calls=%d", lister.calls)
	}
}

func TestCacheCorruptEntryFallsBack(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	ctx := context.Background()
	if err := client.Set(ctx, columnCacheKey("c1"), "not json", time.Hour).Err(); err != nil {
		t.Fatalf("seed corrupt entry: %v", err)
	}

	expected := []domain.Task{{ID: "t1", ColumnID: "c1"}}
	lister := &countingLister{tasks: expected}
	cache := NewCache(lister, client, time.Minute)

	tasks, err := cache.ListTasksByColumn(ctx, "c1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !reflect.DeepEqual(tasks, expected) {
		t.Fatalf("unexpected tasks: %#v", tasks)
	}
	if lister.calls != 1 {
		t.Fatalf("expected fallback to store, calls=%d", lister.calls)
	}
}

func TestCacheWithoutRedisReadsThrough(t *testing.T) {
	lister := &countingLister{tasks: []domain.Task{{ID: "t1"}}}
	cache := NewCache(lister, nil, time.Minute)

	for i := 0; i < 2; i++ {
		if _, err := cache.ListTasksByColumn(context.Background(), "c1"); err != nil {
			t.Fatalf("list: %v", err)
		}
	}
	if lister.calls != 2 {
		t.Fatalf("expected every read to hit the store, calls=%d", lister.calls)
	}
}
