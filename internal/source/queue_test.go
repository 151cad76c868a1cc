package source

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/muaviaUsmani/pantry/internal/run"
)

func setupTestQueue(t *testing.T) (*Queue, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewQueue(client), mr
}

func TestQueue_FIFO(t *testing.T) {
	q, _ := setupTestQueue(t)
	ctx := context.Background()

	if err := q.Push(ctx, run.SourceRef{ID: "a", Title: "Apple pie"}, run.SourceRef{ID: "b"}); err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	if err := q.Push(ctx, run.SourceRef{ID: "c"}); err != nil {
		t.Fatalf("Push failed: %v", err)
	}

	n, err := q.Len(ctx)
	if err != nil || n != 3 {
		t.Fatalf("expected 3 pending, got %d (%v)", n, err)
	}

	head, err := q.Peek(ctx)
	if err != nil || head.ID != "a" {
		t.Fatalf("expected peek a, got %+v (%v)", head, err)
	}

	for _, want := range []string{"a", "b", "c"} {
		got, err := q.Next(ctx)
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		if got.ID != want {
			t.Errorf("expected %s, got %s", want, got.ID)
		}
		if want == "a" && got.Title != "Apple pie" {
			t.Errorf("expected title preserved, got %q", got.Title)
		}
	}

	if _, err := q.Next(ctx); !errors.Is(err, ErrEmpty) {
		t.Errorf("expected ErrEmpty, got %v", err)
	}
	if _, err := q.Peek(ctx); !errors.Is(err, ErrEmpty) {
		t.Errorf("expected ErrEmpty from Peek, got %v", err)
	}
}

func TestQueue_Requeue(t *testing.T) {
	q, _ := setupTestQueue(t)
	ctx := context.Background()

	if err := q.Push(ctx, run.SourceRef{ID: "a"}, run.SourceRef{ID: "b"}); err != nil {
		t.Fatalf("Push failed: %v", err)
	}

	first, _ := q.Next(ctx)
	if err := q.Requeue(ctx, first); err != nil {
		t.Fatalf("Requeue failed: %v", err)
	}

	again, err := q.Next(ctx)
	if err != nil || again.ID != "a" {
		t.Errorf("expected requeued item first, got %+v (%v)", again, err)
	}
}

func TestQueue_PushRejectsBlankID(t *testing.T) {
	q, mr := setupTestQueue(t)

	err := q.Push(context.Background(), run.SourceRef{ID: "ok"}, run.SourceRef{ID: " "})
	if !errors.Is(err, ErrInvalidItem) {
		t.Fatalf("expected ErrInvalidItem, got %v", err)
	}
	if mr.Exists(PendingKey) {
		t.Error("expected nothing pushed when one item is invalid")
	}
}

func TestQueue_CorruptEntry(t *testing.T) {
	q, mr := setupTestQueue(t)

	mr.Lpush(PendingKey, "not json")
	if _, err := q.Next(context.Background()); err == nil || errors.Is(err, ErrEmpty) {
		t.Errorf("expected decode error, got %v", err)
	}
}
