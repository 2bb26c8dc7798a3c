package jobq

import (
	"context"
	"testing"
	"time"

	"github.com/hazyhaar/brandscope/dbopen"
	_ "modernc.org/sqlite"
)

func newQ(t *testing.T, opts Options) *Q {
	t.Helper()
	db := dbopen.OpenMemory(t, dbopen.WithSchema(Schema))
	return New(db, opts)
}

func TestClaim_HidesJobForVisibilityWindow(t *testing.T) {
	q := newQ(t, Options{Visibility: time.Hour})
	ctx := context.Background()

	if err := q.Enqueue(ctx, "job_1"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	first, err := q.Claim(ctx)
	if err != nil || first == nil {
		t.Fatalf("claim: %v %v", first, err)
	}
	if first.JobID != "job_1" || first.Attempts != 1 {
		t.Fatalf("unexpected ticket: %+v", first)
	}

	second, err := q.Claim(ctx)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if second != nil {
		t.Fatalf("claimed a hidden job: %+v", second)
	}
}

func TestClaim_RedeliveryAfterVisibilityExpires(t *testing.T) {
	// WHY: a crashed worker must not strand a submitted analysis.
	q := newQ(t, Options{Visibility: 10 * time.Millisecond})
	ctx := context.Background()

	q.Enqueue(ctx, "job_1")
	if tk, _ := q.Claim(ctx); tk == nil {
		t.Fatal("first claim failed")
	}

	time.Sleep(20 * time.Millisecond)
	tk, err := q.Claim(ctx)
	if err != nil || tk == nil {
		t.Fatalf("expected redelivery, got %v %v", tk, err)
	}
	if tk.Attempts != 2 {
		t.Fatalf("got attempts %d, want 2", tk.Attempts)
	}
}

func TestAck_RemovesJob(t *testing.T) {
	q := newQ(t, Options{Visibility: 10 * time.Millisecond})
	ctx := context.Background()

	q.Enqueue(ctx, "job_1")
	tk, _ := q.Claim(ctx)
	if err := q.Ack(ctx, tk.JobID); err != nil {
		t.Fatalf("ack: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	if tk, _ := q.Claim(ctx); tk != nil {
		t.Fatalf("acked job redelivered: %+v", tk)
	}
	if n, _ := q.Len(ctx); n != 0 {
		t.Fatalf("queue length %d, want 0", n)
	}
}

func TestNack_MakesJobImmediatelyClaimable(t *testing.T) {
	q := newQ(t, Options{Visibility: time.Hour})
	ctx := context.Background()

	q.Enqueue(ctx, "job_1")
	tk, _ := q.Claim(ctx)
	q.Nack(ctx, tk.JobID)

	tk2, err := q.Claim(ctx)
	if err != nil || tk2 == nil {
		t.Fatalf("expected immediate reclaim, got %v %v", tk2, err)
	}
}

func TestClaim_OldestFirst(t *testing.T) {
	q := newQ(t, Options{Visibility: time.Hour})
	ctx := context.Background()

	q.Enqueue(ctx, "job_a")
	time.Sleep(2 * time.Millisecond)
	q.Enqueue(ctx, "job_b")

	tk, _ := q.Claim(ctx)
	if tk == nil || tk.JobID != "job_a" {
		t.Fatalf("got %+v, want job_a first", tk)
	}
}
