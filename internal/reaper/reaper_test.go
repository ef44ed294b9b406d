package reaper

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rickgao/tokenmarket/internal/model"
	"github.com/rickgao/tokenmarket/internal/storage"
)

func insertPurchase(t *testing.T, store *storage.Memory, id string, status model.PurchaseStatus, expiresAt time.Time) {
	t.Helper()
	err := store.InsertPurchase(context.Background(), model.Purchase{
		ID:        id,
		TokenID:   "tok",
		HolderID:  "holder",
		Amount:    1,
		Status:    status,
		ExpiresAt: expiresAt.UnixMicro(),
		CreatedAt: expiresAt.Add(-time.Minute).UnixMicro(),
	})
	if err != nil {
		t.Fatalf("InsertPurchase(%s) failed: %v", id, err)
	}
}

func statusOf(t *testing.T, store *storage.Memory, id string) model.PurchaseStatus {
	t.Helper()
	p, err := store.GetPurchase(context.Background(), id)
	if err != nil {
		t.Fatalf("GetPurchase(%s) failed: %v", id, err)
	}
	return p.Status
}

func TestSweep(t *testing.T) {
	store := storage.NewMemory()
	now := time.Unix(1_700_000_000, 0)

	insertPurchase(t, store, "stale", model.PurchasePending, now.Add(-time.Second))
	insertPurchase(t, store, "fresh", model.PurchasePending, now.Add(time.Second))
	insertPurchase(t, store, "confirmed", model.PurchaseConfirmed, now.Add(-time.Second))
	insertPurchase(t, store, "boundary", model.PurchasePending, now)

	r := New(DefaultConfig(), store, nil, nil)
	n, err := r.Sweep(context.Background(), now)
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expired = %d, want 1", n)
	}

	tests := map[string]model.PurchaseStatus{
		"stale":     model.PurchaseExpired,
		"fresh":     model.PurchasePending,
		"confirmed": model.PurchaseConfirmed,
		"boundary":  model.PurchasePending,
	}
	for id, want := range tests {
		if got := statusOf(t, store, id); got != want {
			t.Errorf("%s status = %s, want %s", id, got, want)
		}
	}

	events, err := store.ListEvents(context.Background(), "stale")
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	if len(events) != 1 || events[0].Kind != model.EventPurchaseExpired {
		t.Errorf("events = %+v, want one purchase.expired", events)
	}
}

func TestSweepIsIdempotent(t *testing.T) {
	store := storage.NewMemory()
	now := time.Unix(1_700_000_000, 0)
	insertPurchase(t, store, "p1", model.PurchasePending, now.Add(-time.Hour))

	r := New(DefaultConfig(), store, nil, nil)
	if n, err := r.Sweep(context.Background(), now); err != nil || n != 1 {
		t.Fatalf("first Sweep = %d, %v; want 1, nil", n, err)
	}
	if n, err := r.Sweep(context.Background(), now); err != nil || n != 0 {
		t.Fatalf("second Sweep = %d, %v; want 0, nil", n, err)
	}

	events, err := store.ListEvents(context.Background(), "p1")
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	if len(events) != 1 {
		t.Errorf("len(events) = %d, want 1", len(events))
	}
}

func TestSweepBatches(t *testing.T) {
	store := storage.NewMemory()
	now := time.Unix(1_700_000_000, 0)
	for i := 0; i < 7; i++ {
		insertPurchase(t, store, fmt.Sprintf("p%d", i), model.PurchasePending, now.Add(-time.Duration(i+1)*time.Second))
	}

	r := New(Config{BatchSize: 2, Concurrency: 2}, store, nil, nil)
	n, err := r.Sweep(context.Background(), now)
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if n != 7 {
		t.Errorf("expired = %d, want 7", n)
	}
}

func TestStartSweepsImmediately(t *testing.T) {
	store := storage.NewMemory()
	insertPurchase(t, store, "p1", model.PurchasePending, time.Now().Add(-time.Minute))

	r := New(Config{Interval: time.Hour}, store, nil, nil)
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for statusOf(t, store, "p1") != model.PurchaseExpired {
		if time.Now().After(deadline) {
			t.Fatal("purchase not expired after Start")
		}
		time.Sleep(5 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := r.Stop(ctx); err != nil {
		t.Errorf("Stop failed: %v", err)
	}
}
