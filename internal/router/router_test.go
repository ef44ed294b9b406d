package router

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rickgao/tokenmarket/internal/metrics"
	"github.com/rickgao/tokenmarket/internal/model"
)

func TestRouter_PublishQueuesAudit(t *testing.T) {
	r := New(Config{}, nil, nil)

	r.Publish(model.NewEvent(model.EventDeposit, "h1", "h1", "", nil))
	r.Publish(model.NewEvent(model.EventWithdrawal, "h1", "h1", "", nil))

	got := r.Buffers().Audit.DrainTo(0)
	if len(got) != 2 {
		t.Fatalf("audit len = %d, want 2", len(got))
	}
	if got[0].Kind != model.EventDeposit || got[1].Kind != model.EventWithdrawal {
		t.Errorf("kinds = %s, %s, want deposit, withdrawal", got[0].Kind, got[1].Kind)
	}
	if r.Buffers().Fills.Len() != 0 {
		t.Errorf("fills len = %d, want 0", r.Buffers().Fills.Len())
	}
}

func TestRouter_PublishFillFansOut(t *testing.T) {
	r := New(Config{}, nil, nil)

	fill := model.Fill{
		ID:         "f1",
		TokenID:    "tok",
		BuyerID:    "buyer",
		SellerID:   "seller",
		PriceSats:  50,
		Quantity:   3,
		ExecutedAt: 1234,
	}
	r.PublishFill(fill)

	f, ok := r.Buffers().Fills.TryReceive()
	if !ok || f.ID != "f1" {
		t.Fatalf("fills buffer = %+v, %v, want f1", f, ok)
	}

	ev, ok := r.Buffers().Audit.TryReceive()
	if !ok {
		t.Fatal("no audit event for fill")
	}
	if ev.Kind != model.EventFill || ev.SubjectID != "f1" || ev.TokenID != "tok" {
		t.Errorf("event = %+v, want fill event for f1", ev)
	}
	if ev.At != 1234 {
		t.Errorf("event.At = %d, want 1234", ev.At)
	}
	var decoded model.Fill
	if err := json.Unmarshal(ev.Payload, &decoded); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if decoded.Quantity != 3 {
		t.Errorf("payload quantity = %d, want 3", decoded.Quantity)
	}

	stats := r.Stats()
	if stats.FillsPublished != 1 || stats.EventsPublished != 1 {
		t.Errorf("stats = %+v, want 1 fill and 1 event", stats)
	}
}

func TestRouter_FillCeilingCountsDrops(t *testing.T) {
	m := metrics.New()
	r := New(Config{FillBufferSize: 1, FillBufferMax: 2}, m, nil)

	for i := 0; i < 5; i++ {
		r.PublishFill(model.Fill{ID: string(rune('a' + i))})
	}

	if r.Buffers().Fills.Len() != 2 {
		t.Errorf("fills len = %d, want 2", r.Buffers().Fills.Len())
	}
	if r.Stats().Dropped != 3 {
		t.Errorf("Dropped = %d, want 3", r.Stats().Dropped)
	}
	// Audit is unbounded: every fill is still recorded.
	if r.Buffers().Audit.Len() != 5 {
		t.Errorf("audit len = %d, want 5", r.Buffers().Audit.Len())
	}
}

func TestRouter_StopClosesBuffers(t *testing.T) {
	r := New(Config{StatsInterval: 5 * time.Millisecond}, metrics.New(), nil)
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	done := make(chan struct{})
	go func() {
		for {
			if _, ok := r.Buffers().Audit.Receive(); !ok {
				close(done)
				return
			}
		}
	}()

	r.Publish(model.NewEvent(model.EventDeposit, "h", "h", "", nil))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := r.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("consumer did not exit after Stop")
	}

	if r.Buffers().Audit.Send(model.Event{}) {
		t.Error("Send after Stop returned true")
	}
}
