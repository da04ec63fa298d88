package trading

import (
	"context"
	"testing"
	"time"

	"github.com/ksred/brokerbridge/internal/types"
)

func TestNewReconcilerDefaultsInterval(t *testing.T) {
	if r := NewReconciler(nil, 0); r.interval != 5*time.Minute {
		t.Errorf("interval = %v, want 5m", r.interval)
	}
}

func TestReconcilerStart(t *testing.T) {
	h := newHarness(t, true, SellAdjust)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec, err := h.lifecycle.Submit(ctx, types.OrderIntent{Asset: equity("MSFT"), Quantity: 1})
	if err != nil {
		t.Fatalf("Submit() returned error: %v", err)
	}
	h.exchange.RemoveOrder(rec.BrokerOrderID)

	done := make(chan struct{})
	go func() {
		NewReconciler(h.lifecycle, 10*time.Millisecond).Start(ctx)
		close(done)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for {
		all, _ := h.store.All(context.Background())
		if len(all) == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("reconciler did not remove the missing trade")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Error("Start() did not return after cancel")
	}
}
