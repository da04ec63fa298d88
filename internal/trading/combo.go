package trading

import (
	"sync"

	"github.com/ksred/brokerbridge/internal/types"
)

// ComboAccumulator collects option legs that arrive one call at a time until
// the announced number of legs is reached. It is drained when the last leg
// arrives or by Abort, and never otherwise reset.
type ComboAccumulator struct {
	mu        sync.Mutex
	legs      []types.OrderIntent
	remaining int
}

// Expect announces that the next n legs form one combo. Legs still pending
// from an earlier announcement are dropped and their count is returned.
func (a *ComboAccumulator) Expect(n int) (dropped int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	dropped = len(a.legs)
	a.legs = nil
	a.remaining = 0
	if n > 0 {
		a.remaining = n
	}
	return dropped
}

// Active reports whether legs are being collected.
func (a *ComboAccumulator) Active() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.remaining > 0
}

// Add collects a leg while a combo is expected. collected is false when no
// combo is active. When the last expected leg arrives the accumulator is
// drained and every collected leg is returned in arrival order.
func (a *ComboAccumulator) Add(intent types.OrderIntent) (combo []types.OrderIntent, collected bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.remaining == 0 {
		return nil, false
	}
	a.legs = append(a.legs, intent)
	a.remaining--
	if a.remaining == 0 {
		combo, a.legs = a.legs, nil
	}
	return combo, true
}

// Abort discards pending legs without submitting them.
func (a *ComboAccumulator) Abort() int {
	return a.Expect(0)
}

// Pending is the number of legs collected so far.
func (a *ComboAccumulator) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.legs)
}
