package sandbox

import (
	"github.com/ksred/brokerbridge/internal/brokerage"
)

// The methods below script the exchange state from tests and the simulation.

func (e *Exchange) AccountID() string { return e.cfg.AccountID }

func (e *Exchange) SetQuote(symbol string, q brokerage.Quote) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.quotes[symbol] = q
}

// SetPosition sets the settled long (positive) or short (negative) quantity.
func (e *Exchange) SetPosition(symbol, assetType string, qty float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p := &brokerage.Position{Instrument: brokerage.Instrument{Symbol: symbol, AssetType: assetType}}
	if qty >= 0 {
		p.SettledLongQuantity, p.LongQuantity = qty, qty
	} else {
		p.SettledShortQuantity, p.ShortQuantity = -qty, -qty
	}
	e.positions[symbol] = p
}

func (e *Exchange) SetBalances(b brokerage.Balances) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.balances = b
}

// SetMarketHours registers the schedule served for market (e.g. EQUITY).
func (e *Exchange) SetMarketHours(market string, h *brokerage.MarketHours) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hours[market] = h
}

func (e *Exchange) SetFund(symbol string, minimum float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.funds[symbol] = brokerage.FundInfo{Symbol: symbol, MinimumInvestment: minimum}
}

func (e *Exchange) SetHistory(symbol string, candles []brokerage.Candle) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.history[symbol] = candles
}

func (e *Exchange) SetChain(symbol string, chain *brokerage.OptionChain) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.chains[symbol] = chain
}

func (e *Exchange) SetFillStatus(status string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cfg.FillStatus = status
}

// RefusePlacement makes the nth order placed from now on fail with a 400.
// Refused orders are not recorded.
func (e *Exchange) RefusePlacement(n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.refuseAt = e.placements + n
}

// SetOrderStatus forces the status of a known order.
func (e *Exchange) SetOrderStatus(id int64, status string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.orders[id]
	if ok {
		o.Status = status
	}
	return ok
}

// RemoveOrder makes an order unknown to the exchange.
func (e *Exchange) RemoveOrder(id int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.orders, id)
}

func (e *Exchange) Order(id int64) (*brokerage.Order, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.orders[id]
	if !ok {
		return nil, false
	}
	cp := *o
	return &cp, true
}

// Placed returns the raw JSON bodies of every placed order in arrival order.
func (e *Exchange) Placed() [][]byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([][]byte, len(e.placed))
	copy(out, e.placed)
	return out
}

func (e *Exchange) Canceled() []int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]int64, len(e.canceled))
	copy(out, e.canceled)
	return out
}

// Grants returns how many authorization-code and refresh grants were issued.
func (e *Exchange) Grants() (code, refresh int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.codeGrants, e.refreshGrants
}
