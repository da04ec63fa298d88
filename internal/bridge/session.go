package bridge

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ksred/brokerbridge/internal/brokerage"
	"github.com/ksred/brokerbridge/internal/market"
	"github.com/ksred/brokerbridge/internal/symbol"
	"github.com/ksred/brokerbridge/internal/trading"
	"github.com/ksred/brokerbridge/internal/types"
	"github.com/rs/zerolog/log"
)

// MaxHistoryTicks caps the bars returned by one History call.
const MaxHistoryTicks = 300

// historyFrequencies are the minute frequencies the brokerage serves, largest first.
var historyFrequencies = []int{30, 15, 10, 5, 1}

// Authenticator logs the bridge in to the brokerage.
type Authenticator interface {
	Login(ctx context.Context) error
}

// MarketData is the read side of the brokerage used by the commands.
type MarketData interface {
	GetQuotes(ctx context.Context, symbols ...string) (map[string]brokerage.Quote, error)
	GetAccount(ctx context.Context, withPositions bool) (*brokerage.SecuritiesAccount, error)
	GetPriceHistory(ctx context.Context, symbol string, q brokerage.PriceHistoryQuery) (*brokerage.PriceHistory, error)
	GetOptionChain(ctx context.Context, symbol string) (*brokerage.OptionChain, error)
}

// ServerClock reports the state of the trading session.
type ServerClock interface {
	ServerState(ctx context.Context) int
}

// SessionState is the command surface the trading engine drives. One value
// lives from Login until the process exits; its mutable state is guarded by
// a single mutex.
type SessionState struct {
	auth      Authenticator
	data      MarketData
	parser    *symbol.Parser
	lifecycle *trading.Lifecycle
	clock     ServerClock
	now       func() time.Time

	mu         sync.Mutex
	loggedIn   bool
	subscribed map[string]*types.Asset
}

func NewSessionState(auth Authenticator, data MarketData, parser *symbol.Parser, lifecycle *trading.Lifecycle, clock ServerClock) *SessionState {
	return &SessionState{
		auth:       auth,
		data:       data,
		parser:     parser,
		lifecycle:  lifecycle,
		clock:      clock,
		now:        time.Now,
		subscribed: make(map[string]*types.Asset),
	}
}

// WithClock replaces the time source.
func (s *SessionState) WithClock(now func() time.Time) *SessionState {
	s.now = now
	return s
}

// Login acquires a brokerage token and reports success.
func (s *SessionState) Login(ctx context.Context) bool {
	if err := s.login(ctx); err != nil {
		log.Error().Err(err).Str("component", "bridge").Msg("login failed")
		return false
	}
	return true
}

func (s *SessionState) login(ctx context.Context) error {
	if err := s.auth.Login(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	s.loggedIn = true
	s.mu.Unlock()
	log.Info().Str("component", "bridge").Msg("logged in to brokerage")
	return nil
}

// LoggedIn reports whether Login has succeeded in this session.
func (s *SessionState) LoggedIn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loggedIn
}

// Asset parses a symbol, prices it and subscribes it. It returns nil for
// unknown or unpriced symbols.
func (s *SessionState) Asset(ctx context.Context, raw string) *types.AssetResponse {
	resp, err := s.asset(ctx, raw)
	if err != nil {
		log.Warn().Err(err).Str("component", "bridge").Str("symbol", raw).Msg("asset lookup failed")
		return nil
	}
	return resp
}

func (s *SessionState) asset(ctx context.Context, raw string) (*types.AssetResponse, error) {
	a, err := s.parse(raw)
	if err != nil {
		return nil, err
	}
	quote, err := s.quote(ctx, a)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.subscribed[a.RawSymbol] = a
	s.mu.Unlock()

	return &types.AssetResponse{Asset: a, Quote: quote}, nil
}

// Subscribed lists the raw symbols looked up so far, sorted.
func (s *SessionState) Subscribed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.subscribed))
	for sym := range s.subscribed {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

func (s *SessionState) parse(raw string) (*types.Asset, error) {
	a := s.parser.Parse(raw)
	if err := symbol.Validate(a); err != nil {
		return nil, err
	}
	return a, nil
}

func (s *SessionState) quote(ctx context.Context, a *types.Asset) (*types.Quote, error) {
	sym, err := symbol.BrokerSymbol(a)
	if err != nil {
		return nil, err
	}
	quotes, err := s.data.GetQuotes(ctx, sym)
	if err != nil {
		return nil, err
	}
	q, ok := quotes[sym]
	if !ok {
		return nil, &types.NotFoundError{Kind: "quote", ID: sym}
	}

	out := &types.Quote{
		Price:     q.Ask(),
		Spread:    math.Max(q.Ask()-q.Bid(), 0),
		Volume:    q.Volume(),
		Pip:       0.01,
		PipCost:   0.01,
		LotAmount: 1,
	}
	if a.Class == types.ClassForex {
		out.Pip = 0.0001
		if strings.Contains(sym, "JPY") {
			out.Pip = 0.01
		}
		out.LotAmount = 10000
		out.PipCost = out.Pip * out.LotAmount
	}
	return out, nil
}

// Buy opens a trade. Quantity is signed; a negative quantity sells. The
// returned record carries StatusCode 0 when nothing was placed.
func (s *SessionState) Buy(ctx context.Context, raw string, qty, stopDist, limit float64) *types.TradeRecord {
	rec, err := s.buy(ctx, raw, qty, stopDist, limit)
	if err != nil {
		log.Error().Err(err).Str("component", "bridge").Str("symbol", raw).Float64("quantity", qty).Msg("buy failed")
		return &types.TradeRecord{Symbol: raw}
	}
	return rec
}

func (s *SessionState) buy(ctx context.Context, raw string, qty, stopDist, limit float64) (*types.TradeRecord, error) {
	a, err := s.parse(raw)
	if err != nil {
		return nil, err
	}
	intent := types.OrderIntent{Asset: a, Quantity: qty, StopDist: stopDist, Limit: limit}
	if a.Class == types.ClassMutualFund {
		q, err := s.quote(ctx, a)
		if err != nil {
			log.Warn().Err(err).Str("component", "bridge").Str("symbol", raw).Msg("fund quote unavailable, ordering by raw amount")
		} else {
			intent.MarketPrice = q.Price
		}
	}
	return s.lifecycle.Submit(ctx, intent)
}

// Sell closes amount of a trade (all of it when amount is zero).
func (s *SessionState) Sell(ctx context.Context, localID int32, amount, limit float64) *types.TradeRecord {
	rec, err := s.lifecycle.Close(ctx, localID, amount, limit)
	if err != nil {
		log.Error().Err(err).Str("component", "bridge").Int32("local_id", localID).Msg("sell failed")
		if rec == nil {
			rec = &types.TradeRecord{LocalID: localID}
		}
		rec.StatusCode = 0
	}
	return rec
}

// BrokerTrade reports the state of a trade; see trading.StatusCode.
func (s *SessionState) BrokerTrade(ctx context.Context, localID int32) *types.TradeRecord {
	rec, err := s.lifecycle.Status(ctx, localID)
	if err != nil {
		log.Warn().Err(err).Str("component", "bridge").Int32("local_id", localID).Msg("trade status unavailable")
		return &types.TradeRecord{LocalID: localID}
	}
	return rec
}

// Cancel cancels the order behind a trade.
func (s *SessionState) Cancel(ctx context.Context, localID int32) bool {
	if err := s.lifecycle.Cancel(ctx, localID); err != nil {
		log.Error().Err(err).Str("component", "bridge").Int32("local_id", localID).Msg("cancel failed")
		return false
	}
	return true
}

// Sync drops local trades the brokerage no longer has.
func (s *SessionState) Sync(ctx context.Context) bool {
	ok, err := s.lifecycle.Reconcile(ctx)
	if err != nil {
		log.Error().Err(err).Str("component", "bridge").Msg("sync failed")
		return false
	}
	return ok
}

// SetComboLegs announces that the next n buys form one combo order. It
// reports false for counts outside 0..trading.MaxComboLegs.
func (s *SessionState) SetComboLegs(n int) bool {
	if err := s.lifecycle.ExpectComboLegs(n); err != nil {
		log.Warn().Err(err).Str("component", "bridge").Int("legs", n).Msg("combo legs rejected")
		return false
	}
	return true
}

// SetSellPolicy changes how oversized equity sells are handled.
func (s *SessionState) SetSellPolicy(policy string) error {
	p, err := trading.ParseSellPolicy(policy)
	if err != nil {
		return &types.ValidationError{Rule: "sell_policy", Leg: -1, Reason: err.Error()}
	}
	s.lifecycle.Builder().SetSellPolicy(p)
	log.Info().Str("component", "bridge").Str("policy", string(p)).Msg("sell policy changed")
	return nil
}

// Time reports the server state: market.StateOpen, StateClosed or StateUnavailable.
func (s *SessionState) Time(ctx context.Context) int {
	if !s.LoggedIn() {
		return market.StateUnavailable
	}
	return s.clock.ServerState(ctx)
}

// Account returns balance, open trade value and margin.
func (s *SessionState) Account(ctx context.Context) (*types.AccountResponse, error) {
	account, err := s.data.GetAccount(ctx, false)
	if err != nil {
		return nil, err
	}
	b := account.CurrentBalances
	return &types.AccountResponse{
		Balance:     b.CashBalance,
		TradeValue:  b.LiquidationValue - b.CashBalance,
		MarginValue: b.MarginBalance,
	}, nil
}

// Position returns the net settled quantity held in a symbol.
func (s *SessionState) Position(ctx context.Context, raw string) (float64, error) {
	a, err := s.parse(raw)
	if err != nil {
		return 0, err
	}
	sym, err := symbol.BrokerSymbol(a)
	if err != nil {
		return 0, err
	}
	account, err := s.data.GetAccount(ctx, true)
	if err != nil {
		return 0, err
	}
	qty, _ := account.PositionFor(sym)
	return qty, nil
}

// History returns up to ticks bars of the given minute size ending at end,
// newest first.
func (s *SessionState) History(ctx context.Context, raw string, start, end time.Time, minutes, ticks int) ([]types.Bar, error) {
	if minutes <= 0 {
		return nil, &types.ValidationError{Rule: "bar_period", Leg: -1, Symbol: raw, Reason: "bar period must be positive"}
	}
	if ticks <= 0 || ticks > MaxHistoryTicks {
		ticks = MaxHistoryTicks
	}
	a, err := s.parse(raw)
	if err != nil {
		return nil, err
	}
	sym, err := symbol.BrokerSymbol(a)
	if err != nil {
		return nil, err
	}

	freq := 1
	for _, f := range historyFrequencies {
		if minutes%f == 0 {
			freq = f
			break
		}
	}
	if start.IsZero() {
		start = end.Add(-time.Duration(minutes*ticks) * time.Minute)
	}

	history, err := s.data.GetPriceHistory(ctx, sym, brokerage.PriceHistoryQuery{Frequency: freq, Start: start, End: end})
	if err != nil {
		return nil, err
	}
	bars := aggregate(history.Candles, time.Duration(minutes)*time.Minute)

	// Newest first, capped.
	sort.Slice(bars, func(i, j int) bool { return bars[i].Time.After(bars[j].Time) })
	if len(bars) > ticks {
		bars = bars[:ticks]
	}
	return bars, nil
}

// aggregate folds candles into bars of the given period. A bar is stamped
// with the close of its period.
func aggregate(candles []brokerage.Candle, period time.Duration) []types.Bar {
	sorted := make([]brokerage.Candle, len(candles))
	copy(sorted, candles)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Datetime < sorted[j].Datetime })

	var bars []types.Bar
	for _, c := range sorted {
		t := time.UnixMilli(c.Datetime).UTC()
		stamp := t.Truncate(period).Add(period)
		if n := len(bars); n > 0 && bars[n-1].Time.Equal(stamp) {
			b := &bars[n-1]
			b.High = math.Max(b.High, c.High)
			b.Low = math.Min(b.Low, c.Low)
			b.Close = c.Close
			b.Volume += c.Volume
			continue
		}
		bars = append(bars, types.Bar{Time: stamp, Open: c.Open, High: c.High, Low: c.Low, Close: c.Close, Volume: c.Volume})
	}
	return bars
}

// Contracts returns the option chain of an underlying as ordered records:
// by expiration, then strike, calls before puts.
func (s *SessionState) Contracts(ctx context.Context, raw string) ([]types.ContractRecord, error) {
	a, err := s.parse(raw)
	if err != nil {
		return nil, err
	}
	chain, err := s.data.GetOptionChain(ctx, a.Ticker)
	if err != nil {
		return nil, err
	}
	if chain.Status == "FAILED" {
		return nil, &types.NotFoundError{Kind: "option chain", ID: a.Ticker}
	}

	now := s.now().UTC()
	var out []types.ContractRecord
	add := func(byExp map[string]map[string][]brokerage.ChainContract, right types.Right) error {
		for expKey, strikes := range byExp {
			expiry, err := chainExpiry(expKey)
			if err != nil {
				return err
			}
			for _, contracts := range strikes {
				for _, c := range contracts {
					out = append(out, types.ContractRecord{
						Time:       now,
						Ask:        c.Ask,
						Bid:        c.Bid,
						TimeValue:  c.TimeValue,
						Strike:     c.StrikePrice,
						Underlying: chain.UnderlyingPrice,
						Expiry:     expiry,
						Right:      right,
						Volume:     c.TotalVolume,
					})
				}
			}
		}
		return nil
	}
	if err := add(chain.CallExpDateMap, types.Call); err != nil {
		return nil, err
	}
	if err := add(chain.PutExpDateMap, types.Put); err != nil {
		return nil, err
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Expiry != out[j].Expiry {
			return out[i].Expiry < out[j].Expiry
		}
		if out[i].Strike != out[j].Strike {
			return out[i].Strike < out[j].Strike
		}
		return out[i].Right == types.Call && out[j].Right == types.Put
	})
	return out, nil
}

// chainExpiry turns a chain key such as "2025-12-19:30" into 20251219.
func chainExpiry(key string) (int32, error) {
	date, _, _ := strings.Cut(key, ":")
	t, err := time.Parse("2006-01-02", date)
	if err != nil {
		return 0, fmt.Errorf("malformed chain expiration %q: %w", key, err)
	}
	n, _ := strconv.Atoi(t.Format("20060102"))
	return int32(n), nil
}
