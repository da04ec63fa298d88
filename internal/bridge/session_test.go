package bridge

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/brokerbridge/internal/auth"
	"github.com/ksred/brokerbridge/internal/brokerage"
	"github.com/ksred/brokerbridge/internal/brokerage/sandbox"
	"github.com/ksred/brokerbridge/internal/database"
	"github.com/ksred/brokerbridge/internal/idmap"
	"github.com/ksred/brokerbridge/internal/market"
	"github.com/ksred/brokerbridge/internal/symbol"
	"github.com/ksred/brokerbridge/internal/trading"
	"github.com/ksred/brokerbridge/internal/types"
)

var fixedNow = time.Date(2025, 6, 2, 15, 0, 0, 0, time.UTC)

type harness struct {
	state    *SessionState
	exchange *sandbox.Exchange
}

// newHarness wires a full session against the in-memory brokerage. Orders
// are accepted regardless of the market schedule.
func newHarness(t *testing.T) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	ex := sandbox.New(sandbox.Config{AuthCode: "code"})
	srv := httptest.NewServer(ex.Handler())
	t.Cleanup(srv.Close)

	client := brokerage.NewClient(brokerage.Config{BaseURL: srv.URL + "/v1", AccountID: ex.AccountID(), RequestsPerMinute: 60000})
	session := auth.NewSession(
		auth.SessionConfig{ClientID: "TESTAPP", RedirectURI: "http://127.0.0.1"},
		auth.NewFileStore(filepath.Join(t.TempDir(), "token.dat")),
		client,
		auth.StaticCodeProvider("code"),
	)
	client.UseTokenSource(session)

	db, err := database.NewDatabase(filepath.Join(t.TempDir(), "trades.db"))
	if err != nil {
		t.Fatalf("NewDatabase() returned error: %v", err)
	}

	now := func() time.Time { return fixedNow }
	clock := market.NewClock(client).WithClock(now)
	builder := trading.NewBuilder(client, trading.SellAdjust, trading.FundLookupAccept)
	lifecycle := trading.NewLifecycle(client, idmap.NewStore(db), builder, clock, true)
	state := NewSessionState(session, client, symbol.NewParser("USD", now), lifecycle, clock).WithClock(now)

	return &harness{state: state, exchange: ex}
}

func equityQuote(sym string, bid, ask, volume float64) *brokerage.EquityQuote {
	return &brokerage.EquityQuote{
		QuoteHeader: brokerage.QuoteHeader{AssetType: "EQUITY", Symbol: sym},
		BidPrice:    bid,
		AskPrice:    ask,
		TotalVolume: volume,
	}
}

func TestLogin(t *testing.T) {
	h := newHarness(t)

	if h.state.Time(context.Background()) != market.StateUnavailable {
		t.Errorf("Time() before login should be unavailable")
	}
	if !h.state.Login(context.Background()) {
		t.Fatal("Login() = false, want true")
	}
	if !h.state.LoggedIn() {
		t.Error("LoggedIn() = false after login")
	}
	if code, _ := h.exchange.Grants(); code != 1 {
		t.Errorf("code grants = %d, want 1", code)
	}
}

func TestAsset(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.exchange.SetQuote("MSFT", equityQuote("MSFT", 400.10, 400.25, 1200))

	resp := h.state.Asset(ctx, "MSFT-STK")
	if resp == nil {
		t.Fatal("Asset(MSFT-STK) = nil")
	}
	q := resp.Quote
	if q.Price != 400.25 || q.Volume != 1200 || q.LotAmount != 1 || q.Pip != 0.01 {
		t.Errorf("quote = %+v", q)
	}
	if q.Spread < 0.149 || q.Spread > 0.151 {
		t.Errorf("Spread = %v, want 0.15", q.Spread)
	}
	if got := h.state.Subscribed(); len(got) != 1 || got[0] != "MSFT-STK" {
		t.Errorf("Subscribed() = %v, want [MSFT-STK]", got)
	}

	if h.state.Asset(ctx, "MSFT-BOGUS") != nil {
		t.Error("Asset() of a disallowed security type should be nil")
	}
	if h.state.Asset(ctx, "IBM") != nil {
		t.Error("Asset() of an unquoted symbol should be nil")
	}
	if len(h.state.Subscribed()) != 1 {
		t.Error("failed lookups must not subscribe")
	}
}

func TestBuyAndSell(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	rec := h.state.Buy(ctx, "MSFT", 10, 0, 0)
	if rec.LocalID != 1000 || rec.StatusCode != 10 {
		t.Fatalf("Buy() = %+v, want local id 1000 with 10 held", rec)
	}

	closed := h.state.Sell(ctx, rec.LocalID, 0, 0)
	if closed.StatusCode != float64(rec.LocalID) {
		t.Errorf("Sell() status code = %v, want %d", closed.StatusCode, rec.LocalID)
	}

	if got := h.state.BrokerTrade(ctx, rec.LocalID); got.StatusCode != -1 {
		t.Errorf("BrokerTrade() after full close = %v, want -1", got.StatusCode)
	}
	if got := h.state.BrokerTrade(ctx, 4242); got.StatusCode != 0 {
		t.Errorf("BrokerTrade() of an unknown id = %v, want 0", got.StatusCode)
	}
	if got := h.state.Sell(ctx, 4242, 0, 0); got.StatusCode != 0 {
		t.Errorf("Sell() of an unknown id = %v, want 0", got.StatusCode)
	}
}

func TestBuyRejectsBadSymbol(t *testing.T) {
	h := newHarness(t)

	rec := h.state.Buy(context.Background(), "MSFT-STK-NASDAQ", 10, 0, 0)
	if rec.StatusCode != 0 || rec.LocalID != 0 {
		t.Errorf("Buy() = %+v, want empty record", rec)
	}
	if n := len(h.exchange.Placed()); n != 0 {
		t.Errorf("placed %d orders for an invalid symbol", n)
	}
}

func TestBuyFundUsesQuotedPrice(t *testing.T) {
	h := newHarness(t)
	h.exchange.SetQuote("VFIAX", &brokerage.FundQuote{
		QuoteHeader: brokerage.QuoteHeader{AssetType: "MUTUAL_FUND", Symbol: "VFIAX"},
		NAV:         310,
	})
	h.exchange.SetFund("VFIAX", 3000)

	rec := h.state.Buy(context.Background(), "VFIAX-FUND", 10, 0, 0)
	if rec.LocalID == 0 {
		t.Fatalf("Buy() = %+v, want a placed fund order", rec)
	}

	placed := h.exchange.Placed()
	var order brokerage.Order
	if err := json.Unmarshal(placed[len(placed)-1], &order); err != nil {
		t.Fatalf("decode placed order: %v", err)
	}
	leg := order.OrderLegCollection[0]
	if leg.QuantityType != "DOLLARS" || leg.Quantity != 3100 {
		t.Errorf("leg = %+v, want 3100 DOLLARS", leg)
	}
}

func TestComboLegs(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if h.state.SetComboLegs(5) || h.state.SetComboLegs(-1) {
		t.Error("SetComboLegs() accepted a count outside 0..4")
	}
	if !h.state.SetComboLegs(2) {
		t.Fatal("SetComboLegs(2) = false, want true")
	}
	first := h.state.Buy(ctx, "AAPL-OPT-20251219-150-C", 1, 0, 0)
	if first.Status != types.StatusComboPending || first.LocalID != 0 {
		t.Fatalf("first leg = %+v, want pending", first)
	}
	second := h.state.Buy(ctx, "AAPL-OPT-20251219-160-C", -1, 0, 0)
	if second.LocalID == 0 {
		t.Fatalf("second leg = %+v, want the combo placed", second)
	}
	if n := len(h.exchange.Placed()); n != 1 {
		t.Errorf("placed %d orders, want 1 combo order", n)
	}
}

func TestCancelAndSync(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.exchange.SetFillStatus(types.StatusWorking)

	rec := h.state.Buy(ctx, "MSFT", 5, 0, 0)
	if rec.LocalID == 0 {
		t.Fatalf("Buy() = %+v", rec)
	}
	if !h.state.Cancel(ctx, rec.LocalID) {
		t.Fatal("Cancel() = false")
	}
	if h.state.Cancel(ctx, 4242) {
		t.Error("Cancel() of an unknown id = true")
	}
	if !h.state.Sync(ctx) {
		t.Fatal("Sync() = false")
	}
	if got := h.state.BrokerTrade(ctx, rec.LocalID); got.StatusCode != 0 {
		t.Errorf("canceled trade should be gone after Sync, got %+v", got)
	}
}

func TestSetSellPolicy(t *testing.T) {
	h := newHarness(t)

	if err := h.state.SetSellPolicy("short"); err != nil {
		t.Fatalf("SetSellPolicy(short) returned error: %v", err)
	}
	if got := h.state.lifecycle.Builder().SellPolicy(); got != trading.SellShort {
		t.Errorf("policy = %s, want short", got)
	}
	if err := h.state.SetSellPolicy("sometimes"); err == nil {
		t.Error("SetSellPolicy(sometimes) should fail")
	}
}

func TestTime(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.state.Login(ctx)

	if got := h.state.Time(ctx); got != market.StateClosed {
		t.Errorf("Time() without a schedule = %d, want closed", got)
	}
	h.exchange.SetMarketHours("EQUITY", &brokerage.MarketHours{
		MarketType: "EQUITY",
		Product:    "equity",
		IsOpen:     true,
		SessionHours: map[string][]brokerage.SessionWindow{
			"regularMarket": {{Start: "2025-06-02T09:30:00-04:00", End: "2025-06-02T16:00:00-04:00"}},
		},
	})
	if got := h.state.Time(ctx); got != market.StateOpen {
		t.Errorf("Time() during the session = %d, want open", got)
	}
}

func TestAccountAndPosition(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.exchange.SetBalances(brokerage.Balances{CashBalance: 1000, LiquidationValue: 1500, MarginBalance: 200})
	h.exchange.SetPosition("MSFT", "EQUITY", 25)
	h.exchange.SetPosition("AAPL_121925C150", "OPTION", -2)

	account, err := h.state.Account(ctx)
	if err != nil {
		t.Fatalf("Account() returned error: %v", err)
	}
	if account.Balance != 1000 || account.TradeValue != 500 || account.MarginValue != 200 {
		t.Errorf("Account() = %+v", account)
	}

	tests := []struct {
		symbol string
		want   float64
	}{
		{"MSFT-STK", 25},
		{"AAPL-OPT-20251219-150-C", -2},
		{"IBM", 0},
	}
	for _, tt := range tests {
		got, err := h.state.Position(ctx, tt.symbol)
		if err != nil {
			t.Errorf("Position(%s) returned error: %v", tt.symbol, err)
			continue
		}
		if got != tt.want {
			t.Errorf("Position(%s) = %v, want %v", tt.symbol, got, tt.want)
		}
	}
}

func TestHistory(t *testing.T) {
	h := newHarness(t)
	start := time.Date(2025, 6, 2, 14, 30, 0, 0, time.UTC)
	var candles []brokerage.Candle
	for i := 0; i < 10; i++ {
		p := 100 + float64(i)
		candles = append(candles, brokerage.Candle{
			Open: p, High: p + 0.5, Low: p - 0.5, Close: p + 0.25, Volume: 10,
			Datetime: start.Add(time.Duration(i) * time.Minute).UnixMilli(),
		})
	}
	h.exchange.SetHistory("MSFT", candles)

	bars, err := h.state.History(context.Background(), "MSFT", time.Time{}, fixedNow, 5, 0)
	if err != nil {
		t.Fatalf("History() returned error: %v", err)
	}
	if len(bars) != 2 {
		t.Fatalf("len(bars) = %d, want 2", len(bars))
	}
	newest := bars[0]
	if !newest.Time.Equal(start.Add(10 * time.Minute)) {
		t.Errorf("newest bar time = %v, want %v", newest.Time, start.Add(10*time.Minute))
	}
	if newest.Open != 105 || newest.Close != 109.25 || newest.High != 109.5 || newest.Low != 104.5 || newest.Volume != 50 {
		t.Errorf("newest bar = %+v", newest)
	}

	capped, _ := h.state.History(context.Background(), "MSFT", time.Time{}, fixedNow, 5, 1)
	if len(capped) != 1 || !capped[0].Time.Equal(newest.Time) {
		t.Errorf("History(ticks=1) = %+v, want the newest bar only", capped)
	}

	if _, err := h.state.History(context.Background(), "MSFT", time.Time{}, fixedNow, 0, 1); err == nil {
		t.Error("History() with a zero bar period should fail")
	}
}

func TestContracts(t *testing.T) {
	h := newHarness(t)
	h.exchange.SetChain("AAPL", &brokerage.OptionChain{
		Symbol:          "AAPL",
		Status:          "SUCCESS",
		UnderlyingPrice: 152,
		CallExpDateMap: map[string]map[string][]brokerage.ChainContract{
			"2025-12-19:200": {"160.0": {{PutCall: "CALL", StrikePrice: 160, Ask: 3, Bid: 2.9}}},
			"2025-07-18:46": {
				"150.0": {{PutCall: "CALL", StrikePrice: 150, Ask: 5, Bid: 4.9}},
				"140.0": {{PutCall: "CALL", StrikePrice: 140, Ask: 13, Bid: 12.8}},
			},
		},
		PutExpDateMap: map[string]map[string][]brokerage.ChainContract{
			"2025-07-18:46": {"150.0": {{PutCall: "PUT", StrikePrice: 150, Ask: 3.1, Bid: 3}}},
		},
	})

	records, err := h.state.Contracts(context.Background(), "AAPL")
	if err != nil {
		t.Fatalf("Contracts() returned error: %v", err)
	}
	want := []struct {
		expiry int32
		strike float64
		right  types.Right
	}{
		{20250718, 140, types.Call},
		{20250718, 150, types.Call},
		{20250718, 150, types.Put},
		{20251219, 160, types.Call},
	}
	if len(records) != len(want) {
		t.Fatalf("len(records) = %d, want %d", len(records), len(want))
	}
	for i, w := range want {
		r := records[i]
		if r.Expiry != w.expiry || r.Strike != w.strike || r.Right != w.right {
			t.Errorf("records[%d] = %d %v %s, want %d %v %s", i, r.Expiry, r.Strike, r.Right, w.expiry, w.strike, w.right)
		}
		if r.Underlying != 152 {
			t.Errorf("records[%d].Underlying = %v, want 152", i, r.Underlying)
		}
	}

	if _, err := h.state.Contracts(context.Background(), "IBM"); err == nil {
		t.Error("Contracts() of an unknown underlying should fail")
	}
}

func TestAggregate(t *testing.T) {
	base := time.Date(2025, 6, 2, 14, 0, 0, 0, time.UTC)
	// Out of order input.
	candles := []brokerage.Candle{
		{Open: 3, High: 3, Low: 3, Close: 3, Volume: 1, Datetime: base.Add(2 * time.Minute).UnixMilli()},
		{Open: 1, High: 1, Low: 1, Close: 1, Volume: 1, Datetime: base.UnixMilli()},
		{Open: 2, High: 2, Low: 2, Close: 2, Volume: 1, Datetime: base.Add(time.Minute).UnixMilli()},
	}

	bars := aggregate(candles, 15*time.Minute)
	if len(bars) != 1 {
		t.Fatalf("len(bars) = %d, want 1", len(bars))
	}
	b := bars[0]
	if b.Open != 1 || b.Close != 3 || b.High != 3 || b.Low != 1 || b.Volume != 3 {
		t.Errorf("bar = %+v", b)
	}
	if !b.Time.Equal(base.Add(15 * time.Minute)) {
		t.Errorf("bar time = %v, want period close", b.Time)
	}
}
