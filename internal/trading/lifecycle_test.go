package trading

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/ksred/brokerbridge/internal/brokerage"
	"github.com/ksred/brokerbridge/internal/brokerage/sandbox"
	"github.com/ksred/brokerbridge/internal/database"
	"github.com/ksred/brokerbridge/internal/idmap"
	"github.com/ksred/brokerbridge/internal/market"
	"github.com/ksred/brokerbridge/internal/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

type fixedClock bool

func (c fixedClock) IsOpen(context.Context, string, market.Window) bool { return bool(c) }

type staticToken string

func (s staticToken) AccessToken(context.Context) (string, error) { return string(s), nil }

type harness struct {
	lifecycle *Lifecycle
	exchange  *sandbox.Exchange
	store     *idmap.Store
	db        *gorm.DB
}

func newHarness(t *testing.T, open bool, policy SellPolicy) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	ex := sandbox.New(sandbox.Config{AuthCode: "code"})
	srv := httptest.NewServer(ex.Handler())
	t.Cleanup(srv.Close)

	client := brokerage.NewClient(brokerage.Config{BaseURL: srv.URL + "/v1", AccountID: ex.AccountID(), RequestsPerMinute: 60000})
	grant, err := client.ExchangeCode(context.Background(), "code", "TESTAPP", "http://127.0.0.1")
	if err != nil {
		t.Fatalf("ExchangeCode() returned error: %v", err)
	}
	client.UseTokenSource(staticToken(grant.AccessToken))

	db, err := database.NewDatabase(filepath.Join(t.TempDir(), "trades.db"))
	if err != nil {
		t.Fatalf("NewDatabase() returned error: %v", err)
	}
	store := idmap.NewStore(db)
	builder := NewBuilder(client, policy, FundLookupAccept)

	return &harness{
		lifecycle: NewLifecycle(client, store, builder, fixedClock(open), false),
		exchange:  ex,
		store:     store,
		db:        db,
	}
}

func TestSubmitPersistsTrade(t *testing.T) {
	h := newHarness(t, true, SellAdjust)
	ctx := context.Background()

	rec, err := h.lifecycle.Submit(ctx, types.OrderIntent{Asset: equity("MSFT"), Quantity: 10})
	if err != nil {
		t.Fatalf("Submit() returned error: %v", err)
	}
	if rec.LocalID != 1000 || rec.BrokerOrderID == 0 {
		t.Fatalf("Submit() = %+v, want local id 1000 with a brokerage id", rec)
	}
	if rec.Status != types.StatusFilled || rec.StatusCode != 10 {
		t.Errorf("status = %s/%v, want FILLED/10", rec.Status, rec.StatusCode)
	}

	stored, err := h.store.GetByLocalID(ctx, 1000)
	if err != nil || stored == nil {
		t.Fatalf("GetByLocalID() = %v, %v", stored, err)
	}
	if stored.OrderJSON == "" || stored.Symbol != "MSFT" || stored.Instruction != "BUY" {
		t.Errorf("stored = %+v, want MSFT BUY with the order body", stored)
	}

	second, _ := h.lifecycle.Submit(ctx, types.OrderIntent{Asset: equity("MSFT"), Quantity: 1})
	if second.LocalID != 1001 {
		t.Errorf("second local id = %d, want 1001", second.LocalID)
	}
}

func TestSubmitRequiresOpenMarket(t *testing.T) {
	h := newHarness(t, false, SellAdjust)

	_, err := h.lifecycle.Submit(context.Background(), types.OrderIntent{Asset: equity("MSFT"), Quantity: 10})
	var ve *types.ValidationError
	if !errors.As(err, &ve) || ve.Rule != RuleMarketClosed {
		t.Fatalf("Submit() error = %v, want %s", err, RuleMarketClosed)
	}
	if n := len(h.exchange.Placed()); n != 0 {
		t.Errorf("placed %d orders with the market closed", n)
	}

	h.lifecycle.testMode = true
	if _, err := h.lifecycle.Submit(context.Background(), types.OrderIntent{Asset: equity("MSFT"), Quantity: 10}); err != nil {
		t.Errorf("Submit() in test mode returned error: %v", err)
	}
}

func TestSubmitCombo(t *testing.T) {
	h := newHarness(t, true, SellAdjust)
	ctx := context.Background()

	if err := h.lifecycle.ExpectComboLegs(3); err != nil {
		t.Fatalf("ExpectComboLegs(3) returned error: %v", err)
	}
	strikes := []float64{150, 160, 170}
	for i, strike := range strikes {
		rec, err := h.lifecycle.Submit(ctx, types.OrderIntent{Asset: option("AAPL", strike, types.Call), Quantity: 1})
		if err != nil {
			t.Fatalf("Submit() leg %d returned error: %v", i, err)
		}
		placed := len(h.exchange.Placed())
		if i < 2 {
			if rec.Status != types.StatusComboPending || placed != 0 {
				t.Fatalf("leg %d: status %s with %d placed, want pending with none placed", i, rec.Status, placed)
			}
			continue
		}
		if placed != 1 || rec.LocalID == 0 {
			t.Fatalf("last leg: %d placed, local id %d; want one combined order", placed, rec.LocalID)
		}
	}

	rec := mustRecord(t, h, 1000)
	if rec.Symbol != "AAPL-OPT-20301220-150-C-NYSE" {
		t.Errorf("Symbol = %q, want the first leg in engine form", rec.Symbol)
	}
	order, _ := h.exchange.Order(rec.BrokerOrderID)
	if len(order.OrderLegCollection) != 3 {
		t.Errorf("combined order has %d legs, want 3", len(order.OrderLegCollection))
	}
}

func TestSubmitComboRejectsLimitLeg(t *testing.T) {
	h := newHarness(t, true, SellAdjust)
	ctx := context.Background()

	if err := h.lifecycle.ExpectComboLegs(4); err != nil {
		t.Fatalf("ExpectComboLegs(4) returned error: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := h.lifecycle.Submit(ctx, types.OrderIntent{Asset: option("AAPL", 150+float64(i), types.Call), Quantity: 1}); err != nil {
			t.Fatalf("Submit() leg %d returned error: %v", i, err)
		}
	}
	_, err := h.lifecycle.Submit(ctx, types.OrderIntent{Asset: option("AAPL", 200, types.Put), Quantity: 1, Limit: 1.25})

	var ve *types.ValidationError
	if !errors.As(err, &ve) || ve.Rule != RuleLimitPrice || ve.Leg != 3 {
		t.Fatalf("Submit() 4th leg error = %v, want %s on leg 3", err, RuleLimitPrice)
	}
	if n := len(h.exchange.Placed()); n != 0 {
		t.Errorf("placed %d orders for a rejected combo", n)
	}
	if h.lifecycle.combo.Active() || h.lifecycle.combo.Pending() != 0 {
		t.Error("combo not drained after failure")
	}
}

func TestShortPolicyRecordsChildOrder(t *testing.T) {
	h := newHarness(t, true, SellShort)
	ctx := context.Background()
	h.exchange.SetPosition("MSFT", "EQUITY", 10)

	rec, err := h.lifecycle.Submit(ctx, types.OrderIntent{Asset: equity("MSFT"), Quantity: -15})
	if err != nil {
		t.Fatalf("Submit() returned error: %v", err)
	}

	xrefs, err := h.store.GetXrefs(ctx, rec.LocalID)
	if err != nil || len(xrefs) != 1 {
		t.Fatalf("GetXrefs() = %+v, %v; want the short child", xrefs, err)
	}
	child, ok := h.exchange.Order(xrefs[0].SecondaryOrderID)
	if !ok || child.OrderLegCollection[0].Instruction != "SELL_SHORT" || child.OrderLegCollection[0].Quantity != 5 {
		t.Errorf("child order = %+v, want SELL_SHORT 5", child)
	}

	owner, _ := h.store.GetByBrokerOrderID(ctx, xrefs[0].SecondaryOrderID)
	if owner == nil || owner.LocalID != rec.LocalID {
		t.Errorf("child order resolves to %+v, want local id %d", owner, rec.LocalID)
	}
}

func TestStatusCodes(t *testing.T) {
	h := newHarness(t, true, SellAdjust)
	ctx := context.Background()

	rec, _ := h.lifecycle.Submit(ctx, types.OrderIntent{Asset: equity("MSFT"), Quantity: 7})

	tests := []struct {
		status string
		want   float64
	}{
		{types.StatusFilled, 7},
		{types.StatusWorking, 7},
		{types.StatusCanceled, -1},
		{types.StatusExpired, -1},
		{types.StatusRejected, 0},
	}
	for _, tt := range tests {
		h.exchange.SetOrderStatus(rec.BrokerOrderID, tt.status)
		got, err := h.lifecycle.Status(ctx, rec.LocalID)
		if err != nil {
			t.Fatalf("Status() returned error: %v", err)
		}
		if got.StatusCode != tt.want {
			t.Errorf("Status() with %s = %v, want %v", tt.status, got.StatusCode, tt.want)
		}
	}

	h.exchange.RemoveOrder(rec.BrokerOrderID)
	if got, _ := h.lifecycle.Status(ctx, rec.LocalID); got.StatusCode != 0 {
		t.Errorf("Status() of unknown order = %v, want 0", got.StatusCode)
	}

	if _, err := h.lifecycle.Status(ctx, 4242); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("Status(unknown local id) error = %v, want not found", err)
	}
}

func TestCloseFilledTrade(t *testing.T) {
	h := newHarness(t, true, SellAdjust)
	ctx := context.Background()

	rec, _ := h.lifecycle.Submit(ctx, types.OrderIntent{Asset: equity("MSFT"), Quantity: 10})

	closed, err := h.lifecycle.Close(ctx, rec.LocalID, 4, 0)
	if err != nil {
		t.Fatalf("Close() returned error: %v", err)
	}
	if closed.StatusCode != float64(rec.LocalID) {
		t.Errorf("Close() StatusCode = %v, want %d", closed.StatusCode, rec.LocalID)
	}
	if n := len(h.exchange.Placed()); n != 2 {
		t.Fatalf("placed %d orders, want entry and close", n)
	}

	status, _ := h.lifecycle.Status(ctx, rec.LocalID)
	if status.StatusCode != 6 {
		t.Errorf("Status() after partial close = %v, want 6", status.StatusCode)
	}

	if _, err := h.lifecycle.Close(ctx, rec.LocalID, 0, 0); err != nil {
		t.Fatalf("Close(rest) returned error: %v", err)
	}
	if status, _ := h.lifecycle.Status(ctx, rec.LocalID); status.StatusCode != -1 {
		t.Errorf("Status() after full close = %v, want -1", status.StatusCode)
	}
}

func TestCloseUnfilledCancels(t *testing.T) {
	h := newHarness(t, true, SellAdjust)
	ctx := context.Background()
	h.exchange.SetFillStatus(types.StatusQueued)

	rec, _ := h.lifecycle.Submit(ctx, types.OrderIntent{Asset: equity("MSFT"), Quantity: 10, Limit: 100})
	closed, err := h.lifecycle.Close(ctx, rec.LocalID, 0, 0)
	if err != nil {
		t.Fatalf("Close() returned error: %v", err)
	}
	if closed.Status != types.StatusCanceled {
		t.Errorf("Close() status = %s, want CANCELED", closed.Status)
	}
	if canceled := h.exchange.Canceled(); len(canceled) != 1 || canceled[0] != rec.BrokerOrderID {
		t.Errorf("canceled = %v, want [%d]", canceled, rec.BrokerOrderID)
	}
}

func TestCloseUnfilledLogsStatusFailure(t *testing.T) {
	h := newHarness(t, true, SellAdjust)
	ctx := context.Background()
	h.exchange.SetFillStatus(types.StatusQueued)

	rec, _ := h.lifecycle.Submit(ctx, types.OrderIntent{Asset: equity("MSFT"), Quantity: 10, Limit: 100})

	err := h.db.Callback().Update().Before("gorm:update").Register("fail_updates", func(tx *gorm.DB) {
		tx.AddError(errors.New("disk full"))
	})
	if err != nil {
		t.Fatalf("Register() returned error: %v", err)
	}
	var buf bytes.Buffer
	prev := log.Logger
	log.Logger = zerolog.New(&buf)
	t.Cleanup(func() { log.Logger = prev })

	closed, err := h.lifecycle.Close(ctx, rec.LocalID, 0, 0)
	if err != nil {
		t.Fatalf("Close() returned error: %v", err)
	}
	if closed.Status != types.StatusCanceled {
		t.Errorf("Close() status = %s, want CANCELED", closed.Status)
	}
	if !strings.Contains(buf.String(), "failed to persist status") {
		t.Errorf("log = %q, want the persistence failure", buf.String())
	}
}

func TestCloseResolvedIsNoop(t *testing.T) {
	h := newHarness(t, true, SellAdjust)
	ctx := context.Background()

	rec, _ := h.lifecycle.Submit(ctx, types.OrderIntent{Asset: equity("MSFT"), Quantity: 10})
	h.exchange.SetOrderStatus(rec.BrokerOrderID, types.StatusExpired)

	closed, err := h.lifecycle.Close(ctx, rec.LocalID, 0, 0)
	if err != nil {
		t.Fatalf("Close() returned error: %v", err)
	}
	if closed.StatusCode != float64(rec.LocalID) || len(h.exchange.Placed()) != 1 {
		t.Errorf("Close() of expired trade placed orders or failed: %+v", closed)
	}
}

func TestCancel(t *testing.T) {
	h := newHarness(t, true, SellAdjust)
	ctx := context.Background()
	h.exchange.SetFillStatus(types.StatusWorking)

	rec, _ := h.lifecycle.Submit(ctx, types.OrderIntent{Asset: equity("MSFT"), Quantity: 10, Limit: 100})
	if err := h.lifecycle.Cancel(ctx, rec.LocalID); err != nil {
		t.Fatalf("Cancel() returned error: %v", err)
	}
	if stored := mustRecord(t, h, rec.LocalID); stored.Status != types.StatusCanceled {
		t.Errorf("stored status = %s, want CANCELED", stored.Status)
	}
	if err := h.lifecycle.Cancel(ctx, 4242); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("Cancel(unknown) error = %v, want not found", err)
	}
}

func TestReconcile(t *testing.T) {
	h := newHarness(t, true, SellAdjust)
	ctx := context.Background()

	kept, _ := h.lifecycle.Submit(ctx, types.OrderIntent{Asset: equity("MSFT"), Quantity: 1})
	gone, _ := h.lifecycle.Submit(ctx, types.OrderIntent{Asset: equity("AAPL"), Quantity: 1})
	canceled, _ := h.lifecycle.Submit(ctx, types.OrderIntent{Asset: equity("IBM"), Quantity: 1})

	h.exchange.RemoveOrder(gone.BrokerOrderID)
	h.exchange.SetOrderStatus(canceled.BrokerOrderID, types.StatusCanceled)

	ok, err := h.lifecycle.Reconcile(ctx)
	if err != nil || !ok {
		t.Fatalf("Reconcile() = %v, %v; want true, nil", ok, err)
	}

	all, _ := h.store.All(ctx)
	if len(all) != 1 || all[0].LocalID != kept.LocalID {
		t.Errorf("records after Reconcile() = %+v, want only %d", all, kept.LocalID)
	}
}

func TestSubmitCancelsUnrecordedOrder(t *testing.T) {
	h := newHarness(t, true, SellAdjust)
	h.exchange.SetFillStatus(types.StatusWorking)

	sqlDB, err := h.db.DB()
	if err != nil {
		t.Fatalf("DB() returned error: %v", err)
	}
	sqlDB.Close()

	if _, err := h.lifecycle.Submit(context.Background(), types.OrderIntent{Asset: equity("MSFT"), Quantity: 10, Limit: 100}); err == nil {
		t.Fatal("Submit() with a closed store returned nil error")
	}
	canceled := h.exchange.Canceled()
	if len(h.exchange.Placed()) != 1 || len(canceled) != 1 {
		t.Fatalf("placed %d, canceled %v; want the placed order canceled", len(h.exchange.Placed()), canceled)
	}
	if order, ok := h.exchange.Order(canceled[0]); !ok || order.Status != types.StatusCanceled {
		t.Errorf("orphaned order = %+v, want CANCELED", order)
	}
}

func submitCombo(t *testing.T, h *harness, contracts float64) *types.TradeRecord {
	t.Helper()
	ctx := context.Background()
	if err := h.lifecycle.ExpectComboLegs(3); err != nil {
		t.Fatalf("ExpectComboLegs(3) returned error: %v", err)
	}
	var rec *types.TradeRecord
	for _, strike := range []float64{150, 160, 170} {
		var err error
		rec, err = h.lifecycle.Submit(ctx, types.OrderIntent{Asset: option("AAPL", strike, types.Call), Quantity: contracts})
		if err != nil {
			t.Fatalf("Submit() strike %v returned error: %v", strike, err)
		}
	}
	return rec
}

func placedLegs(t *testing.T, bodies [][]byte) []brokerage.OrderLeg {
	t.Helper()
	var legs []brokerage.OrderLeg
	for _, body := range bodies {
		var order brokerage.Order
		if err := json.Unmarshal(body, &order); err != nil {
			t.Fatalf("decode placed order: %v", err)
		}
		legs = append(legs, order.OrderLegCollection...)
	}
	return legs
}

func TestCloseComboClosesEveryLeg(t *testing.T) {
	h := newHarness(t, true, SellAdjust)
	ctx := context.Background()

	rec := submitCombo(t, h, 2)
	if rec.StatusCode != 2 {
		t.Fatalf("combo StatusCode = %v, want 2 lots", rec.StatusCode)
	}

	closed, err := h.lifecycle.Close(ctx, rec.LocalID, 1, 0)
	if err != nil {
		t.Fatalf("Close() returned error: %v", err)
	}
	if closed.StatusCode != float64(rec.LocalID) {
		t.Errorf("Close() StatusCode = %v, want %d", closed.StatusCode, rec.LocalID)
	}
	legs := placedLegs(t, h.exchange.Placed()[1:])
	if len(legs) != 3 {
		t.Fatalf("placed %d closing legs, want 3", len(legs))
	}
	for i, leg := range legs {
		if leg.Instruction != "SELL_TO_CLOSE" || leg.Quantity != 1 {
			t.Errorf("closing leg %d = %s %v, want SELL_TO_CLOSE 1", i, leg.Instruction, leg.Quantity)
		}
	}
	if status, _ := h.lifecycle.Status(ctx, rec.LocalID); status.StatusCode != 1 {
		t.Errorf("Status() after closing one lot = %v, want 1", status.StatusCode)
	}

	var ve *types.ValidationError
	if _, err := h.lifecycle.Close(ctx, rec.LocalID, 0.5, 0); !errors.As(err, &ve) || ve.Rule != RuleCloseQuantity {
		t.Errorf("Close(0.5) error = %v, want %s", err, RuleCloseQuantity)
	}

	if _, err := h.lifecycle.Close(ctx, rec.LocalID, 0, 0); err != nil {
		t.Fatalf("Close(rest) returned error: %v", err)
	}
	if n := len(h.exchange.Placed()); n != 7 {
		t.Errorf("placed %d orders, want entry and two rounds of three", n)
	}
	if status, _ := h.lifecycle.Status(ctx, rec.LocalID); status.StatusCode != -1 {
		t.Errorf("Status() after full close = %v, want -1", status.StatusCode)
	}
}

func TestCloseComboResumesAfterRefusedLeg(t *testing.T) {
	h := newHarness(t, true, SellAdjust)
	ctx := context.Background()

	rec := submitCombo(t, h, 1)
	order, _ := h.exchange.Order(rec.BrokerOrderID)
	h.exchange.RefusePlacement(3)

	closed, err := h.lifecycle.Close(ctx, rec.LocalID, 1, 0)
	if err == nil || closed.StatusCode != 0 {
		t.Fatalf("Close() = %v, %v; want StatusCode 0 with an error", closed, err)
	}
	stored := mustRecord(t, h, rec.LocalID)
	if stored.Closed != 0 || len(stored.LegClosed) != 3 ||
		stored.LegClosed[0] != 1 || stored.LegClosed[1] != 1 || stored.LegClosed[2] != 0 {
		t.Fatalf("stored closed = %v per leg %v, want legs 0 and 1 closed", stored.Closed, stored.LegClosed)
	}

	before := len(h.exchange.Placed())
	if _, err := h.lifecycle.Close(ctx, rec.LocalID, 1, 0); err != nil {
		t.Fatalf("Close() retry returned error: %v", err)
	}
	legs := placedLegs(t, h.exchange.Placed()[before:])
	want := order.OrderLegCollection[2].Instrument.Symbol
	if len(legs) != 1 || legs[0].Instrument.Symbol != want || legs[0].Quantity != 1 {
		t.Fatalf("retry placed %+v, want only %s for 1", legs, want)
	}
	if status, _ := h.lifecycle.Status(ctx, rec.LocalID); status.StatusCode != -1 {
		t.Errorf("Status() after retry = %v, want -1", status.StatusCode)
	}
}

func mustRecord(t *testing.T, h *harness, localID int32) *types.TradeRecord {
	t.Helper()
	rec, err := h.store.GetByLocalID(context.Background(), localID)
	if err != nil || rec == nil {
		t.Fatalf("GetByLocalID(%d) = %v, %v", localID, rec, err)
	}
	return rec
}
