package trading

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ksred/brokerbridge/internal/brokerage"
	"github.com/ksred/brokerbridge/internal/idmap"
	"github.com/ksred/brokerbridge/internal/market"
	"github.com/ksred/brokerbridge/internal/symbol"
	"github.com/ksred/brokerbridge/internal/types"
	"github.com/rs/zerolog/log"
)

// Broker is the part of the brokerage client the lifecycle drives.
type Broker interface {
	Holdings
	PlaceOrder(ctx context.Context, orderJSON []byte) (int64, error)
	GetOrder(ctx context.Context, orderID int64) (*brokerage.Order, error)
	CancelOrder(ctx context.Context, orderID int64) error
}

// SessionClock reports whether a market session is open.
type SessionClock interface {
	IsOpen(ctx context.Context, market string, window market.Window) bool
}

// Lifecycle submits, closes, cancels and tracks brokerage orders on behalf of
// local trade ids.
type Lifecycle struct {
	broker   Broker
	store    *idmap.Store
	builder  *Builder
	clock    SessionClock
	combo    *ComboAccumulator
	testMode bool
	now      func() time.Time

	// Order bodies as sent, keyed by brokerage id until the first status
	// lookup of that order consumes them.
	jsonMu    sync.Mutex
	orderJSON map[int64][]byte
}

func NewLifecycle(broker Broker, store *idmap.Store, builder *Builder, clock SessionClock, testMode bool) *Lifecycle {
	return &Lifecycle{
		broker:    broker,
		store:     store,
		builder:   builder,
		clock:     clock,
		combo:     &ComboAccumulator{},
		testMode:  testMode,
		now:       time.Now,
		orderJSON: make(map[int64][]byte),
	}
}

// WithClock replaces the time source used for entry timestamps.
func (l *Lifecycle) WithClock(now func() time.Time) *Lifecycle {
	l.now = now
	return l
}

// Builder exposes the order builder, mainly to change the sell policy.
func (l *Lifecycle) Builder() *Builder { return l.builder }

// MaxComboLegs is the largest number of legs one combo order may carry.
const MaxComboLegs = 4

// ExpectComboLegs announces that the next n submissions form one combo. Zero
// aborts a combo in progress.
func (l *Lifecycle) ExpectComboLegs(n int) error {
	if n < 0 || n > MaxComboLegs {
		return ruleError(RuleComboLegs, -1, nil, fmt.Sprintf("combo legs must be between 0 and %d, got %d", MaxComboLegs, n))
	}
	if dropped := l.combo.Expect(n); dropped > 0 {
		log.Warn().Str("component", "order_lifecycle").Int("dropped_legs", dropped).Msg("pending combo legs discarded")
	}
	return nil
}

// Submit builds and places an order. Combo legs other than the last return a
// COMBO_PENDING record with no local id. On success the returned record has
// been persisted under a freshly allocated local id.
func (l *Lifecycle) Submit(ctx context.Context, intent types.OrderIntent) (*types.TradeRecord, error) {
	logger := log.With().Str("component", "order_lifecycle").Str("symbol", symbolOf(intent.Asset)).Logger()

	if !l.testMode && !l.clock.IsOpen(ctx, marketOf(intent.Asset), market.RegularMarket) {
		return nil, ruleError(RuleMarketClosed, -1, intent.Asset, "market is closed")
	}

	var (
		order *brokerage.Order
		err   error
	)
	if legs, collected := l.combo.Add(intent); collected {
		if legs == nil {
			logger.Debug().Int("pending_legs", l.combo.Pending()).Msg("combo leg queued")
			return &types.TradeRecord{Symbol: symbolOf(intent.Asset), Status: types.StatusComboPending, StatusCode: 1}, nil
		}
		order, err = l.builder.BuildCombo(legs)
	} else {
		order, err = l.builder.Build(ctx, intent)
	}
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(order)
	if err != nil {
		return nil, fmt.Errorf("failed to encode order: %w", err)
	}

	orderID, err := l.broker.PlaceOrder(ctx, body)
	if err != nil {
		logger.Error().Err(err).Msg("failed to place order")
		return nil, err
	}
	l.rememberJSON(orderID, body)
	logger = logger.With().Int64("broker_order_id", orderID).Logger()

	placed, err := l.broker.GetOrder(ctx, orderID)
	if err != nil {
		logger.Warn().Err(err).Msg("placed order status unavailable, recording payload")
		placed = order
		placed.OrderID = orderID
	}

	localID, err := l.store.AllocateLocalID(ctx)
	if err != nil {
		l.abandon(ctx, orderID, err)
		return nil, fmt.Errorf("failed to allocate local id: %w", err)
	}

	rec := l.recordFrom(localID, placed)
	rec.OrderJSON = string(l.takeJSON(orderID))
	if err := l.store.Put(ctx, rec); err != nil {
		l.abandon(ctx, orderID, err)
		return nil, fmt.Errorf("failed to persist trade %d: %w", localID, err)
	}
	l.linkChildren(ctx, rec, placed)

	rec.StatusCode = StatusCode(rec)
	logger.Info().
		Int32("local_id", localID).
		Str("status", rec.Status).
		Float64("quantity", rec.Quantity).
		Msg("order submitted")
	return rec, nil
}

// abandon cancels a placed order that could not be recorded locally. An
// order that cannot be canceled is left working and logged so it can be
// found by hand.
func (l *Lifecycle) abandon(ctx context.Context, orderID int64, cause error) {
	logger := log.With().Str("component", "order_lifecycle").Int64("broker_order_id", orderID).Logger()
	logger.Error().Err(cause).Msg("placed order has no local record, canceling")
	if err := l.broker.CancelOrder(ctx, orderID); err != nil {
		logger.Error().Err(err).Msg("orphaned brokerage order left working")
	}
}

// linkChildren records the child orders the brokerage spawned for a trade,
// such as the short-sell half of a split sell.
func (l *Lifecycle) linkChildren(ctx context.Context, rec *types.TradeRecord, order *brokerage.Order) {
	for _, child := range order.ChildOrderStrategies {
		if child.OrderID == 0 {
			continue
		}
		xref := &types.TradeXref{
			LocalID:          rec.LocalID,
			PrimaryOrderID:   rec.BrokerOrderID,
			SecondaryOrderID: child.OrderID,
			EnteredAt:        rec.EnteredAt,
		}
		if err := l.store.PutXref(ctx, xref); err != nil {
			log.Error().Err(err).
				Str("component", "order_lifecycle").
				Int32("local_id", rec.LocalID).
				Int64("child_order_id", child.OrderID).
				Msg("failed to record child order")
		}
	}
}

// Close takes an open trade off the book. Filled or working orders get an
// opposite order for amount (everything when amount is zero), unfilled
// orders are canceled and already resolved ones are left alone. The returned
// StatusCode is the local id when every leg succeeded and zero otherwise.
func (l *Lifecycle) Close(ctx context.Context, localID int32, amount, limit float64) (*types.TradeRecord, error) {
	logger := log.With().Str("component", "order_lifecycle").Int32("local_id", localID).Logger()

	rec, order, err := l.lookup(ctx, localID)
	if err != nil {
		return nil, err
	}
	l.refresh(ctx, rec, order)

	switch {
	case isResolved(order.Status):
		logger.Info().Str("status", order.Status).Msg("trade already resolved, nothing to close")
		rec.StatusCode = float64(localID)
		return rec, nil

	case isUnfilled(order.Status):
		if err := l.broker.CancelOrder(ctx, rec.BrokerOrderID); err != nil {
			logger.Error().Err(err).Msg("failed to cancel unfilled trade")
			rec.StatusCode = 0
			return rec, err
		}
		if err := l.store.UpdateStatus(ctx, localID, types.StatusCanceled, rec.Filled); err != nil {
			logger.Error().Err(err).Msg("failed to persist status")
		}
		rec.Status = types.StatusCanceled
		rec.StatusCode = float64(localID)
		logger.Info().Msg("unfilled trade canceled instead of closed")
		return rec, nil

	case isOpen(order.Status):
		return l.closeLegs(ctx, rec, order, amount, limit)

	default:
		return rec, fmt.Errorf("trade %d: unexpected status %q", localID, order.Status)
	}
}

// closeLegs sends one closing order per leg. Amounts are in lots: a combo of
// two contracts per leg closes amount*2 contracts on every leg. What each leg
// has closed is persisted, so a retry after a failed leg only closes the
// legs that are still behind.
func (l *Lifecycle) closeLegs(ctx context.Context, rec *types.TradeRecord, order *brokerage.Order, amount, limit float64) (*types.TradeRecord, error) {
	logger := log.With().Str("component", "order_lifecycle").Int32("local_id", rec.LocalID).Logger()

	legs := order.OrderLegCollection
	lots := lotSize(order)
	held := heldQuantity(rec)
	if held <= 0 || lots <= 0 {
		logger.Info().Msg("trade has nothing left to close")
		rec.StatusCode = float64(rec.LocalID)
		return rec, nil
	}
	amount = math.Abs(amount)
	if amount == 0 || amount > held {
		amount = held
	}
	if rec.AssetClass == optionAssetType {
		amount = math.Floor(amount + quantityEpsilon)
		if amount == 0 {
			rec.StatusCode = 0
			return rec, &types.ValidationError{Rule: RuleCloseQuantity, Leg: -1, Symbol: rec.Symbol, Reason: "options close in whole contracts"}
		}
	}

	if len(rec.LegClosed) != len(legs) {
		rec.LegClosed = make([]float64, len(legs))
		for i, leg := range legs {
			rec.LegClosed[i] = rec.Closed * leg.Quantity / lots
		}
	}
	target := rec.Closed + amount

	var (
		closed   int
		firstErr error
	)
	for i, leg := range legs {
		qty := legCloseQuantity(leg, target*leg.Quantity/lots-rec.LegClosed[i])
		if qty <= 0 {
			closed++
			continue
		}
		body, err := json.Marshal(CloseOrder(leg, qty, limit))
		if err == nil {
			var id int64
			id, err = l.broker.PlaceOrder(ctx, body)
			if err == nil {
				closed++
				rec.LegClosed[i] += qty
				l.linkChildren(ctx, rec, &brokerage.Order{ChildOrderStrategies: []brokerage.Order{{OrderID: id}}})
				continue
			}
		}
		logger.Error().Err(err).Int("leg", i).Str("symbol", leg.Instrument.Symbol).Msg("failed to close leg")
		if firstErr == nil {
			firstErr = err
		}
	}

	rec.Closed = closedLots(rec, legs, lots)
	if err := l.store.Put(ctx, rec); err != nil {
		logger.Error().Err(err).Msg("failed to persist closed quantities")
		if firstErr == nil {
			firstErr = fmt.Errorf("failed to persist close of trade %d: %w", rec.LocalID, err)
		}
	}

	total := len(legs)
	if firstErr != nil {
		logger.Warn().Int("closed_legs", closed).Int("total_legs", total).Msg("trade only partially closed")
		rec.StatusCode = 0
		return rec, fmt.Errorf("closed %d of %d legs of trade %d: %w", closed, total, rec.LocalID, firstErr)
	}

	logger.Info().Int("closed_legs", closed).Float64("amount", amount).Msg("trade closed")
	rec.StatusCode = float64(rec.LocalID)
	return rec, nil
}

// Cancel cancels the brokerage order behind a local trade id.
func (l *Lifecycle) Cancel(ctx context.Context, localID int32) error {
	rec, err := l.store.GetByLocalID(ctx, localID)
	if err != nil {
		return err
	}
	if rec == nil {
		return &types.NotFoundError{Kind: "trade", ID: strconv.Itoa(int(localID))}
	}
	if err := l.broker.CancelOrder(ctx, rec.BrokerOrderID); err != nil {
		return err
	}
	log.Info().Str("component", "order_lifecycle").Int32("local_id", localID).Int64("broker_order_id", rec.BrokerOrderID).Msg("trade canceled")
	return l.store.UpdateStatus(ctx, localID, types.StatusCanceled, rec.Filled)
}

// Status refreshes a trade from the brokerage when reachable and fills in
// its StatusCode. A trade the brokerage no longer knows reports zero.
func (l *Lifecycle) Status(ctx context.Context, localID int32) (*types.TradeRecord, error) {
	rec, err := l.store.GetByLocalID(ctx, localID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, &types.NotFoundError{Kind: "trade", ID: strconv.Itoa(int(localID))}
	}

	order, err := l.broker.GetOrder(ctx, rec.BrokerOrderID)
	switch {
	case errors.Is(err, types.ErrNotFound):
		rec.StatusCode = 0
		return rec, nil
	case err != nil:
		log.Warn().Err(err).Str("component", "order_lifecycle").Int32("local_id", localID).Msg("status refresh failed, using stored status")
	default:
		l.refresh(ctx, rec, order)
	}

	rec.StatusCode = StatusCode(rec)
	return rec, nil
}

// Reconcile drops every local trade whose brokerage order is gone or was
// canceled. Brokerage-side orders that were never placed through the bridge
// are not imported. It reports whether every trade could be checked.
func (l *Lifecycle) Reconcile(ctx context.Context) (bool, error) {
	logger := log.With().Str("component", "order_lifecycle").Logger()

	recs, err := l.store.All(ctx)
	if err != nil {
		return false, err
	}

	var (
		stale    []int32
		complete = true
	)
	for i := range recs {
		rec := &recs[i]
		order, err := l.broker.GetOrder(ctx, rec.BrokerOrderID)
		switch {
		case errors.Is(err, types.ErrNotFound):
			stale = append(stale, rec.LocalID)
		case err != nil:
			logger.Error().Err(err).Int32("local_id", rec.LocalID).Msg("failed to check trade")
			complete = false
		case order.Status == types.StatusCanceled:
			stale = append(stale, rec.LocalID)
		default:
			l.refresh(ctx, rec, order)
		}
	}

	if err := l.store.DeleteBatch(ctx, stale); err != nil {
		return false, err
	}
	logger.Info().Int("checked", len(recs)).Int("removed", len(stale)).Msg("trades reconciled")
	return complete, nil
}

func (l *Lifecycle) lookup(ctx context.Context, localID int32) (*types.TradeRecord, *brokerage.Order, error) {
	rec, err := l.store.GetByLocalID(ctx, localID)
	if err != nil {
		return nil, nil, err
	}
	if rec == nil {
		return nil, nil, &types.NotFoundError{Kind: "trade", ID: strconv.Itoa(int(localID))}
	}
	order, err := l.broker.GetOrder(ctx, rec.BrokerOrderID)
	if err != nil {
		return nil, nil, err
	}
	return rec, order, nil
}

// refresh copies the brokerage view of an order onto its record and persists
// the change.
func (l *Lifecycle) refresh(ctx context.Context, rec *types.TradeRecord, order *brokerage.Order) {
	if payload := l.takeJSON(order.OrderID); payload != nil && rec.OrderJSON == "" {
		rec.OrderJSON = string(payload)
	}
	if rec.Status == order.Status && rec.Filled == order.FilledQuantity {
		return
	}
	rec.Status = order.Status
	rec.Filled = order.FilledQuantity
	if p := order.ExecutionPrice(); p > 0 {
		rec.Price = p
	}
	if err := l.store.UpdateStatus(ctx, rec.LocalID, rec.Status, rec.Filled); err != nil {
		log.Error().Err(err).Str("component", "order_lifecycle").Int32("local_id", rec.LocalID).Msg("failed to persist status")
	}
}

func (l *Lifecycle) recordFrom(localID int32, order *brokerage.Order) *types.TradeRecord {
	rec := &types.TradeRecord{
		LocalID:       localID,
		BrokerOrderID: order.OrderID,
		OrderType:     order.OrderType,
		Status:        order.Status,
		Filled:        order.FilledQuantity,
		Price:         order.ExecutionPrice(),
		EnteredAt:     order.Entered(),
	}
	if rec.EnteredAt.IsZero() {
		rec.EnteredAt = l.now().UTC()
	}
	if len(order.OrderLegCollection) > 0 {
		first := order.OrderLegCollection[0]
		rec.Symbol = symbol.Decode(first.Instrument.Symbol)
		rec.AssetClass = first.Instrument.AssetType
		rec.Instruction = first.Instruction
	}
	rec.Quantity = lotSize(order)
	if strings.HasPrefix(rec.Instruction, "SELL") {
		rec.Quantity = -rec.Quantity
	}
	return rec
}

func (l *Lifecycle) rememberJSON(orderID int64, body []byte) {
	l.jsonMu.Lock()
	defer l.jsonMu.Unlock()
	l.orderJSON[orderID] = body
}

// takeJSON returns the stored body of an order once.
func (l *Lifecycle) takeJSON(orderID int64) []byte {
	l.jsonMu.Lock()
	defer l.jsonMu.Unlock()
	body, ok := l.orderJSON[orderID]
	if ok {
		delete(l.orderJSON, orderID)
	}
	return body
}

// StatusCode maps a trade to the engine's convention: -1 for closed trades,
// 0 for rejected ones and otherwise the quantity still held.
func StatusCode(rec *types.TradeRecord) float64 {
	switch rec.Status {
	case types.StatusRejected:
		return 0
	case types.StatusCanceled, types.StatusExpired, types.StatusReplaced, types.StatusPendingCancel:
		return -1
	}
	held := heldQuantity(rec)
	if held <= 0 {
		return -1
	}
	return held
}

// heldQuantity is the unsigned quantity of a trade not yet closed. Orders
// without fills count at their full size.
func heldQuantity(rec *types.TradeRecord) float64 {
	base := rec.Filled
	if base == 0 {
		base = math.Abs(rec.Quantity)
	}
	return base - rec.Closed
}

const quantityEpsilon = 1e-9

var optionAssetType = symbol.BrokerageAssetType(types.ClassOption)

// lotSize is the quantity one unit of a trade stands for on its first leg.
// Single-leg orders trade in shares or contracts; combos in lots of the
// order quantity.
func lotSize(order *brokerage.Order) float64 {
	if order.Quantity > 0 {
		return order.Quantity
	}
	if len(order.OrderLegCollection) == 0 {
		return 0
	}
	return order.OrderLegCollection[0].Quantity
}

// legCloseQuantity rounds a leg's outstanding close down to whole option
// contracts. Other instruments keep fractional quantities.
func legCloseQuantity(leg brokerage.OrderLeg, qty float64) float64 {
	if leg.Instrument.AssetType == optionAssetType {
		qty = math.Floor(qty + quantityEpsilon)
	}
	if qty <= quantityEpsilon {
		return 0
	}
	return qty
}

// closedLots is how many lots every leg has closed, which is the least any
// single leg has closed.
func closedLots(rec *types.TradeRecord, legs []brokerage.OrderLeg, lots float64) float64 {
	out := -1.0
	for i, leg := range legs {
		if leg.Quantity <= 0 || i >= len(rec.LegClosed) {
			continue
		}
		if n := rec.LegClosed[i] * lots / leg.Quantity; out < 0 || n < out {
			out = n
		}
	}
	if out < 0 {
		return rec.Closed
	}
	return out
}

func isOpen(status string) bool {
	switch status {
	case types.StatusFilled, types.StatusWorking, types.StatusAccepted:
		return true
	}
	return false
}

func isUnfilled(status string) bool {
	return status == types.StatusQueued ||
		strings.HasPrefix(status, "PENDING_") ||
		strings.HasPrefix(status, "AWAITING_")
}

func isResolved(status string) bool {
	switch status {
	case types.StatusReplaced, types.StatusRejected, types.StatusCanceled, types.StatusExpired:
		return true
	}
	return false
}

func marketOf(a *types.Asset) string {
	if a == nil {
		return "EQUITY"
	}
	return string(a.Class)
}
