package trading

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/ksred/brokerbridge/internal/brokerage"
	"github.com/ksred/brokerbridge/internal/symbol"
	"github.com/ksred/brokerbridge/internal/types"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// SellPolicy decides what happens when an equity sell exceeds the position.
type SellPolicy string

const (
	SellCancel SellPolicy = "cancel"
	SellAdjust SellPolicy = "adjust"
	SellShort  SellPolicy = "short"
)

// ParseSellPolicy accepts cancel, adjust or short in any case.
func ParseSellPolicy(s string) (SellPolicy, error) {
	switch p := SellPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case SellCancel, SellAdjust, SellShort:
		return p, nil
	}
	return "", fmt.Errorf("unknown sell policy %q", s)
}

// FundLookupPolicy decides what happens when fund metadata cannot be fetched.
type FundLookupPolicy string

const (
	FundLookupAccept FundLookupPolicy = "accept"
	FundLookupReject FundLookupPolicy = "reject"
)

// Order rule names carried by ValidationError.
const (
	RuleInvalidAsset     = "invalid_asset"
	RuleUnsupportedClass = "unsupported_asset_class"
	RuleZeroQuantity     = "zero_quantity"
	RuleSellExceeds      = "sell_exceeds_position"
	RuleFundMinimum      = "fund_minimum"
	RuleFundLookup       = "fund_lookup"
	RuleLimitPrice       = "limit_price"
	RuleNonOptionLeg     = "non_option_leg"
	RuleMarketClosed     = "market_closed"
	RuleComboLegs        = "combo_legs"
	RuleCloseQuantity    = "close_quantity"
)

// Holdings answers position and fund metadata questions for the builder.
type Holdings interface {
	GetAccount(ctx context.Context, withPositions bool) (*brokerage.SecuritiesAccount, error)
	GetFundInfo(ctx context.Context, symbol string) (*brokerage.FundInfo, error)
}

// Builder turns order intents into brokerage order payloads.
type Builder struct {
	holdings Holdings
	fund     FundLookupPolicy

	mu   sync.RWMutex
	sell SellPolicy
}

func NewBuilder(holdings Holdings, sell SellPolicy, fund FundLookupPolicy) *Builder {
	if sell == "" {
		sell = SellAdjust
	}
	if fund == "" {
		fund = FundLookupAccept
	}
	return &Builder{holdings: holdings, sell: sell, fund: fund}
}

func (b *Builder) SetSellPolicy(p SellPolicy) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sell = p
}

func (b *Builder) SellPolicy() SellPolicy {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.sell
}

// Build constructs the payload for a single-leg intent.
func (b *Builder) Build(ctx context.Context, intent types.OrderIntent) (*brokerage.Order, error) {
	a := intent.Asset
	if a == nil || !a.Valid {
		return nil, ruleError(RuleInvalidAsset, -1, a, "asset is not valid")
	}
	if intent.Quantity == 0 {
		return nil, ruleError(RuleZeroQuantity, -1, a, "quantity is zero")
	}

	switch a.Class {
	case types.ClassEquity:
		return b.buildEquity(ctx, intent)
	case types.ClassOption:
		leg, err := optionLeg(intent)
		if err != nil {
			return nil, err
		}
		return singleOrder(intent.Limit, leg), nil
	case types.ClassMutualFund:
		return b.buildFund(ctx, intent)
	default:
		return nil, ruleError(RuleUnsupportedClass, -1, a, fmt.Sprintf("%s orders are not supported", a.Class))
	}
}

func (b *Builder) buildEquity(ctx context.Context, intent types.OrderIntent) (*brokerage.Order, error) {
	a := intent.Asset
	qty := intent.Quantity

	if qty < 0 {
		adjusted, err := b.applySellPolicy(ctx, a, qty)
		if err != nil {
			return nil, err
		}
		qty = adjusted
	}

	instruction := "BUY"
	if qty < 0 {
		instruction = "SELL"
	}
	leg := brokerage.OrderLeg{
		Instrument:  brokerage.Instrument{Symbol: a.Ticker, AssetType: symbol.BrokerageAssetType(types.ClassEquity)},
		Instruction: instruction,
		Quantity:    math.Abs(qty),
	}
	order := singleOrder(intent.Limit, leg)

	if intent.StopDist > 0 {
		attachTrailingStop(order, leg, intent.StopDist)
	}
	return order, nil
}

// applySellPolicy checks an equity sell against the settled position and
// returns the signed quantity to send.
func (b *Builder) applySellPolicy(ctx context.Context, a *types.Asset, qty float64) (float64, error) {
	logger := log.With().Str("component", "order_builder").Str("symbol", a.Ticker).Logger()

	account, err := b.holdings.GetAccount(ctx, true)
	if err != nil {
		return 0, fmt.Errorf("failed to read position: %w", err)
	}
	owned, _ := account.PositionFor(a.Ticker)
	if owned < 0 {
		owned = 0
	}
	if math.Abs(qty) <= owned {
		return qty, nil
	}

	policy := b.SellPolicy()
	logger.Info().
		Float64("requested", qty).
		Float64("owned", owned).
		Str("policy", string(policy)).
		Msg("sell exceeds position")

	switch policy {
	case SellCancel:
		return 0, ruleError(RuleSellExceeds, -1, a, fmt.Sprintf("sell of %g exceeds position of %g", -qty, owned))
	case SellShort:
		return qty, nil
	default:
		if owned == 0 {
			return 0, ruleError(RuleSellExceeds, -1, a, "no position to sell")
		}
		return -owned, nil
	}
}

func (b *Builder) buildFund(ctx context.Context, intent types.OrderIntent) (*brokerage.Order, error) {
	if err := b.ValidateFund(ctx, intent); err != nil {
		return nil, err
	}

	instruction := "BUY"
	if intent.Quantity < 0 {
		instruction = "SELL"
	}
	leg := brokerage.OrderLeg{
		Instrument:   brokerage.Instrument{Symbol: intent.Asset.Ticker, AssetType: symbol.BrokerageAssetType(types.ClassMutualFund)},
		Instruction:  instruction,
		Quantity:     fundAmount(intent),
		QuantityType: "DOLLARS",
	}
	return singleOrder(0, leg), nil
}

// fundAmount is the dollar value of a fund order.
func fundAmount(intent types.OrderIntent) float64 {
	amount := math.Abs(intent.Quantity)
	if intent.MarketPrice > 0 {
		amount *= intent.MarketPrice
	}
	return math.Round(amount*100) / 100
}

// ValidateFund accepts a fund order outright when the fund is already held;
// otherwise the order value must reach the fund's minimum investment.
func (b *Builder) ValidateFund(ctx context.Context, intent types.OrderIntent) error {
	a := intent.Asset
	logger := log.With().Str("component", "order_builder").Str("symbol", a.Ticker).Logger()

	if account, err := b.holdings.GetAccount(ctx, true); err == nil {
		if qty, held := account.PositionFor(a.Ticker); held && qty != 0 {
			return nil
		}
	}

	info, err := b.holdings.GetFundInfo(ctx, a.Ticker)
	if err != nil {
		if b.fund == FundLookupReject {
			return ruleError(RuleFundLookup, -1, a, "fund metadata unavailable: "+err.Error())
		}
		logger.Warn().Err(err).Msg("fund metadata unavailable, accepting order")
		return nil
	}

	if amount := fundAmount(intent); amount < info.MinimumInvestment {
		return ruleError(RuleFundMinimum, -1, a, fmt.Sprintf("amount %.2f below minimum investment %.2f", amount, info.MinimumInvestment))
	}
	return nil
}

// BuildCombo assembles accumulated option legs into one multi-leg order. A
// limit price on any leg, or any non-option leg, rejects the whole combo.
func (b *Builder) BuildCombo(legs []types.OrderIntent) (*brokerage.Order, error) {
	logger := log.With().Str("component", "order_builder").Int("legs", len(legs)).Logger()

	order := &brokerage.Order{
		OrderType:                "MARKET",
		Session:                  "NORMAL",
		Duration:                 "DAY",
		OrderStrategyType:        "SINGLE",
		ComplexOrderStrategyType: "CUSTOM",
	}
	for i, intent := range legs {
		a := intent.Asset
		if a == nil || !a.Valid || a.Class != types.ClassOption {
			err := ruleError(RuleNonOptionLeg, i, a, "only option legs can be combined")
			logger.Error().Int("leg", i).Str("symbol", symbolOf(a)).Str("rule", RuleNonOptionLeg).Msg("combo rejected")
			return nil, err
		}
		if intent.Limit > 0 {
			err := ruleError(RuleLimitPrice, i, a, "combo legs must be market orders")
			logger.Error().Int("leg", i).Str("symbol", symbolOf(a)).Str("rule", RuleLimitPrice).Msg("combo rejected")
			return nil, err
		}
		leg, err := optionLeg(intent)
		if err != nil {
			return nil, err
		}
		leg.LegID = int64(i + 1)
		order.OrderLegCollection = append(order.OrderLegCollection, leg)
	}
	// One lot of the combo is the first leg's size.
	order.Quantity = order.OrderLegCollection[0].Quantity
	return order, nil
}

// CloseOrder builds the opposite order for one leg of an open trade.
func CloseOrder(leg brokerage.OrderLeg, qty, limit float64) *brokerage.Order {
	closing := brokerage.OrderLeg{
		Instrument:   leg.Instrument,
		Instruction:  closingInstruction(leg.Instruction),
		Quantity:     qty,
		QuantityType: leg.QuantityType,
	}
	return singleOrder(limit, closing)
}

func closingInstruction(instruction string) string {
	switch instruction {
	case "BUY":
		return "SELL"
	case "SELL":
		return "BUY"
	case "SELL_SHORT":
		return "BUY_TO_COVER"
	case "BUY_TO_COVER":
		return "SELL_SHORT"
	case "BUY_TO_OPEN":
		return "SELL_TO_CLOSE"
	case "SELL_TO_OPEN":
		return "BUY_TO_CLOSE"
	case "BUY_TO_CLOSE":
		return "SELL_TO_OPEN"
	case "SELL_TO_CLOSE":
		return "BUY_TO_OPEN"
	default:
		return instruction
	}
}

func optionLeg(intent types.OrderIntent) (brokerage.OrderLeg, error) {
	encoded, err := symbol.Encode(intent.Asset)
	if err != nil {
		return brokerage.OrderLeg{}, ruleError(RuleInvalidAsset, -1, intent.Asset, err.Error())
	}

	side := "BUY"
	if intent.Quantity < 0 {
		side = "SELL"
	}
	effect := "_TO_OPEN"
	if intent.Close {
		effect = "_TO_CLOSE"
	}
	return brokerage.OrderLeg{
		Instrument:  brokerage.Instrument{Symbol: encoded, AssetType: symbol.BrokerageAssetType(types.ClassOption)},
		Instruction: side + effect,
		Quantity:    math.Abs(intent.Quantity),
	}, nil
}

func singleOrder(limit float64, leg brokerage.OrderLeg) *brokerage.Order {
	order := &brokerage.Order{
		OrderType:          "MARKET",
		Session:            "NORMAL",
		Duration:           "DAY",
		OrderStrategyType:  "SINGLE",
		OrderLegCollection: []brokerage.OrderLeg{leg},
	}
	if limit > 0 {
		price := decimal.NewFromFloat(limit).Round(2)
		order.OrderType = "LIMIT"
		order.Price = &price
	}
	return order
}

// attachTrailingStop turns order into a TRIGGER parent whose fill arms a
// trailing stop on the opposite side.
func attachTrailingStop(order *brokerage.Order, leg brokerage.OrderLeg, dist float64) {
	offset := decimal.NewFromFloat(dist).Round(2)
	order.OrderStrategyType = "TRIGGER"
	order.ChildOrderStrategies = []brokerage.Order{{
		OrderType:          "TRAILING_STOP",
		Session:            "NORMAL",
		Duration:           "GOOD_TILL_CANCEL",
		StopPriceLinkBasis: "BID",
		StopPriceLinkType:  "VALUE",
		StopPriceOffset:    &offset,
		StopType:           "STANDARD",
		OrderStrategyType:  "SINGLE",
		OrderLegCollection: []brokerage.OrderLeg{{
			Instrument:  leg.Instrument,
			Instruction: closingInstruction(leg.Instruction),
			Quantity:    leg.Quantity,
		}},
	}}
}

func ruleError(rule string, leg int, a *types.Asset, reason string) error {
	return &types.ValidationError{Rule: rule, Leg: leg, Symbol: symbolOf(a), Reason: reason}
}

func symbolOf(a *types.Asset) string {
	if a == nil {
		return ""
	}
	if a.RawSymbol != "" {
		return a.RawSymbol
	}
	return a.Ticker
}
