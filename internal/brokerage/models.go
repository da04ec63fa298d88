package brokerage

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const enteredTimeLayout = "2006-01-02T15:04:05-0700"

// Order is both the place-order payload and the get-order response.
type Order struct {
	Session                  string           `json:"session,omitempty"`
	Duration                 string           `json:"duration,omitempty"`
	OrderType                string           `json:"orderType,omitempty"`
	ComplexOrderStrategyType string           `json:"complexOrderStrategyType,omitempty"`
	Quantity                 float64          `json:"quantity,omitempty"`
	FilledQuantity           float64          `json:"filledQuantity,omitempty"`
	RemainingQuantity        float64          `json:"remainingQuantity,omitempty"`
	Price                    *decimal.Decimal `json:"price,omitempty"`
	StopPriceLinkBasis       string           `json:"stopPriceLinkBasis,omitempty"`
	StopPriceLinkType        string           `json:"stopPriceLinkType,omitempty"`
	StopPriceOffset          *decimal.Decimal `json:"stopPriceOffset,omitempty"`
	StopType                 string           `json:"stopType,omitempty"`
	OrderStrategyType        string           `json:"orderStrategyType,omitempty"`
	OrderLegCollection       []OrderLeg       `json:"orderLegCollection,omitempty"`
	OrderActivityCollection  []OrderActivity  `json:"orderActivityCollection,omitempty"`
	ChildOrderStrategies     []Order          `json:"childOrderStrategies,omitempty"`
	OrderID                  int64            `json:"orderId,omitempty"`
	Cancelable               bool             `json:"cancelable,omitempty"`
	Editable                 bool             `json:"editable,omitempty"`
	Status                   string           `json:"status,omitempty"`
	EnteredTime              string           `json:"enteredTime,omitempty"`
	AccountID                int64            `json:"accountId,omitempty"`
}

// Entered parses EnteredTime, falling back to the first execution time.
func (o *Order) Entered() time.Time {
	if t, err := time.Parse(enteredTimeLayout, o.EnteredTime); err == nil {
		return t.UTC()
	}
	for _, a := range o.OrderActivityCollection {
		for _, leg := range a.ExecutionLegs {
			if t, err := time.Parse(enteredTimeLayout, leg.Time); err == nil {
				return t.UTC()
			}
		}
	}
	return time.Time{}
}

// ExecutionPrice is the first execution price, or the order price.
func (o *Order) ExecutionPrice() float64 {
	for _, a := range o.OrderActivityCollection {
		for _, leg := range a.ExecutionLegs {
			if leg.Price > 0 {
				return leg.Price
			}
		}
	}
	if o.Price != nil {
		f, _ := o.Price.Float64()
		return f
	}
	return 0
}

type OrderLeg struct {
	OrderLegType   string     `json:"orderLegType,omitempty"`
	LegID          int64      `json:"legId,omitempty"`
	Instrument     Instrument `json:"instrument"`
	Instruction    string     `json:"instruction"`
	PositionEffect string     `json:"positionEffect,omitempty"`
	Quantity       float64    `json:"quantity"`
	QuantityType   string     `json:"quantityType,omitempty"`
}

type Instrument struct {
	AssetType   string `json:"assetType"`
	Cusip       string `json:"cusip,omitempty"`
	Symbol      string `json:"symbol"`
	Description string `json:"description,omitempty"`
	Type        string `json:"type,omitempty"`
}

type OrderActivity struct {
	ActivityType           string         `json:"activityType,omitempty"`
	ExecutionType          string         `json:"executionType,omitempty"`
	Quantity               float64        `json:"quantity,omitempty"`
	OrderRemainingQuantity float64        `json:"orderRemainingQuantity,omitempty"`
	ExecutionLegs          []ExecutionLeg `json:"executionLegs,omitempty"`
}

type ExecutionLeg struct {
	LegID             int64   `json:"legId,omitempty"`
	Quantity          float64 `json:"quantity,omitempty"`
	MismarkedQuantity float64 `json:"mismarkedQuantity,omitempty"`
	Price             float64 `json:"price,omitempty"`
	Time              string  `json:"time,omitempty"`
}

// SecuritiesAccount is the account snapshot, with positions when requested.
type SecuritiesAccount struct {
	Type            string     `json:"type"`
	AccountID       string     `json:"accountId"`
	RoundTrips      int        `json:"roundTrips"`
	IsDayTrader     bool       `json:"isDayTrader"`
	Positions       []Position `json:"positions,omitempty"`
	CurrentBalances Balances   `json:"currentBalances"`
}

type accountEnvelope struct {
	SecuritiesAccount SecuritiesAccount `json:"securitiesAccount"`
}

type Balances struct {
	AvailableFundsNonMarginableTrade float64 `json:"availableFundsNonMarginableTrade"`
	BuyingPower                      float64 `json:"buyingPower"`
	CashBalance                      float64 `json:"cashBalance"`
	Equity                           float64 `json:"equity"`
	LiquidationValue                 float64 `json:"liquidationValue"`
	MarginBalance                    float64 `json:"marginBalance"`
}

type Position struct {
	ShortQuantity        float64    `json:"shortQuantity"`
	AveragePrice         float64    `json:"averagePrice"`
	LongQuantity         float64    `json:"longQuantity"`
	SettledLongQuantity  float64    `json:"settledLongQuantity"`
	SettledShortQuantity float64    `json:"settledShortQuantity"`
	MarketValue          float64    `json:"marketValue"`
	Instrument           Instrument `json:"instrument"`
}

// Net is the settled long quantity minus the settled short quantity.
func (p Position) Net() float64 {
	return p.SettledLongQuantity - p.SettledShortQuantity
}

// PositionFor sums the net settled quantity held in symbol.
func (a *SecuritiesAccount) PositionFor(symbol string) (float64, bool) {
	var (
		total float64
		found bool
	)
	for _, p := range a.Positions {
		if strings.EqualFold(p.Instrument.Symbol, symbol) {
			total += p.Net()
			found = true
		}
	}
	return total, found
}

// MarketHours is one market's schedule for a date. Session windows are keyed
// by preMarket, regularMarket and postMarket.
type MarketHours struct {
	Date         string                     `json:"date"`
	MarketType   string                     `json:"marketType"`
	Product      string                     `json:"product"`
	ProductName  string                     `json:"productName"`
	IsOpen       bool                       `json:"isOpen"`
	SessionHours map[string][]SessionWindow `json:"sessionHours"`
}

type SessionWindow struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

type PriceHistory struct {
	Symbol  string   `json:"symbol"`
	Empty   bool     `json:"empty"`
	Candles []Candle `json:"candles"`
}

type Candle struct {
	Open     float64 `json:"open"`
	High     float64 `json:"high"`
	Low      float64 `json:"low"`
	Close    float64 `json:"close"`
	Volume   float64 `json:"volume"`
	Datetime int64   `json:"datetime"`
}

// PriceHistoryQuery selects minute bars between two instants.
type PriceHistoryQuery struct {
	Frequency int
	Start     time.Time
	End       time.Time
}

type OptionChain struct {
	Symbol            string                                `json:"symbol"`
	Status            string                                `json:"status"`
	UnderlyingPrice   float64                               `json:"underlyingPrice"`
	NumberOfContracts int                                   `json:"numberOfContracts"`
	CallExpDateMap    map[string]map[string][]ChainContract `json:"callExpDateMap"`
	PutExpDateMap     map[string]map[string][]ChainContract `json:"putExpDateMap"`
}

type ChainContract struct {
	PutCall     string  `json:"putCall"`
	Symbol      string  `json:"symbol"`
	Description string  `json:"description"`
	Bid         float64 `json:"bid"`
	Ask         float64 `json:"ask"`
	Last        float64 `json:"last"`
	TimeValue   float64 `json:"timeValue"`
	TotalVolume float64 `json:"totalVolume"`
	StrikePrice float64 `json:"strikePrice"`
}

// FundInfo carries the mutual fund metadata used for minimum checks.
type FundInfo struct {
	Symbol            string  `json:"symbol"`
	MinimumInvestment float64 `json:"minimumInvestment"`
}
