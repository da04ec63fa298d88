package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// AssetClass is the normalized class of a parsed symbol.
type AssetClass string

const (
	ClassEquity       AssetClass = "EQUITY"
	ClassOption       AssetClass = "OPTION"
	ClassFuture       AssetClass = "FUTURE"
	ClassFutureOption AssetClass = "FUTURE_OPTION"
	ClassMutualFund   AssetClass = "MUTUAL_FUND"
	ClassForex        AssetClass = "FOREX"
	// ClassOther covers allow-listed security types the brokerage cannot trade
	// through this adapter (indices, warrants, bonds and similar).
	ClassOther AssetClass = "OTHER"
)

// Right is the put/call flag of an option.
type Right string

const (
	Call Right = "C"
	Put  Right = "P"
)

// OptionTerms is the class payload of an option or future option.
type OptionTerms struct {
	Expiration time.Time       `json:"expiration"`
	Strike     decimal.Decimal `json:"strike"`
	Right      Right           `json:"right"`
}

// FutureTerms is the class payload of a future.
type FutureTerms struct {
	Expiration   time.Time `json:"expiration"`
	TradingClass string    `json:"trading_class"`
}

// ForexTerms is the class payload of a currency pair.
type ForexTerms struct {
	CounterCurrency string  `json:"counter_currency"`
	RolloverLong    float64 `json:"rollover_long"`
	RolloverShort   float64 `json:"rollover_short"`
}

// Asset is a parsed symbol. An Asset with Valid == false must never be used
// to build an order; Reason says why it was rejected.
type Asset struct {
	RawSymbol string       `json:"raw_symbol"`
	Ticker    string       `json:"ticker"`
	SecType   string       `json:"sec_type"`
	Class     AssetClass   `json:"class"`
	Exchanges []string     `json:"exchanges"`
	Currency  string       `json:"currency"`
	Valid     bool         `json:"valid"`
	Reason    string       `json:"reason,omitempty"`
	Option    *OptionTerms `json:"option,omitempty"`
	Future    *FutureTerms `json:"future,omitempty"`
	Forex     *ForexTerms  `json:"forex,omitempty"`
}

// Quote is the market snapshot returned alongside an asset lookup.
type Quote struct {
	Price      float64 `json:"price"`
	Spread     float64 `json:"spread"`
	Volume     float64 `json:"volume"`
	Pip        float64 `json:"pip"`
	PipCost    float64 `json:"pip_cost"`
	LotAmount  float64 `json:"lot_amount"`
	MarginCost float64 `json:"margin_cost"`
}
