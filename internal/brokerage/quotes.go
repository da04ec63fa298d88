package brokerage

import (
	"encoding/json"
	"fmt"
)

// Quote is a typed quote for one symbol, decoded by its assetType.
type Quote interface {
	Header() QuoteHeader
	Bid() float64
	Ask() float64
	Volume() float64
}

type QuoteHeader struct {
	AssetType   string `json:"assetType"`
	Symbol      string `json:"symbol"`
	Description string `json:"description"`
	Exchange    string `json:"exchange"`
}

func (h QuoteHeader) Header() QuoteHeader { return h }

// EquityQuote covers EQUITY and ETF.
type EquityQuote struct {
	QuoteHeader
	BidPrice    float64 `json:"bidPrice"`
	AskPrice    float64 `json:"askPrice"`
	LastPrice   float64 `json:"lastPrice"`
	Mark        float64 `json:"mark"`
	TotalVolume float64 `json:"totalVolume"`
}

func (q *EquityQuote) Bid() float64    { return q.BidPrice }
func (q *EquityQuote) Ask() float64    { return q.AskPrice }
func (q *EquityQuote) Volume() float64 { return q.TotalVolume }

type OptionQuote struct {
	QuoteHeader
	BidPrice         float64 `json:"bidPrice"`
	AskPrice         float64 `json:"askPrice"`
	LastPrice        float64 `json:"lastPrice"`
	TotalVolume      float64 `json:"totalVolume"`
	StrikePrice      float64 `json:"strikePrice"`
	ContractType     string  `json:"contractType"`
	Underlying       string  `json:"underlying"`
	Multiplier       float64 `json:"multiplier"`
	Delta            float64 `json:"delta"`
	UnderlyingPrice  float64 `json:"underlyingPrice"`
	OpenInterest     float64 `json:"openInterest"`
	DaysToExpiration int     `json:"daysToExpiration"`
}

func (q *OptionQuote) Bid() float64    { return q.BidPrice }
func (q *OptionQuote) Ask() float64    { return q.AskPrice }
func (q *OptionQuote) Volume() float64 { return q.TotalVolume }

// FundQuote prices at net asset value on both sides.
type FundQuote struct {
	QuoteHeader
	NAV         float64 `json:"nAV"`
	ClosePrice  float64 `json:"closePrice"`
	TotalVolume float64 `json:"totalVolume"`
}

func (q *FundQuote) Bid() float64    { return q.NAV }
func (q *FundQuote) Ask() float64    { return q.NAV }
func (q *FundQuote) Volume() float64 { return q.TotalVolume }

type FutureQuote struct {
	QuoteHeader
	BidPriceInDouble  float64 `json:"bidPriceInDouble"`
	AskPriceInDouble  float64 `json:"askPriceInDouble"`
	LastPriceInDouble float64 `json:"lastPriceInDouble"`
	TotalVolume       float64 `json:"totalVolume"`
	TickAmount        float64 `json:"tickAmount"`
	FutureMultiplier  float64 `json:"futureMultiplier"`
}

func (q *FutureQuote) Bid() float64    { return q.BidPriceInDouble }
func (q *FutureQuote) Ask() float64    { return q.AskPriceInDouble }
func (q *FutureQuote) Volume() float64 { return q.TotalVolume }

type ForexQuote struct {
	QuoteHeader
	BidPriceInDouble  float64 `json:"bidPriceInDouble"`
	AskPriceInDouble  float64 `json:"askPriceInDouble"`
	LastPriceInDouble float64 `json:"lastPriceInDouble"`
	TotalVolume       float64 `json:"totalVolume"`
	Tick              float64 `json:"tick"`
	TickAmount        float64 `json:"tickAmount"`
}

func (q *ForexQuote) Bid() float64    { return q.BidPriceInDouble }
func (q *ForexQuote) Ask() float64    { return q.AskPriceInDouble }
func (q *ForexQuote) Volume() float64 { return q.TotalVolume }

// IndexQuote has no book; both sides are the last print.
type IndexQuote struct {
	QuoteHeader
	LastPrice   float64 `json:"lastPrice"`
	TotalVolume float64 `json:"totalVolume"`
}

func (q *IndexQuote) Bid() float64    { return q.LastPrice }
func (q *IndexQuote) Ask() float64    { return q.LastPrice }
func (q *IndexQuote) Volume() float64 { return q.TotalVolume }

// decodeQuotes decodes a symbol-keyed quote response, choosing the schema of
// each entry from its assetType.
func decodeQuotes(body []byte) (map[string]Quote, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode quotes: %w", err)
	}

	quotes := make(map[string]Quote, len(raw))
	for symbol, msg := range raw {
		var head QuoteHeader
		if err := json.Unmarshal(msg, &head); err != nil {
			return nil, fmt.Errorf("failed to decode quote %s: %w", symbol, err)
		}

		var q Quote
		switch head.AssetType {
		case "EQUITY", "ETF":
			q = &EquityQuote{}
		case "OPTION":
			q = &OptionQuote{}
		case "MUTUAL_FUND":
			q = &FundQuote{}
		case "FUTURE", "FUTURE_OPTION":
			q = &FutureQuote{}
		case "FOREX":
			q = &ForexQuote{}
		case "INDEX":
			q = &IndexQuote{}
		default:
			return nil, fmt.Errorf("quote %s: unsupported asset type %q", symbol, head.AssetType)
		}
		if err := json.Unmarshal(msg, q); err != nil {
			return nil, fmt.Errorf("failed to decode %s quote %s: %w", head.AssetType, symbol, err)
		}
		quotes[symbol] = q
	}
	return quotes, nil
}
