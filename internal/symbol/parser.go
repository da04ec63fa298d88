package symbol

import (
	"strings"
	"time"

	"github.com/ksred/brokerbridge/internal/types"
	"github.com/shopspring/decimal"
)

// Parser turns dash-delimited engine symbols into assets.
//
// Grammar: TICKER[-SECTYPE[-...]] where the fields after the security type
// depend on the class:
//
//	options:  EXPIRY-STRIKE-P|C[-EXCHANGE[-CURRENCY]]
//	futures:  EXPIRY-TRADINGCLASS[-EXCHANGE[-CURRENCY]]
//	others:   [EXCHANGE[-CURRENCY]]
//
// EXCHANGE may list several venues separated by '/'. EXPIRY is YYYYMMDD or a
// compact month/year code such as AAPLL5.
type Parser struct {
	currency string
	now      func() time.Time
}

// NewParser returns a parser that falls back to currency when a symbol names
// none. A nil now uses time.Now.
func NewParser(currency string, now func() time.Time) *Parser {
	if currency == "" {
		currency = "USD"
	}
	if now == nil {
		now = time.Now
	}
	return &Parser{currency: currency, now: now}
}

// Parse never fails; malformed symbols come back with Valid == false and a
// Reason.
func (p *Parser) Parse(raw string) *types.Asset {
	a := &types.Asset{
		RawSymbol: raw,
		SecType:   "STK",
		Class:     types.ClassEquity,
		Exchanges: []string{defaultExchange},
		Currency:  p.currency,
	}

	parts := strings.Split(strings.TrimSpace(raw), "-")
	ticker := strings.ToUpper(parts[0])
	if ticker == "" {
		return invalid(a, "missing ticker")
	}
	a.Ticker = ticker

	// A BASE/COUNTER ticker is always a currency pair.
	if base, counter, ok := strings.Cut(ticker, "/"); ok {
		if !currencies[base] || !currencies[counter] {
			return invalid(a, "unknown currency pair")
		}
		a.SecType = "CASH"
		a.Class = types.ClassForex
		a.Currency = counter
		a.Forex = &types.ForexTerms{CounterCurrency: counter}
	}

	if len(parts) == 1 {
		a.Valid = true
		return a
	}

	secType := strings.ToUpper(parts[1])
	class, ok := secTypes[secType]
	if !ok {
		return invalid(a, "security type "+secType+" not allowed")
	}
	if a.Forex != nil && class != types.ClassForex {
		return invalid(a, "currency pair must be CASH")
	}
	a.SecType = secType
	a.Class = class

	switch class {
	case types.ClassOption, types.ClassFutureOption:
		return p.parseOption(a, parts)
	case types.ClassFuture:
		return p.parseFuture(a, parts)
	case types.ClassForex:
		if a.Forex == nil {
			return invalid(a, "CASH requires a BASE/COUNTER ticker")
		}
	}

	if !p.applyVenue(a, parts, 2) {
		return a
	}
	a.Valid = true
	return a
}

func (p *Parser) parseOption(a *types.Asset, parts []string) *types.Asset {
	now := p.now()
	terms := &types.OptionTerms{}
	a.Option = terms

	exp, right, ok := decodeExpiry(field(parts, 2), true, now)
	if !ok {
		return invalid(a, "missing or malformed expiration")
	}
	terms.Expiration = exp
	terms.Right = right

	strikeField := field(parts, 3)
	if strikeField == "" {
		return invalid(a, "missing strike")
	}
	strike, err := decimal.NewFromString(strikeField)
	if err != nil || !strike.IsPositive() {
		return invalid(a, "malformed strike "+strikeField)
	}
	terms.Strike = strike

	switch strings.ToUpper(field(parts, 4)) {
	case "":
	case "C", "CALL":
		terms.Right = types.Call
	case "P", "PUT":
		terms.Right = types.Put
	default:
		return invalid(a, "put/call flag must be P or C")
	}
	if terms.Right == "" {
		return invalid(a, "missing put/call flag")
	}

	if !p.applyVenue(a, parts, 5) {
		return a
	}
	if !unexpired(exp, now) {
		return invalid(a, "expired")
	}
	a.Valid = true
	return a
}

func (p *Parser) parseFuture(a *types.Asset, parts []string) *types.Asset {
	now := p.now()
	terms := &types.FutureTerms{}
	a.Future = terms

	exp, _, ok := decodeExpiry(field(parts, 2), false, now)
	if !ok {
		return invalid(a, "missing or malformed expiration")
	}
	terms.Expiration = exp

	terms.TradingClass = strings.ToUpper(field(parts, 3))
	if terms.TradingClass == "" {
		return invalid(a, "missing trading class")
	}

	if !p.applyVenue(a, parts, 4) {
		return a
	}
	if !unexpired(exp, now) {
		return invalid(a, "expired")
	}
	a.Valid = true
	return a
}

// applyVenue reads the exchange list at idx and the currency after it.
func (p *Parser) applyVenue(a *types.Asset, parts []string, idx int) bool {
	if ex := field(parts, idx); ex != "" {
		codes := strings.Split(strings.ToUpper(ex), "/")
		for _, code := range codes {
			if !exchanges[code] {
				invalid(a, "exchange "+code+" not allowed")
				return false
			}
		}
		a.Exchanges = codes
	}

	if a.Forex != nil {
		return true
	}
	if cur := strings.ToUpper(field(parts, idx+1)); currencies[cur] {
		a.Currency = cur
	}
	return true
}

// Validate returns a ParseError for an invalid asset.
func Validate(a *types.Asset) error {
	if a == nil {
		return &types.ParseError{Reason: "no asset"}
	}
	if !a.Valid {
		return &types.ParseError{Symbol: a.RawSymbol, Reason: a.Reason}
	}
	return nil
}

func unexpired(exp, now time.Time) bool {
	return exp.After(now.Add(-24 * time.Hour))
}

func field(parts []string, i int) string {
	if i >= len(parts) {
		return ""
	}
	return strings.TrimSpace(parts[i])
}

func invalid(a *types.Asset, reason string) *types.Asset {
	a.Valid = false
	a.Reason = reason
	return a
}
