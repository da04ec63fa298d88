package symbol

import (
	"fmt"
	"strings"
	"time"

	"github.com/ksred/brokerbridge/internal/types"
	"github.com/shopspring/decimal"
)

// Encode renders an option in the brokerage's TICKER_MMDDYY{P|C}STRIKE form,
// with the strike's trailing zeros and decimal point trimmed.
func Encode(a *types.Asset) (string, error) {
	if a == nil || a.Option == nil {
		return "", fmt.Errorf("encode: not an option")
	}
	if a.Option.Right != types.Call && a.Option.Right != types.Put {
		return "", fmt.Errorf("encode %s: missing put/call flag", a.RawSymbol)
	}
	return fmt.Sprintf("%s_%s%s%s",
		a.Ticker,
		a.Option.Expiration.Format("010206"),
		a.Option.Right,
		formatStrike(a.Option.Strike),
	), nil
}

func formatStrike(strike decimal.Decimal) string {
	s := strike.StringFixed(2)
	s = strings.TrimRight(s, "0")
	return strings.TrimSuffix(s, ".")
}

// Decode maps a brokerage option symbol back into the engine grammar, e.g.
// AAPL_121925C150 becomes AAPL-OPT-20251219-150-C-NYSE. Anything that is not
// an option symbol is returned unchanged.
func Decode(brokerSymbol string) string {
	ticker, rest, ok := strings.Cut(brokerSymbol, "_")
	if !ok || len(rest) < 8 {
		return brokerSymbol
	}
	exp, err := time.Parse("010206", rest[:6])
	if err != nil {
		return brokerSymbol
	}
	right := types.Right(rest[6:7])
	if right != types.Call && right != types.Put {
		return brokerSymbol
	}
	strike := rest[7:]
	if _, err := decimal.NewFromString(strike); err != nil {
		return brokerSymbol
	}
	return strings.Join([]string{ticker, "OPT", exp.Format("20060102"), strike, string(right), defaultExchange}, "-")
}

// BrokerSymbol is the symbol the brokerage quotes and trades an asset under.
func BrokerSymbol(a *types.Asset) (string, error) {
	switch a.Class {
	case types.ClassOption:
		return Encode(a)
	case types.ClassFuture, types.ClassFutureOption:
		return "/" + a.Ticker, nil
	default:
		return a.Ticker, nil
	}
}
