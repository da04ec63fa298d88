package symbol

import "github.com/ksred/brokerbridge/internal/types"

// Month code alphabets, January first.
const (
	callMonthCodes   = "ABCDEFGHIJKL"
	putMonthCodes    = "MNOPQRSTUVWX"
	futureMonthCodes = "FGHJKMNQUVXZ"
)

const defaultExchange = "NYSE"

var secTypes = map[string]types.AssetClass{
	"STK":    types.ClassEquity,
	"OPT":    types.ClassOption,
	"FUT":    types.ClassFuture,
	"FUTX":   types.ClassFuture,
	"IND":    types.ClassOther,
	"FOP":    types.ClassFutureOption,
	"WAR":    types.ClassOther,
	"CASH":   types.ClassForex,
	"CFD":    types.ClassOther,
	"STKCFD": types.ClassOther,
	"FUND":   types.ClassMutualFund,
	"EFP":    types.ClassOther,
	"BAG":    types.ClassOther,
	"BOND":   types.ClassOther,
	"CMDTY":  types.ClassOther,
}

var exchanges = map[string]bool{
	"SMART": true, "AMEX": true, "ARCA": true, "BELFOX": true, "BOX": true,
	"BRUT": true, "BTRADE": true, "CBOE": true, "CBOT": true, "CFE": true,
	"CME": true, "DTB": true, "E-CBOT": true, "ECBOT": true, "EUREX": true,
	"FOREX": true, "FTA": true, "GLOBEX": true, "HKFE": true, "IBIS": true,
	"ICE": true, "IDEM": true, "IDEALPRO": true, "ISE": true, "ISLAND": true,
	"LIFFE": true, "LSE": true, "MATIF": true, "ME": true, "MEFFRV": true,
	"MONEP": true, "NYBOT": true, "NYMEX": true, "NYSE": true, "ONE": true,
	"OSE.JPN": true, "PHLX": true, "PSE": true, "SNFE": true, "SOFFEX": true,
	"SUPERMONTAGE": true, "SWX": true, "TSE": true, "TSE.JPN": true, "TSX": true,
	"VIRTX": true, "XETRA": true,
}

var currencies = map[string]bool{
	"AUD": true, "BRL": true, "CAD": true, "CHF": true, "CNH": true,
	"CNY": true, "CZK": true, "DKK": true, "EUR": true, "GBP": true,
	"HKD": true, "HUF": true, "ILS": true, "INR": true, "JPY": true,
	"KRW": true, "MXN": true, "NOK": true, "NZD": true, "PLN": true,
	"RUB": true, "SEK": true, "SGD": true, "TRY": true, "USD": true,
	"ZAR": true,
}

// brokerageAssetTypes maps parsed classes to the brokerage's assetType names.
var brokerageAssetTypes = map[types.AssetClass]string{
	types.ClassEquity:     "EQUITY",
	types.ClassOption:     "OPTION",
	types.ClassMutualFund: "MUTUAL_FUND",
	types.ClassFuture:     "FUTURE",
	types.ClassForex:      "FOREX",
	types.ClassOther:      "INDEX",
}

// BrokerageAssetType returns the brokerage assetType for a parsed class.
func BrokerageAssetType(class types.AssetClass) string {
	if t, ok := brokerageAssetTypes[class]; ok {
		return t
	}
	return string(class)
}
