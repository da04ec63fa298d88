package brokerage

import "net/http"

// Endpoint names a brokerage REST operation.
type Endpoint int

const (
	PostAccessToken Endpoint = iota
	GetQuotes
	GetOptionChain
	GetAccount
	CancelOrder
	GetOrder
	PlaceOrder
	GetMarketHours
	GetPriceHistory
	GetFundInfo
)

const (
	contentJSON = "application/json"
	contentForm = "application/x-www-form-urlencoded"
)

// Route is the HTTP shape of an Endpoint. Paths are relative to the client's
// base URL and use resty {param} placeholders.
type Route struct {
	Path        string
	Method      string
	ContentType string
}

var routes = map[Endpoint]Route{
	PostAccessToken: {"/oauth2/token", http.MethodPost, contentForm},
	GetQuotes:       {"/marketdata/quotes", http.MethodGet, contentJSON},
	GetOptionChain:  {"/marketdata/chains", http.MethodGet, contentJSON},
	GetAccount:      {"/accounts/{account_id}", http.MethodGet, contentJSON},
	CancelOrder:     {"/accounts/{account_id}/orders/{order_id}", http.MethodDelete, contentJSON},
	GetOrder:        {"/accounts/{account_id}/orders/{order_id}", http.MethodGet, contentJSON},
	PlaceOrder:      {"/accounts/{account_id}/orders", http.MethodPost, contentJSON},
	GetMarketHours:  {"/marketdata/{market}/hours", http.MethodGet, contentJSON},
	GetPriceHistory: {"/marketdata/{symbol}/pricehistory", http.MethodGet, contentJSON},
	GetFundInfo:     {"/marketdata/{symbol}/fundinfo", http.MethodGet, contentJSON},
}

// RouteFor returns the route of an endpoint.
func RouteFor(ep Endpoint) (Route, bool) {
	r, ok := routes[ep]
	return r, ok
}

func (ep Endpoint) String() string {
	switch ep {
	case PostAccessToken:
		return "post_access_token"
	case GetQuotes:
		return "get_quotes"
	case GetOptionChain:
		return "get_option_chain"
	case GetAccount:
		return "get_account"
	case CancelOrder:
		return "cancel_order"
	case GetOrder:
		return "get_order"
	case PlaceOrder:
		return "place_order"
	case GetMarketHours:
		return "get_market_hours"
	case GetPriceHistory:
		return "get_price_history"
	case GetFundInfo:
		return "get_fund_info"
	default:
		return "unknown"
	}
}
