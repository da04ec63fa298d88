package brokerage

import (
	"net/http"
	"strings"
	"testing"
)

func TestEveryEndpointHasRoute(t *testing.T) {
	for ep := PostAccessToken; ep <= GetFundInfo; ep++ {
		r, ok := RouteFor(ep)
		if !ok {
			t.Errorf("endpoint %s has no route", ep)
			continue
		}
		if !strings.HasPrefix(r.Path, "/") {
			t.Errorf("endpoint %s path %q is not absolute", ep, r.Path)
		}
		if ep.String() == "unknown" {
			t.Errorf("endpoint %d has no name", ep)
		}
	}
}

func TestRouteShapes(t *testing.T) {
	tests := []struct {
		ep     Endpoint
		method string
		path   string
	}{
		{PostAccessToken, http.MethodPost, "/oauth2/token"},
		{PlaceOrder, http.MethodPost, "/accounts/{account_id}/orders"},
		{CancelOrder, http.MethodDelete, "/accounts/{account_id}/orders/{order_id}"},
		{GetOrder, http.MethodGet, "/accounts/{account_id}/orders/{order_id}"},
		{GetMarketHours, http.MethodGet, "/marketdata/{market}/hours"},
	}
	for _, tt := range tests {
		r, _ := RouteFor(tt.ep)
		if r.Method != tt.method || r.Path != tt.path {
			t.Errorf("route %s = %s %s, want %s %s", tt.ep, r.Method, r.Path, tt.method, tt.path)
		}
	}
	if r, _ := RouteFor(PostAccessToken); r.ContentType != contentForm {
		t.Errorf("token content type = %q, want form encoding", r.ContentType)
	}
}

func TestDecodeQuotesRejectsUnknownType(t *testing.T) {
	_, err := decodeQuotes([]byte(`{"X":{"assetType":"CRYPTO","symbol":"X"}}`))
	if err == nil {
		t.Error("decodeQuotes() with unknown asset type returned nil error")
	}

	quotes, err := decodeQuotes([]byte(`{"EUR/USD":{"assetType":"FOREX","symbol":"EUR/USD","bidPriceInDouble":1.0801,"askPriceInDouble":1.0803}}`))
	if err != nil {
		t.Fatalf("decodeQuotes() returned error: %v", err)
	}
	if q := quotes["EUR/USD"]; q.Bid() != 1.0801 || q.Header().AssetType != "FOREX" {
		t.Errorf("EUR/USD quote = %+v, want forex bid 1.0801", q)
	}
}
