package brokerage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/ksred/brokerbridge/internal/types"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// TokenSource supplies the bearer token for authenticated calls.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
}

// Config configures a Client.
type Config struct {
	BaseURL           string
	AccountID         string
	FundInfoURL       string
	RequestsPerMinute int
	Timeout           time.Duration
}

// Client is the brokerage REST client. Every call waits on the outbound rate
// limiter, carries an X-Request-Id and, when authenticated, a bearer token
// fetched from the TokenSource at call time.
type Client struct {
	http        *resty.Client
	accountID   string
	fundInfoURL string
	limiter     *rate.Limiter
	tokens      TokenSource
}

func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	rpm := cfg.RequestsPerMinute
	if rpm <= 0 {
		rpm = 120
	}
	burst := rpm / 10
	if burst < 1 {
		burst = 1
	}

	return &Client{
		http: resty.New().
			SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
			SetTimeout(timeout).
			SetHeader("Accept", contentJSON),
		accountID:   cfg.AccountID,
		fundInfoURL: cfg.FundInfoURL,
		limiter:     rate.NewLimiter(rate.Limit(float64(rpm)/60.0), burst),
	}
}

// UseTokenSource sets the source of bearer tokens. It must be called before
// any authenticated request.
func (c *Client) UseTokenSource(ts TokenSource) {
	c.tokens = ts
}

func (c *Client) request(ctx context.Context, ep Endpoint, authed bool) (*resty.Request, Route, error) {
	route, ok := routes[ep]
	if !ok {
		return nil, Route{}, fmt.Errorf("no route for endpoint %d", ep)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, route, fmt.Errorf("%s: rate limiter: %w", ep, err)
	}

	req := c.http.R().
		SetContext(ctx).
		SetHeader("X-Request-Id", uuid.NewString()).
		SetPathParam("account_id", c.accountID)
	if route.Method == http.MethodPost || route.Method == http.MethodPut {
		req.SetHeader("Content-Type", route.ContentType)
	}

	if authed {
		if c.tokens == nil {
			return nil, route, &types.AuthError{Op: ep.String(), Err: errors.New("no token source")}
		}
		token, err := c.tokens.AccessToken(ctx)
		if err != nil {
			return nil, route, err
		}
		req.SetAuthToken(token)
	}
	return req, route, nil
}

func (c *Client) execute(ep Endpoint, req *resty.Request, route Route, url string) (*resty.Response, error) {
	if url == "" {
		url = route.Path
	}
	resp, err := req.Execute(route.Method, url)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", ep, err)
	}

	body := resp.Body()
	if !resp.IsSuccess() || bytes.HasPrefix(bytes.TrimSpace(body), []byte("ERROR")) {
		log.Error().
			Str("component", "brokerage_client").
			Str("endpoint", ep.String()).
			Int("status", resp.StatusCode()).
			Str("body", string(body)).
			Msg("brokerage request failed")
		return resp, &types.BrokerageError{Op: ep.String(), Status: resp.StatusCode(), Body: string(body)}
	}
	return resp, nil
}

func (c *Client) call(ctx context.Context, ep Endpoint, authed bool, build func(*resty.Request)) (*resty.Response, error) {
	req, route, err := c.request(ctx, ep, authed)
	if err != nil {
		return nil, err
	}
	if build != nil {
		build(req)
	}
	return c.execute(ep, req, route, "")
}

func decode(resp *resty.Response, ep Endpoint, out interface{}) error {
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return fmt.Errorf("%s: failed to decode response: %w", ep, err)
	}
	return nil
}

func oauthClientID(clientID string) string {
	if strings.Contains(clientID, "@") {
		return clientID
	}
	return clientID + "@AMER.OAUTHAP"
}

// ExchangeCode trades an authorization code for a token pair.
func (c *Client) ExchangeCode(ctx context.Context, code, clientID, redirectURI string) (*types.TokenGrant, error) {
	return c.postToken(ctx, map[string]string{
		"grant_type":    "authorization_code",
		"refresh_token": "",
		"access_type":   "offline",
		"code":          code,
		"client_id":     oauthClientID(clientID),
		"redirect_uri":  redirectURI,
	})
}

// ExchangeRefresh trades a refresh token for a new token pair.
func (c *Client) ExchangeRefresh(ctx context.Context, refreshToken, clientID string) (*types.TokenGrant, error) {
	return c.postToken(ctx, map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": refreshToken,
		"access_type":   "offline",
		"client_id":     oauthClientID(clientID),
	})
}

func (c *Client) postToken(ctx context.Context, form map[string]string) (*types.TokenGrant, error) {
	resp, err := c.call(ctx, PostAccessToken, false, func(r *resty.Request) {
		r.SetFormData(form)
	})
	if err != nil {
		return nil, err
	}
	var grant types.TokenGrant
	if err := decode(resp, PostAccessToken, &grant); err != nil {
		return nil, err
	}
	return &grant, nil
}

// GetQuotes returns typed quotes keyed by symbol.
func (c *Client) GetQuotes(ctx context.Context, symbols ...string) (map[string]Quote, error) {
	resp, err := c.call(ctx, GetQuotes, true, func(r *resty.Request) {
		r.SetQueryParam("symbol", strings.Join(symbols, ","))
	})
	if err != nil {
		return nil, err
	}
	return decodeQuotes(resp.Body())
}

// GetMarketHours returns the schedule of market on date, or nil when the
// brokerage reports none.
func (c *Client) GetMarketHours(ctx context.Context, market string, date time.Time) (*MarketHours, error) {
	resp, err := c.call(ctx, GetMarketHours, true, func(r *resty.Request) {
		r.SetPathParam("market", market).SetQueryParam("date", date.Format("2006-01-02"))
	})
	if err != nil {
		return nil, err
	}

	var byMarket map[string]map[string]*MarketHours
	if err := decode(resp, GetMarketHours, &byMarket); err != nil {
		return nil, err
	}
	for _, products := range byMarket {
		for _, hours := range products {
			if hours != nil {
				return hours, nil
			}
		}
	}
	return nil, nil
}

// GetPriceHistory returns minute candles for symbol.
func (c *Client) GetPriceHistory(ctx context.Context, symbol string, q PriceHistoryQuery) (*PriceHistory, error) {
	resp, err := c.call(ctx, GetPriceHistory, true, func(r *resty.Request) {
		r.SetPathParam("symbol", symbol).SetQueryParams(map[string]string{
			"periodType":            "day",
			"frequencyType":         "minute",
			"frequency":             strconv.Itoa(q.Frequency),
			"startDate":             strconv.FormatInt(q.Start.UnixMilli(), 10),
			"endDate":               strconv.FormatInt(q.End.UnixMilli(), 10),
			"needExtendedHoursData": "false",
		})
	})
	if err != nil {
		return nil, err
	}
	var history PriceHistory
	if err := decode(resp, GetPriceHistory, &history); err != nil {
		return nil, err
	}
	return &history, nil
}

// GetOptionChain returns the full chain of an underlying.
func (c *Client) GetOptionChain(ctx context.Context, symbol string) (*OptionChain, error) {
	resp, err := c.call(ctx, GetOptionChain, true, func(r *resty.Request) {
		r.SetQueryParam("symbol", symbol)
	})
	if err != nil {
		return nil, err
	}
	var chain OptionChain
	if err := decode(resp, GetOptionChain, &chain); err != nil {
		return nil, err
	}
	return &chain, nil
}

// GetAccount returns the configured account, with positions when asked.
func (c *Client) GetAccount(ctx context.Context, withPositions bool) (*SecuritiesAccount, error) {
	resp, err := c.call(ctx, GetAccount, true, func(r *resty.Request) {
		if withPositions {
			r.SetQueryParam("fields", "positions")
		}
	})
	if err != nil {
		return nil, err
	}
	var env accountEnvelope
	if err := decode(resp, GetAccount, &env); err != nil {
		return nil, err
	}
	return &env.SecuritiesAccount, nil
}

// PlaceOrder submits a JSON order and returns the brokerage order id taken
// from the last segment of the Location header.
func (c *Client) PlaceOrder(ctx context.Context, orderJSON []byte) (int64, error) {
	resp, err := c.call(ctx, PlaceOrder, true, func(r *resty.Request) {
		r.SetBody(orderJSON)
	})
	if err != nil {
		return 0, err
	}

	location := strings.TrimRight(resp.Header().Get("Location"), "/")
	idx := strings.LastIndex(location, "/")
	id, err := strconv.ParseInt(location[idx+1:], 10, 64)
	if err != nil || id <= 0 {
		return 0, &types.BrokerageError{Op: PlaceOrder.String(), Status: resp.StatusCode(), Body: "missing order id in Location " + location}
	}
	return id, nil
}

// GetOrder returns one order; an unknown id is a *types.NotFoundError.
func (c *Client) GetOrder(ctx context.Context, orderID int64) (*Order, error) {
	resp, err := c.call(ctx, GetOrder, true, func(r *resty.Request) {
		r.SetPathParam("order_id", strconv.FormatInt(orderID, 10))
	})
	if err != nil {
		return nil, notFound(err, "order", orderID)
	}
	var order Order
	if err := decode(resp, GetOrder, &order); err != nil {
		return nil, err
	}
	return &order, nil
}

// CancelOrder cancels one order; an unknown id is a *types.NotFoundError.
func (c *Client) CancelOrder(ctx context.Context, orderID int64) error {
	_, err := c.call(ctx, CancelOrder, true, func(r *resty.Request) {
		r.SetPathParam("order_id", strconv.FormatInt(orderID, 10))
	})
	return notFound(err, "order", orderID)
}

// GetFundInfo returns mutual fund metadata from the configured lookup URL, or
// from the brokerage when none is set.
func (c *Client) GetFundInfo(ctx context.Context, symbol string) (*FundInfo, error) {
	req, route, err := c.request(ctx, GetFundInfo, c.fundInfoURL == "")
	if err != nil {
		return nil, err
	}
	req.SetPathParam("symbol", symbol)
	resp, err := c.execute(GetFundInfo, req, route, c.fundInfoURL)
	if err != nil {
		return nil, err
	}
	var info FundInfo
	if err := decode(resp, GetFundInfo, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func notFound(err error, kind string, id int64) error {
	var be *types.BrokerageError
	if errors.As(err, &be) && be.Status == http.StatusNotFound {
		return &types.NotFoundError{Kind: kind, ID: strconv.FormatInt(id, 10)}
	}
	return err
}
