package sandbox

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/ksred/brokerbridge/internal/brokerage"
	"github.com/ksred/brokerbridge/internal/types"
	"github.com/rs/zerolog/log"
)

const enteredTimeLayout = "2006-01-02T15:04:05-0700"

// Config tunes the simulated brokerage.
type Config struct {
	AccountID  string
	AuthCode   string
	MinLatency int // in milliseconds
	MaxLatency int
	// SuccessRate is the probability that a placed order is accepted; the
	// rest come back REJECTED.
	SuccessRate float64
	// FillStatus is the status given to accepted orders.
	FillStatus string
	AccessTTL  int64 // seconds
}

// Exchange is an in-memory brokerage speaking the same REST dialect as the
// real one. It backs tests, test mode and the simulation.
type Exchange struct {
	cfg Config
	rng *rand.Rand

	mu        sync.Mutex
	access    map[string]bool
	refresh   map[string]bool
	orders    map[int64]*brokerage.Order
	nextID    int64
	quotes    map[string]brokerage.Quote
	positions map[string]*brokerage.Position
	balances  brokerage.Balances
	hours     map[string]*brokerage.MarketHours
	funds     map[string]brokerage.FundInfo
	history   map[string][]brokerage.Candle
	chains    map[string]*brokerage.OptionChain
	placed    [][]byte
	canceled  []int64

	placements int
	refuseAt   int

	codeGrants    int
	refreshGrants int
}

func New(cfg Config) *Exchange {
	if cfg.AccountID == "" {
		cfg.AccountID = "123456789"
	}
	if cfg.SuccessRate == 0 {
		cfg.SuccessRate = 1
	}
	if cfg.FillStatus == "" {
		cfg.FillStatus = types.StatusFilled
	}
	if cfg.AccessTTL == 0 {
		cfg.AccessTTL = 1800
	}
	return &Exchange{
		cfg:       cfg,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		access:    make(map[string]bool),
		refresh:   make(map[string]bool),
		orders:    make(map[int64]*brokerage.Order),
		nextID:    5000000001,
		quotes:    make(map[string]brokerage.Quote),
		positions: make(map[string]*brokerage.Position),
		hours:     make(map[string]*brokerage.MarketHours),
		funds:     make(map[string]brokerage.FundInfo),
		history:   make(map[string][]brokerage.Candle),
		chains:    make(map[string]*brokerage.OptionChain),
	}
}

// Handler returns the gin engine serving the brokerage API under /v1.
func (e *Exchange) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery())

	v1 := r.Group("/v1")
	v1.POST("/oauth2/token", e.tokenHandler())

	authed := v1.Group("")
	authed.Use(e.bearerAuth())
	{
		authed.GET("/marketdata/quotes", e.quotesHandler())
		authed.GET("/marketdata/chains", e.chainHandler())
		authed.GET("/marketdata/:key/hours", e.hoursHandler())
		authed.GET("/marketdata/:key/pricehistory", e.historyHandler())
		authed.GET("/marketdata/:key/fundinfo", e.fundHandler())

		authed.GET("/accounts/:account_id", e.accountHandler())
		authed.POST("/accounts/:account_id/orders", e.placeOrderHandler())
		authed.GET("/accounts/:account_id/orders/:order_id", e.getOrderHandler())
		authed.DELETE("/accounts/:account_id/orders/:order_id", e.cancelOrderHandler())
	}
	return r
}

func (e *Exchange) bearerAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		e.mu.Lock()
		ok := e.access[token]
		e.mu.Unlock()
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "The access token being passed has expired or is invalid."})
			return
		}
		if c.Param("account_id") != "" && c.Param("account_id") != e.cfg.AccountID {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "account not found"})
			return
		}
		c.Next()
	}
}

func (e *Exchange) tokenHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		e.mu.Lock()
		defer e.mu.Unlock()

		switch c.PostForm("grant_type") {
		case "authorization_code":
			if e.cfg.AuthCode != "" && c.PostForm("code") != e.cfg.AuthCode {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_grant"})
				return
			}
			e.codeGrants++
		case "refresh_token":
			if !e.refresh[c.PostForm("refresh_token")] {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_grant"})
				return
			}
			delete(e.refresh, c.PostForm("refresh_token"))
			e.refreshGrants++
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported_grant_type"})
			return
		}

		grant := types.TokenGrant{
			AccessToken:           uuid.NewString(),
			RefreshToken:          uuid.NewString(),
			TokenType:             "Bearer",
			Scope:                 "PlaceTrades AccountAccess MoveMoney",
			ExpiresIn:             e.cfg.AccessTTL,
			RefreshTokenExpiresIn: 7776000,
		}
		e.access[grant.AccessToken] = true
		e.refresh[grant.RefreshToken] = true
		c.JSON(http.StatusOK, grant)
	}
}

func (e *Exchange) quotesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		e.mu.Lock()
		defer e.mu.Unlock()

		out := make(map[string]brokerage.Quote)
		for _, s := range strings.Split(c.Query("symbol"), ",") {
			if q, ok := e.quotes[strings.ToUpper(s)]; ok {
				out[strings.ToUpper(s)] = q
			}
		}
		c.JSON(http.StatusOK, out)
	}
}

func (e *Exchange) chainHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		e.mu.Lock()
		defer e.mu.Unlock()

		chain, ok := e.chains[strings.ToUpper(c.Query("symbol"))]
		if !ok {
			c.JSON(http.StatusOK, brokerage.OptionChain{Symbol: c.Query("symbol"), Status: "FAILED"})
			return
		}
		c.JSON(http.StatusOK, chain)
	}
}

func (e *Exchange) hoursHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		e.mu.Lock()
		defer e.mu.Unlock()

		market := strings.ToUpper(c.Param("key"))
		hours, ok := e.hours[market]
		if !ok {
			c.JSON(http.StatusOK, gin.H{})
			return
		}
		c.JSON(http.StatusOK, map[string]map[string]*brokerage.MarketHours{
			strings.ToLower(market): {hours.Product: hours},
		})
	}
}

func (e *Exchange) historyHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		e.mu.Lock()
		defer e.mu.Unlock()

		symbol := strings.ToUpper(c.Param("key"))
		start, _ := strconv.ParseInt(c.Query("startDate"), 10, 64)
		end, _ := strconv.ParseInt(c.Query("endDate"), 10, 64)

		var candles []brokerage.Candle
		for _, cd := range e.history[symbol] {
			if (start == 0 || cd.Datetime >= start) && (end == 0 || cd.Datetime <= end) {
				candles = append(candles, cd)
			}
		}
		c.JSON(http.StatusOK, brokerage.PriceHistory{Symbol: symbol, Empty: len(candles) == 0, Candles: candles})
	}
}

func (e *Exchange) fundHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		e.mu.Lock()
		defer e.mu.Unlock()

		info, ok := e.funds[strings.ToUpper(c.Param("key"))]
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "fund not found"})
			return
		}
		c.JSON(http.StatusOK, info)
	}
}

func (e *Exchange) accountHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		e.mu.Lock()
		defer e.mu.Unlock()

		account := brokerage.SecuritiesAccount{
			Type:            "MARGIN",
			AccountID:       e.cfg.AccountID,
			CurrentBalances: e.balances,
		}
		if c.Query("fields") == "positions" {
			for _, p := range e.positions {
				account.Positions = append(account.Positions, *p)
			}
		}
		c.JSON(http.StatusOK, gin.H{"securitiesAccount": account})
	}
}

func (e *Exchange) placeOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
			return
		}
		var order brokerage.Order
		if err := json.Unmarshal(body, &order); err != nil || len(order.OrderLegCollection) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "A validation error occurred while processing the request."})
			return
		}

		e.simulateLatency()

		e.mu.Lock()
		defer e.mu.Unlock()

		e.placements++
		if e.placements == e.refuseAt {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Order rejected by the exchange."})
			return
		}
		e.placed = append(e.placed, body)
		id := e.execute(&order)

		logger := log.With().Str("component", "sandbox_exchange").Int64("order_id", id).Logger()
		logger.Info().Str("status", order.Status).Msg("order placed")

		c.Header("Location", fmt.Sprintf("/v1/accounts/%s/orders/%d", e.cfg.AccountID, id))
		c.Status(http.StatusCreated)
	}
}

// execute assigns ids and a status to a placed order. Equity sells larger
// than the long position are split into a SELL parent and a SELL_SHORT child
// the way the real brokerage does it.
func (e *Exchange) execute(order *brokerage.Order) int64 {
	order.OrderID = e.allocateID()
	order.AccountID, _ = strconv.ParseInt(e.cfg.AccountID, 10, 64)
	order.EnteredTime = time.Now().UTC().Format(enteredTimeLayout)
	order.Cancelable = true

	if e.rng.Float64() > e.cfg.SuccessRate {
		order.Status = types.StatusRejected
		e.orders[order.OrderID] = order
		return order.OrderID
	}
	order.Status = e.cfg.FillStatus

	if len(order.OrderLegCollection) == 1 {
		leg := &order.OrderLegCollection[0]
		if leg.Instruction == "SELL" && leg.Instrument.AssetType == "EQUITY" {
			held := 0.0
			if p, ok := e.positions[leg.Instrument.Symbol]; ok {
				held = p.Net()
			}
			if excess := leg.Quantity - held; held > 0 && excess > 0 {
				leg.Quantity = held
				order.Quantity = held
				child := brokerage.Order{
					OrderID:           e.allocateID(),
					OrderType:         order.OrderType,
					Session:           order.Session,
					Duration:          order.Duration,
					OrderStrategyType: "SINGLE",
					Quantity:          excess,
					Status:            order.Status,
					EnteredTime:       order.EnteredTime,
					OrderLegCollection: []brokerage.OrderLeg{{
						Instrument:  leg.Instrument,
						Instruction: "SELL_SHORT",
						Quantity:    excess,
					}},
				}
				e.fill(&child)
				e.orders[child.OrderID] = &child
				order.ChildOrderStrategies = append(order.ChildOrderStrategies, child)
			}
		}
	}

	e.fill(order)
	e.orders[order.OrderID] = order
	return order.OrderID
}

// fill executes an order. Quantities are reported in order units, which for
// combos is lots rather than summed contracts.
func (e *Exchange) fill(order *brokerage.Order) {
	qty := order.Quantity
	if qty == 0 {
		for _, leg := range order.OrderLegCollection {
			qty += leg.Quantity
		}
	}
	if order.Status != types.StatusFilled {
		order.RemainingQuantity = qty
		return
	}

	price := 0.0
	if order.Price != nil {
		price, _ = order.Price.Float64()
	}
	order.FilledQuantity = qty
	order.RemainingQuantity = 0

	var legs []brokerage.ExecutionLeg
	for i, leg := range order.OrderLegCollection {
		p := price
		if q, ok := e.quotes[leg.Instrument.Symbol]; ok && p == 0 {
			p = q.Ask()
		}
		legs = append(legs, brokerage.ExecutionLeg{LegID: int64(i + 1), Quantity: leg.Quantity, Price: p, Time: order.EnteredTime})
		e.applyFill(leg)
	}
	order.OrderActivityCollection = []brokerage.OrderActivity{{
		ActivityType:  "EXECUTION",
		ExecutionType: "FILL",
		Quantity:      qty,
		ExecutionLegs: legs,
	}}
}

func (e *Exchange) applyFill(leg brokerage.OrderLeg) {
	p, ok := e.positions[leg.Instrument.Symbol]
	if !ok {
		p = &brokerage.Position{Instrument: leg.Instrument}
		e.positions[leg.Instrument.Symbol] = p
	}
	switch leg.Instruction {
	case "BUY", "BUY_TO_OPEN", "BUY_TO_CLOSE":
		if p.SettledShortQuantity > 0 && leg.Instruction != "BUY_TO_OPEN" {
			c := math.Min(p.SettledShortQuantity, leg.Quantity)
			p.SettledShortQuantity -= c
			p.SettledLongQuantity += leg.Quantity - c
		} else {
			p.SettledLongQuantity += leg.Quantity
		}
	case "SELL", "SELL_TO_CLOSE":
		p.SettledLongQuantity -= leg.Quantity
	case "SELL_SHORT", "SELL_TO_OPEN":
		p.SettledShortQuantity += leg.Quantity
	}
	p.LongQuantity = p.SettledLongQuantity
	p.ShortQuantity = p.SettledShortQuantity
}

func (e *Exchange) getOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, _ := strconv.ParseInt(c.Param("order_id"), 10, 64)

		e.mu.Lock()
		defer e.mu.Unlock()

		order, ok := e.orders[id]
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "Order not found"})
			return
		}
		c.JSON(http.StatusOK, order)
	}
}

func (e *Exchange) cancelOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, _ := strconv.ParseInt(c.Param("order_id"), 10, 64)

		e.mu.Lock()
		defer e.mu.Unlock()

		order, ok := e.orders[id]
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "Order not found"})
			return
		}
		switch order.Status {
		case types.StatusFilled, types.StatusCanceled, types.StatusRejected, types.StatusExpired, types.StatusReplaced:
			c.JSON(http.StatusBadRequest, gin.H{"error": "Order cannot be canceled in status " + order.Status})
			return
		}
		order.Status = types.StatusCanceled
		order.Cancelable = false
		e.canceled = append(e.canceled, id)
		c.Status(http.StatusOK)
	}
}

func (e *Exchange) simulateLatency() {
	if e.cfg.MaxLatency <= 0 || e.cfg.MaxLatency < e.cfg.MinLatency {
		return
	}
	e.mu.Lock()
	latency := e.rng.Intn(e.cfg.MaxLatency-e.cfg.MinLatency+1) + e.cfg.MinLatency
	e.mu.Unlock()
	time.Sleep(time.Duration(latency) * time.Millisecond)
}

func (e *Exchange) allocateID() int64 {
	id := e.nextID
	e.nextID++
	return id
}
