package main

import (
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-resty/resty/v2"
	"github.com/ksred/brokerbridge/internal/auth"
	"github.com/ksred/brokerbridge/internal/bridge"
	"github.com/ksred/brokerbridge/internal/brokerage"
	"github.com/ksred/brokerbridge/internal/brokerage/sandbox"
	"github.com/ksred/brokerbridge/internal/database"
	"github.com/ksred/brokerbridge/internal/idmap"
	"github.com/ksred/brokerbridge/internal/market"
	"github.com/ksred/brokerbridge/internal/symbol"
	"github.com/ksred/brokerbridge/internal/trading"
	"github.com/ksred/brokerbridge/internal/types"
	"github.com/ksred/brokerbridge/pkg/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	minOrders  = 15
	maxOrders  = 150
	numWorkers = 5

	apiKey    = "sim-key"
	apiSecret = "sim-secret"
)

var prices = map[string]float64{"AAPL": 190, "GOOGL": 175, "MSFT": 420, "AMZN": 185, "META": 500}

func init() {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

// routeStats tracks latency for one bridge route.
type routeStats struct {
	name       string
	mu         sync.Mutex
	durations  []time.Duration
	totalCalls int
	failures   int
}

func (rs *routeStats) add(d time.Duration, failed bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.durations = append(rs.durations, d)
	rs.totalCalls++
	if failed {
		rs.failures++
	}
}

// calculate returns min, max, mean, median, p95 and p99.
func (rs *routeStats) calculate() (min, max, mean, median, p95, p99 time.Duration) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if len(rs.durations) == 0 {
		return 0, 0, 0, 0, 0, 0
	}

	sort.Slice(rs.durations, func(i, j int) bool {
		return rs.durations[i] < rs.durations[j]
	})

	min = rs.durations[0]
	max = rs.durations[len(rs.durations)-1]

	var sum time.Duration
	for _, d := range rs.durations {
		sum += d
	}
	mean = sum / time.Duration(len(rs.durations))
	median = rs.durations[len(rs.durations)/2]

	p95idx := int(math.Ceil(float64(len(rs.durations))*0.95)) - 1
	p99idx := int(math.Ceil(float64(len(rs.durations))*0.99)) - 1
	p95 = rs.durations[p95idx]
	p99 = rs.durations[p99idx]

	return
}

// envelope is the bridge's response wrapper.
type envelope[T any] struct {
	Success bool `json:"success"`
	Data    T    `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// simulationClient drives the bridge API over HTTP.
type simulationClient struct {
	http  *resty.Client
	order []string
	stats map[string]*routeStats
}

func newSimulationClient(baseURL string) (*simulationClient, error) {
	sc := &simulationClient{
		http:  resty.New().SetBaseURL(baseURL).SetTimeout(10 * time.Second),
		order: []string{"auth", "login", "asset", "buy", "status", "close", "cancel", "sync", "account"},
		stats: map[string]*routeStats{
			"auth":    {name: "Authentication"},
			"login":   {name: "Login"},
			"asset":   {name: "Asset"},
			"buy":     {name: "Buy"},
			"status":  {name: "Trade Status"},
			"close":   {name: "Close Trade"},
			"cancel":  {name: "Cancel Trade"},
			"sync":    {name: "Sync"},
			"account": {name: "Account"},
		},
	}

	var token envelope[auth.TokenResponse]
	if err := sc.call("auth", http.MethodPost, "/api/v1/auth/token", auth.Credentials{APIKey: apiKey, APISecret: apiSecret}, &token); err != nil {
		return nil, fmt.Errorf("failed to authenticate: %w", err)
	}
	sc.http.SetAuthToken(token.Data.Token)

	return sc, nil
}

// call performs one request, records its latency under route and decodes
// the body into out.
func (sc *simulationClient) call(route, method, path string, body, out interface{}) error {
	req := sc.http.R().SetResult(out).SetError(out)
	if body != nil {
		req.SetBody(body)
	}

	start := time.Now()
	resp, err := req.Execute(method, path)
	failed := err != nil || resp.IsError()
	sc.stats[route].add(time.Since(start), failed)

	if err != nil {
		return err
	}
	if resp.IsError() {
		return fmt.Errorf("%s %s failed with status %d: %s", method, path, resp.StatusCode(), resp.String())
	}
	return nil
}

func (sc *simulationClient) buy(sym string, qty float64) (*types.TradeRecord, error) {
	var out envelope[types.TradeRecord]
	if err := sc.call("buy", http.MethodPost, "/api/v1/orders", map[string]interface{}{"symbol": sym, "quantity": qty}, &out); err != nil {
		return nil, err
	}
	return &out.Data, nil
}

func (sc *simulationClient) trade(route, method, path string, body interface{}) (*types.TradeRecord, error) {
	var out envelope[types.TradeRecord]
	if err := sc.call(route, method, path, body, &out); err != nil {
		return nil, err
	}
	return &out.Data, nil
}

func (sc *simulationClient) printPerformanceStats() {
	fmt.Println("\n📊 API Performance Statistics")
	fmt.Println(strings.Repeat("-", 100))
	fmt.Printf("%-20s %10s %10s %10s %10s %10s %10s %10s %10s\n",
		"Endpoint", "Calls", "Errors", "Min", "Max", "Mean", "Median", "P95", "P99")
	fmt.Println(strings.Repeat("-", 100))

	for _, key := range sc.order {
		stats := sc.stats[key]
		min, max, mean, median, p95, p99 := stats.calculate()
		fmt.Printf("%-20s %10d %10d %10s %10s %10s %10s %10s %10s\n",
			stats.name,
			stats.totalCalls,
			stats.failures,
			min.Round(time.Millisecond),
			max.Round(time.Millisecond),
			mean.Round(time.Millisecond),
			median.Round(time.Millisecond),
			p95.Round(time.Millisecond),
			p99.Round(time.Millisecond))
	}
	fmt.Println(strings.Repeat("-", 100))
}

func main() {
	baseURL, cleanup, err := startBridge()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to start bridge")
	}
	defer cleanup()

	simClient, err := newSimulationClient(baseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize simulation client")
	}
	if err := simClient.call("login", http.MethodPost, "/api/v1/login", nil, &envelope[map[string]bool]{}); err != nil {
		log.Fatal().Err(err).Msg("Failed to log in to the brokerage")
	}

	symbols := make([]string, 0, len(prices))
	for sym := range prices {
		symbols = append(symbols, sym)
		var asset envelope[types.AssetResponse]
		if err := simClient.call("asset", http.MethodGet, "/api/v1/assets/"+sym, nil, &asset); err != nil {
			log.Error().Err(err).Str("symbol", sym).Msg("Asset lookup failed")
		}
	}
	sort.Strings(symbols)

	targetOrders := rand.Intn(maxOrders-minOrders) + minOrders
	log.Info().Int("target_orders", targetOrders).Msg("Starting simulation")

	stats := struct {
		sync.Mutex
		Placed    int
		Rejected  int
		Failed    int
		Closed    int
		Canceled  int
		Symbols   map[string]int
		StartTime time.Time
	}{
		Symbols:   make(map[string]int),
		StartTime: time.Now(),
	}

	trades := make(chan *types.TradeRecord, targetOrders)
	var wg sync.WaitGroup
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for j := 0; j < targetOrders/numWorkers; j++ {
				sym := symbols[rand.Intn(len(symbols))]
				qty := float64(rand.Intn(100) + 1)

				rec, err := simClient.buy(sym, qty)
				stats.Lock()
				switch {
				case err != nil:
					stats.Failed++
					log.Error().Err(err).Int("worker_id", workerID).Str("symbol", sym).Msg("Buy failed")
				case rec.Status == types.StatusRejected:
					stats.Rejected++
				default:
					stats.Placed++
					stats.Symbols[sym]++
					trades <- rec
				}
				stats.Unlock()

				time.Sleep(time.Duration(rand.Intn(100)) * time.Millisecond)
			}
		}(i)
	}
	wg.Wait()
	close(trades)

	for rec := range trades {
		path := fmt.Sprintf("/api/v1/trades/%d", rec.LocalID)
		status, err := simClient.trade("status", http.MethodGet, path, nil)
		if err != nil {
			log.Error().Err(err).Int32("local_id", rec.LocalID).Msg("Status failed")
			continue
		}

		switch {
		case status.StatusCode > 0 && rand.Intn(2) == 0:
			closed, err := simClient.trade("close", http.MethodPost, path+"/close", map[string]float64{"amount": math.Ceil(status.StatusCode / 2)})
			if err == nil && closed.StatusCode > 0 {
				stats.Closed++
			}
		case status.Status == types.StatusWorking || status.Status == types.StatusQueued:
			if err := simClient.call("cancel", http.MethodDelete, path, nil, &envelope[map[string]interface{}]{}); err == nil {
				stats.Canceled++
			}
		}
	}

	if err := simClient.call("sync", http.MethodPost, "/api/v1/sync", nil, &envelope[map[string]bool]{}); err != nil {
		log.Error().Err(err).Msg("Sync failed")
	}
	var account envelope[types.AccountResponse]
	if err := simClient.call("account", http.MethodGet, "/api/v1/account", nil, &account); err != nil {
		log.Error().Err(err).Msg("Account failed")
	}

	duration := time.Since(stats.StartTime)
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("🚀 BRIDGE SIMULATION SUMMARY")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf(`
📊 Order Statistics
------------------
Placed:           %d
Rejected:         %d
Failed:           %d
Closed:           %d
Canceled:         %d
Cash Balance:     $%.2f
Duration:         %v

📈 Symbol Distribution
--------------------
`, stats.Placed, stats.Rejected, stats.Failed, stats.Closed, stats.Canceled,
		account.Data.Balance, duration.Round(time.Millisecond))

	maxSymbolCount := 0
	for _, count := range stats.Symbols {
		if count > maxSymbolCount {
			maxSymbolCount = count
		}
	}
	for _, sym := range symbols {
		count := stats.Symbols[sym]
		if maxSymbolCount == 0 {
			break
		}
		bar := strings.Repeat("█", int(float64(count)/float64(maxSymbolCount)*20))
		fmt.Printf("%-6s: %s (%d)\n", sym, bar, count)
	}
	fmt.Println("\n" + strings.Repeat("=", 80))

	log.Info().
		Int("placed", stats.Placed).
		Int("rejected", stats.Rejected).
		Dur("duration", duration).
		Msg("Simulation completed")

	simClient.printPerformanceStats()
}

// startBridge runs a sandbox brokerage and a bridge wired to it, both
// in-process, and returns the bridge base URL.
func startBridge() (string, func(), error) {
	gin.SetMode(gin.ReleaseMode)

	dir, err := os.MkdirTemp("", "bridge-sim")
	if err != nil {
		return "", nil, err
	}

	ex := sandbox.New(sandbox.Config{
		AuthCode:    "sim",
		MinLatency:  5,
		MaxLatency:  40,
		SuccessRate: 0.95,
	})
	for sym, price := range prices {
		ex.SetQuote(sym, &brokerage.EquityQuote{
			QuoteHeader: brokerage.QuoteHeader{AssetType: "EQUITY", Symbol: sym},
			BidPrice:    price - 0.05,
			AskPrice:    price + 0.05,
			LastPrice:   price,
			TotalVolume: float64(rand.Intn(1_000_000)),
		})
	}
	ex.SetBalances(brokerage.Balances{CashBalance: 1_000_000, LiquidationValue: 1_000_000, BuyingPower: 2_000_000})
	brokerSrv := httptest.NewServer(ex.Handler())

	db, err := database.NewDatabase(filepath.Join(dir, "trades.db"))
	if err != nil {
		brokerSrv.Close()
		return "", nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	client := brokerage.NewClient(brokerage.Config{BaseURL: brokerSrv.URL + "/v1", AccountID: ex.AccountID(), RequestsPerMinute: 60000})
	session := auth.NewSession(auth.SessionConfig{ClientID: "SIMAPP", RedirectURI: "http://127.0.0.1"},
		auth.NewFileStore(filepath.Join(dir, "token.dat")), client, auth.StaticCodeProvider("sim"))
	client.UseTokenSource(session)

	clock := market.NewClock(client)
	builder := trading.NewBuilder(client, trading.SellAdjust, trading.FundLookupAccept)
	lifecycle := trading.NewLifecycle(client, idmap.NewStore(db), builder, clock, true)
	state := bridge.NewSessionState(session, client, symbol.NewParser("USD", nil), lifecycle, clock)

	authService := auth.NewService("sim-jwt-secret", apiKey, apiSecret)
	router := gin.New()
	v1 := router.Group("/api/v1")
	v1.POST("/auth/token", auth.NewGinHandlers(authService).GenerateTokenHandler())
	commands := v1.Group("")
	commands.Use(middleware.JWTAuth(authService))
	bridge.NewGinHandlers(state).Register(commands)

	bridgeSrv := httptest.NewServer(router)
	cleanup := func() {
		bridgeSrv.Close()
		brokerSrv.Close()
		os.RemoveAll(dir)
	}
	return bridgeSrv.URL, cleanup, nil
}
