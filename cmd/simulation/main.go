package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/ksred/klear-exchange/internal/trading"
	"github.com/ksred/klear-exchange/internal/types"
)

const (
	defaultTraders       = 5
	defaultOrdersPerUser = 30
	cancelRatio          = 0.2
	traderPassword       = "load-test-password"
)

var sides = []string{string(types.SideBuy), string(types.SideSell)}

// init configures the logger for the simulation with pretty printing and timestamp
func init() {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
}

// routeStats tracks performance statistics for an API endpoint
type routeStats struct {
	name      string
	mu        sync.Mutex
	durations []time.Duration
	failures  int
}

// add records one call and whether it failed
func (rs *routeStats) add(d time.Duration, failed bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.durations = append(rs.durations, d)
	if failed {
		rs.failures++
	}
}

// calculate computes performance statistics from recorded durations
// Returns min, max, mean, median, 95th percentile, and 99th percentile durations
func (rs *routeStats) calculate() (lo, hi, mean, median, p95, p99 time.Duration) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if len(rs.durations) == 0 {
		return 0, 0, 0, 0, 0, 0
	}

	sorted := append([]time.Duration(nil), rs.durations...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	lo = sorted[0]
	hi = sorted[len(sorted)-1]

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}
	mean = sum / time.Duration(len(sorted))
	median = sorted[len(sorted)/2]

	p95 = sorted[int(math.Ceil(float64(len(sorted))*0.95))-1]
	p99 = sorted[int(math.Ceil(float64(len(sorted))*0.99))-1]
	return
}

// apiError carries a non-2xx reply from the exchange
type apiError struct {
	status int
	body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("status %d: %s", e.status, e.body)
}

// simulationClient handles HTTP communication with the exchange API
type simulationClient struct {
	baseURL string
	client  *http.Client
	stats   map[string]*routeStats
	order   []string
}

func newSimulationClient(baseURL string) *simulationClient {
	sc := &simulationClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
		stats:   make(map[string]*routeStats),
	}
	for _, r := range []struct{ key, name string }{
		{"register", "Register"},
		{"token", "Authentication"},
		{"prices", "Prices"},
		{"create", "Create Order"},
		{"get", "Get Order"},
		{"cancel", "Cancel Order"},
		{"portfolio", "Portfolio"},
	} {
		sc.stats[r.key] = &routeStats{name: r.name}
		sc.order = append(sc.order, r.key)
	}
	return sc
}

// call sends one request, records its latency under route and decodes the
// data field of the response envelope into out
func (sc *simulationClient) call(ctx context.Context, route, method, path, token string, headers map[string]string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, sc.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := sc.client.Do(req)
	if err != nil {
		sc.stats[route].add(time.Since(start), true)
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	elapsed := time.Since(start)
	if err != nil {
		sc.stats[route].add(elapsed, true)
		return fmt.Errorf("failed to read response body: %w", err)
	}
	log.Debug().Str("route", route).Int("status", resp.StatusCode).Str("response", string(respBody)).Msg("API response")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// Business rejections are expected under load and are not transport failures
		sc.stats[route].add(elapsed, resp.StatusCode >= http.StatusInternalServerError)
		return &apiError{status: resp.StatusCode, body: string(respBody)}
	}
	sc.stats[route].add(elapsed, false)

	if out == nil {
		return nil
	}
	envelope := struct {
		Data interface{} `json:"data"`
	}{Data: out}
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return fmt.Errorf("failed to decode response: %w, body: %s", err, string(respBody))
	}
	return nil
}

// trader is one registered account driving orders
type trader struct {
	username string
	token    string
	rng      *rand.Rand
}

func (sc *simulationClient) newTrader(ctx context.Context, runID string, n int) (*trader, error) {
	creds := map[string]string{
		"username": fmt.Sprintf("load_%s_%d", runID, n),
		"password": traderPassword,
	}
	if err := sc.call(ctx, "register", http.MethodPost, "/api/v1/auth/register", "", nil, creds, nil); err != nil {
		return nil, fmt.Errorf("failed to register %s: %w", creds["username"], err)
	}

	var token struct {
		Token string `json:"jwt_token"`
	}
	if err := sc.call(ctx, "token", http.MethodPost, "/api/v1/auth/token", "", nil, creds, &token); err != nil {
		return nil, fmt.Errorf("failed to authenticate %s: %w", creds["username"], err)
	}
	return &trader{
		username: creds["username"],
		token:    token.Token,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano() + int64(n))),
	}, nil
}

// referencePrices returns symbol -> price for every priced symbol
func (sc *simulationClient) referencePrices(ctx context.Context) (map[string]decimal.Decimal, error) {
	var quotes []types.PriceQuote
	if err := sc.call(ctx, "prices", http.MethodGet, "/api/v1/prices", "", nil, nil, &quotes); err != nil {
		return nil, err
	}
	prices := make(map[string]decimal.Decimal)
	for _, q := range quotes {
		if q.Price == nil {
			continue
		}
		p, err := decimal.NewFromString(*q.Price)
		if err != nil || !p.IsPositive() {
			continue
		}
		prices[q.Symbol] = p
	}
	return prices, nil
}

// runStats aggregates outcomes across traders
type runStats struct {
	placed   atomic.Int64
	rejected atomic.Int64
	filled   atomic.Int64
	canceled atomic.Int64
	errors   atomic.Int64
}

// trade places orders priced within 5% of the reference price, so well inside
// the exchange's price band, and cancels a share of the ones left resting
func (sc *simulationClient) trade(ctx context.Context, t *trader, orders int, symbols []string, prices map[string]decimal.Decimal, stats *runStats) error {
	var resting []uint
	for i := 0; i < orders; i++ {
		symbol := symbols[t.rng.Intn(len(symbols))]
		offset := decimal.NewFromFloat((t.rng.Float64()*2 - 1) * 0.05)
		req := trading.PlaceOrderRequest{
			Symbol:   symbol,
			Side:     sides[t.rng.Intn(len(sides))],
			Price:    prices[symbol].Mul(decimal.NewFromInt(1).Add(offset)).Round(types.PriceDecimals),
			Quantity: int64(t.rng.Intn(20) + 1),
		}

		var order types.OrderResponse
		err := sc.call(ctx, "create", http.MethodPost, "/api/v1/orders", t.token,
			map[string]string{trading.IdempotencyKeyHeader: uuid.NewString()}, req, &order)
		if err != nil {
			if _, ok := err.(*apiError); ok {
				stats.rejected.Add(1)
				log.Debug().Err(err).Str("trader", t.username).Str("symbol", symbol).Msg("Order rejected")
				continue
			}
			return err
		}
		stats.placed.Add(1)
		if order.Status == types.StatusFilled {
			stats.filled.Add(1)
		}
		log.Info().
			Str("trader", t.username).
			Uint("order_id", order.ID).
			Str("symbol", symbol).
			Str("side", req.Side).
			Str("price", order.Price).
			Int64("quantity", order.Quantity).
			Str("status", string(order.Status)).
			Msg("Order placed")

		if order.Status == types.StatusOpen || order.Status == types.StatusPartial {
			resting = append(resting, order.ID)
		}

		time.Sleep(time.Duration(t.rng.Intn(100)) * time.Millisecond)
	}

	for _, id := range resting {
		var current types.OrderResponse
		if err := sc.call(ctx, "get", http.MethodGet, fmt.Sprintf("/api/v1/orders/%d", id), t.token, nil, nil, &current); err != nil {
			stats.errors.Add(1)
			continue
		}
		if t.rng.Float64() >= cancelRatio {
			continue
		}
		err := sc.call(ctx, "cancel", http.MethodPost, fmt.Sprintf("/api/v1/orders/%d/cancel", id), t.token, nil, nil, nil)
		if err != nil {
			// Someone may have filled it in the meantime
			log.Debug().Err(err).Uint("order_id", id).Msg("Cancel failed")
			continue
		}
		stats.canceled.Add(1)
	}

	return sc.call(ctx, "portfolio", http.MethodGet, "/api/v1/portfolio", t.token, nil, nil, nil)
}

// printPerformanceStats outputs formatted performance statistics for all API endpoints
func (sc *simulationClient) printPerformanceStats() {
	fmt.Println("\nAPI Performance Statistics")
	fmt.Println(strings.Repeat("-", 100))
	fmt.Printf("%-20s %10s %10s %10s %10s %10s %10s %10s %10s\n",
		"Endpoint", "Calls", "Errors", "Min", "Max", "Mean", "Median", "P95", "P99")
	fmt.Println(strings.Repeat("-", 100))

	for _, key := range sc.order {
		stats := sc.stats[key]
		lo, hi, mean, median, p95, p99 := stats.calculate()
		stats.mu.Lock()
		calls, failures := len(stats.durations), stats.failures
		stats.mu.Unlock()
		fmt.Printf("%-20s %10d %10d %10s %10s %10s %10s %10s %10s\n",
			stats.name,
			calls,
			failures,
			lo.Round(time.Microsecond),
			hi.Round(time.Microsecond),
			mean.Round(time.Microsecond),
			median.Round(time.Microsecond),
			p95.Round(time.Microsecond),
			p99.Round(time.Microsecond))
	}
	fmt.Println(strings.Repeat("-", 100))
}

// main drives concurrent traders against a running exchange
func main() {
	addr := flag.String("addr", "http://localhost:8080", "exchange base URL")
	traders := flag.Int("traders", defaultTraders, "number of concurrent traders")
	orders := flag.Int("orders", defaultOrdersPerUser, "orders per trader")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	sc := newSimulationClient(*addr)
	prices, err := sc.referencePrices(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load reference prices")
	}
	if len(prices) == 0 {
		log.Fatal().Msg("No priced symbols to trade")
	}
	symbols := make([]string, 0, len(prices))
	for s := range prices {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)

	runID := uuid.NewString()[:8]
	log.Info().Int("traders", *traders).Int("orders_per_trader", *orders).Strs("symbols", symbols).Msg("Starting simulation")

	var stats runStats
	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < *traders; i++ {
		n := i
		g.Go(func() error {
			t, err := sc.newTrader(gctx, runID, n)
			if err != nil {
				return err
			}
			return sc.trade(gctx, t, *orders, symbols, prices, &stats)
		})
	}
	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Simulation aborted")
	}
	duration := time.Since(start)

	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("TRADING SIMULATION SUMMARY")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf(`
Order Statistics
----------------
Placed:           %d
Filled on entry:  %d
Rejected:         %d
Canceled:         %d
Lookup errors:    %d
Duration:         %v
`, stats.placed.Load(), stats.filled.Load(), stats.rejected.Load(), stats.canceled.Load(),
		stats.errors.Load(), duration.Round(time.Millisecond))

	sc.printPerformanceStats()
}
