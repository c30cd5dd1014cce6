package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/ksred/klear-orders/internal/auth"
	"github.com/ksred/klear-orders/internal/database"
	"github.com/ksred/klear-orders/internal/orders"
	"github.com/ksred/klear-orders/internal/types"
)

const (
	minOrders  = 15
	maxOrders  = 150
	numWorkers = 5
	// Seeded by the server on first start
	demoSpaceID = "space-demo"
)

var assets = []string{"BTC", "ETH", "SOL"}

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
	name       string
	mu         sync.Mutex
	durations  []time.Duration
	totalCalls int
	failures   int
}

func (rs *routeStats) record(d time.Duration, err error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.durations = append(rs.durations, d)
	rs.totalCalls++
	if err != nil {
		rs.failures++
	}
}

// calculate returns min, max, mean, median, p95 and p99 durations
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

// envelope mirrors the API response wrapper
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// simulationClient drives the order API over HTTP
type simulationClient struct {
	baseURL   string
	authToken string
	client    *http.Client
	stats     map[string]*routeStats
}

func newSimulationClient(baseURL string) (*simulationClient, error) {
	sc := &simulationClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
		stats: map[string]*routeStats{
			"auth":    {name: "Authentication"},
			"create":  {name: "Create Order"},
			"replay":  {name: "Replay Create"},
			"execute": {name: "Execute Order"},
			"get":     {name: "Get Order"},
		},
	}

	token, err := sc.authenticate()
	if err != nil {
		return nil, fmt.Errorf("failed to authenticate: %w", err)
	}
	sc.authToken = token
	return sc, nil
}

// do sends a request and decodes the envelope's data into out
func (sc *simulationClient) do(stat, method, path, idempotencyKey string, body, out any) (err error) {
	start := time.Now()
	defer func() { sc.stats[stat].record(time.Since(start), err) }()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, sc.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if sc.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+sc.authToken)
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := sc.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	log.Debug().Str("path", path).Str("response", string(respBody)).Msg("API response")

	var env envelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return fmt.Errorf("failed to decode response: %w, body: %s", err, string(respBody))
	}
	if !env.Success {
		if env.Error != nil {
			return fmt.Errorf("%s %s failed with status %d: %s: %s", method, path, resp.StatusCode, env.Error.Code, env.Error.Message)
		}
		return fmt.Errorf("%s %s failed with status %d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(env.Data, out)
}

func (sc *simulationClient) authenticate() (string, error) {
	var token auth.TokenResponse
	err := sc.do("auth", http.MethodPost, "/api/v1/auth/token", "", auth.Credentials{
		APIKey:    auth.TestAPIKey,
		APISecret: auth.TestAPISecret,
	}, &token)
	if err != nil {
		return "", err
	}
	return token.Token, nil
}

func (sc *simulationClient) createOrder(key string, req orders.CreateOrderRequest) (*types.Order, error) {
	var order types.Order
	if err := sc.do("create", http.MethodPost, "/api/v1/orders", key, req, &order); err != nil {
		return nil, err
	}
	return &order, nil
}

// replayOrder resends a create with a used key. The server must answer with
// the original order.
func (sc *simulationClient) replayOrder(key string, req orders.CreateOrderRequest, want string) error {
	var order types.Order
	if err := sc.do("replay", http.MethodPost, "/api/v1/orders", key, req, &order); err != nil {
		return err
	}
	if order.OrderID != want {
		return fmt.Errorf("replay returned order %s, want %s", order.OrderID, want)
	}
	return nil
}

func (sc *simulationClient) executeOrder(orderID string) (*types.Order, error) {
	var order types.Order
	if err := sc.do("execute", http.MethodPost, "/api/v1/orders/"+orderID+"/execute", "", nil, &order); err != nil {
		return nil, err
	}
	return &order, nil
}

func (sc *simulationClient) getOrder(orderID string) (*types.Order, error) {
	var order types.Order
	if err := sc.do("get", http.MethodGet, "/api/v1/orders/"+orderID, "", nil, &order); err != nil {
		return nil, err
	}
	return &order, nil
}

// printPerformanceStats outputs formatted performance statistics for all API endpoints
func (sc *simulationClient) printPerformanceStats() {
	fmt.Println("\nAPI Performance Statistics")
	fmt.Println(strings.Repeat("-", 100))
	fmt.Printf("%-20s %10s %10s %10s %10s %10s %10s %10s %10s\n",
		"Endpoint", "Calls", "Errors", "Min", "Max", "Mean", "Median", "P95", "P99")
	fmt.Println(strings.Repeat("-", 100))

	names := make([]string, 0, len(sc.stats))
	for name := range sc.stats {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		stats := sc.stats[name]
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

// demoAccounts reads the seeded demo accounts straight from the server's database
func demoAccounts(path string) ([]types.Account, error) {
	db, err := database.NewDatabase(path)
	if err != nil {
		return nil, err
	}
	var accts []types.Account
	if err := db.Where("space_id = ?", demoSpaceID).Order("name").Find(&accts).Error; err != nil {
		return nil, err
	}
	if len(accts) == 0 {
		return nil, fmt.Errorf("no accounts in %s, start the server first", demoSpaceID)
	}
	return accts, nil
}

func randomOrder(rng *rand.Rand, account types.Account) orders.CreateOrderRequest {
	req := orders.CreateOrderRequest{
		SpaceID:   demoSpaceID,
		AccountID: account.AccountID,
		Amount:    decimal.NewFromInt(int64(rng.Intn(4_990) + 10)),
		Currency:  account.Currency,
		Provider:  "exchange",
		DryRun:    rng.Intn(4) == 0,
	}
	switch rng.Intn(5) {
	case 0:
		req.Type = types.OrderTypeDeposit
		req.Provider = "bank"
	case 1:
		req.Type = types.OrderTypeSell
		req.AssetSymbol = assets[rng.Intn(len(assets))]
	default:
		req.Type = types.OrderTypeBuy
		req.AssetSymbol = assets[rng.Intn(len(assets))]
	}
	return req
}

type runStats struct {
	mu        sync.Mutex
	created   int
	replayed  int
	completed int
	failed    int
	byType    map[types.OrderType]int
	notional  decimal.Decimal
}

// main runs the order simulation against a running server
func main() {
	baseURL := os.Getenv("SIM_SERVER")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	dbPath := os.Getenv("DATABASE_PATH")
	if dbPath == "" {
		dbPath = "klear-orders.db"
	}

	accts, err := demoAccounts(dbPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load demo accounts")
	}

	simClient, err := newSimulationClient(baseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize simulation client")
	}

	targetOrders := rand.Intn(maxOrders-minOrders) + minOrders
	log.Info().Int("target_orders", targetOrders).Msg("Starting simulation")

	stats := &runStats{byType: make(map[types.OrderType]int)}
	startTime := time.Now()

	var wg sync.WaitGroup
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			runWorker(workerID, targetOrders/numWorkers, simClient, accts, stats)
		}(i)
	}
	wg.Wait()

	duration := time.Since(startTime)
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("ORDER SIMULATION SUMMARY")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf(`
Created:          %d
Replays matched:  %d
Completed:        %d
Failed:           %d
Notional:         %s
Duration:         %v

`, stats.created, stats.replayed, stats.completed, stats.failed,
		stats.notional.StringFixed(2), duration.Round(time.Millisecond))

	for orderType, count := range stats.byType {
		bar := strings.Repeat("#", int(float64(count)/float64(stats.created)*20))
		fmt.Printf("%-10s: %s (%d)\n", orderType, bar, count)
	}

	simClient.printPerformanceStats()
}

// runWorker creates, replays and executes orders. Every fifth order is sent
// with auto-execute and polled instead.
func runWorker(workerID, numOrders int, sc *simulationClient, accts []types.Account, stats *runStats) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))
	logger := log.With().Int("worker_id", workerID).Logger()

	for i := 0; i < numOrders; i++ {
		req := randomOrder(rng, accts[rng.Intn(len(accts))])
		req.AutoExecute = i%5 == 4
		key := uuid.New().String()

		order, err := sc.createOrder(key, req)
		if err != nil {
			logger.Error().Err(err).Str("type", string(req.Type)).Msg("Failed to create order")
			continue
		}
		stats.mu.Lock()
		stats.created++
		stats.byType[order.Type]++
		stats.mu.Unlock()

		if err := sc.replayOrder(key, req, order.OrderID); err != nil {
			logger.Error().Err(err).Str("order_id", order.OrderID).Msg("Idempotent replay mismatch")
		} else {
			stats.mu.Lock()
			stats.replayed++
			stats.mu.Unlock()
		}

		var final *types.Order
		if req.AutoExecute {
			final, err = waitForOrder(sc, order.OrderID)
		} else {
			final, err = sc.executeOrder(order.OrderID)
		}

		stats.mu.Lock()
		if err != nil || final.Status != types.StatusCompleted {
			stats.failed++
		} else {
			stats.completed++
			if final.ExecutedAmount.Valid {
				stats.notional = stats.notional.Add(final.ExecutedAmount.Decimal)
			}
		}
		stats.mu.Unlock()

		if err != nil {
			logger.Warn().Err(err).Str("order_id", order.OrderID).Msg("Order did not complete")
		} else {
			logger.Info().
				Str("order_id", final.OrderID).
				Str("type", string(final.Type)).
				Str("status", string(final.Status)).
				Str("failure_code", final.FailureCode).
				Msg("Order finished")
		}

		time.Sleep(time.Duration(rng.Intn(500)) * time.Millisecond)
	}
}

// waitForOrder polls until the dispatcher has taken the order to a terminal state
func waitForOrder(sc *simulationClient, orderID string) (*types.Order, error) {
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		order, err := sc.getOrder(orderID)
		if err != nil {
			return nil, err
		}
		if order.Status.Terminal() {
			return order, nil
		}
		time.Sleep(200 * time.Millisecond)
	}
	return nil, fmt.Errorf("order %s still pending after 10s", orderID)
}
