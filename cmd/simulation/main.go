package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ksred/trading-core/internal/database"
	"github.com/ksred/trading-core/internal/events"
	"github.com/ksred/trading-core/internal/lifecycle"
	"github.com/ksred/trading-core/internal/orders"
	"github.com/ksred/trading-core/internal/positions"
	"github.com/ksred/trading-core/internal/recovery"
	"github.com/ksred/trading-core/internal/risk"
	"github.com/ksred/trading-core/internal/types"
	"github.com/ksred/trading-core/internal/venue"
)

const (
	numOrders  = 40
	numWorkers = 5
)

var symbols = []string{"BTC-USD", "ETH-USD", "SOL-USD"}

// init configures the logger for the simulation with pretty printing and timestamp
func init() {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
}

// main runs one full trading session against the simulated venue: open,
// trade, fill, close, settle. It exercises the same wiring as the server
// without the HTTP surface.
func main() {
	_ = godotenv.Load()

	dbPath := fmt.Sprintf("simulation-%d.db", time.Now().Unix())
	db, err := database.NewDatabase(dbPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize database")
	}
	defer os.Remove(dbPath)

	sink := events.NewSink()
	venuePort := venue.NewMock()

	positionService := positions.NewService(db, positions.DefaultConfig())
	gate := risk.NewGate(positionService, risk.Config{
		MaxSymbolExposure: 5_000_000,
		MaxOpenPositions:  10,
		MaxDailyLoss:      250_000,
	})
	orderService := orders.NewService(db, venuePort, positionService, gate, sink)

	fillQueue := orders.NewFillQueue(orderService, 1024)
	queueCtx, queueCancel := context.WithCancel(context.Background())
	defer queueCancel()
	fillQueue.Start(queueCtx, numWorkers)

	recoveryService := recovery.NewService(orderService, positionService, venuePort, sink)

	controller := lifecycle.NewController(db, orderService, positionService, recoveryService, gate, venuePort, sink, lifecycle.Config{
		Symbols:                 symbols,
		CancelOpenOrdersOnClose: true,
	})
	controller.Subscribe = func(symbols []string) (func(), error) {
		if err := venuePort.SubscribeFills(fillQueue.SubmitCallback); err != nil {
			return nil, err
		}
		return func() {}, nil
	}

	ctx := context.Background()

	if err := controller.OpenSession(ctx); err != nil {
		log.Fatal().Err(err).Msg("session open failed")
	}
	if err := controller.StartTrading(); err != nil {
		log.Fatal().Err(err).Msg("start trading failed")
	}

	// Fire orders from a small worker pool, the way fills arrive in
	// production: concurrently and out of order.
	jobs := make(chan int, numOrders)
	var wg sync.WaitGroup
	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				placeOrder(ctx, orderService, i)
			}
		}()
	}
	for i := 0; i < numOrders; i++ {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	// Let the venue finish filling.
	time.Sleep(2 * time.Second)

	settlement, err := controller.CloseSession(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("session close failed")
	}

	printSummary(orderService, positionService, settlement)
}

func placeOrder(ctx context.Context, orderService *orders.Service, i int) {
	symbol := symbols[rand.Intn(len(symbols))]
	side := types.SideBuy
	if rand.Float64() < 0.4 {
		side = types.SideSell
	}

	req := types.OrderRequest{
		IdempotencyKey: fmt.Sprintf("sim-%d", i),
		ClientID:       "simulation",
		Symbol:         symbol,
		Side:           side,
		OrderType:      types.OrderTypeLimit,
		Quantity:       float64(rand.Intn(9) + 1),
		Price:          90 + rand.Float64()*20,
	}

	order, err := orderService.CreateOrder(req)
	if err != nil {
		log.Warn().Err(err).Str("symbol", symbol).Msg("order not created")
		return
	}

	if _, err := orderService.SendOrder(ctx, order.OrderID); err != nil {
		log.Warn().Err(err).Str("order_id", order.OrderID).Msg("order not sent")
	}
}

func printSummary(orderService *orders.Service, positionService *positions.Service, settlement *types.DailySettlement) {
	openOrders, _ := orderService.GetOpenOrders()
	allPositions, _ := positionService.GetAllPositions()

	log.Info().Msg("=== simulation summary ===")
	log.Info().Int("orders_placed", numOrders).Int("still_open", len(openOrders)).Msg("orders")
	for _, p := range allPositions {
		log.Info().
			Str("symbol", p.Symbol).
			Float64("quantity", p.Quantity).
			Float64("avg_cost", p.AvgCost).
			Msg("position")
	}
	log.Info().
		Str("trade_date", settlement.TradeDate).
		Float64("realized_pnl", settlement.RealizedPnL).
		Float64("unrealized_pnl", settlement.UnrealizedPnL).
		Float64("total_pnl", settlement.TotalPnL).
		Msg("daily settlement")
}
