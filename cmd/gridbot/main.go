package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"ibkrbot/internal/alert"
	"ibkrbot/internal/config"
	"ibkrbot/internal/core"
	"ibkrbot/internal/engine"
	"ibkrbot/internal/feed"
	"ibkrbot/internal/gateway"
	"ibkrbot/internal/gateway/paper"
	"ibkrbot/internal/grid"
	"ibkrbot/internal/history"
	"ibkrbot/internal/logger"
	"ibkrbot/internal/reporter"
	"ibkrbot/internal/safety"
	"ibkrbot/internal/store"
)

func main() {
	var configPath string
	var printGrid bool
	var printStatus bool
	flag.StringVar(&configPath, "config", "config/config.yaml", "config yaml path")
	flag.BoolVar(&printGrid, "print-grid", false, "print the computed grid and exit")
	flag.BoolVar(&printStatus, "status", false, "print the last runtime status and exit")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		fatal(err.Error())
	}
	applyEnvOverrides(&cfg)

	log := logger.New(logger.Config{
		Level:      cfg.Observability.Log.Level,
		Output:     cfg.Observability.Log.Output,
		File:       cfg.Observability.Log.File,
		MaxSizeMB:  cfg.Observability.Log.MaxSizeMB,
		MaxBackups: cfg.Observability.Log.MaxBackups,
		MaxAgeDays: cfg.Observability.Log.MaxAgeDays,
		Compress:   cfg.Observability.Log.Compress,
	})
	defer log.Sync()

	g, err := grid.Build(grid.Params{
		MinPrice:            cfg.Grid.MinPrice.Decimal,
		MaxPrice:            cfg.Grid.MaxPrice.Decimal,
		StepSize:            cfg.Grid.StepSize.Decimal,
		MinPercentStep:      cfg.Grid.MinPercentStep.Decimal,
		StartValue:          cfg.Grid.StartValue.Decimal,
		AddValuePerLevel:    cfg.Grid.AddValuePerLevel.Decimal,
		PositionStep:        cfg.Grid.PositionStep.Decimal,
		MinPositionPerLevel: cfg.Grid.MinPositionPerLevel.Decimal,
	})
	if err != nil {
		fatal(err.Error())
	}
	if printGrid {
		reporter.GridTable(os.Stdout, g.Levels())
		return
	}

	alerts := buildAlertManager(cfg, log)
	if alerts != nil {
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := alerts.Close(closeCtx); err != nil {
				fmt.Fprintf(os.Stderr, "close alert manager failed: %v\n", err)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stateDir := filepath.Join(cfg.State.Dir, strings.ToLower(string(cfg.Mode)), cfg.Contract.Symbol, cfg.InstanceID)
	st, err := store.New(stateDir)
	if err != nil {
		fatal(err.Error())
	}
	if printStatus {
		// Read-only; does not contend for the instance lock.
		showStatus(st)
		return
	}
	lockTakeover := true
	if cfg.State.LockTakeover != nil {
		lockTakeover = *cfg.State.LockTakeover
	}
	instanceLock, err := store.AcquireInstanceLock(stateDir, store.LockOptions{
		TakeoverEnabled: lockTakeover,
		StaleAfter:      time.Duration(cfg.State.LockStaleSec) * time.Second,
	})
	if err != nil {
		fatal(err.Error())
	}
	defer func() {
		if relErr := instanceLock.Release(); relErr != nil {
			fmt.Fprintf(os.Stderr, "release instance lock failed: %v\n", relErr)
		}
	}()

	contract := core.Contract{
		ConID:    cfg.Contract.ConID,
		Symbol:   cfg.Contract.Symbol,
		Exchange: cfg.Contract.Exchange,
		Currency: cfg.Contract.Currency,
	}

	var gw gateway.Gateway
	var sim *paper.Gateway
	switch cfg.Mode {
	case config.ModePaper:
		sim = paper.New()
		gw = sim
	case config.ModeLive:
		// The live gateway speaks to an external broker bridge process and
		// is wired up in deployments that run one. Not bundled here.
		fatal("live mode requires a broker gateway, none is configured in this build")
	default:
		fatal("unknown mode")
	}

	breaker := safety.NewBreaker(cfg.Safety.Enabled, cfg.Safety.MaxPlaceFailures, cfg.Safety.MaxCancelFailures, log)
	breaker.SetAlerter(alerts)
	gw = safety.NewGuardedGateway(gw, breaker)

	trades, err := history.Open(cfg.History.Path)
	if err != nil {
		fatal(err.Error())
	}
	var resolver history.ConflictResolver
	switch cfg.History.Conflict {
	case "broker_wins":
		resolver = history.BrokerWins{}
	default:
		resolver = &history.PromptResolver{In: os.Stdin, Out: os.Stderr}
	}

	var quoter engine.Quoter
	if cfg.Feed.Enabled {
		pf := feed.New(cfg.Feed.WSURL, log)
		go pf.Run(ctx)
		quoter = pf
		if sim != nil {
			// Paper fills happen when the simulated market moves, so stream
			// live ticks into the simulator.
			go drivePaperMarket(ctx, pf, sim)
		}
	}

	loop, err := engine.New(engine.Options{
		Mode:          string(cfg.Mode),
		Contract:      contract,
		Gateway:       gw,
		Grid:          g,
		Trades:        trades,
		Resolver:      resolver,
		Store:         st,
		Feed:          quoter,
		MaxQuoteAge:   time.Duration(cfg.Feed.MaxQuoteAge) * time.Second,
		ActiveLevels:  cfg.Trading.ActiveLevels,
		EnsureNoShort: cfg.Trading.EnsureNoShort == nil || *cfg.Trading.EnsureNoShort,
		TickInterval:  time.Duration(cfg.Trading.TickIntervalSec) * time.Second,
		FillTimeout:   time.Duration(cfg.Trading.FillTimeoutSec) * time.Second,
		PollInterval:  time.Duration(cfg.Trading.PollIntervalSec) * time.Second,
		Log:           log,
		Alerts:        alerts,
	})
	if err != nil {
		fatal(err.Error())
	}
	if err := loop.Run(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		fatal(err.Error())
	}
}

func drivePaperMarket(ctx context.Context, pf *feed.PriceFeed, sim *paper.Gateway) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if price, _, ok := pf.Last(); ok {
				sim.SetPrice(price)
			}
		}
	}
}

func showStatus(st *store.Store) {
	status, ok, err := st.LoadRuntimeStatus()
	if err != nil {
		fatal(err.Error())
	}
	if !ok {
		fmt.Fprintf(os.Stderr, "no runtime status in %s\n", st.Root())
		return
	}
	rows := [][2]string{
		{"run_id", status.RunID},
		{"state", status.State},
		{"mode", status.Mode},
		{"symbol", status.Symbol},
		{"pid", fmt.Sprintf("%d", status.PID)},
		{"started_at", status.StartedAt.Format(time.RFC3339)},
		{"updated_at", status.UpdatedAt.Format(time.RFC3339)},
		{"last_traded", status.LastTraded},
		{"catch_up_ran", fmt.Sprintf("%t", status.CatchUpRan)},
		{"iterations", fmt.Sprintf("%d", status.Iterations)},
		{"skipped_ticks", fmt.Sprintf("%d", status.SkippedTick)},
	}
	if status.LastError != "" {
		rows = append(rows, [2]string{"last_error", status.LastError})
	}
	reporter.StatusTable(os.Stdout, rows)
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(1)
}

// applyEnvOverrides lets secrets stay out of the YAML file.
func applyEnvOverrides(cfg *config.Config) {
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.Observability.Telegram.BotToken = v
	}
	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		cfg.Observability.Telegram.ChatID = v
	}
}

func buildAlertManager(cfg config.Config, log *zap.SugaredLogger) *alert.Manager {
	tg := cfg.Observability.Telegram
	if !tg.Enabled {
		return nil
	}
	notifier := alert.NewTelegramNotifier(
		tg.BotToken,
		tg.ChatID,
		tg.APIBaseURL,
		time.Duration(tg.TimeoutSec)*time.Second,
	)
	return alert.NewManager(string(cfg.Mode), cfg.Contract.Symbol, notifier, log)
}
