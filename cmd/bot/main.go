package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/vitos/crypto_liq_dca/internal/domain"
	"github.com/vitos/crypto_liq_dca/internal/infrastructure/exchange"
	"github.com/vitos/crypto_liq_dca/internal/infrastructure/logger"
	"github.com/vitos/crypto_liq_dca/internal/infrastructure/storage"
	"github.com/vitos/crypto_liq_dca/internal/monitor"
	"github.com/vitos/crypto_liq_dca/internal/signals"
	"github.com/vitos/crypto_liq_dca/internal/usecase"
)

type Config struct {
	SessionID string `yaml:"session_id"`
	Exchange  struct {
		APIKey       string `yaml:"api_key"`
		APISecret    string `yaml:"api_secret"`
		RESTEndpoint string `yaml:"rest_endpoint"`
		WSEndpoint   string `yaml:"ws_endpoint"`
	} `yaml:"exchange"`
	Storage struct {
		Path string `yaml:"path"`
	} `yaml:"storage"`
	Reconcile struct {
		IntervalMs int `yaml:"interval_ms"`
	} `yaml:"reconcile"`
	Metrics struct {
		Port int `yaml:"port"`
	} `yaml:"metrics"`
	Logging struct {
		Level     string `yaml:"level"`
		AuditPath string `yaml:"audit_path"`
	} `yaml:"logging"`
	Strategy StrategyConfig `yaml:"strategy"`
}

// StrategyConfig seeds the persisted strategy row on first run. Later edits
// through the settings surface win; the config is never re-applied over them.
type StrategyConfig struct {
	PercentileThreshold float64 `yaml:"percentile_threshold"`
	MaxOpenPositions    int     `yaml:"max_open_positions"`
	MaxPortfolioRiskPct float64 `yaml:"max_portfolio_risk_pct"`
	MaxLayers           int     `yaml:"max_layers"`
	MaxPositionRiskPct  float64 `yaml:"max_position_risk_pct"`
	StartStepPct        float64 `yaml:"start_step_pct"`
	SpacingConvexity    float64 `yaml:"spacing_convexity"`
	SizeGrowth          float64 `yaml:"size_growth"`
	VolatilityRefPct    float64 `yaml:"volatility_ref_pct"`
	StopLossPct         float64 `yaml:"stop_loss_pct"`
	ExitCushion         float64 `yaml:"exit_cushion"`
	Leverage            int     `yaml:"leverage"`
	MarginType          string  `yaml:"margin_type"`
	CooldownMs          int64   `yaml:"cooldown_ms"`
	RetryDurationMs     int64   `yaml:"retry_duration_ms"`
	SlippagePct         float64 `yaml:"slippage_pct"`
	PriceChase          bool    `yaml:"price_chase"`
}

func seedStrategy(ctx context.Context, store *storage.SQLiteStore, sessionID string, sc StrategyConfig) error {
	if _, err := store.GetStrategy(ctx, sessionID); err == nil {
		return nil
	} else if !errors.Is(err, sql.ErrNoRows) {
		return err
	}

	strat := &domain.Strategy{
		SessionID:           sessionID,
		PercentileThreshold: sc.PercentileThreshold,
		MaxOpenPositions:    sc.MaxOpenPositions,
		MaxPortfolioRiskPct: sc.MaxPortfolioRiskPct,
		MaxLayers:           sc.MaxLayers,
		MaxPositionRiskPct:  sc.MaxPositionRiskPct,
		StartStepPct:        sc.StartStepPct,
		SpacingConvexity:    sc.SpacingConvexity,
		SizeGrowth:          sc.SizeGrowth,
		VolatilityRefPct:    sc.VolatilityRefPct,
		StopLossPct:         sc.StopLossPct,
		ExitCushion:         sc.ExitCushion,
		Leverage:            sc.Leverage,
		MarginType:          sc.MarginType,
		CooldownMs:          sc.CooldownMs,
		RetryDurationMs:     sc.RetryDurationMs,
		SlippagePct:         sc.SlippagePct,
		PriceChase:          sc.PriceChase,
		UpdatedAt:           time.Now(),
	}
	if err := strat.Validate(); err != nil {
		return err
	}
	return store.SaveStrategy(ctx, strat)
}

func loadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func main() {
	// Secrets come from the environment; .env is optional.
	_ = godotenv.Load()

	cfg, err := loadConfig("config/config.yaml")
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if v := os.Getenv("BINANCE_API_KEY"); v != "" {
		cfg.Exchange.APIKey = v
	}
	if v := os.Getenv("BINANCE_API_SECRET"); v != "" {
		cfg.Exchange.APISecret = v
	}
	if cfg.SessionID == "" {
		cfg.SessionID = "default"
	}

	log, err := logger.NewLogger(cfg.Logging.Level)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	auditPath := cfg.Logging.AuditPath
	if auditPath == "" {
		auditPath = "trades.log"
	}
	auditLog, err := logger.NewFileLogger(cfg.Logging.Level, auditPath)
	if err != nil {
		log.Error("Failed to init audit logger, using default", zap.Error(err))
		auditLog = log
	}

	dbPath := cfg.Storage.Path
	if dbPath == "" {
		dbPath = "bot.db"
	}
	store, err := storage.NewSQLiteStore(dbPath)
	if err != nil {
		log.Fatal("Failed to init sqlite", zap.Error(err))
	}
	defer store.Close()

	adapter := exchange.NewBinanceAdapter(cfg.Exchange.APIKey, cfg.Exchange.APISecret, cfg.Exchange.RESTEndpoint)

	hub := signals.NewHub()
	volatility := usecase.NewVolatilityService(adapter, log)
	executor := usecase.NewOrderExecutor(adapter, log)
	protection := usecase.NewProtectionService(adapter, volatility, log)
	risk := usecase.NewRiskAccountant(store, adapter, log)
	engine := usecase.NewStrategyEngine(cfg.SessionID, store, store, adapter,
		executor, protection, risk, volatility, hub, auditLog)

	reconcileInterval := time.Duration(cfg.Reconcile.IntervalMs) * time.Millisecond
	if reconcileInterval <= 0 {
		reconcileInterval = time.Minute
	}
	reconciler := usecase.NewReconciler(cfg.SessionID, store, store, adapter,
		protection, reconcileInterval, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := seedStrategy(ctx, store, cfg.SessionID, cfg.Strategy); err != nil {
		log.Fatal("Failed to seed strategy", zap.Error(err))
	}

	// A settle pass before any new trading so orphaned exchange state from a
	// crash is adopted first.
	if err := reconciler.RunOnce(ctx); err != nil {
		log.Error("Startup reconciliation failed", zap.Error(err))
	}

	events := make(chan *domain.LiquidationEvent, 256)
	stream := exchange.NewLiquidationStream(cfg.Exchange.WSEndpoint, events, log)

	exits := make(chan exchange.ExitFill, 64)
	userStream := exchange.NewUserDataStream(cfg.Exchange.WSEndpoint, adapter, exits, log)

	go stream.Run(ctx)
	go userStream.Run(ctx)
	go engine.Run(ctx, events)
	go reconciler.Start(ctx)

	// TP/SL fills close the local position record.
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case fill := <-exits:
				if err := engine.RecordExit(ctx, fill.Symbol, fill.Side, fill.Price, fill.Quantity, fill.Fee); err != nil {
					log.Error("Failed to record exit",
						zap.String("symbol", fill.Symbol), zap.Error(err))
				}
			}
		}
	}()

	if cfg.Metrics.Port != 0 {
		go func() {
			if err := monitor.Serve(cfg.Metrics.Port); err != nil {
				log.Error("Metrics server failed", zap.Error(err))
			}
		}()
	}

	log.Info("Bot started",
		zap.String("session", cfg.SessionID),
		zap.String("db", dbPath),
		zap.Duration("reconcile_interval", reconcileInterval))

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Info("Shutting down...")
	cancel()
	if err := adapter.CloseListenKey(context.Background()); err != nil {
		log.Warn("Failed to close listen key", zap.Error(err))
	}
	// Give in-flight evaluations a moment to release their locks.
	time.Sleep(2 * time.Second)
}
