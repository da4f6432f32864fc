package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/vitos/crypto_liq_dca/internal/domain"
)

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) initSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS strategies (
			session_id TEXT PRIMARY KEY,
			percentile_threshold REAL NOT NULL,
			max_open_positions INTEGER NOT NULL,
			max_portfolio_risk_pct REAL NOT NULL,
			max_layers INTEGER NOT NULL,
			max_position_risk_pct REAL NOT NULL,
			start_step_pct REAL NOT NULL,
			spacing_convexity REAL NOT NULL,
			size_growth REAL NOT NULL,
			volatility_ref_pct REAL NOT NULL,
			stop_loss_pct REAL NOT NULL,
			exit_cushion REAL NOT NULL,
			leverage INTEGER NOT NULL,
			margin_type TEXT NOT NULL,
			cooldown_ms INTEGER NOT NULL,
			retry_duration_ms INTEGER NOT NULL,
			slippage_pct REAL NOT NULL,
			price_chase BOOLEAN NOT NULL DEFAULT 0,
			paused BOOLEAN NOT NULL DEFAULT 0,
			updated_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS positions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			quantity REAL NOT NULL,
			avg_entry_price REAL NOT NULL,
			initial_price REAL NOT NULL,
			layers_filled INTEGER NOT NULL,
			layers_placed INTEGER NOT NULL,
			max_layers INTEGER NOT NULL,
			base_qty REAL NOT NULL,
			schedule TEXT,
			reserved_risk_usd REAL NOT NULL,
			reserved_risk_pct REAL NOT NULL,
			leverage INTEGER NOT NULL,
			margin_type TEXT NOT NULL,
			is_open BOOLEAN NOT NULL DEFAULT 1,
			realized_pnl REAL NOT NULL DEFAULT 0,
			opened_at DATETIME NOT NULL,
			closed_at DATETIME
		);`,
		`CREATE INDEX IF NOT EXISTS idx_positions_open ON positions(session_id, symbol, side, is_open);`,
		`CREATE TABLE IF NOT EXISTS position_layers (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			position_id INTEGER NOT NULL,
			idx INTEGER NOT NULL,
			entry_price REAL NOT NULL,
			quantity REAL NOT NULL,
			tp_price REAL NOT NULL DEFAULT 0,
			sl_price REAL NOT NULL DEFAULT 0,
			tp_order_id TEXT NOT NULL DEFAULT '',
			sl_order_id TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_layers_position ON position_layers(position_id, idx);`,
		`CREATE TABLE IF NOT EXISTS fills (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			position_id INTEGER NOT NULL,
			order_id TEXT NOT NULL,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			price REAL NOT NULL,
			quantity REAL NOT NULL,
			fee REAL NOT NULL DEFAULT 0,
			filled_at DATETIME NOT NULL
		);`,
	}

	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return fmt.Errorf("failed to exec query %s: %w", q, err)
		}
	}
	return nil
}

func marshalSchedule(plan *domain.DCAPlan) (string, error) {
	if plan == nil {
		return "", nil
	}
	raw, err := json.Marshal(plan)
	return string(raw), err
}

func unmarshalSchedule(raw sql.NullString) (*domain.DCAPlan, error) {
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	var plan domain.DCAPlan
	if err := json.Unmarshal([]byte(raw.String), &plan); err != nil {
		return nil, err
	}
	return &plan, nil
}

func (s *SQLiteStore) CreatePosition(ctx context.Context, p *domain.Position) error {
	schedule, err := marshalSchedule(p.Schedule)
	if err != nil {
		return fmt.Errorf("marshal schedule: %w", err)
	}
	query := `INSERT INTO positions (session_id, symbol, side, quantity, avg_entry_price, initial_price,
			  layers_filled, layers_placed, max_layers, base_qty, schedule, reserved_risk_usd, reserved_risk_pct,
			  leverage, margin_type, is_open, realized_pnl, opened_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	res, err := s.db.ExecContext(ctx, query,
		p.SessionID, p.Symbol, p.Side, p.Quantity, p.AvgEntryPrice, p.InitialPrice,
		p.LayersFilled, p.LayersPlaced, p.MaxLayers, p.BaseQty, schedule,
		p.ReservedRisk.Dollars, p.ReservedRisk.Percent,
		p.Leverage, p.MarginType, p.IsOpen, p.RealizedPnL, p.OpenedAt)
	if err != nil {
		return err
	}
	p.ID, err = res.LastInsertId()
	return err
}

func (s *SQLiteStore) UpdatePosition(ctx context.Context, p *domain.Position) error {
	schedule, err := marshalSchedule(p.Schedule)
	if err != nil {
		return fmt.Errorf("marshal schedule: %w", err)
	}
	var closedAt interface{}
	if !p.ClosedAt.IsZero() {
		closedAt = p.ClosedAt
	}
	query := `UPDATE positions SET quantity=?, avg_entry_price=?, layers_filled=?, layers_placed=?,
			  schedule=?, reserved_risk_usd=?, reserved_risk_pct=?, is_open=?, realized_pnl=?, closed_at=?
			  WHERE id=?`
	_, err = s.db.ExecContext(ctx, query,
		p.Quantity, p.AvgEntryPrice, p.LayersFilled, p.LayersPlaced,
		schedule, p.ReservedRisk.Dollars, p.ReservedRisk.Percent,
		p.IsOpen, p.RealizedPnL, closedAt, p.ID)
	return err
}

const positionColumns = `id, session_id, symbol, side, quantity, avg_entry_price, initial_price,
	layers_filled, layers_placed, max_layers, base_qty, schedule, reserved_risk_usd, reserved_risk_pct,
	leverage, margin_type, is_open, realized_pnl, opened_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPosition(row rowScanner) (*domain.Position, error) {
	var p domain.Position
	var schedule sql.NullString
	err := row.Scan(&p.ID, &p.SessionID, &p.Symbol, &p.Side, &p.Quantity, &p.AvgEntryPrice, &p.InitialPrice,
		&p.LayersFilled, &p.LayersPlaced, &p.MaxLayers, &p.BaseQty, &schedule,
		&p.ReservedRisk.Dollars, &p.ReservedRisk.Percent,
		&p.Leverage, &p.MarginType, &p.IsOpen, &p.RealizedPnL, &p.OpenedAt)
	if err != nil {
		return nil, err
	}
	if p.Schedule, err = unmarshalSchedule(schedule); err != nil {
		return nil, fmt.Errorf("unmarshal schedule for position %d: %w", p.ID, err)
	}
	return &p, nil
}

// GetOpenPosition returns (nil, nil) when the session has no open position
// for the symbol and side.
func (s *SQLiteStore) GetOpenPosition(ctx context.Context, sessionID, symbol string, side domain.Side) (*domain.Position, error) {
	query := `SELECT ` + positionColumns + ` FROM positions
			  WHERE session_id = ? AND symbol = ? AND side = ? AND is_open = 1`
	p, err := scanPosition(s.db.QueryRowContext(ctx, query, sessionID, symbol, side))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return p, err
}

func (s *SQLiteStore) ListOpenPositions(ctx context.Context, sessionID string) ([]*domain.Position, error) {
	query := `SELECT ` + positionColumns + ` FROM positions WHERE session_id = ? AND is_open = 1`
	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []*domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

func (s *SQLiteStore) ListTradedSymbols(ctx context.Context, sessionID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT symbol FROM positions WHERE session_id = ?`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var symbols []string
	for rows.Next() {
		var sym string
		if err := rows.Scan(&sym); err != nil {
			return nil, err
		}
		symbols = append(symbols, sym)
	}
	return symbols, rows.Err()
}

func (s *SQLiteStore) CreateLayer(ctx context.Context, l *domain.PositionLayer) error {
	query := `INSERT INTO position_layers (position_id, idx, entry_price, quantity, tp_price, sl_price,
			  tp_order_id, sl_order_id, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	res, err := s.db.ExecContext(ctx, query,
		l.PositionID, l.Index, l.EntryPrice, l.Quantity, l.TPPrice, l.SLPrice,
		l.TPOrderID, l.SLOrderID, l.CreatedAt)
	if err != nil {
		return err
	}
	l.ID, err = res.LastInsertId()
	return err
}

func (s *SQLiteStore) UpdateLayer(ctx context.Context, l *domain.PositionLayer) error {
	query := `UPDATE position_layers SET tp_price=?, sl_price=?, tp_order_id=?, sl_order_id=? WHERE id=?`
	_, err := s.db.ExecContext(ctx, query, l.TPPrice, l.SLPrice, l.TPOrderID, l.SLOrderID, l.ID)
	return err
}

func (s *SQLiteStore) ListLayers(ctx context.Context, positionID int64) ([]*domain.PositionLayer, error) {
	query := `SELECT id, position_id, idx, entry_price, quantity, tp_price, sl_price, tp_order_id, sl_order_id, created_at
			  FROM position_layers WHERE position_id = ? ORDER BY idx ASC`
	rows, err := s.db.QueryContext(ctx, query, positionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var layers []*domain.PositionLayer
	for rows.Next() {
		var l domain.PositionLayer
		if err := rows.Scan(&l.ID, &l.PositionID, &l.Index, &l.EntryPrice, &l.Quantity,
			&l.TPPrice, &l.SLPrice, &l.TPOrderID, &l.SLOrderID, &l.CreatedAt); err != nil {
			return nil, err
		}
		layers = append(layers, &l)
	}
	return layers, rows.Err()
}

func (s *SQLiteStore) RecordFill(ctx context.Context, f *domain.Fill) error {
	query := `INSERT INTO fills (position_id, order_id, symbol, side, price, quantity, fee, filled_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	res, err := s.db.ExecContext(ctx, query,
		f.PositionID, f.OrderID, f.Symbol, f.Side, f.Price, f.Quantity, f.Fee, f.FilledAt)
	if err != nil {
		return err
	}
	f.ID, err = res.LastInsertId()
	return err
}

func (s *SQLiteStore) GetStrategy(ctx context.Context, sessionID string) (*domain.Strategy, error) {
	query := `SELECT session_id, percentile_threshold, max_open_positions, max_portfolio_risk_pct,
			  max_layers, max_position_risk_pct, start_step_pct, spacing_convexity, size_growth,
			  volatility_ref_pct, stop_loss_pct, exit_cushion, leverage, margin_type,
			  cooldown_ms, retry_duration_ms, slippage_pct, price_chase, paused, updated_at
			  FROM strategies WHERE session_id = ?`
	row := s.db.QueryRowContext(ctx, query, sessionID)

	var st domain.Strategy
	err := row.Scan(&st.SessionID, &st.PercentileThreshold, &st.MaxOpenPositions, &st.MaxPortfolioRiskPct,
		&st.MaxLayers, &st.MaxPositionRiskPct, &st.StartStepPct, &st.SpacingConvexity, &st.SizeGrowth,
		&st.VolatilityRefPct, &st.StopLossPct, &st.ExitCushion, &st.Leverage, &st.MarginType,
		&st.CooldownMs, &st.RetryDurationMs, &st.SlippagePct, &st.PriceChase, &st.Paused, &st.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *SQLiteStore) SaveStrategy(ctx context.Context, st *domain.Strategy) error {
	query := `INSERT INTO strategies (session_id, percentile_threshold, max_open_positions, max_portfolio_risk_pct,
			  max_layers, max_position_risk_pct, start_step_pct, spacing_convexity, size_growth,
			  volatility_ref_pct, stop_loss_pct, exit_cushion, leverage, margin_type,
			  cooldown_ms, retry_duration_ms, slippage_pct, price_chase, paused, updated_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			  ON CONFLICT(session_id) DO UPDATE SET
			  percentile_threshold=excluded.percentile_threshold,
			  max_open_positions=excluded.max_open_positions,
			  max_portfolio_risk_pct=excluded.max_portfolio_risk_pct,
			  max_layers=excluded.max_layers,
			  max_position_risk_pct=excluded.max_position_risk_pct,
			  start_step_pct=excluded.start_step_pct,
			  spacing_convexity=excluded.spacing_convexity,
			  size_growth=excluded.size_growth,
			  volatility_ref_pct=excluded.volatility_ref_pct,
			  stop_loss_pct=excluded.stop_loss_pct,
			  exit_cushion=excluded.exit_cushion,
			  leverage=excluded.leverage,
			  margin_type=excluded.margin_type,
			  cooldown_ms=excluded.cooldown_ms,
			  retry_duration_ms=excluded.retry_duration_ms,
			  slippage_pct=excluded.slippage_pct,
			  price_chase=excluded.price_chase,
			  paused=excluded.paused,
			  updated_at=excluded.updated_at`
	_, err := s.db.ExecContext(ctx, query,
		st.SessionID, st.PercentileThreshold, st.MaxOpenPositions, st.MaxPortfolioRiskPct,
		st.MaxLayers, st.MaxPositionRiskPct, st.StartStepPct, st.SpacingConvexity, st.SizeGrowth,
		st.VolatilityRefPct, st.StopLossPct, st.ExitCushion, st.Leverage, st.MarginType,
		st.CooldownMs, st.RetryDurationMs, st.SlippagePct, st.PriceChase, st.Paused, st.UpdatedAt)
	return err
}
