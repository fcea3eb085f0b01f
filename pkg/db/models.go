package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"
)

// Direction is a signal/trade side.
type Direction string

const (
	DirectionBuy  Direction = "BUY"
	DirectionSell Direction = "SELL"
)

// RiskLevel buckets a signal or a user profile.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// TradeStatus tracks the outcome of an execution attempt.
type TradeStatus string

const (
	TradePending   TradeStatus = "pending"
	TradeCompleted TradeStatus = "completed"
	TradeFailed    TradeStatus = "failed"
)

// CycleState is the per-(user, token) position lifecycle state.
type CycleState string

const (
	CycleEntry     CycleState = "entry"
	CycleHold      CycleState = "hold"
	CycleExit      CycleState = "exit"
	CycleCompleted CycleState = "completed"
)

// Signal is a BUY/SELL recommendation with a fixed execution window.
// Immutable after creation except for the auto_executed claim flag.
type Signal struct {
	ID           string
	Direction    Direction
	Token        string
	Price        float64
	RiskLevel    RiskLevel
	RiskScore    float64
	Link         string
	Positives    []string
	Warnings     []string
	AutoExecuted bool
	CreatedAt    time.Time
	ExpiresAt    time.Time
}

// Provisional reports whether the signal carries a synthetic id that has
// not been materialized yet.
func (s Signal) Provisional() bool {
	return strings.HasPrefix(s.ID, ProvisionalIDPrefix)
}

// ProvisionalIDPrefix marks synthetic signal ids assigned by the normalizer.
const ProvisionalIDPrefix = "prov-"

// User holds the risk profile and exchange link for one account.
type User struct {
	ID                string
	Email             string
	PasswordHash      string
	RiskLevel         RiskLevel
	Exchange          string // "binance" or "btcc"
	ExchangeConnected bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Connection is a user's exchange API credential set, stored encrypted.
type Connection struct {
	ID                 string
	UserID             string
	ExchangeType       string
	Name               string
	APIKeyEncrypted    string
	APISecretEncrypted string
	KeyVersion         int
	IsActive           bool
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Trade is an append-only ledger entry for one execution attempt.
type Trade struct {
	ID           string
	UserID       string
	SignalID     string
	CycleID      string
	Direction    Direction
	Token        string
	Price        float64
	Amount       float64
	Status       TradeStatus
	AutoExecuted bool
	CreatedAt    time.Time
}

// Cycle is the entry/hold/exit lifecycle for one (user, token) position.
type Cycle struct {
	ID            string
	UserID        string
	Token         string
	State         CycleState
	EntryTradeID  string
	ExitTradeID   string
	EntryPrice    float64
	EntryAmount   float64
	ExitPrice     float64
	PnL           float64
	PnLPercentage float64
	Guidance      string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Open reports whether the cycle still holds a position.
func (c Cycle) Open() bool {
	return c.State == CycleEntry || c.State == CycleHold
}

// PartialExit records one partial sell against an open cycle.
type PartialExit struct {
	ID         string
	CycleID    string
	Percentage float64
	Price      float64
	Amount     float64
	CreatedAt  time.Time
}

// Portfolio is the cached exchange snapshot for one user.
// Fully overwritten on each reconciliation, never patched.
type Portfolio struct {
	UserID           string
	TotalValue       float64
	FreeCapital      float64
	AllocatedCapital float64
	Holdings         []Holding
	RefreshedAt      time.Time
}

// Holding is one non-stablecoin asset inside a portfolio snapshot.
type Holding struct {
	UserID        string
	Token         string
	Amount        float64
	AveragePrice  float64
	CurrentPrice  float64
	Value         float64
	PnL           float64
	PnLPercentage float64
}

// SignalAction is one user's manual decision on a signal within its window.
type SignalAction struct {
	UserID     string
	SignalID   string
	Action     ActionType
	Percentage float64
	CreatedAt  time.Time
}

// ActionType is the manual decision taken on a signal.
type ActionType string

const (
	ActionAccept        ActionType = "accept"
	ActionAcceptPartial ActionType = "accept_partial"
	ActionSkip          ActionType = "skip"
)

// LastSignalToken suppresses repeat BUY notifications per (user, token).
type LastSignalToken struct {
	UserID     string
	Token      string
	NotifiedAt time.Time
}

// CreateUser inserts a new user row.
func (d *Database) CreateUser(ctx context.Context, u User) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO users (id, email, password_hash, risk_level, exchange, exchange_connected, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP), COALESCE(?, CURRENT_TIMESTAMP))
	`, u.ID, strings.ToLower(u.Email), u.PasswordHash, u.RiskLevel, u.Exchange, u.ExchangeConnected, u.CreatedAt, u.UpdatedAt)
	return err
}

// GetUser returns a user by id or nil if not found.
func (d *Database) GetUser(ctx context.Context, id string) (*User, error) {
	row := d.DB.QueryRowContext(ctx, `
		SELECT id, email, password_hash, risk_level, exchange, exchange_connected, created_at, updated_at
		FROM users WHERE id = ?
	`, id)
	return scanUser(row)
}

// GetUserByEmail returns a user by email or nil if not found.
func (d *Database) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	row := d.DB.QueryRowContext(ctx, `
		SELECT id, email, password_hash, risk_level, exchange, exchange_connected, created_at, updated_at
		FROM users WHERE email = ?
	`, strings.ToLower(email))
	return scanUser(row)
}

// ListConnectedUsers returns every user with a linked exchange account.
// The unattended sweep fans out over this set.
func (d *Database) ListConnectedUsers(ctx context.Context) ([]User, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, email, password_hash, risk_level, exchange, exchange_connected, created_at, updated_at
		FROM users WHERE exchange_connected = 1
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.RiskLevel, &u.Exchange, &u.ExchangeConnected, &u.CreatedAt, &u.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, u)
	}
	return res, rows.Err()
}

// SetExchangeConnected flips the exchange link flag for a user.
func (d *Database) SetExchangeConnected(ctx context.Context, userID, exchange string, connected bool) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE users SET exchange = ?, exchange_connected = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, exchange, connected, userID)
	return err
}

func scanUser(row *sql.Row) (*User, error) {
	var u User
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.RiskLevel, &u.Exchange, &u.ExchangeConnected, &u.CreatedAt, &u.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &u, nil
}

// CreateSignal inserts a signal row. The created_at/expires_at anchors are
// written once here and never recomputed afterwards.
func (d *Database) CreateSignal(ctx context.Context, s Signal) error {
	positives, _ := json.Marshal(s.Positives)
	warnings, _ := json.Marshal(s.Warnings)
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO signals (id, direction, token, price, risk_level, risk_score, link, positives, warnings, auto_executed, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, s.ID, s.Direction, s.Token, s.Price, s.RiskLevel, s.RiskScore, s.Link, string(positives), string(warnings), s.AutoExecuted, s.CreatedAt, s.ExpiresAt)
	return err
}

// GetSignal returns a signal by id or nil if not found.
func (d *Database) GetSignal(ctx context.Context, id string) (*Signal, error) {
	row := d.DB.QueryRowContext(ctx, `
		SELECT id, direction, token, price, risk_level, risk_score, link, positives, warnings, auto_executed, created_at, expires_at
		FROM signals WHERE id = ?
	`, id)
	var (
		s                   Signal
		positives, warnings string
	)
	if err := row.Scan(&s.ID, &s.Direction, &s.Token, &s.Price, &s.RiskLevel, &s.RiskScore, &s.Link, &positives, &warnings, &s.AutoExecuted, &s.CreatedAt, &s.ExpiresAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	_ = json.Unmarshal([]byte(positives), &s.Positives)
	_ = json.Unmarshal([]byte(warnings), &s.Warnings)
	return &s, nil
}

// CreateTrade inserts a new ledger row.
func (d *Database) CreateTrade(ctx context.Context, t Trade) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO trades (id, user_id, signal_id, cycle_id, direction, token, price, amount, status, auto_executed, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP))
	`, t.ID, t.UserID, t.SignalID, t.CycleID, t.Direction, t.Token, t.Price, t.Amount, t.Status, t.AutoExecuted, t.CreatedAt)
	return err
}

// AttachTradeCycle links a trade to the cycle it created or updated.
// The only mutation a trade row ever receives.
func (d *Database) AttachTradeCycle(ctx context.Context, tradeID, cycleID string) error {
	_, err := d.DB.ExecContext(ctx, `UPDATE trades SET cycle_id = ? WHERE id = ?`, cycleID, tradeID)
	return err
}

// ListTradesByUser returns the most recent trades for a user.
func (d *Database) ListTradesByUser(ctx context.Context, userID string, limit int) ([]Trade, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, user_id, signal_id, cycle_id, direction, token, price, amount, status, auto_executed, created_at
		FROM trades WHERE user_id = ?
		ORDER BY created_at DESC LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []Trade
	for rows.Next() {
		var t Trade
		if err := rows.Scan(&t.ID, &t.UserID, &t.SignalID, &t.CycleID, &t.Direction, &t.Token, &t.Price, &t.Amount, &t.Status, &t.AutoExecuted, &t.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// CreateConnection inserts an encrypted exchange credential set.
func (d *Database) CreateConnection(ctx context.Context, c Connection) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO connections (id, user_id, exchange_type, name, api_key_encrypted, api_secret_encrypted, key_version, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP), COALESCE(?, CURRENT_TIMESTAMP))
	`, c.ID, c.UserID, c.ExchangeType, c.Name, c.APIKeyEncrypted, c.APISecretEncrypted, c.KeyVersion, c.IsActive, c.CreatedAt, c.UpdatedAt)
	return err
}

// GetActiveConnection returns the user's active exchange connection, or nil.
func (d *Database) GetActiveConnection(ctx context.Context, userID string) (*Connection, error) {
	row := d.DB.QueryRowContext(ctx, `
		SELECT id, user_id, exchange_type, name, api_key_encrypted, api_secret_encrypted, key_version, is_active, created_at, updated_at
		FROM connections WHERE user_id = ? AND is_active = 1
		ORDER BY created_at DESC LIMIT 1
	`, userID)
	var c Connection
	if err := row.Scan(&c.ID, &c.UserID, &c.ExchangeType, &c.Name, &c.APIKeyEncrypted, &c.APISecretEncrypted, &c.KeyVersion, &c.IsActive, &c.CreatedAt, &c.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &c, nil
}

// ListConnectionsByUser returns all connections for a user, newest first.
func (d *Database) ListConnectionsByUser(ctx context.Context, userID string) ([]Connection, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, user_id, exchange_type, name, api_key_encrypted, api_secret_encrypted, key_version, is_active, created_at, updated_at
		FROM connections WHERE user_id = ?
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []Connection
	for rows.Next() {
		var c Connection
		if err := rows.Scan(&c.ID, &c.UserID, &c.ExchangeType, &c.Name, &c.APIKeyEncrypted, &c.APISecretEncrypted, &c.KeyVersion, &c.IsActive, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// DeactivateConnection marks a connection as inactive for a user.
func (d *Database) DeactivateConnection(ctx context.Context, id, userID string) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE connections SET is_active = 0, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND user_id = ?
	`, id, userID)
	return err
}
