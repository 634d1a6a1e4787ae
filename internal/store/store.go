package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/mohammad-safakhou/deepbrief/internal/agent/core"
	"github.com/mohammad-safakhou/deepbrief/internal/budget"
)

// Store wraps the Postgres connection used for users, credit accounting and
// brief records. It satisfies budget.CreditLedger.
type Store struct {
	DB *sql.DB
}

func New(db *sql.DB) *Store { return &Store{DB: db} }

// NewWithDSN opens and pings a Postgres connection.
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetConnMaxIdleTime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{DB: db}, nil
}

func (s *Store) Close() error { return s.DB.Close() }

// User is an account row. PasswordHash never leaves the server layer.
type User struct {
	ID           string
	Email        string
	PasswordHash string
	Profile      string
	CreatedAt    time.Time
}

// CreateUser inserts an account and seeds its credit balance. Unique email
// violations bubble up as pq errors for the handler to translate.
func (s *Store) CreateUser(ctx context.Context, email, passwordHash, profile string, startingCredits int64) (string, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer func() { _ = tx.Rollback() }()

	var id string
	err = tx.QueryRowContext(ctx,
		`INSERT INTO users (email, password_hash, profile) VALUES ($1,$2,$3) RETURNING id`,
		email, passwordHash, profile).Scan(&id)
	if err != nil {
		return "", err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO credit_accounts (user_id, balance) VALUES ($1,$2)`,
		id, startingCredits); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return id, nil
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var u User
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, email, password_hash, profile, created_at FROM users WHERE email=$1`,
		email).Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Profile, &u.CreatedAt)
	return u, err
}

func (s *Store) GetUserProfile(ctx context.Context, userID string) (string, error) {
	var profile string
	err := s.DB.QueryRowContext(ctx,
		`SELECT profile FROM users WHERE id=$1`, userID).Scan(&profile)
	return profile, err
}

// Balance returns the current credit balance for an account.
func (s *Store) Balance(ctx context.Context, userID string) (int64, error) {
	var balance int64
	err := s.DB.QueryRowContext(ctx,
		`SELECT balance FROM credit_accounts WHERE user_id=$1`, userID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("no credit account for user %s", userID)
	}
	return balance, err
}

// Deduct atomically subtracts amount from the account and appends a ledger
// entry. The balance guard lives in the UPDATE itself so two concurrent runs
// can never spend the same credits; when the guard rejects the row we re-read
// the balance and return budget.ErrInsufficientCredits.
func (s *Store) Deduct(ctx context.Context, userID string, amount int64, runID string) (budget.DeductResult, error) {
	if amount <= 0 {
		bal, err := s.Balance(ctx, userID)
		return budget.DeductResult{Balance: bal}, err
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return budget.DeductResult{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var balance int64
	err = tx.QueryRowContext(ctx,
		`UPDATE credit_accounts SET balance = balance - $1, updated_at = NOW()
		 WHERE user_id = $2 AND balance >= $1
		 RETURNING balance`,
		amount, userID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		available, berr := s.Balance(ctx, userID)
		if berr != nil {
			return budget.DeductResult{}, berr
		}
		return budget.DeductResult{Balance: available}, budget.ErrInsufficientCredits{Required: amount, Available: available}
	}
	if err != nil {
		return budget.DeductResult{}, err
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO credit_ledger (user_id, run_id, amount, balance_after) VALUES ($1,$2,$3,$4)`,
		userID, nullString(runID), -amount, balance); err != nil {
		return budget.DeductResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return budget.DeductResult{}, err
	}
	return budget.DeductResult{Deducted: amount, Balance: balance}, nil
}

// Grant adds credits to an account (top-ups, admin adjustments).
func (s *Store) Grant(ctx context.Context, userID string, amount int64, note string) (int64, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var balance int64
	err = tx.QueryRowContext(ctx,
		`UPDATE credit_accounts SET balance = balance + $1, updated_at = NOW()
		 WHERE user_id = $2 RETURNING balance`,
		amount, userID).Scan(&balance)
	if err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO credit_ledger (user_id, amount, balance_after, note) VALUES ($1,$2,$3,$4)`,
		userID, amount, balance, nullString(note)); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return balance, nil
}

// LedgerEntry is one row of the per-account transaction history.
type LedgerEntry struct {
	ID           int64     `json:"id"`
	RunID        string    `json:"run_id,omitempty"`
	Amount       int64     `json:"amount"`
	BalanceAfter int64     `json:"balance_after"`
	Note         string    `json:"note,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

func (s *Store) LedgerEntries(ctx context.Context, userID string, limit int) ([]LedgerEntry, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, COALESCE(run_id::text,''), amount, balance_after, COALESCE(note,''), created_at
		 FROM credit_ledger WHERE user_id=$1 ORDER BY id DESC LIMIT $2`,
		userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LedgerEntry
	for rows.Next() {
		var e LedgerEntry
		if err := rows.Scan(&e.ID, &e.RunID, &e.Amount, &e.BalanceAfter, &e.Note, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Brief is a stored research run: the request, its lifecycle status and,
// once finished, the serialized result.
type Brief struct {
	ID         string          `json:"id"`
	UserID     string          `json:"user_id"`
	Query      string          `json:"query"`
	Status     string          `json:"status"`
	Result     *core.RunResult `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
}

const (
	BriefStatusRunning   = "running"
	BriefStatusCompleted = "completed"
	BriefStatusFailed    = "failed"
)

func (s *Store) CreateBrief(ctx context.Context, userID, query string) (string, error) {
	var id string
	err := s.DB.QueryRowContext(ctx,
		`INSERT INTO briefs (user_id, query, status) VALUES ($1,$2,$3) RETURNING id`,
		userID, query, BriefStatusRunning).Scan(&id)
	return id, err
}

// FinishBrief records the terminal state of a run. result may be nil for
// failures that produced nothing.
func (s *Store) FinishBrief(ctx context.Context, id, status string, result *core.RunResult, runErr string) error {
	var payload []byte
	if result != nil {
		var err error
		payload, err = json.Marshal(result)
		if err != nil {
			return fmt.Errorf("marshal result: %w", err)
		}
	}
	_, err := s.DB.ExecContext(ctx,
		`UPDATE briefs SET status=$1, result=$2, error=NULLIF($3,''), finished_at=NOW() WHERE id=$4`,
		status, nullBytes(payload), runErr, id)
	return err
}

func (s *Store) GetBrief(ctx context.Context, id, userID string) (Brief, error) {
	var (
		b       Brief
		payload []byte
	)
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, user_id, query, status, result, COALESCE(error,''), started_at, finished_at
		 FROM briefs WHERE id=$1 AND user_id=$2`,
		id, userID).Scan(&b.ID, &b.UserID, &b.Query, &b.Status, &payload, &b.Error, &b.StartedAt, &b.FinishedAt)
	if err != nil {
		return Brief{}, err
	}
	if len(payload) > 0 {
		var res core.RunResult
		if err := json.Unmarshal(payload, &res); err != nil {
			return Brief{}, fmt.Errorf("unmarshal result: %w", err)
		}
		b.Result = &res
	}
	return b, nil
}

// ListBriefs returns the user's briefs newest first, without result payloads.
func (s *Store) ListBriefs(ctx context.Context, userID string, limit int) ([]Brief, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, user_id, query, status, COALESCE(error,''), started_at, finished_at
		 FROM briefs WHERE user_id=$1 ORDER BY started_at DESC LIMIT $2`,
		userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Brief
	for rows.Next() {
		var b Brief
		if err := rows.Scan(&b.ID, &b.UserID, &b.Query, &b.Status, &b.Error, &b.StartedAt, &b.FinishedAt); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// Schedule is a saved query that the scheduler re-runs on a cron cadence.
type Schedule struct {
	ID        string     `json:"id"`
	UserID    string     `json:"user_id"`
	Query     string     `json:"query"`
	Cron      string     `json:"cron"`
	Enabled   bool       `json:"enabled"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

func (s *Store) CreateSchedule(ctx context.Context, userID, query, cron string) (string, error) {
	var id string
	err := s.DB.QueryRowContext(ctx,
		`INSERT INTO schedules (user_id, query, schedule_cron) VALUES ($1,$2,$3) RETURNING id`,
		userID, query, cron).Scan(&id)
	return id, err
}

func (s *Store) ListSchedules(ctx context.Context, userID string) ([]Schedule, error) {
	return s.querySchedules(ctx,
		`SELECT id, user_id, query, schedule_cron, enabled, last_run_at, created_at
		 FROM schedules WHERE user_id=$1 ORDER BY created_at DESC`, userID)
}

// DueSchedules returns every enabled schedule; the scheduler decides which
// are actually due from the cron expression and last run time.
func (s *Store) DueSchedules(ctx context.Context) ([]Schedule, error) {
	return s.querySchedules(ctx,
		`SELECT id, user_id, query, schedule_cron, enabled, last_run_at, created_at
		 FROM schedules WHERE enabled`)
}

func (s *Store) TouchSchedule(ctx context.Context, id string) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE schedules SET last_run_at=NOW() WHERE id=$1`, id)
	return err
}

func (s *Store) DeleteSchedule(ctx context.Context, id, userID string) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM schedules WHERE id=$1 AND user_id=$2`, id, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *Store) querySchedules(ctx context.Context, query string, args ...interface{}) ([]Schedule, error) {
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Schedule
	for rows.Next() {
		var sc Schedule
		if err := rows.Scan(&sc.ID, &sc.UserID, &sc.Query, &sc.Cron, &sc.Enabled, &sc.LastRunAt, &sc.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullBytes(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return b
}
