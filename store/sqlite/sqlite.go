/*
Package sqlite provides a SQLite-backed implementation of the storage
interfaces.

PURPOSE:
  Implements loyalty.Store, loyalty.DueScanner, loyalty.IssuedRewardStore,
  loyalty.RewardPool and tasks.Queue over one embedded database. The same
  patterns apply to PostgreSQL - see store/postgres for the pgx variant
  with real row locks.

LOCKING:
  The exclusive balance-row lock is emulated with a store-level mutex
  plus one SQL transaction per WithBalanceLock scope: SQLite is a
  single-writer database, so the mutex serializes scopes and the
  transaction provides the atomic commit/rollback semantics.

KEY TABLES:
  campaign_balances: One row per (account holder, campaign)
  pending_rewards:   Cooling-off bundles, walked newest-created-first
  adjustments:       Append-only balance-change ledger (idempotency keyed)
  issued_rewards:    Delivered rewards; unclaimed pool rows have an
                     empty account_holder_id
  issuance_tasks:    Retryable task runtime rows + agent state blobs
  task_audit:        Append-only request/response log per task

WAL MODE:
  Opened with WAL for better read concurrency and crash recovery.

USAGE:
  store, err := sqlite.New("./data/loyalty.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - loyalty/store.go: Interface definitions
  - store/postgres:   pgx implementation with SELECT ... FOR UPDATE
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/warp/loyalty-engine/loyalty"
	"github.com/warp/loyalty-engine/tasks"
)

const timeFormat = time.RFC3339Nano

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// New creates a SQLite store. Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS campaign_balances (
		account_holder_id TEXT NOT NULL,
		campaign_id       TEXT NOT NULL,
		balance           INTEGER NOT NULL DEFAULT 0,
		reset_date        TEXT,
		PRIMARY KEY (account_holder_id, campaign_id)
	);

	CREATE TABLE IF NOT EXISTS pending_rewards (
		id                 TEXT PRIMARY KEY,
		account_holder_id  TEXT NOT NULL,
		campaign_id        TEXT NOT NULL,
		created_date       TEXT NOT NULL,
		conversion_date    TEXT NOT NULL,
		value              INTEGER NOT NULL,
		count              INTEGER NOT NULL,
		total_cost_to_user INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_pending_owner
		ON pending_rewards(account_holder_id, campaign_id);
	CREATE INDEX IF NOT EXISTS idx_pending_conversion
		ON pending_rewards(conversion_date);

	CREATE TABLE IF NOT EXISTS adjustments (
		id                TEXT PRIMARY KEY,
		account_holder_id TEXT NOT NULL,
		campaign_id       TEXT NOT NULL,
		delta             INTEGER NOT NULL,
		adj_type          TEXT NOT NULL,
		reference_id      TEXT NOT NULL DEFAULT '',
		reason            TEXT NOT NULL DEFAULT '',
		idempotency_key   TEXT UNIQUE,
		created_at        TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_adjustments_owner
		ON adjustments(account_holder_id, campaign_id, created_at);

	CREATE TABLE IF NOT EXISTS issued_rewards (
		id                TEXT PRIMARY KEY,
		account_holder_id TEXT NOT NULL DEFAULT '',
		campaign_id       TEXT NOT NULL,
		code              TEXT NOT NULL,
		issued_date       TEXT,
		expiry_date       TEXT,
		associated_url    TEXT NOT NULL DEFAULT '',
		redeemed_date     TEXT,
		cancelled_date    TEXT,
		deleted           INTEGER NOT NULL DEFAULT 0,
		card_ref          TEXT UNIQUE
	);
	CREATE INDEX IF NOT EXISTS idx_issued_owner
		ON issued_rewards(account_holder_id, campaign_id);

	CREATE TABLE IF NOT EXISTS issuance_tasks (
		id         TEXT PRIMARY KEY,
		status     TEXT NOT NULL,
		note       TEXT NOT NULL DEFAULT '',
		params     TEXT NOT NULL,
		state      BLOB,
		run_at     TEXT NOT NULL,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_due ON issuance_tasks(status, run_at);

	CREATE TABLE IF NOT EXISTS task_audit (
		seq      INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id  TEXT NOT NULL,
		at       TEXT NOT NULL,
		label    TEXT NOT NULL,
		request  TEXT NOT NULL DEFAULT '',
		response TEXT NOT NULL DEFAULT ''
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// BALANCE LOCK SCOPE
// =============================================================================

func (s *Store) WithBalanceLock(ctx context.Context, holder loyalty.AccountHolderID, campaign loyalty.CampaignID, fn func(loyalty.BalanceTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin balance scope: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO campaign_balances (account_holder_id, campaign_id, balance) VALUES (?, ?, 0)`,
		holder, campaign)
	if err != nil {
		return fmt.Errorf("ensure balance row: %w", err)
	}

	btx := &balanceTx{ctx: ctx, tx: tx, holder: holder, campaign: campaign}
	if err := fn(btx); err != nil {
		return err
	}
	return tx.Commit()
}

type balanceTx struct {
	ctx      context.Context
	tx       *sql.Tx
	holder   loyalty.AccountHolderID
	campaign loyalty.CampaignID
}

func (t *balanceTx) Balance() (loyalty.CampaignBalance, error) {
	row := loyalty.CampaignBalance{AccountHolderID: t.holder, CampaignID: t.campaign}
	var reset sql.NullString
	err := t.tx.QueryRowContext(t.ctx,
		`SELECT balance, reset_date FROM campaign_balances WHERE account_holder_id = ? AND campaign_id = ?`,
		t.holder, t.campaign).Scan(&row.Balance, &reset)
	if err != nil {
		return row, err
	}
	if reset.Valid {
		at, err := time.Parse(timeFormat, reset.String)
		if err != nil {
			return row, fmt.Errorf("corrupt reset date: %w", err)
		}
		row.ResetDate = &at
	}
	return row, nil
}

func (t *balanceTx) SetBalance(balance int64) error {
	_, err := t.tx.ExecContext(t.ctx,
		`UPDATE campaign_balances SET balance = ? WHERE account_holder_id = ? AND campaign_id = ?`,
		balance, t.holder, t.campaign)
	return err
}

func (t *balanceTx) SetResetDate(at *time.Time) error {
	var v any
	if at != nil {
		v = at.Format(timeFormat)
	}
	_, err := t.tx.ExecContext(t.ctx,
		`UPDATE campaign_balances SET reset_date = ? WHERE account_holder_id = ? AND campaign_id = ?`,
		v, t.holder, t.campaign)
	return err
}

func (t *balanceTx) PendingRewards() ([]*loyalty.PendingReward, error) {
	// rowid breaks created-date ties so same-instant bundles still come
	// back newest-insert-first.
	rows, err := t.tx.QueryContext(t.ctx,
		`SELECT id, created_date, conversion_date, value, count, total_cost_to_user
		 FROM pending_rewards
		 WHERE account_holder_id = ? AND campaign_id = ?
		 ORDER BY created_date DESC, rowid DESC`,
		t.holder, t.campaign)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*loyalty.PendingReward
	for rows.Next() {
		p := &loyalty.PendingReward{AccountHolderID: t.holder, CampaignID: t.campaign}
		var created, conversion string
		if err := rows.Scan(&p.ID, &created, &conversion, &p.Value, &p.Count, &p.TotalCostToUser); err != nil {
			return nil, err
		}
		if p.CreatedDate, err = time.Parse(timeFormat, created); err != nil {
			return nil, err
		}
		if p.ConversionDate, err = time.Parse(timeFormat, conversion); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (t *balanceTx) InsertPendingReward(p *loyalty.PendingReward) error {
	_, err := t.tx.ExecContext(t.ctx,
		`INSERT INTO pending_rewards (id, account_holder_id, campaign_id, created_date, conversion_date, value, count, total_cost_to_user)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.AccountHolderID, p.CampaignID,
		p.CreatedDate.Format(timeFormat), p.ConversionDate.Format(timeFormat),
		p.Value, p.Count, p.TotalCostToUser)
	return err
}

func (t *balanceTx) UpdatePendingReward(p *loyalty.PendingReward) error {
	res, err := t.tx.ExecContext(t.ctx,
		`UPDATE pending_rewards SET count = ?, total_cost_to_user = ? WHERE id = ?`,
		p.Count, p.TotalCostToUser, p.ID)
	if err != nil {
		return err
	}
	return requireOneRow(res, loyalty.ErrPendingRewardNotFound)
}

func (t *balanceTx) DeletePendingReward(id string) error {
	res, err := t.tx.ExecContext(t.ctx, `DELETE FROM pending_rewards WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireOneRow(res, loyalty.ErrPendingRewardNotFound)
}

func (t *balanceTx) AppendAdjustment(rec loyalty.AdjustmentRecord) error {
	if rec.IdempotencyKey != "" {
		var exists bool
		err := t.tx.QueryRowContext(t.ctx,
			`SELECT EXISTS(SELECT 1 FROM adjustments WHERE idempotency_key = ?)`,
			rec.IdempotencyKey).Scan(&exists)
		if err != nil {
			return err
		}
		if exists {
			return loyalty.ErrDuplicateIdempotencyKey
		}
	}
	var key any
	if rec.IdempotencyKey != "" {
		key = rec.IdempotencyKey
	}
	_, err := t.tx.ExecContext(t.ctx,
		`INSERT INTO adjustments (id, account_holder_id, campaign_id, delta, adj_type, reference_id, reason, idempotency_key, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.AccountHolderID, rec.CampaignID, rec.Delta, rec.Type,
		rec.ReferenceID, rec.Reason, key, rec.CreatedAt.Format(timeFormat))
	return err
}

func requireOneRow(res sql.Result, missing error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return missing
	}
	return nil
}

// =============================================================================
// READ SIDE
// =============================================================================

func (s *Store) Balance(ctx context.Context, holder loyalty.AccountHolderID, campaign loyalty.CampaignID) (loyalty.CampaignBalance, error) {
	row := loyalty.CampaignBalance{AccountHolderID: holder, CampaignID: campaign}
	var reset sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT balance, reset_date FROM campaign_balances WHERE account_holder_id = ? AND campaign_id = ?`,
		holder, campaign).Scan(&row.Balance, &reset)
	if err == sql.ErrNoRows {
		return row, loyalty.ErrBalanceNotFound
	}
	if err != nil {
		return row, err
	}
	if reset.Valid {
		at, err := time.Parse(timeFormat, reset.String)
		if err != nil {
			return row, fmt.Errorf("corrupt reset date: %w", err)
		}
		row.ResetDate = &at
	}
	return row, nil
}

func (s *Store) Adjustments(ctx context.Context, holder loyalty.AccountHolderID, campaign loyalty.CampaignID) ([]loyalty.AdjustmentRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, delta, adj_type, reference_id, reason, COALESCE(idempotency_key, ''), created_at
		 FROM adjustments
		 WHERE account_holder_id = ? AND campaign_id = ?
		 ORDER BY created_at, rowid`,
		holder, campaign)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []loyalty.AdjustmentRecord
	for rows.Next() {
		rec := loyalty.AdjustmentRecord{AccountHolderID: holder, CampaignID: campaign}
		var created string
		if err := rows.Scan(&rec.ID, &rec.Delta, &rec.Type, &rec.ReferenceID, &rec.Reason, &rec.IdempotencyKey, &created); err != nil {
			return nil, err
		}
		if rec.CreatedAt, err = time.Parse(timeFormat, created); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) PendingRewards(ctx context.Context, holder loyalty.AccountHolderID, campaign loyalty.CampaignID) ([]loyalty.PendingReward, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, created_date, conversion_date, value, count, total_cost_to_user
		 FROM pending_rewards
		 WHERE account_holder_id = ? AND campaign_id = ?
		 ORDER BY created_date DESC, rowid DESC`,
		holder, campaign)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []loyalty.PendingReward
	for rows.Next() {
		p := loyalty.PendingReward{AccountHolderID: holder, CampaignID: campaign}
		var created, conversion string
		if err := rows.Scan(&p.ID, &created, &conversion, &p.Value, &p.Count, &p.TotalCostToUser); err != nil {
			return nil, err
		}
		if p.CreatedDate, err = time.Parse(timeFormat, created); err != nil {
			return nil, err
		}
		if p.ConversionDate, err = time.Parse(timeFormat, conversion); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// =============================================================================
// DUE SCANNING
// =============================================================================

func (s *Store) DuePendingRewards(ctx context.Context, now time.Time) ([]loyalty.PendingReward, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, account_holder_id, campaign_id, created_date, conversion_date, value, count, total_cost_to_user
		 FROM pending_rewards
		 WHERE conversion_date <= ?
		 ORDER BY conversion_date`,
		now.Format(timeFormat))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []loyalty.PendingReward
	for rows.Next() {
		var p loyalty.PendingReward
		var created, conversion string
		if err := rows.Scan(&p.ID, &p.AccountHolderID, &p.CampaignID, &created, &conversion, &p.Value, &p.Count, &p.TotalCostToUser); err != nil {
			return nil, err
		}
		if p.CreatedDate, err = time.Parse(timeFormat, created); err != nil {
			return nil, err
		}
		if p.ConversionDate, err = time.Parse(timeFormat, conversion); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) DueResets(ctx context.Context, now time.Time) ([]loyalty.CampaignBalance, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT account_holder_id, campaign_id, balance, reset_date
		 FROM campaign_balances
		 WHERE reset_date IS NOT NULL AND reset_date <= ?`,
		now.Format(timeFormat))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []loyalty.CampaignBalance
	for rows.Next() {
		var row loyalty.CampaignBalance
		var reset string
		if err := rows.Scan(&row.AccountHolderID, &row.CampaignID, &row.Balance, &reset); err != nil {
			return nil, err
		}
		at, err := time.Parse(timeFormat, reset)
		if err != nil {
			return nil, err
		}
		row.ResetDate = &at
		out = append(out, row)
	}
	return out, rows.Err()
}

// =============================================================================
// ISSUED REWARDS + POOL
// =============================================================================

func (s *Store) SaveIssued(ctx context.Context, reward loyalty.IssuedReward, cardRef string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO issued_rewards (id, account_holder_id, campaign_id, code, issued_date, expiry_date, associated_url, deleted, card_ref)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?)
		 ON CONFLICT(card_ref) DO NOTHING`,
		reward.ID, reward.AccountHolderID, reward.CampaignID, reward.Code,
		optTime(reward.IssuedDate), optTime(reward.ExpiryDate), reward.AssociatedURL, cardRef)
	return err
}

func (s *Store) IssuedRewards(ctx context.Context, holder loyalty.AccountHolderID, campaign loyalty.CampaignID) ([]loyalty.IssuedReward, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, code, issued_date, expiry_date, associated_url, redeemed_date, cancelled_date, deleted
		 FROM issued_rewards
		 WHERE account_holder_id = ? AND campaign_id = ?
		 ORDER BY rowid`,
		holder, campaign)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []loyalty.IssuedReward
	for rows.Next() {
		r := loyalty.IssuedReward{AccountHolderID: holder, CampaignID: campaign}
		var issued, expiry, redeemed, cancelled sql.NullString
		if err := rows.Scan(&r.ID, &r.Code, &issued, &expiry, &r.AssociatedURL, &redeemed, &cancelled, &r.Deleted); err != nil {
			return nil, err
		}
		if r.IssuedDate, err = parseOptTime(issued); err != nil {
			return nil, err
		}
		if r.ExpiryDate, err = parseOptTime(expiry); err != nil {
			return nil, err
		}
		if r.RedeemedDate, err = parseOptTime(redeemed); err != nil {
			return nil, err
		}
		if r.CancelledDate, err = parseOptTime(cancelled); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// AddPoolReward seeds one pre-loaded voucher into a campaign's pool.
func (s *Store) AddPoolReward(ctx context.Context, campaign loyalty.CampaignID, id, code string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO issued_rewards (id, account_holder_id, campaign_id, code, deleted) VALUES (?, '', ?, ?, 0)`,
		id, campaign, code)
	return err
}

// ClaimUnallocated claims one pool row with a conditional update. The
// SELECT and the guarded UPDATE run in one transaction under the store
// mutex; an update that matches anything but exactly one row is an
// integrity violation and rolls back.
func (s *Store) ClaimUnallocated(ctx context.Context, campaign loyalty.CampaignID, holder loyalty.AccountHolderID, issued, expiry time.Time) (*loyalty.IssuedReward, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var id, code string
	err = tx.QueryRowContext(ctx,
		`SELECT id, code FROM issued_rewards
		 WHERE campaign_id = ? AND account_holder_id = '' AND deleted = 0
		 ORDER BY rowid LIMIT 1`,
		campaign).Scan(&id, &code)
	if err == sql.ErrNoRows {
		return nil, loyalty.ErrPoolExhausted
	}
	if err != nil {
		return nil, err
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE issued_rewards
		 SET account_holder_id = ?, issued_date = ?, expiry_date = ?
		 WHERE id = ? AND account_holder_id = '' AND deleted = 0`,
		holder, issued.Format(timeFormat), expiry.Format(timeFormat), id)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n != 1 {
		return nil, &loyalty.IntegrityError{
			Op:     "pool claim",
			Detail: fmt.Sprintf("conditional claim of %s matched %d rows", id, n),
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	i, e := issued, expiry
	return &loyalty.IssuedReward{
		ID:              id,
		AccountHolderID: holder,
		CampaignID:      campaign,
		Code:            code,
		IssuedDate:      &i,
		ExpiryDate:      &e,
	}, nil
}

func optTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(timeFormat)
}

func parseOptTime(v sql.NullString) (*time.Time, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	at, err := time.Parse(timeFormat, v.String)
	if err != nil {
		return nil, err
	}
	return &at, nil
}

// =============================================================================
// TASK QUEUE
// =============================================================================

func (s *Store) Enqueue(ctx context.Context, params map[string]string) (tasks.Task, error) {
	encoded, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	id := uuid.NewString()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO issuance_tasks (id, status, params, run_at, created_at) VALUES (?, ?, ?, ?, ?)`,
		id, tasks.StatusPending, string(encoded), now.Format(timeFormat), now.Format(timeFormat))
	if err != nil {
		return nil, err
	}
	return &sqliteTask{store: s, id: id}, nil
}

func (s *Store) Requeue(ctx context.Context, t tasks.Task, delay time.Duration) (time.Time, error) {
	at := time.Now().Add(delay)
	res, err := s.db.ExecContext(ctx,
		`UPDATE issuance_tasks SET run_at = ? WHERE id = ?`,
		at.Format(timeFormat), t.ID())
	if err != nil {
		return time.Time{}, err
	}
	if err := requireOneRow(res, tasks.ErrTaskNotFound); err != nil {
		return time.Time{}, err
	}
	return at, nil
}

func (s *Store) Due(ctx context.Context, now time.Time) ([]tasks.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM issuance_tasks WHERE status IN (?, ?) AND run_at <= ? ORDER BY run_at`,
		tasks.StatusPending, tasks.StatusWaiting, now.Format(timeFormat))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []tasks.Task
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, &sqliteTask{store: s, id: id})
	}
	return out, rows.Err()
}

type sqliteTask struct {
	store *Store
	id    string
}

func (t *sqliteTask) ID() string { return t.id }

func (t *sqliteTask) Params(ctx context.Context) (map[string]string, error) {
	var encoded string
	err := t.store.db.QueryRowContext(ctx,
		`SELECT params FROM issuance_tasks WHERE id = ?`, t.id).Scan(&encoded)
	if err == sql.ErrNoRows {
		return nil, tasks.ErrTaskNotFound
	}
	if err != nil {
		return nil, err
	}
	params := make(map[string]string)
	if err := json.Unmarshal([]byte(encoded), &params); err != nil {
		return nil, err
	}
	return params, nil
}

func (t *sqliteTask) Status(ctx context.Context) (tasks.Status, error) {
	var status tasks.Status
	err := t.store.db.QueryRowContext(ctx,
		`SELECT status FROM issuance_tasks WHERE id = ?`, t.id).Scan(&status)
	if err == sql.ErrNoRows {
		return "", tasks.ErrTaskNotFound
	}
	return status, err
}

func (t *sqliteTask) UpdateStatus(ctx context.Context, status tasks.Status, note string) error {
	res, err := t.store.db.ExecContext(ctx,
		`UPDATE issuance_tasks SET status = ?, note = ? WHERE id = ?`,
		status, note, t.id)
	if err != nil {
		return err
	}
	return requireOneRow(res, tasks.ErrTaskNotFound)
}

func (t *sqliteTask) AppendAudit(ctx context.Context, e tasks.AuditEntry) error {
	_, err := t.store.db.ExecContext(ctx,
		`INSERT INTO task_audit (task_id, at, label, request, response) VALUES (?, ?, ?, ?, ?)`,
		t.id, e.At.Format(timeFormat), e.Label, e.Request, e.Response)
	return err
}

func (t *sqliteTask) State(ctx context.Context) ([]byte, error) {
	var blob []byte
	err := t.store.db.QueryRowContext(ctx,
		`SELECT state FROM issuance_tasks WHERE id = ?`, t.id).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, tasks.ErrTaskNotFound
	}
	return blob, err
}

func (t *sqliteTask) SaveState(ctx context.Context, blob []byte) error {
	res, err := t.store.db.ExecContext(ctx,
		`UPDATE issuance_tasks SET state = ? WHERE id = ?`, blob, t.id)
	if err != nil {
		return err
	}
	return requireOneRow(res, tasks.ErrTaskNotFound)
}
