/*
Package postgres provides a PostgreSQL-backed implementation of the
storage interfaces using pgx.

PURPOSE:
  Production-grade persistence. Unlike the SQLite store, which emulates
  the balance lock with a process-level mutex, this store takes a real
  row lock: WithBalanceLock opens a transaction and runs
  SELECT ... FOR UPDATE on the balance row, so concurrent scopes for
  the same (account holder, campaign) serialize inside the database and
  scopes for different rows run in parallel across processes.

POOL CLAIMS:
  ClaimUnallocated uses FOR UPDATE SKIP LOCKED so concurrent claimers
  never contend on the same voucher row; each claimer picks the first
  row nobody else holds.

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.
*/
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/warp/loyalty-engine/loyalty"
	"github.com/warp/loyalty-engine/tasks"
)

// Store implements all storage interfaces against PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to PostgreSQL and migrates the schema.
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	s := &Store{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS campaign_balances (
		account_holder_id TEXT NOT NULL,
		campaign_id       TEXT NOT NULL,
		balance           BIGINT NOT NULL DEFAULT 0,
		reset_date        TIMESTAMPTZ,
		PRIMARY KEY (account_holder_id, campaign_id)
	);

	CREATE TABLE IF NOT EXISTS pending_rewards (
		id                 TEXT PRIMARY KEY,
		account_holder_id  TEXT NOT NULL,
		campaign_id        TEXT NOT NULL,
		created_date       TIMESTAMPTZ NOT NULL,
		conversion_date    TIMESTAMPTZ NOT NULL,
		value              BIGINT NOT NULL,
		count              BIGINT NOT NULL,
		total_cost_to_user BIGINT NOT NULL,
		seq                BIGSERIAL
	);
	CREATE INDEX IF NOT EXISTS idx_pending_owner
		ON pending_rewards(account_holder_id, campaign_id);
	CREATE INDEX IF NOT EXISTS idx_pending_conversion
		ON pending_rewards(conversion_date);

	CREATE TABLE IF NOT EXISTS adjustments (
		id                TEXT PRIMARY KEY,
		account_holder_id TEXT NOT NULL,
		campaign_id       TEXT NOT NULL,
		delta             BIGINT NOT NULL,
		adj_type          TEXT NOT NULL,
		reference_id      TEXT NOT NULL DEFAULT '',
		reason            TEXT NOT NULL DEFAULT '',
		idempotency_key   TEXT UNIQUE,
		created_at        TIMESTAMPTZ NOT NULL,
		seq               BIGSERIAL
	);
	CREATE INDEX IF NOT EXISTS idx_adjustments_owner
		ON adjustments(account_holder_id, campaign_id, created_at);

	CREATE TABLE IF NOT EXISTS issued_rewards (
		id                TEXT PRIMARY KEY,
		account_holder_id TEXT NOT NULL DEFAULT '',
		campaign_id       TEXT NOT NULL,
		code              TEXT NOT NULL,
		issued_date       TIMESTAMPTZ,
		expiry_date       TIMESTAMPTZ,
		associated_url    TEXT NOT NULL DEFAULT '',
		redeemed_date     TIMESTAMPTZ,
		cancelled_date    TIMESTAMPTZ,
		deleted           BOOLEAN NOT NULL DEFAULT FALSE,
		card_ref          TEXT UNIQUE,
		seq               BIGSERIAL
	);
	CREATE INDEX IF NOT EXISTS idx_issued_owner
		ON issued_rewards(account_holder_id, campaign_id);

	CREATE TABLE IF NOT EXISTS issuance_tasks (
		id         TEXT PRIMARY KEY,
		status     TEXT NOT NULL,
		note       TEXT NOT NULL DEFAULT '',
		params     JSONB NOT NULL,
		state      BYTEA,
		run_at     TIMESTAMPTZ NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_due ON issuance_tasks(status, run_at);

	CREATE TABLE IF NOT EXISTS task_audit (
		seq      BIGSERIAL PRIMARY KEY,
		task_id  TEXT NOT NULL,
		at       TIMESTAMPTZ NOT NULL,
		label    TEXT NOT NULL,
		request  TEXT NOT NULL DEFAULT '',
		response TEXT NOT NULL DEFAULT ''
	);
	`
	_, err := s.pool.Exec(ctx, schema)
	return err
}

// =============================================================================
// BALANCE LOCK SCOPE
// =============================================================================

func (s *Store) WithBalanceLock(ctx context.Context, holder loyalty.AccountHolderID, campaign loyalty.CampaignID, fn func(loyalty.BalanceTx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin balance scope: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO campaign_balances (account_holder_id, campaign_id, balance)
		 VALUES ($1, $2, 0)
		 ON CONFLICT (account_holder_id, campaign_id) DO NOTHING`,
		holder, campaign)
	if err != nil {
		return fmt.Errorf("ensure balance row: %w", err)
	}

	// The row lock. Held until commit or rollback.
	btx := &balanceTx{ctx: ctx, tx: tx, holder: holder, campaign: campaign}
	var reset *time.Time
	err = tx.QueryRow(ctx,
		`SELECT balance, reset_date FROM campaign_balances
		 WHERE account_holder_id = $1 AND campaign_id = $2
		 FOR UPDATE`,
		holder, campaign).Scan(&btx.balance, &reset)
	if err != nil {
		return fmt.Errorf("lock balance row: %w", err)
	}
	btx.resetDate = reset

	if err := fn(btx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

type balanceTx struct {
	ctx       context.Context
	tx        pgx.Tx
	holder    loyalty.AccountHolderID
	campaign  loyalty.CampaignID
	balance   int64
	resetDate *time.Time
}

func (t *balanceTx) Balance() (loyalty.CampaignBalance, error) {
	return loyalty.CampaignBalance{
		AccountHolderID: t.holder,
		CampaignID:      t.campaign,
		Balance:         t.balance,
		ResetDate:       t.resetDate,
	}, nil
}

func (t *balanceTx) SetBalance(balance int64) error {
	_, err := t.tx.Exec(t.ctx,
		`UPDATE campaign_balances SET balance = $1 WHERE account_holder_id = $2 AND campaign_id = $3`,
		balance, t.holder, t.campaign)
	if err == nil {
		t.balance = balance
	}
	return err
}

func (t *balanceTx) SetResetDate(at *time.Time) error {
	_, err := t.tx.Exec(t.ctx,
		`UPDATE campaign_balances SET reset_date = $1 WHERE account_holder_id = $2 AND campaign_id = $3`,
		at, t.holder, t.campaign)
	if err == nil {
		t.resetDate = at
	}
	return err
}

func (t *balanceTx) PendingRewards() ([]*loyalty.PendingReward, error) {
	rows, err := t.tx.Query(t.ctx,
		`SELECT id, created_date, conversion_date, value, count, total_cost_to_user
		 FROM pending_rewards
		 WHERE account_holder_id = $1 AND campaign_id = $2
		 ORDER BY created_date DESC, seq DESC`,
		t.holder, t.campaign)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*loyalty.PendingReward
	for rows.Next() {
		p := &loyalty.PendingReward{AccountHolderID: t.holder, CampaignID: t.campaign}
		if err := rows.Scan(&p.ID, &p.CreatedDate, &p.ConversionDate, &p.Value, &p.Count, &p.TotalCostToUser); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (t *balanceTx) InsertPendingReward(p *loyalty.PendingReward) error {
	_, err := t.tx.Exec(t.ctx,
		`INSERT INTO pending_rewards (id, account_holder_id, campaign_id, created_date, conversion_date, value, count, total_cost_to_user)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		p.ID, p.AccountHolderID, p.CampaignID, p.CreatedDate, p.ConversionDate,
		p.Value, p.Count, p.TotalCostToUser)
	return err
}

func (t *balanceTx) UpdatePendingReward(p *loyalty.PendingReward) error {
	tag, err := t.tx.Exec(t.ctx,
		`UPDATE pending_rewards SET count = $1, total_cost_to_user = $2 WHERE id = $3`,
		p.Count, p.TotalCostToUser, p.ID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return loyalty.ErrPendingRewardNotFound
	}
	return nil
}

func (t *balanceTx) DeletePendingReward(id string) error {
	tag, err := t.tx.Exec(t.ctx, `DELETE FROM pending_rewards WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return loyalty.ErrPendingRewardNotFound
	}
	return nil
}

func (t *balanceTx) AppendAdjustment(rec loyalty.AdjustmentRecord) error {
	var key *string
	if rec.IdempotencyKey != "" {
		key = &rec.IdempotencyKey
	}
	tag, err := t.tx.Exec(t.ctx,
		`INSERT INTO adjustments (id, account_holder_id, campaign_id, delta, adj_type, reference_id, reason, idempotency_key, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (idempotency_key) DO NOTHING`,
		rec.ID, rec.AccountHolderID, rec.CampaignID, rec.Delta, rec.Type,
		rec.ReferenceID, rec.Reason, key, rec.CreatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return loyalty.ErrDuplicateIdempotencyKey
	}
	return nil
}

// =============================================================================
// READ SIDE
// =============================================================================

func (s *Store) Balance(ctx context.Context, holder loyalty.AccountHolderID, campaign loyalty.CampaignID) (loyalty.CampaignBalance, error) {
	row := loyalty.CampaignBalance{AccountHolderID: holder, CampaignID: campaign}
	err := s.pool.QueryRow(ctx,
		`SELECT balance, reset_date FROM campaign_balances WHERE account_holder_id = $1 AND campaign_id = $2`,
		holder, campaign).Scan(&row.Balance, &row.ResetDate)
	if errors.Is(err, pgx.ErrNoRows) {
		return row, loyalty.ErrBalanceNotFound
	}
	return row, err
}

func (s *Store) Adjustments(ctx context.Context, holder loyalty.AccountHolderID, campaign loyalty.CampaignID) ([]loyalty.AdjustmentRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, delta, adj_type, reference_id, reason, COALESCE(idempotency_key, ''), created_at
		 FROM adjustments
		 WHERE account_holder_id = $1 AND campaign_id = $2
		 ORDER BY created_at, seq`,
		holder, campaign)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []loyalty.AdjustmentRecord
	for rows.Next() {
		rec := loyalty.AdjustmentRecord{AccountHolderID: holder, CampaignID: campaign}
		if err := rows.Scan(&rec.ID, &rec.Delta, &rec.Type, &rec.ReferenceID, &rec.Reason, &rec.IdempotencyKey, &rec.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) PendingRewards(ctx context.Context, holder loyalty.AccountHolderID, campaign loyalty.CampaignID) ([]loyalty.PendingReward, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, created_date, conversion_date, value, count, total_cost_to_user
		 FROM pending_rewards
		 WHERE account_holder_id = $1 AND campaign_id = $2
		 ORDER BY created_date DESC, seq DESC`,
		holder, campaign)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []loyalty.PendingReward
	for rows.Next() {
		p := loyalty.PendingReward{AccountHolderID: holder, CampaignID: campaign}
		if err := rows.Scan(&p.ID, &p.CreatedDate, &p.ConversionDate, &p.Value, &p.Count, &p.TotalCostToUser); err != nil {
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
	rows, err := s.pool.Query(ctx,
		`SELECT id, account_holder_id, campaign_id, created_date, conversion_date, value, count, total_cost_to_user
		 FROM pending_rewards
		 WHERE conversion_date <= $1
		 ORDER BY conversion_date`,
		now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []loyalty.PendingReward
	for rows.Next() {
		var p loyalty.PendingReward
		if err := rows.Scan(&p.ID, &p.AccountHolderID, &p.CampaignID, &p.CreatedDate, &p.ConversionDate, &p.Value, &p.Count, &p.TotalCostToUser); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) DueResets(ctx context.Context, now time.Time) ([]loyalty.CampaignBalance, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT account_holder_id, campaign_id, balance, reset_date
		 FROM campaign_balances
		 WHERE reset_date IS NOT NULL AND reset_date <= $1`,
		now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []loyalty.CampaignBalance
	for rows.Next() {
		var row loyalty.CampaignBalance
		if err := rows.Scan(&row.AccountHolderID, &row.CampaignID, &row.Balance, &row.ResetDate); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// =============================================================================
// ISSUED REWARDS + POOL
// =============================================================================

func (s *Store) SaveIssued(ctx context.Context, reward loyalty.IssuedReward, cardRef string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO issued_rewards (id, account_holder_id, campaign_id, code, issued_date, expiry_date, associated_url, deleted, card_ref)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE, $8)
		 ON CONFLICT (card_ref) DO NOTHING`,
		reward.ID, reward.AccountHolderID, reward.CampaignID, reward.Code,
		reward.IssuedDate, reward.ExpiryDate, reward.AssociatedURL, cardRef)
	return err
}

func (s *Store) IssuedRewards(ctx context.Context, holder loyalty.AccountHolderID, campaign loyalty.CampaignID) ([]loyalty.IssuedReward, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, code, issued_date, expiry_date, associated_url, redeemed_date, cancelled_date, deleted
		 FROM issued_rewards
		 WHERE account_holder_id = $1 AND campaign_id = $2
		 ORDER BY seq`,
		holder, campaign)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []loyalty.IssuedReward
	for rows.Next() {
		r := loyalty.IssuedReward{AccountHolderID: holder, CampaignID: campaign}
		if err := rows.Scan(&r.ID, &r.Code, &r.IssuedDate, &r.ExpiryDate, &r.AssociatedURL, &r.RedeemedDate, &r.CancelledDate, &r.Deleted); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// AddPoolReward seeds one pre-loaded voucher into a campaign's pool.
func (s *Store) AddPoolReward(ctx context.Context, campaign loyalty.CampaignID, id, code string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO issued_rewards (id, account_holder_id, campaign_id, code, deleted) VALUES ($1, '', $2, $3, FALSE)`,
		id, campaign, code)
	return err
}

// ClaimUnallocated locks the first unclaimed voucher with SKIP LOCKED,
// so concurrent claimers each get their own row, then stamps ownership
// with a guarded update. Anything but exactly one updated row rolls
// back as an integrity violation.
func (s *Store) ClaimUnallocated(ctx context.Context, campaign loyalty.CampaignID, holder loyalty.AccountHolderID, issued, expiry time.Time) (*loyalty.IssuedReward, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var id, code string
	err = tx.QueryRow(ctx,
		`SELECT id, code FROM issued_rewards
		 WHERE campaign_id = $1 AND account_holder_id = '' AND deleted = FALSE
		 ORDER BY seq
		 FOR UPDATE SKIP LOCKED
		 LIMIT 1`,
		campaign).Scan(&id, &code)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, loyalty.ErrPoolExhausted
	}
	if err != nil {
		return nil, err
	}

	tag, err := tx.Exec(ctx,
		`UPDATE issued_rewards
		 SET account_holder_id = $1, issued_date = $2, expiry_date = $3
		 WHERE id = $4 AND account_holder_id = '' AND deleted = FALSE`,
		holder, issued, expiry, id)
	if err != nil {
		return nil, err
	}
	if tag.RowsAffected() != 1 {
		return nil, &loyalty.IntegrityError{
			Op:     "pool claim",
			Detail: fmt.Sprintf("conditional claim of %s matched %d rows", id, tag.RowsAffected()),
		}
	}
	if err := tx.Commit(ctx); err != nil {
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
	_, err = s.pool.Exec(ctx,
		`INSERT INTO issuance_tasks (id, status, params, run_at, created_at) VALUES ($1, $2, $3, $4, $5)`,
		id, tasks.StatusPending, encoded, now, now)
	if err != nil {
		return nil, err
	}
	return &pgTask{store: s, id: id}, nil
}

func (s *Store) Requeue(ctx context.Context, t tasks.Task, delay time.Duration) (time.Time, error) {
	at := time.Now().Add(delay)
	tag, err := s.pool.Exec(ctx,
		`UPDATE issuance_tasks SET run_at = $1 WHERE id = $2`, at, t.ID())
	if err != nil {
		return time.Time{}, err
	}
	if tag.RowsAffected() == 0 {
		return time.Time{}, tasks.ErrTaskNotFound
	}
	return at, nil
}

func (s *Store) Due(ctx context.Context, now time.Time) ([]tasks.Task, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id FROM issuance_tasks WHERE status IN ($1, $2) AND run_at <= $3 ORDER BY run_at`,
		tasks.StatusPending, tasks.StatusWaiting, now)
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
		out = append(out, &pgTask{store: s, id: id})
	}
	return out, rows.Err()
}

type pgTask struct {
	store *Store
	id    string
}

func (t *pgTask) ID() string { return t.id }

func (t *pgTask) Params(ctx context.Context) (map[string]string, error) {
	var encoded []byte
	err := t.store.pool.QueryRow(ctx,
		`SELECT params FROM issuance_tasks WHERE id = $1`, t.id).Scan(&encoded)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, tasks.ErrTaskNotFound
	}
	if err != nil {
		return nil, err
	}
	params := make(map[string]string)
	if err := json.Unmarshal(encoded, &params); err != nil {
		return nil, err
	}
	return params, nil
}

func (t *pgTask) Status(ctx context.Context) (tasks.Status, error) {
	var status tasks.Status
	err := t.store.pool.QueryRow(ctx,
		`SELECT status FROM issuance_tasks WHERE id = $1`, t.id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", tasks.ErrTaskNotFound
	}
	return status, err
}

func (t *pgTask) UpdateStatus(ctx context.Context, status tasks.Status, note string) error {
	tag, err := t.store.pool.Exec(ctx,
		`UPDATE issuance_tasks SET status = $1, note = $2 WHERE id = $3`,
		status, note, t.id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return tasks.ErrTaskNotFound
	}
	return nil
}

func (t *pgTask) AppendAudit(ctx context.Context, e tasks.AuditEntry) error {
	_, err := t.store.pool.Exec(ctx,
		`INSERT INTO task_audit (task_id, at, label, request, response) VALUES ($1, $2, $3, $4, $5)`,
		t.id, e.At, e.Label, e.Request, e.Response)
	return err
}

func (t *pgTask) State(ctx context.Context) ([]byte, error) {
	var blob []byte
	err := t.store.pool.QueryRow(ctx,
		`SELECT state FROM issuance_tasks WHERE id = $1`, t.id).Scan(&blob)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, tasks.ErrTaskNotFound
	}
	return blob, err
}

func (t *pgTask) SaveState(ctx context.Context, blob []byte) error {
	tag, err := t.store.pool.Exec(ctx,
		`UPDATE issuance_tasks SET state = $1 WHERE id = $2`, blob, t.id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return tasks.ErrTaskNotFound
	}
	return nil
}
