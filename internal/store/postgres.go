package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// PostgresStore persists state in PostgreSQL. Amounts are NUMERIC columns
// written and read as decimal strings so no precision is lost in transit.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS accounts (
    user_id TEXT PRIMARY KEY,
    public_key TEXT NOT NULL,
    encrypted_secret BYTEA NOT NULL,
    secret_salt BYTEA NOT NULL,
    encrypted_recovery BYTEA NOT NULL,
    recovery_salt BYTEA NOT NULL,
    secret_delivered BOOLEAN NOT NULL DEFAULT FALSE,
    created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS pots (
    id TEXT PRIMARY KEY,
    escrow_public_key TEXT NOT NULL,
    escrow_secret BYTEA NOT NULL,
    escrow_salt BYTEA NOT NULL,
    creator_id TEXT NOT NULL,
    asset_id TEXT NOT NULL,
    amount NUMERIC NOT NULL,
    max_participants INT NOT NULL DEFAULT 0,
    participant_count INT NOT NULL DEFAULT 0,
    status TEXT NOT NULL,
    expires_at TIMESTAMPTZ NOT NULL,
    settled_at TIMESTAMPTZ,
    context_ref TEXT NOT NULL DEFAULT '',
    share_amount NUMERIC NOT NULL DEFAULT 0,
    disbursed NUMERIC NOT NULL DEFAULT 0,
    failure_reason TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS pots_active_expiry ON pots (expires_at) WHERE status = 'ACTIVE';

CREATE TABLE IF NOT EXISTS pot_participants (
    pot_id TEXT NOT NULL REFERENCES pots (id),
    user_id TEXT NOT NULL,
    status TEXT NOT NULL,
    share NUMERIC NOT NULL DEFAULT 0,
    tx_ref TEXT NOT NULL DEFAULT '',
    claimed_at TIMESTAMPTZ NOT NULL,
    seq BIGSERIAL,
    PRIMARY KEY (pot_id, user_id)
);

CREATE TABLE IF NOT EXISTS ledger_entries (
    ref TEXT PRIMARY KEY,
    kind TEXT NOT NULL,
    from_user TEXT NOT NULL DEFAULT '',
    to_user TEXT NOT NULL DEFAULT '',
    to_address TEXT NOT NULL DEFAULT '',
    asset_id TEXT NOT NULL,
    amount NUMERIC NOT NULL,
    pot_id TEXT NOT NULL DEFAULT '',
    job_id TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS transfer_jobs (
    id TEXT PRIMARY KEY,
    kind TEXT NOT NULL,
    sender_id TEXT NOT NULL,
    recipients TEXT[] NOT NULL DEFAULT '{}',
    address TEXT NOT NULL DEFAULT '',
    amount_each NUMERIC NOT NULL,
    asset_id TEXT NOT NULL,
    usd_estimate NUMERIC,
    context_ref TEXT NOT NULL DEFAULT '',
    skip_priority_fee BOOLEAN NOT NULL DEFAULT FALSE,
    max_attempts INT NOT NULL,
    attempts INT NOT NULL DEFAULT 0,
    status TEXT NOT NULL,
    next_run_at TIMESTAMPTZ NOT NULL,
    lease_owner TEXT NOT NULL DEFAULT '',
    lease_until TIMESTAMPTZ,
    last_error TEXT NOT NULL DEFAULT '',
    pending_ref TEXT NOT NULL DEFAULT '',
    tx_ref TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS transfer_jobs_due ON transfer_jobs (next_run_at) WHERE status IN ('QUEUED', 'RUNNING');

CREATE TABLE IF NOT EXISTS idempotency_records (
    key TEXT PRIMARY KEY,
    pending BOOLEAN NOT NULL DEFAULT FALSE,
    status_code INT NOT NULL,
    response BYTEA NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    expires_at TIMESTAMPTZ NOT NULL
);
`

// NewPostgresStore connects using the DSN and ensures the schema exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is empty")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

const (
	codeUniqueViolation     = "23505"
	codeForeignKeyViolation = "23503"
)

func parseDecimal(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse numeric %q: %w", s, err)
	}
	return d, nil
}

func timeOrZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// Accounts

func (p *PostgresStore) GetAccount(ctx context.Context, userID string) (*Account, error) {
	row := p.pool.QueryRow(ctx, `
SELECT user_id, public_key, encrypted_secret, secret_salt, encrypted_recovery, recovery_salt, secret_delivered, created_at
FROM accounts
WHERE user_id = $1
`, userID)

	var a Account
	err := row.Scan(&a.UserID, &a.PublicKey, &a.EncryptedSecret, &a.SecretSalt,
		&a.EncryptedRecovery, &a.RecoverySalt, &a.SecretDelivered, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &a, nil
}

func (p *PostgresStore) CreateAccount(ctx context.Context, a Account) error {
	_, err := p.pool.Exec(ctx, `
INSERT INTO accounts (user_id, public_key, encrypted_secret, secret_salt, encrypted_recovery, recovery_salt, secret_delivered, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
`, a.UserID, a.PublicKey, a.EncryptedSecret, a.SecretSalt, a.EncryptedRecovery, a.RecoverySalt, a.SecretDelivered, a.CreatedAt)
	if pgCode(err) == codeUniqueViolation {
		return ErrAccountExists
	}
	return err
}

func (p *PostgresStore) MarkSecretDelivered(ctx context.Context, userID string) error {
	tag, err := p.pool.Exec(ctx, `UPDATE accounts SET secret_delivered = TRUE WHERE user_id = $1`, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) DeleteAccount(ctx context.Context, userID string) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM accounts WHERE user_id = $1`, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Pots

const potColumns = `id, escrow_public_key, escrow_secret, escrow_salt, creator_id, asset_id, amount::text,
max_participants, participant_count, status, expires_at, settled_at, context_ref,
share_amount::text, disbursed::text, failure_reason, created_at`

func scanPot(row pgx.Row) (*Pot, error) {
	var (
		pot                      Pot
		amount, share, disbursed string
		status                   string
		settledAt                *time.Time
	)
	err := row.Scan(&pot.ID, &pot.EscrowPublicKey, &pot.EscrowSecret, &pot.EscrowSalt, &pot.CreatorID,
		&pot.AssetID, &amount, &pot.MaxParticipants, &pot.ParticipantCount, &status, &pot.ExpiresAt,
		&settledAt, &pot.ContextRef, &share, &disbursed, &pot.FailureReason, &pot.CreatedAt)
	if err != nil {
		return nil, err
	}
	pot.Status = PotStatus(status)
	pot.SettledAt = timeOrZero(settledAt)
	if pot.Amount, err = parseDecimal(amount); err != nil {
		return nil, err
	}
	if pot.ShareAmount, err = parseDecimal(share); err != nil {
		return nil, err
	}
	if pot.Disbursed, err = parseDecimal(disbursed); err != nil {
		return nil, err
	}
	return &pot, nil
}

func (p *PostgresStore) CreatePot(ctx context.Context, pot Pot) error {
	_, err := p.pool.Exec(ctx, `
INSERT INTO pots (id, escrow_public_key, escrow_secret, escrow_salt, creator_id, asset_id, amount,
    max_participants, participant_count, status, expires_at, context_ref, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7::numeric, $8, 0, $9, $10, $11, $12)
`, pot.ID, pot.EscrowPublicKey, pot.EscrowSecret, pot.EscrowSalt, pot.CreatorID, pot.AssetID,
		pot.Amount.String(), pot.MaxParticipants, string(pot.Status), pot.ExpiresAt, pot.ContextRef, pot.CreatedAt)
	return err
}

func (p *PostgresStore) GetPot(ctx context.Context, id string) (*Pot, error) {
	pot, err := scanPot(p.pool.QueryRow(ctx, `SELECT `+potColumns+` FROM pots WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return pot, err
}

// AddParticipant bumps the counter under a guarded UPDATE first; the row
// lock it takes serializes concurrent claims on the same pot, so the
// counter can never pass the cap.
func (p *PostgresStore) AddParticipant(ctx context.Context, potID, userID string, at time.Time) (int, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var count int
	err = tx.QueryRow(ctx, `
UPDATE pots
SET participant_count = participant_count + 1
WHERE id = $1
  AND status = 'ACTIVE'
  AND (max_participants = 0 OR participant_count < max_participants)
  AND NOT EXISTS (SELECT 1 FROM pot_participants WHERE pot_id = $1 AND user_id = $2)
RETURNING participant_count
`, potID, userID).Scan(&count)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, p.explainRejectedClaim(ctx, tx, potID, userID)
	}
	if err != nil {
		return 0, err
	}

	_, err = tx.Exec(ctx, `
INSERT INTO pot_participants (pot_id, user_id, status, claimed_at)
VALUES ($1, $2, $3, $4)
`, potID, userID, string(ParticipantPending), at)
	switch pgCode(err) {
	case "":
	case codeUniqueViolation:
		return 0, ErrAlreadyClaimed
	case codeForeignKeyViolation:
		return 0, ErrNotFound
	default:
		return 0, err
	}
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return count, nil
}

func (p *PostgresStore) explainRejectedClaim(ctx context.Context, tx pgx.Tx, potID, userID string) error {
	var potExists, claimed bool
	err := tx.QueryRow(ctx, `
SELECT EXISTS (SELECT 1 FROM pots WHERE id = $1),
       EXISTS (SELECT 1 FROM pot_participants WHERE pot_id = $1 AND user_id = $2)
`, potID, userID).Scan(&potExists, &claimed)
	switch {
	case err != nil:
		return err
	case !potExists:
		return ErrNotFound
	case claimed:
		return ErrAlreadyClaimed
	default:
		return ErrPotClosed
	}
}

func (p *PostgresStore) ListParticipants(ctx context.Context, potID string) ([]Participant, error) {
	rows, err := p.pool.Query(ctx, `
SELECT pot_id, user_id, status, share::text, tx_ref, claimed_at, seq
FROM pot_participants
WHERE pot_id = $1
ORDER BY claimed_at, seq
`, potID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Participant
	for rows.Next() {
		var (
			part          Participant
			status, share string
		)
		if err := rows.Scan(&part.PotID, &part.UserID, &status, &share, &part.TxRef, &part.ClaimedAt, &part.Seq); err != nil {
			return nil, err
		}
		part.Status = ParticipantStatus(status)
		if part.Share, err = parseDecimal(share); err != nil {
			return nil, err
		}
		out = append(out, part)
	}
	return out, rows.Err()
}

func (p *PostgresStore) TransitionPot(ctx context.Context, id string, from, to PotStatus, at time.Time) (bool, error) {
	if !CanTransition(from, to) {
		return false, ErrBadTransition
	}
	tag, err := p.pool.Exec(ctx, `
UPDATE pots SET status = $3, settled_at = $4
WHERE id = $1 AND status = $2
`, id, string(from), string(to), at)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	if _, err := p.GetPot(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (p *PostgresStore) RecordPotOutcome(ctx context.Context, id string, share, disbursed decimal.Decimal, reason string) error {
	tag, err := p.pool.Exec(ctx, `
UPDATE pots SET share_amount = $2::numeric, disbursed = $3::numeric, failure_reason = $4
WHERE id = $1
`, id, share.String(), disbursed.String(), reason)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) MarkParticipantTransferred(ctx context.Context, potID, userID string, share decimal.Decimal, ref string) error {
	tag, err := p.pool.Exec(ctx, `
UPDATE pot_participants SET status = $3, share = $4::numeric, tx_ref = $5
WHERE pot_id = $1 AND user_id = $2
`, potID, userID, string(ParticipantTransferred), share.String(), ref)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) MarkParticipantSubmitted(ctx context.Context, potID, userID, ref string) error {
	tag, err := p.pool.Exec(ctx, `
UPDATE pot_participants SET tx_ref = $3
WHERE pot_id = $1 AND user_id = $2
`, potID, userID, ref)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) ListExpiredPots(ctx context.Context, now time.Time, limit int) ([]Pot, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.pool.Query(ctx, `SELECT `+potColumns+`
FROM pots
WHERE status = 'ACTIVE' AND expires_at <= $1
ORDER BY expires_at
LIMIT $2
`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Pot
	for rows.Next() {
		pot, err := scanPot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *pot)
	}
	return out, rows.Err()
}

// Ledger

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func insertLedger(ctx context.Context, db execer, e LedgerEntry) error {
	_, err := db.Exec(ctx, `
INSERT INTO ledger_entries (ref, kind, from_user, to_user, to_address, asset_id, amount, pot_id, job_id, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7::numeric, $8, $9, $10)
`, e.Ref, string(e.Kind), e.FromUser, e.ToUser, e.ToAddress, e.AssetID, e.Amount.String(), e.PotID, e.JobID, e.CreatedAt)
	if pgCode(err) == codeUniqueViolation {
		return ErrDuplicateRef
	}
	return err
}

func (p *PostgresStore) AppendLedger(ctx context.Context, entries ...LedgerEntry) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	for _, e := range entries {
		if err := insertLedger(ctx, tx, e); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (p *PostgresStore) ListLedger(ctx context.Context, q LedgerQuery) ([]LedgerEntry, error) {
	rows, err := p.pool.Query(ctx, `
SELECT ref, kind, from_user, to_user, to_address, asset_id, amount::text, pot_id, job_id, created_at
FROM ledger_entries
WHERE ($1 = '' OR pot_id = $1) AND ($2 = '' OR job_id = $2)
ORDER BY created_at, ref
`, q.PotID, q.JobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LedgerEntry
	for rows.Next() {
		var (
			e            LedgerEntry
			kind, amount string
		)
		if err := rows.Scan(&e.Ref, &kind, &e.FromUser, &e.ToUser, &e.ToAddress, &e.AssetID, &amount, &e.PotID, &e.JobID, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Kind = LedgerKind(kind)
		if e.Amount, err = parseDecimal(amount); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Jobs

const jobColumns = `id, kind, sender_id, recipients, address, amount_each::text, asset_id, usd_estimate::text,
context_ref, skip_priority_fee, max_attempts, attempts, status, next_run_at, lease_owner, lease_until,
last_error, pending_ref, tx_ref, created_at, updated_at`

func scanJob(row pgx.Row) (*Job, error) {
	var (
		job          Job
		kind, status string
		amountEach   string
		usd          *string
		leaseUntil   *time.Time
	)
	err := row.Scan(&job.ID, &kind, &job.SenderID, &job.Recipients, &job.Address, &amountEach, &job.AssetID, &usd,
		&job.ContextRef, &job.SkipPriorityFee, &job.MaxAttempts, &job.Attempts, &status, &job.NextRunAt,
		&job.LeaseOwner, &leaseUntil, &job.LastError, &job.PendingRef, &job.TxRef, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return nil, err
	}
	job.Kind = JobKind(kind)
	job.Status = JobStatus(status)
	job.LeaseUntil = timeOrZero(leaseUntil)
	if job.AmountEach, err = parseDecimal(amountEach); err != nil {
		return nil, err
	}
	if usd != nil {
		d, err := parseDecimal(*usd)
		if err != nil {
			return nil, err
		}
		job.UsdEstimate = decimal.NewNullDecimal(d)
	}
	return &job, nil
}

func (p *PostgresStore) EnqueueJob(ctx context.Context, job Job) error {
	var usd *string
	if job.UsdEstimate.Valid {
		s := job.UsdEstimate.Decimal.String()
		usd = &s
	}
	recipients := job.Recipients
	if recipients == nil {
		recipients = []string{}
	}
	_, err := p.pool.Exec(ctx, `
INSERT INTO transfer_jobs (id, kind, sender_id, recipients, address, amount_each, asset_id, usd_estimate,
    context_ref, skip_priority_fee, max_attempts, attempts, status, next_run_at, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6::numeric, $7, $8::numeric, $9, $10, $11, $12, $13, $14, $15, $16)
`, job.ID, string(job.Kind), job.SenderID, recipients, job.Address, job.AmountEach.String(), job.AssetID, usd,
		job.ContextRef, job.SkipPriorityFee, job.MaxAttempts, job.Attempts, string(job.Status), job.NextRunAt,
		job.CreatedAt, job.UpdatedAt)
	return err
}

func (p *PostgresStore) GetJob(ctx context.Context, id string) (*Job, error) {
	job, err := scanJob(p.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM transfer_jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return job, err
}

// ClaimJob uses SKIP LOCKED so concurrent workers never lease the same row.
func (p *PostgresStore) ClaimJob(ctx context.Context, workerID string, now time.Time, lease time.Duration) (*Job, error) {
	job, err := scanJob(p.pool.QueryRow(ctx, `
UPDATE transfer_jobs
SET status = 'RUNNING', attempts = attempts + 1, lease_owner = $1, lease_until = $3, updated_at = $2
WHERE id = (
    SELECT id FROM transfer_jobs
    WHERE (status = 'QUEUED' AND next_run_at <= $2)
       OR (status = 'RUNNING' AND lease_until < $2)
    ORDER BY next_run_at
    FOR UPDATE SKIP LOCKED
    LIMIT 1
)
RETURNING `+jobColumns, workerID, now, now.Add(lease)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return job, err
}

// leaseLost explains why a lease-fenced update matched no row.
func (p *PostgresStore) leaseLost(ctx context.Context, id string) error {
	var exists bool
	if err := p.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM transfer_jobs WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return ErrLeaseLost
}

func (p *PostgresStore) MarkSubmitted(ctx context.Context, id, owner, ref string, leaseUntil time.Time) error {
	tag, err := p.pool.Exec(ctx, `
UPDATE transfer_jobs SET pending_ref = $3, lease_until = $4, updated_at = $5
WHERE id = $1 AND status = 'RUNNING' AND lease_owner = $2
`, id, owner, ref, leaseUntil, time.Now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return p.leaseLost(ctx, id)
	}
	return nil
}

func (p *PostgresStore) RetryJob(ctx context.Context, id, owner string, nextRunAt time.Time, lastErr, pendingRef string) error {
	tag, err := p.pool.Exec(ctx, `
UPDATE transfer_jobs
SET status = 'QUEUED', next_run_at = $3, last_error = $4, pending_ref = $5,
    lease_owner = '', lease_until = NULL, updated_at = $6
WHERE id = $1 AND status = 'RUNNING' AND lease_owner = $2
`, id, owner, nextRunAt, lastErr, pendingRef, time.Now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return p.leaseLost(ctx, id)
	}
	return nil
}

func (p *PostgresStore) CompleteJob(ctx context.Context, id, owner, txRef string, entries []LedgerEntry) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx, `
UPDATE transfer_jobs
SET status = 'SUCCEEDED', tx_ref = $3, pending_ref = '', last_error = '',
    lease_owner = '', lease_until = NULL, updated_at = $4
WHERE id = $1 AND status = 'RUNNING' AND lease_owner = $2
`, id, owner, txRef, time.Now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return p.leaseLost(ctx, id)
	}
	for _, e := range entries {
		if err := insertLedger(ctx, tx, e); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (p *PostgresStore) FailJob(ctx context.Context, id, owner, reason string) error {
	return p.finishJob(ctx, id, owner, JobFailed, reason)
}

func (p *PostgresStore) ParkJob(ctx context.Context, id, owner, reason string) error {
	return p.finishJob(ctx, id, owner, JobUnconfirmed, reason)
}

func (p *PostgresStore) finishJob(ctx context.Context, id, owner string, status JobStatus, reason string) error {
	tag, err := p.pool.Exec(ctx, `
UPDATE transfer_jobs
SET status = $3, last_error = $4, lease_owner = '', lease_until = NULL, updated_at = $5
WHERE id = $1 AND status = 'RUNNING' AND lease_owner = $2
`, id, owner, string(status), reason, time.Now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return p.leaseLost(ctx, id)
	}
	return nil
}

func (p *PostgresStore) CountJobs(ctx context.Context, status JobStatus) (int, error) {
	var n int
	err := p.pool.QueryRow(ctx, `SELECT count(*) FROM transfer_jobs WHERE status = $1`, string(status)).Scan(&n)
	return n, err
}

// Idempotency

// ReserveIdempotency inserts a pending record, or takes over an expired
// one, in a single statement so concurrent requests cannot both win.
func (p *PostgresStore) ReserveIdempotency(ctx context.Context, key string, now, expiresAt time.Time) (*IdempotencyRecord, error) {
	var reserved string
	err := p.pool.QueryRow(ctx, `
INSERT INTO idempotency_records (key, pending, status_code, response, created_at, expires_at)
VALUES ($1, TRUE, 0, ''::bytea, $2, $3)
ON CONFLICT (key) DO UPDATE
SET pending = TRUE, status_code = 0, response = ''::bytea,
    created_at = EXCLUDED.created_at, expires_at = EXCLUDED.expires_at
WHERE idempotency_records.expires_at <= EXCLUDED.created_at
RETURNING key
`, key, now, expiresAt).Scan(&reserved)
	if err == nil {
		return nil, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}

	var rec IdempotencyRecord
	err = p.pool.QueryRow(ctx, `
SELECT pending, status_code, response, created_at, expires_at
FROM idempotency_records
WHERE key = $1
`, key).Scan(&rec.Pending, &rec.StatusCode, &rec.Response, &rec.CreatedAt, &rec.ExpiresAt)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (p *PostgresStore) SaveIdempotency(ctx context.Context, key string, rec IdempotencyRecord) error {
	_, err := p.pool.Exec(ctx, `
INSERT INTO idempotency_records (key, pending, status_code, response, created_at, expires_at)
VALUES ($1, FALSE, $2, $3, $4, $5)
ON CONFLICT (key) DO UPDATE
SET pending = FALSE,
    status_code = EXCLUDED.status_code,
    response = EXCLUDED.response,
    created_at = EXCLUDED.created_at,
    expires_at = EXCLUDED.expires_at
`, key, rec.StatusCode, rec.Response, rec.CreatedAt, rec.ExpiresAt)
	return err
}

func (p *PostgresStore) ReleaseIdempotency(ctx context.Context, key string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM idempotency_records WHERE key = $1 AND pending`, key)
	return err
}
