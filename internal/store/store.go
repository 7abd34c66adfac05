// Package store persists accounts, pots, participants, ledger entries and
// transfer jobs.
//
// Correctness across worker processes rests on two primitives every
// implementation provides: the unique (pot, user) participant pair and the
// conditional status update of TransitionPot. Nothing in the core relies on
// in-process locks for these.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrAlreadyClaimed = errors.New("participant already claimed this pot")
	ErrPotClosed      = errors.New("pot is not accepting claims")
	ErrDuplicateRef   = errors.New("ledger reference already exists")
	ErrAccountExists  = errors.New("account already exists")
	ErrBadTransition  = errors.New("invalid pot status transition")
	// ErrLeaseLost means the job is no longer leased to the caller; another
	// worker owns it now and the caller must stop touching it.
	ErrLeaseLost = errors.New("job lease lost")
)

type AccountStore interface {
	GetAccount(ctx context.Context, userID string) (*Account, error)
	// CreateAccount fails with ErrAccountExists if the user already has one.
	CreateAccount(ctx context.Context, acct Account) error
	MarkSecretDelivered(ctx context.Context, userID string) error
	DeleteAccount(ctx context.Context, userID string) error
}

type PotStore interface {
	CreatePot(ctx context.Context, pot Pot) error
	GetPot(ctx context.Context, id string) (*Pot, error)
	// AddParticipant inserts the (pot, user) record and increments the
	// participant counter in one atomic step, returning the new count. It
	// fails with ErrAlreadyClaimed on a duplicate pair and ErrPotClosed when
	// the pot is no longer ACTIVE or already at its cap.
	AddParticipant(ctx context.Context, potID, userID string, at time.Time) (int, error)
	// ListParticipants returns records in claim order.
	ListParticipants(ctx context.Context, potID string) ([]Participant, error)
	// TransitionPot sets status to `to` only if it is currently `from`.
	// It reports false when another path moved the pot first.
	TransitionPot(ctx context.Context, id string, from, to PotStatus, at time.Time) (bool, error)
	RecordPotOutcome(ctx context.Context, id string, share, disbursed decimal.Decimal, reason string) error
	MarkParticipantTransferred(ctx context.Context, potID, userID string, share decimal.Decimal, ref string) error
	// MarkParticipantSubmitted records the reference of a payout whose
	// confirmation is still outstanding. The participant stays PENDING.
	MarkParticipantSubmitted(ctx context.Context, potID, userID, ref string) error
	ListExpiredPots(ctx context.Context, now time.Time, limit int) ([]Pot, error)
}

type LedgerStore interface {
	// AppendLedger writes all entries or none; ErrDuplicateRef if any
	// reference is already recorded.
	AppendLedger(ctx context.Context, entries ...LedgerEntry) error
	ListLedger(ctx context.Context, q LedgerQuery) ([]LedgerEntry, error)
}

type JobStore interface {
	EnqueueJob(ctx context.Context, job Job) error
	GetJob(ctx context.Context, id string) (*Job, error)
	// ClaimJob leases the next due job (queued and due, or running with an
	// expired lease) and bumps its attempt counter. It returns nil when
	// nothing is due.
	ClaimJob(ctx context.Context, workerID string, now time.Time, lease time.Duration) (*Job, error)

	// The writes below apply only while owner holds the job's lease and
	// return ErrLeaseLost otherwise.

	// MarkSubmitted stores the chain reference of a submission right after
	// it is sent and extends the lease to leaseUntil.
	MarkSubmitted(ctx context.Context, id, owner, ref string, leaseUntil time.Time) error
	// RetryJob puts a running job back in the queue.
	RetryJob(ctx context.Context, id, owner string, nextRunAt time.Time, lastErr, pendingRef string) error
	// CompleteJob records the ledger entries and marks the job succeeded
	// atomically.
	CompleteJob(ctx context.Context, id, owner, txRef string, entries []LedgerEntry) error
	FailJob(ctx context.Context, id, owner, reason string) error
	// ParkJob stops retrying a job whose submission never resolved. It keeps
	// the pending reference for an operator.
	ParkJob(ctx context.Context, id, owner, reason string) error
	CountJobs(ctx context.Context, status JobStatus) (int, error)
}

type IdempotencyStore interface {
	// ReserveIdempotency claims key until expiresAt. It returns nil when the
	// caller now owns the key, or the live record already holding it. A
	// record with Pending set belongs to a request still in flight.
	ReserveIdempotency(ctx context.Context, key string, now, expiresAt time.Time) (*IdempotencyRecord, error)
	// SaveIdempotency fills a reserved key with the final response.
	SaveIdempotency(ctx context.Context, key string, rec IdempotencyRecord) error
	// ReleaseIdempotency drops a reservation whose request failed.
	ReleaseIdempotency(ctx context.Context, key string) error
}

// Store is the full persistence surface.
type Store interface {
	AccountStore
	PotStore
	LedgerStore
	JobStore
	IdempotencyStore
}
