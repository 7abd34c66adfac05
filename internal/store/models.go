package store

import (
	"time"

	"github.com/shopspring/decimal"
)

type PotStatus string

const (
	PotActive  PotStatus = "ACTIVE"
	PotSettled PotStatus = "SETTLED"
	PotExpired PotStatus = "EXPIRED"
	PotFailed  PotStatus = "FAILED"
)

// Terminal reports whether no further claims or settlement can start.
func (s PotStatus) Terminal() bool { return s != PotActive }

// CanTransition reports whether from -> to is allowed. A pot leaves ACTIVE
// exactly once. The settlement path that won the ACTIVE -> SETTLED update
// may then record EXPIRED (no winners) or FAILED (payout aborted) as the
// final outcome.
func CanTransition(from, to PotStatus) bool {
	switch from {
	case PotActive:
		return to == PotSettled || to == PotExpired || to == PotFailed
	case PotSettled:
		return to == PotExpired || to == PotFailed
	default:
		return false
	}
}

type ParticipantStatus string

const (
	ParticipantPending     ParticipantStatus = "PENDING"
	ParticipantTransferred ParticipantStatus = "TRANSFERRED"
)

type JobKind string

const (
	JobDirect     JobKind = "DIRECT"
	JobWithdrawal JobKind = "WITHDRAWAL"
)

type JobStatus string

const (
	JobQueued    JobStatus = "QUEUED"
	JobRunning   JobStatus = "RUNNING"
	JobSucceeded JobStatus = "SUCCEEDED"
	JobFailed    JobStatus = "FAILED"

	// JobUnconfirmed jobs were submitted but never resolved within the
	// confirmation budget; they wait for an operator.
	JobUnconfirmed JobStatus = "UNCONFIRMED"
)

type LedgerKind string

const (
	LedgerPotFunding LedgerKind = "POT_FUNDING"
	LedgerPotPayout  LedgerKind = "POT_PAYOUT"
	LedgerPotRefund  LedgerKind = "POT_REFUND"
	LedgerDirect     LedgerKind = "DIRECT"
	LedgerWithdrawal LedgerKind = "WITHDRAWAL"
)

// Account is a custodial wallet. Secret material is stored sealed only.
type Account struct {
	UserID            string
	PublicKey         string
	EncryptedSecret   []byte
	SecretSalt        []byte
	EncryptedRecovery []byte
	RecoverySalt      []byte
	SecretDelivered   bool
	CreatedAt         time.Time
}

// Pot is an escrow pot. Each pot owns exactly one escrow keypair.
type Pot struct {
	ID               string
	EscrowPublicKey  string
	EscrowSecret     []byte
	EscrowSalt       []byte
	CreatorID        string
	AssetID          string
	Amount           decimal.Decimal
	MaxParticipants  int // 0 means uncapped
	ParticipantCount int
	Status           PotStatus
	ExpiresAt        time.Time
	SettledAt        time.Time
	ContextRef       string
	ShareAmount      decimal.Decimal
	Disbursed        decimal.Decimal
	FailureReason    string
	CreatedAt        time.Time
}

type Participant struct {
	PotID     string
	UserID    string
	Status    ParticipantStatus
	Share     decimal.Decimal
	TxRef     string
	ClaimedAt time.Time
	Seq       int64
}

type LedgerEntry struct {
	Ref       string
	Kind      LedgerKind
	FromUser  string
	ToUser    string
	ToAddress string
	AssetID   string
	Amount    decimal.Decimal
	PotID     string
	JobID     string
	CreatedAt time.Time
}

// LedgerQuery filters ListLedger; empty fields match everything.
type LedgerQuery struct {
	PotID string
	JobID string
}

type Job struct {
	ID              string
	Kind            JobKind
	SenderID        string
	Recipients      []string
	Address         string
	AmountEach      decimal.Decimal
	AssetID         string
	UsdEstimate     decimal.NullDecimal
	ContextRef      string
	SkipPriorityFee bool
	MaxAttempts     int
	Attempts        int
	Status          JobStatus
	NextRunAt       time.Time
	LeaseOwner      string
	LeaseUntil      time.Time
	LastError       string
	PendingRef      string
	TxRef           string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// IdempotencyRecord holds a stored API response for replay.
type IdempotencyRecord struct {
	Pending    bool
	StatusCode int
	Response   []byte
	CreatedAt  time.Time
	ExpiresAt  time.Time
}
