// Package queue accepts transfer requests and executes them asynchronously.
//
// Admission checks are advisory. The worker re-reads the sender's balance
// right before signing and fails the job, without retry, when it no longer
// covers principal, fees and reserve.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"potrails/internal/amount"
	"potrails/internal/apperr"
	"potrails/internal/chain"
	"potrails/internal/custody"
	"potrails/internal/metrics"
	"potrails/internal/notify"
	"potrails/internal/price"
	"potrails/internal/store"
	"potrails/internal/transfer"
)

// RetryPolicy bounds how often a job is attempted and how long it waits
// between attempts.
type RetryPolicy struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier int
	// ConfirmAttempts extends MaxAttempts for a job whose submission is
	// still unconfirmed. Past it the job is parked as UNCONFIRMED.
	ConfirmAttempts int
}

// Backoff is the delay after the given failed attempt (1-based).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	backoff := p.InitialBackoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}
	for i := 1; i < attempt && p.BackoffMultiplier > 1; i++ {
		backoff *= time.Duration(p.BackoffMultiplier)
		if p.MaxBackoff > 0 && backoff >= p.MaxBackoff {
			break
		}
	}
	if p.MaxBackoff > 0 && backoff > p.MaxBackoff {
		backoff = p.MaxBackoff
	}
	return backoff
}

type Config struct {
	Fees         amount.FeePolicy
	Retry        RetryPolicy
	WorkerID     string
	PollInterval time.Duration
	Lease        time.Duration
	// MaxRecipients caps a single direct transfer.
	MaxRecipients int
}

type Deps struct {
	Store    store.Store
	Custody  *custody.Service
	Executor *transfer.Executor
	Chain    chain.Client
	Assets   *chain.Registry
	Prices   price.Oracle
	Notifier notify.Notifier
	Metrics  *metrics.Registry
	Log      *slog.Logger
}

type Queue struct {
	store    store.Store
	custody  *custody.Service
	exec     *transfer.Executor
	chain    chain.Client
	assets   *chain.Registry
	prices   price.Oracle
	notifier notify.Notifier
	metrics  *metrics.Registry
	log      *slog.Logger
	cfg      Config
	now      func() time.Time
}

func New(d Deps, cfg Config) *Queue {
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = 3
	}
	if cfg.Retry.ConfirmAttempts <= 0 {
		cfg.Retry.ConfirmAttempts = 10
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = "worker-" + uuid.NewString()[:8]
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 5 * time.Minute
	}
	if cfg.MaxRecipients <= 0 {
		cfg.MaxRecipients = 20
	}
	return &Queue{
		store:    d.Store,
		custody:  d.Custody,
		exec:     d.Executor,
		chain:    d.Chain,
		assets:   d.Assets,
		prices:   d.Prices,
		notifier: d.Notifier,
		metrics:  d.Metrics,
		log:      d.Log,
		cfg:      cfg,
		now:      time.Now,
	}
}

type Request struct {
	Kind     store.JobKind
	SenderID string
	// Recipients are user ids for DIRECT jobs; Address is the external
	// destination of a WITHDRAWAL.
	Recipients      []string
	Address         string
	AmountEach      decimal.Decimal
	AssetID         string
	ContextRef      string
	SkipPriorityFee bool
}

// Enqueue validates the request, checks the sender's balance once and
// queues the job.
func (q *Queue) Enqueue(ctx context.Context, req Request) (*store.Job, error) {
	asset, err := q.assets.Lookup(req.AssetID)
	if err != nil {
		return nil, err
	}
	if err := q.validate(&req); err != nil {
		return nil, err
	}

	sender, err := q.custody.Ensure(ctx, req.SenderID, req.ContextRef)
	if err != nil {
		return nil, err
	}
	live, err := q.chain.Balances(ctx, sender.PublicKey)
	if err != nil {
		return nil, err
	}
	n := recipientCount(req.Kind, req.Recipients)
	if err := q.covered(asset, req.AmountEach, n, live); err != nil {
		return nil, err
	}

	now := q.now().UTC()
	job := store.Job{
		ID:              uuid.NewString(),
		Kind:            req.Kind,
		SenderID:        req.SenderID,
		Recipients:      req.Recipients,
		Address:         req.Address,
		AmountEach:      req.AmountEach,
		AssetID:         asset.ID,
		UsdEstimate:     price.EstimateUSD(ctx, q.prices, asset, req.AmountEach.Mul(decimal.NewFromInt(int64(n)))),
		ContextRef:      req.ContextRef,
		SkipPriorityFee: req.SkipPriorityFee,
		MaxAttempts:     q.cfg.Retry.MaxAttempts,
		Status:          store.JobQueued,
		NextRunAt:       now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := q.store.EnqueueJob(ctx, job); err != nil {
		return nil, fmt.Errorf("enqueue job: %w", err)
	}
	q.metrics.IncJob("queued")
	q.log.Info("transfer queued", "job_id", job.ID, "kind", job.Kind, "sender_id", job.SenderID,
		"recipients", n, "asset", asset.ID, "amount_each", job.AmountEach.String())
	return &job, nil
}

func (q *Queue) validate(req *Request) error {
	if req.SenderID == "" {
		return apperr.Validation("sender is required")
	}
	if !req.AmountEach.IsPositive() {
		return apperr.Validation("amount must be positive")
	}
	switch req.Kind {
	case store.JobDirect:
		if len(req.Recipients) == 0 {
			return apperr.Validation("at least one recipient is required")
		}
		if len(req.Recipients) > q.cfg.MaxRecipients {
			return apperr.Validation("at most %d recipients per transfer", q.cfg.MaxRecipients)
		}
		seen := make(map[string]bool, len(req.Recipients))
		for _, r := range req.Recipients {
			r = strings.TrimSpace(r)
			switch {
			case r == "":
				return apperr.Validation("recipient id cannot be empty")
			case r == req.SenderID:
				return apperr.Validation("you cannot send funds to yourself")
			case seen[r]:
				return apperr.Validation("recipient %s is listed twice", r)
			}
			seen[r] = true
		}
		req.Address = ""
	case store.JobWithdrawal:
		if !q.chain.ValidAddress(req.Address) {
			return apperr.Validation("invalid withdrawal address %q", req.Address)
		}
		req.Recipients = nil
	default:
		return apperr.Validation("unknown transfer kind %q", req.Kind)
	}
	return nil
}

func recipientCount(kind store.JobKind, recipients []string) int {
	if kind == store.JobWithdrawal {
		return 1
	}
	return len(recipients)
}

// covered compares live balances against what sending amountEach to n
// recipients costs, reporting any shortfall in display units.
func (q *Queue) covered(asset chain.Asset, amountEach decimal.Decimal, n int, live chain.Balances) error {
	need := q.cfg.Fees.Requirement(asset.Native(), amountEach, n)
	native := q.assets.Native()
	if !asset.Native() && live.Of(asset).LessThan(need.Asset) {
		return apperr.InsufficientFunds("transfer needs %s but the wallet holds %s",
			amount.Format(need.Asset, asset.Decimals, asset.Symbol),
			amount.Format(live.Of(asset), asset.Decimals, asset.Symbol))
	}
	if live.Native.LessThan(need.Native) {
		return apperr.InsufficientFunds("transfer needs %s including fees and reserve but the wallet holds %s",
			amount.Format(need.Native, native.Decimals, native.Symbol),
			amount.Format(live.Native, native.Decimals, native.Symbol))
	}
	return nil
}

// Job returns a queued or finished job.
func (q *Queue) Job(ctx context.Context, id string) (*store.Job, error) {
	job, err := q.store.GetJob(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.NotFound("transfer %s not found", id)
		}
		return nil, err
	}
	return job, nil
}
