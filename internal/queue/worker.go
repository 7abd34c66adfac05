package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"potrails/internal/amount"
	"potrails/internal/apperr"
	"potrails/internal/chain"
	"potrails/internal/notify"
	"potrails/internal/store"
	"potrails/internal/transfer"
)

// Run polls for due jobs until ctx is done.
func (q *Queue) Run(ctx context.Context) error {
	q.log.Info("transfer worker started", "worker_id", q.cfg.WorkerID)
	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()
	for {
		for {
			worked, err := q.ProcessOne(ctx)
			if err != nil {
				q.log.Warn("transfer worker poll failed", "error", err)
				break
			}
			if !worked || ctx.Err() != nil {
				break
			}
		}
		select {
		case <-ctx.Done():
			q.log.Info("transfer worker stopped", "worker_id", q.cfg.WorkerID)
			return nil
		case <-ticker.C:
		}
	}
}

// ProcessOne leases and runs a single due job. It reports whether a job was
// found. Job failures are recorded on the job, not returned.
func (q *Queue) ProcessOne(ctx context.Context) (bool, error) {
	job, err := q.store.ClaimJob(ctx, q.cfg.WorkerID, q.now().UTC(), q.cfg.Lease)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	q.process(ctx, job)
	if depth, err := q.store.CountJobs(ctx, store.JobQueued); err == nil {
		q.metrics.SetQueueDepth(depth)
	}
	return true, nil
}

func (q *Queue) process(ctx context.Context, job *store.Job) {
	log := q.log.With("job_id", job.ID, "attempt", job.Attempts)
	if job.Attempts > job.MaxAttempts && job.PendingRef == "" {
		q.fail(ctx, job, fmt.Errorf("gave up after %d attempts: %s", job.MaxAttempts, job.LastError))
		return
	}
	asset, err := q.assets.Lookup(job.AssetID)
	if err != nil {
		q.fail(ctx, job, err)
		return
	}
	dests, err := q.destinations(ctx, job)
	if err != nil {
		q.handleError(ctx, job, err)
		return
	}

	if ref := job.PendingRef; ref != "" {
		done, err := q.resume(ctx, job)
		if err != nil {
			q.handleError(ctx, job, err)
			return
		}
		if done {
			log.Info("earlier submission confirmed", "ref", ref)
			q.complete(ctx, job, asset, dests, ref)
			return
		}
		if job.Attempts > job.MaxAttempts {
			q.fail(ctx, job, apperr.Chain(fmt.Sprintf("transaction %s failed on chain after %d attempts", ref, job.MaxAttempts), false, nil))
			return
		}
		log.Warn("earlier submission failed on chain, sending again", "ref", ref)
	}

	ref, err := q.execute(ctx, job, asset, dests)
	if err != nil {
		q.handleError(ctx, job, err)
		return
	}
	q.complete(ctx, job, asset, dests, ref)
}

// resume settles the fate of a submission whose confirmation timed out on
// an earlier attempt. It reports true when that submission landed; false
// means it failed on chain and the transfer must be sent again.
func (q *Queue) resume(ctx context.Context, job *store.Job) (bool, error) {
	st, err := q.exec.Status(ctx, job.PendingRef)
	if err != nil {
		return false, apperr.WithRef(err, job.PendingRef)
	}
	switch st {
	case chain.StatusConfirmed:
		return true, nil
	case chain.StatusFailed:
		job.PendingRef = ""
		return false, nil
	default:
		if err := q.exec.Await(ctx, job.PendingRef); err != nil {
			return false, err
		}
		return true, nil
	}
}

type destination struct {
	UserID  string
	Address string
}

func (q *Queue) destinations(ctx context.Context, job *store.Job) ([]destination, error) {
	if job.Kind == store.JobWithdrawal {
		return []destination{{Address: job.Address}}, nil
	}
	out := make([]destination, 0, len(job.Recipients))
	for _, r := range job.Recipients {
		acct, err := q.custody.Ensure(ctx, r, job.ContextRef)
		if err != nil {
			return nil, err
		}
		out = append(out, destination{UserID: r, Address: acct.PublicKey})
	}
	return out, nil
}

func (q *Queue) execute(ctx context.Context, job *store.Job, asset chain.Asset, dests []destination) (string, error) {
	opts := transfer.Options{
		PriorityFee: !job.SkipPriorityFee,
		OnSubmit: func(ref string) error {
			job.PendingRef = ref
			return q.store.MarkSubmitted(ctx, job.ID, q.cfg.WorkerID, ref, q.now().UTC().Add(q.cfg.Lease))
		},
	}
	var ref string
	err := q.custody.WithSecret(ctx, job.SenderID, func(secret []byte) error {
		sender, err := q.custody.Balances(ctx, job.SenderID)
		if err != nil {
			return err
		}
		if err := q.covered(asset, job.AmountEach, len(dests), sender); err != nil {
			return err
		}
		if len(dests) == 1 {
			ref, err = q.exec.Transfer(ctx, secret, dests[0].Address, job.AmountEach, asset, opts)
			return err
		}
		payouts := make([]transfer.Payout, len(dests))
		for i, d := range dests {
			payouts[i] = transfer.Payout{Recipient: d.Address, Amount: job.AmountEach}
		}
		ref, err = q.exec.BatchTransfer(ctx, secret, payouts, asset, opts)
		return err
	})
	return ref, err
}

func (q *Queue) complete(ctx context.Context, job *store.Job, asset chain.Asset, dests []destination, ref string) {
	kind := store.LedgerDirect
	if job.Kind == store.JobWithdrawal {
		kind = store.LedgerWithdrawal
	}
	now := q.now().UTC()
	entries := make([]store.LedgerEntry, len(dests))
	for i, d := range dests {
		rowRef := ref
		if len(dests) > 1 {
			rowRef = transfer.SubRef(ref, i)
		}
		entries[i] = store.LedgerEntry{
			Ref:       rowRef,
			Kind:      kind,
			FromUser:  job.SenderID,
			ToUser:    d.UserID,
			ToAddress: d.Address,
			AssetID:   asset.ID,
			Amount:    job.AmountEach,
			JobID:     job.ID,
			CreatedAt: now,
		}
	}
	if err := q.store.CompleteJob(ctx, job.ID, q.cfg.WorkerID, ref, entries); err != nil {
		if errors.Is(err, store.ErrLeaseLost) {
			q.leaseLost(job, err)
			return
		}
		// The transfer landed; keep the ref so the next lease completes it.
		q.log.Error("record completed transfer failed", "job_id", job.ID, "ref", ref, "error", err)
		q.retry(ctx, job, apperr.WithRef(err, ref))
		return
	}
	q.metrics.IncJob("succeeded")
	q.metrics.IncRetry("success")
	q.log.Info("transfer succeeded", "job_id", job.ID, "ref", ref, "recipients", len(dests))

	each := amount.Format(job.AmountEach, asset.Decimals, asset.Symbol)
	for _, d := range dests {
		if d.UserID == "" {
			continue
		}
		notify.BestEffort(q.log, "transfer recipient notice", q.notifier.Notify(ctx, d.UserID, notify.Message{
			Event: notify.EventPayoutReceived,
			Text:  fmt.Sprintf("You received %s from %s.", each, job.SenderID),
			Data:  map[string]string{"job_id": job.ID, "ref": ref},
		}))
	}
	total := job.AmountEach.Mul(decimal.NewFromInt(int64(len(dests))))
	text := fmt.Sprintf("Sent %s to %s.", amount.Format(total, asset.Decimals, asset.Symbol), describe(dests))
	if job.UsdEstimate.Valid {
		text = fmt.Sprintf("Sent %s (about $%s) to %s.", amount.Format(total, asset.Decimals, asset.Symbol),
			job.UsdEstimate.Decimal.StringFixed(2), describe(dests))
	}
	notify.BestEffort(q.log, "transfer context update", q.notifier.UpdateContext(ctx, job.ContextRef, notify.Message{
		Event: notify.EventTransferDone,
		Text:  text,
		Data:  map[string]string{"job_id": job.ID, "ref": ref},
	}))
}

func describe(dests []destination) string {
	names := make([]string, len(dests))
	for i, d := range dests {
		names[i] = d.UserID
		if names[i] == "" {
			names[i] = d.Address
		}
	}
	return strings.Join(names, ", ")
}

// handleError retries transient failures within the attempt budget and
// fails everything else. A job whose submission may still land is never
// failed: it keeps retrying on the confirmation budget and is then parked.
func (q *Queue) handleError(ctx context.Context, job *store.Job, err error) {
	if errors.Is(err, store.ErrLeaseLost) {
		q.leaseLost(job, err)
		return
	}
	ref := apperr.RefOf(err)
	if ref == "" {
		ref = job.PendingRef
	}
	if ref != "" {
		if job.Attempts < job.MaxAttempts+q.cfg.Retry.ConfirmAttempts {
			q.retry(ctx, job, err)
			return
		}
		q.park(ctx, job, ref, err)
		return
	}
	if apperr.IsRetryable(err) && job.Attempts < job.MaxAttempts {
		q.retry(ctx, job, err)
		return
	}
	q.fail(ctx, job, err)
}

func (q *Queue) retry(ctx context.Context, job *store.Job, err error) {
	pending := apperr.RefOf(err)
	if pending == "" {
		pending = job.PendingRef
	}
	next := q.now().UTC().Add(q.cfg.Retry.Backoff(job.Attempts))
	if rerr := q.store.RetryJob(ctx, job.ID, q.cfg.WorkerID, next, err.Error(), pending); rerr != nil {
		if errors.Is(rerr, store.ErrLeaseLost) {
			q.leaseLost(job, rerr)
			return
		}
		q.log.Error("reschedule transfer failed", "job_id", job.ID, "error", rerr)
		return
	}
	q.metrics.IncRetry("retry")
	q.log.Warn("transfer attempt failed, retrying", "job_id", job.ID, "attempt", job.Attempts,
		"next_run_at", next, "pending_ref", pending, "error", err)
}

func (q *Queue) fail(ctx context.Context, job *store.Job, err error) {
	if ferr := q.store.FailJob(ctx, job.ID, q.cfg.WorkerID, err.Error()); ferr != nil {
		if errors.Is(ferr, store.ErrLeaseLost) {
			q.leaseLost(job, ferr)
			return
		}
		q.log.Error("mark transfer failed", "job_id", job.ID, "error", ferr)
		return
	}
	q.metrics.IncJob("failed")
	q.metrics.IncRetry("failed")
	q.log.Error("transfer failed", "job_id", job.ID, "kind", apperr.KindOf(err), "error", err)
	notify.BestEffort(q.log, "transfer failure update", q.notifier.UpdateContext(ctx, job.ContextRef, notify.Message{
		Event: notify.EventTransferFailed,
		Text:  "Transfer failed: " + apperr.UserMessage(err),
		Data:  map[string]string{"job_id": job.ID},
	}))
}

// park stops leasing a job whose submission never resolved. Nothing is
// reported to the originating context: the transfer may still land.
func (q *Queue) park(ctx context.Context, job *store.Job, ref string, err error) {
	reason := fmt.Sprintf("submission %s unconfirmed after %d attempts: %v", ref, job.Attempts, err)
	if perr := q.store.ParkJob(ctx, job.ID, q.cfg.WorkerID, reason); perr != nil {
		if errors.Is(perr, store.ErrLeaseLost) {
			q.leaseLost(job, perr)
			return
		}
		q.log.Error("park unconfirmed transfer", "job_id", job.ID, "error", perr)
		return
	}
	q.metrics.IncJob("unconfirmed")
	q.log.Error("transfer unconfirmed, needs operator review", "job_id", job.ID, "ref", ref, "attempts", job.Attempts)
}

func (q *Queue) leaseLost(job *store.Job, err error) {
	q.metrics.IncRetry("lease_lost")
	q.log.Warn("job lease lost, leaving it to the new owner", "job_id", job.ID, "worker_id", q.cfg.WorkerID, "error", err)
}
