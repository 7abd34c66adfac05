package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// MemoryStore keeps everything in process memory. It backs dev mode and
// tests and honors the same atomicity contract as PostgresStore within a
// single process.
type MemoryStore struct {
	mu           sync.RWMutex
	accounts     map[string]Account
	pots         map[string]Pot
	participants map[string]map[string]Participant
	ledger       []LedgerEntry
	ledgerRefs   map[string]struct{}
	jobs         map[string]Job
	idem         map[string]IdempotencyRecord
	seq          int64
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:     make(map[string]Account),
		pots:         make(map[string]Pot),
		participants: make(map[string]map[string]Participant),
		ledgerRefs:   make(map[string]struct{}),
		jobs:         make(map[string]Job),
		idem:         make(map[string]IdempotencyRecord),
	}
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) GetAccount(_ context.Context, userID string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	acct, ok := m.accounts[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return &acct, nil
}

func (m *MemoryStore) CreateAccount(_ context.Context, acct Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[acct.UserID]; ok {
		return ErrAccountExists
	}
	m.accounts[acct.UserID] = acct
	return nil
}

func (m *MemoryStore) MarkSecretDelivered(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct, ok := m.accounts[userID]
	if !ok {
		return ErrNotFound
	}
	acct.SecretDelivered = true
	m.accounts[userID] = acct
	return nil
}

func (m *MemoryStore) DeleteAccount(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[userID]; !ok {
		return ErrNotFound
	}
	delete(m.accounts, userID)
	return nil
}

func (m *MemoryStore) CreatePot(_ context.Context, pot Pot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pots[pot.ID] = pot
	m.participants[pot.ID] = make(map[string]Participant)
	return nil
}

func (m *MemoryStore) GetPot(_ context.Context, id string) (*Pot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pot, ok := m.pots[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &pot, nil
}

func (m *MemoryStore) AddParticipant(_ context.Context, potID, userID string, at time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pot, ok := m.pots[potID]
	if !ok {
		return 0, ErrNotFound
	}
	if _, dup := m.participants[potID][userID]; dup {
		return 0, ErrAlreadyClaimed
	}
	if pot.Status != PotActive || (pot.MaxParticipants > 0 && pot.ParticipantCount >= pot.MaxParticipants) {
		return 0, ErrPotClosed
	}
	m.seq++
	m.participants[potID][userID] = Participant{
		PotID:     potID,
		UserID:    userID,
		Status:    ParticipantPending,
		ClaimedAt: at,
		Seq:       m.seq,
	}
	pot.ParticipantCount++
	m.pots[potID] = pot
	return pot.ParticipantCount, nil
}

func (m *MemoryStore) ListParticipants(_ context.Context, potID string) ([]Participant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Participant, 0, len(m.participants[potID]))
	for _, p := range m.participants[potID] {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ClaimedAt.Equal(out[j].ClaimedAt) {
			return out[i].ClaimedAt.Before(out[j].ClaimedAt)
		}
		return out[i].Seq < out[j].Seq
	})
	return out, nil
}

func (m *MemoryStore) TransitionPot(_ context.Context, id string, from, to PotStatus, at time.Time) (bool, error) {
	if !CanTransition(from, to) {
		return false, ErrBadTransition
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	pot, ok := m.pots[id]
	if !ok {
		return false, ErrNotFound
	}
	if pot.Status != from {
		return false, nil
	}
	pot.Status = to
	pot.SettledAt = at
	m.pots[id] = pot
	return true, nil
}

func (m *MemoryStore) RecordPotOutcome(_ context.Context, id string, share, disbursed decimal.Decimal, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	pot, ok := m.pots[id]
	if !ok {
		return ErrNotFound
	}
	pot.ShareAmount = share
	pot.Disbursed = disbursed
	pot.FailureReason = reason
	m.pots[id] = pot
	return nil
}

func (m *MemoryStore) MarkParticipantTransferred(_ context.Context, potID, userID string, share decimal.Decimal, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.participants[potID][userID]
	if !ok {
		return ErrNotFound
	}
	p.Status = ParticipantTransferred
	p.Share = share
	p.TxRef = ref
	m.participants[potID][userID] = p
	return nil
}

func (m *MemoryStore) MarkParticipantSubmitted(_ context.Context, potID, userID, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.participants[potID][userID]
	if !ok {
		return ErrNotFound
	}
	p.TxRef = ref
	m.participants[potID][userID] = p
	return nil
}

func (m *MemoryStore) ListExpiredPots(_ context.Context, now time.Time, limit int) ([]Pot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Pot
	for _, pot := range m.pots {
		if pot.Status == PotActive && !pot.ExpiresAt.After(now) {
			out = append(out, pot)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) AppendLedger(_ context.Context, entries ...LedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendLedgerLocked(entries)
}

func (m *MemoryStore) appendLedgerLocked(entries []LedgerEntry) error {
	seen := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		if _, dup := m.ledgerRefs[e.Ref]; dup {
			return ErrDuplicateRef
		}
		if _, dup := seen[e.Ref]; dup {
			return ErrDuplicateRef
		}
		seen[e.Ref] = struct{}{}
	}
	for _, e := range entries {
		m.ledgerRefs[e.Ref] = struct{}{}
		m.ledger = append(m.ledger, e)
	}
	return nil
}

func (m *MemoryStore) ListLedger(_ context.Context, q LedgerQuery) ([]LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []LedgerEntry
	for _, e := range m.ledger {
		if q.PotID != "" && e.PotID != q.PotID {
			continue
		}
		if q.JobID != "" && e.JobID != q.JobID {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (m *MemoryStore) EnqueueJob(_ context.Context, job Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job.Recipients = append([]string(nil), job.Recipients...)
	m.jobs[job.ID] = job
	return nil
}

func (m *MemoryStore) GetJob(_ context.Context, id string) (*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &job, nil
}

func (m *MemoryStore) ClaimJob(_ context.Context, workerID string, now time.Time, lease time.Duration) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var next *Job
	for id := range m.jobs {
		job := m.jobs[id]
		due := (job.Status == JobQueued && !job.NextRunAt.After(now)) ||
			(job.Status == JobRunning && job.LeaseUntil.Before(now))
		if !due {
			continue
		}
		if next == nil || job.NextRunAt.Before(next.NextRunAt) {
			j := job
			next = &j
		}
	}
	if next == nil {
		return nil, nil
	}
	next.Status = JobRunning
	next.Attempts++
	next.LeaseOwner = workerID
	next.LeaseUntil = now.Add(lease)
	next.UpdatedAt = now
	m.jobs[next.ID] = *next
	return next, nil
}

// leasedLocked returns the job if owner still holds its lease.
func (m *MemoryStore) leasedLocked(id, owner string) (Job, error) {
	job, ok := m.jobs[id]
	if !ok {
		return Job{}, ErrNotFound
	}
	if job.Status != JobRunning || job.LeaseOwner != owner {
		return Job{}, ErrLeaseLost
	}
	return job, nil
}

func (m *MemoryStore) MarkSubmitted(_ context.Context, id, owner, ref string, leaseUntil time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, err := m.leasedLocked(id, owner)
	if err != nil {
		return err
	}
	job.PendingRef = ref
	job.LeaseUntil = leaseUntil
	job.UpdatedAt = time.Now()
	m.jobs[id] = job
	return nil
}

func (m *MemoryStore) RetryJob(_ context.Context, id, owner string, nextRunAt time.Time, lastErr, pendingRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, err := m.leasedLocked(id, owner)
	if err != nil {
		return err
	}
	job.Status = JobQueued
	job.NextRunAt = nextRunAt
	job.LastError = lastErr
	job.PendingRef = pendingRef
	job.LeaseOwner = ""
	job.LeaseUntil = time.Time{}
	job.UpdatedAt = time.Now()
	m.jobs[id] = job
	return nil
}

func (m *MemoryStore) CompleteJob(_ context.Context, id, owner, txRef string, entries []LedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, err := m.leasedLocked(id, owner)
	if err != nil {
		return err
	}
	if err := m.appendLedgerLocked(entries); err != nil {
		return err
	}
	job.Status = JobSucceeded
	job.TxRef = txRef
	job.PendingRef = ""
	job.LastError = ""
	job.LeaseOwner = ""
	job.LeaseUntil = time.Time{}
	job.UpdatedAt = time.Now()
	m.jobs[id] = job
	return nil
}

func (m *MemoryStore) FailJob(_ context.Context, id, owner, reason string) error {
	return m.finishJob(id, owner, JobFailed, reason)
}

func (m *MemoryStore) ParkJob(_ context.Context, id, owner, reason string) error {
	return m.finishJob(id, owner, JobUnconfirmed, reason)
}

func (m *MemoryStore) finishJob(id, owner string, status JobStatus, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, err := m.leasedLocked(id, owner)
	if err != nil {
		return err
	}
	job.Status = status
	job.LastError = reason
	job.LeaseOwner = ""
	job.LeaseUntil = time.Time{}
	job.UpdatedAt = time.Now()
	m.jobs[id] = job
	return nil
}

func (m *MemoryStore) CountJobs(_ context.Context, status JobStatus) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, job := range m.jobs {
		if job.Status == status {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) ReserveIdempotency(_ context.Context, key string, now, expiresAt time.Time) (*IdempotencyRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.idem[key]; ok && now.Before(rec.ExpiresAt) {
		return &rec, nil
	}
	m.idem[key] = IdempotencyRecord{Pending: true, CreatedAt: now, ExpiresAt: expiresAt}
	return nil, nil
}

func (m *MemoryStore) SaveIdempotency(_ context.Context, key string, rec IdempotencyRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.Pending = false
	m.idem[key] = rec
	return nil
}

func (m *MemoryStore) ReleaseIdempotency(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.idem[key]; ok && rec.Pending {
		delete(m.idem, key)
	}
	return nil
}
