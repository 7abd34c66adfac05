package store

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func TestPostgresStoreLifecycle(t *testing.T) {
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s, err := NewPostgresStore(ctx, dsn)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer s.Close()

	pot := newPot(uuid.NewString(), 1)
	pot.EscrowSecret = []byte("sealed")
	pot.EscrowSalt = []byte("salt")
	pot.Amount = decimal.RequireFromString("1000000000000000001")
	if err := s.CreatePot(ctx, pot); err != nil {
		t.Fatalf("create pot: %v", err)
	}

	got, err := s.GetPot(ctx, pot.ID)
	if err != nil {
		t.Fatalf("get pot: %v", err)
	}
	if !got.Amount.Equal(pot.Amount) || got.Status != PotActive {
		t.Fatalf("pot round trip = %+v", got)
	}

	if n, err := s.AddParticipant(ctx, pot.ID, "alice", time.Now()); err != nil || n != 1 {
		t.Fatalf("claim = %d, %v", n, err)
	}
	if _, err := s.AddParticipant(ctx, pot.ID, "alice", time.Now()); !errors.Is(err, ErrAlreadyClaimed) {
		t.Fatalf("duplicate claim err = %v", err)
	}
	if _, err := s.AddParticipant(ctx, pot.ID, "bob", time.Now()); !errors.Is(err, ErrPotClosed) {
		t.Fatalf("over cap err = %v", err)
	}

	ok, err := s.TransitionPot(ctx, pot.ID, PotActive, PotSettled, time.Now())
	if err != nil || !ok {
		t.Fatalf("transition = %v, %v", ok, err)
	}
	if ok, _ := s.TransitionPot(ctx, pot.ID, PotActive, PotSettled, time.Now()); ok {
		t.Fatalf("second transition won")
	}

	job := Job{
		ID:          uuid.NewString(),
		Kind:        JobDirect,
		SenderID:    "alice",
		Recipients:  []string{"bob"},
		AmountEach:  decimal.NewFromInt(5),
		AssetID:     "eth",
		MaxAttempts: 3,
		Status:      JobQueued,
		NextRunAt:   time.Now().Add(-time.Second).UTC(),
		CreatedAt:   time.Now().UTC(),
		UpdatedAt:   time.Now().UTC(),
	}
	if err := s.EnqueueJob(ctx, job); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	leased, err := s.ClaimJob(ctx, "w1", time.Now().UTC(), time.Minute)
	if err != nil || leased == nil {
		t.Fatalf("claim job = %+v, %v", leased, err)
	}
	ref := "0x" + uuid.NewString()
	entries := []LedgerEntry{{Ref: ref, Kind: LedgerDirect, FromUser: "alice", ToUser: "bob", AssetID: "eth",
		Amount: decimal.NewFromInt(5), JobID: leased.ID, CreatedAt: time.Now().UTC()}}
	if err := s.MarkSubmitted(ctx, leased.ID, "w2", ref, time.Now().Add(time.Minute)); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("mark submitted by non-owner err = %v", err)
	}
	if err := s.CompleteJob(ctx, leased.ID, "w1", ref, entries); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := s.FailJob(ctx, leased.ID, "w1", "late"); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("fail after complete err = %v", err)
	}
	if err := s.AppendLedger(ctx, entries...); !errors.Is(err, ErrDuplicateRef) {
		t.Fatalf("duplicate ledger err = %v", err)
	}
}
