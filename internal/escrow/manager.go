// Package escrow runs the pot lifecycle: creation and funding, claims, and
// settlement to winners or refund to the creator.
//
// Settlement may be requested by the claim that fills a pot, by a one-shot
// timer, or by the expiry sweep, possibly in several processes at once. All
// of them funnel into Settle, where the conditional ACTIVE -> SETTLED store
// update decides the single winner; every other caller exits quietly.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"potrails/internal/amount"
	"potrails/internal/apperr"
	"potrails/internal/chain"
	"potrails/internal/custody"
	"potrails/internal/keyvault"
	"potrails/internal/metrics"
	"potrails/internal/notify"
	"potrails/internal/store"
	"potrails/internal/transfer"
)

type Config struct {
	Fees amount.FeePolicy
	// ShortPotThreshold: pots that run no longer than this get a one-shot
	// settlement timer in addition to the sweep.
	ShortPotThreshold time.Duration
	MinDuration       time.Duration
	MaxDuration       time.Duration
	MaxParticipants   int
	SweepBatch        int
}

type Manager struct {
	store    store.Store
	vault    *keyvault.Vault
	custody  *custody.Service
	exec     *transfer.Executor
	balances chain.BalanceReader
	assets   *chain.Registry
	notifier notify.Notifier
	metrics  *metrics.Registry
	log      *slog.Logger
	cfg      Config
	now      func() time.Time

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	timers  map[string]*time.Timer
	closed  bool
}

type Deps struct {
	Store    store.Store
	Vault    *keyvault.Vault
	Custody  *custody.Service
	Executor *transfer.Executor
	Balances chain.BalanceReader
	Assets   *chain.Registry
	Notifier notify.Notifier
	Metrics  *metrics.Registry
	Log      *slog.Logger
}

func NewManager(d Deps, cfg Config) *Manager {
	if cfg.MinDuration <= 0 {
		cfg.MinDuration = 10 * time.Second
	}
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = 7 * 24 * time.Hour
	}
	if cfg.MaxParticipants <= 0 {
		cfg.MaxParticipants = 100
	}
	if cfg.SweepBatch <= 0 {
		cfg.SweepBatch = 50
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		store:    d.Store,
		vault:    d.Vault,
		custody:  d.Custody,
		exec:     d.Executor,
		balances: d.Balances,
		assets:   d.Assets,
		notifier: d.Notifier,
		metrics:  d.Metrics,
		log:      d.Log,
		cfg:      cfg,
		now:      time.Now,
		baseCtx:  ctx,
		cancel:   cancel,
		timers:   make(map[string]*time.Timer),
	}
}

type CreateRequest struct {
	CreatorID string
	AssetID   string
	// Amount is the nominal total in base units.
	Amount          decimal.Decimal
	Duration        time.Duration
	MaxParticipants int // 0 means uncapped
	ContextRef      string
}

// Create mints the pot's escrow key, persists the pot as ACTIVE and funds
// it from the creator. Any funding failure leaves the pot FAILED.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*store.Pot, error) {
	asset, err := m.assets.Lookup(req.AssetID)
	if err != nil {
		return nil, err
	}
	if err := m.validateCreate(req); err != nil {
		return nil, err
	}

	creator, err := m.custody.Ensure(ctx, req.CreatorID, req.ContextRef)
	if err != nil {
		return nil, err
	}

	plan := m.fundingPlan(asset, req.Amount, req.MaxParticipants)
	live, err := m.balances.Balances(ctx, creator.PublicKey)
	if err != nil {
		return nil, err
	}
	if err := m.checkCovered(asset, plan, live); err != nil {
		return nil, err
	}

	escrowKey, err := m.vault.GenerateAccount()
	if err != nil {
		return nil, fmt.Errorf("generate escrow key: %w", err)
	}
	now := m.now().UTC()
	pot := store.Pot{
		ID:              uuid.NewString(),
		EscrowPublicKey: escrowKey.PublicKey,
		EscrowSecret:    escrowKey.EncryptedSecret,
		EscrowSalt:      escrowKey.Salt,
		CreatorID:       req.CreatorID,
		AssetID:         asset.ID,
		Amount:          req.Amount,
		MaxParticipants: req.MaxParticipants,
		Status:          store.PotActive,
		ExpiresAt:       now.Add(req.Duration),
		ContextRef:      req.ContextRef,
		CreatedAt:       now,
	}
	// Persisted before funding so the escrow key survives a crash mid-funding.
	if err := m.store.CreatePot(ctx, pot); err != nil {
		return nil, fmt.Errorf("persist pot: %w", err)
	}
	m.metrics.IncPot("created")

	if err := m.fund(ctx, &pot, asset, plan); err != nil {
		return nil, err
	}
	m.metrics.IncPot("funded")
	m.log.Info("pot created", "pot_id", pot.ID, "creator_id", pot.CreatorID,
		"asset", asset.ID, "amount", pot.Amount.String(), "expires_at", pot.ExpiresAt)

	if req.Duration <= m.cfg.ShortPotThreshold {
		m.schedule(pot.ID, req.Duration)
	}

	notify.BestEffort(m.log, "pot created notice", m.notifier.UpdateContext(ctx, pot.ContextRef, notify.Message{
		Event: notify.EventPotCreated,
		Text:  fmt.Sprintf("%s is up for grabs until %s", amount.Format(pot.Amount, asset.Decimals, asset.Symbol), pot.ExpiresAt.Format(time.RFC3339)),
		Data:  map[string]string{"pot_id": pot.ID},
	}))
	return &pot, nil
}

func (m *Manager) validateCreate(req CreateRequest) error {
	switch {
	case req.CreatorID == "":
		return apperr.Validation("creator is required")
	case !req.Amount.IsPositive():
		return apperr.Validation("pot amount must be positive")
	case req.Duration < m.cfg.MinDuration:
		return apperr.Validation("pot duration must be at least %s", m.cfg.MinDuration)
	case req.Duration > m.cfg.MaxDuration:
		return apperr.Validation("pot duration must be at most %s", m.cfg.MaxDuration)
	case req.MaxParticipants < 0:
		return apperr.Validation("max participants cannot be negative")
	case req.MaxParticipants > m.cfg.MaxParticipants:
		return apperr.Validation("max participants cannot exceed %d", m.cfg.MaxParticipants)
	}
	return nil
}

// fundingPlan is what the creator sends to the escrow.
type fundingPlan struct {
	Native decimal.Decimal
	Asset  decimal.Decimal // token principal; zero for native pots
}

func (m *Manager) fundingPlan(asset chain.Asset, total decimal.Decimal, maxParticipants int) fundingPlan {
	buffer := m.cfg.Fees.FundingBuffer(maxParticipants)
	if asset.Native() {
		return fundingPlan{Native: total.Add(buffer)}
	}
	return fundingPlan{Native: buffer, Asset: total}
}

func (m *Manager) checkCovered(asset chain.Asset, plan fundingPlan, live chain.Balances) error {
	native := m.assets.Native()
	fees := m.cfg.Fees
	// One transfer for the native part plus, for tokens, one that may also
	// open the escrow's token account.
	needNative := plan.Native.Add(fees.PerRecipientFee).Add(fees.ReserveBuffer)
	if !asset.Native() {
		needNative = needNative.Add(fees.PerRecipientFee).Add(fees.AccountOpenCost)
		if live.Of(asset).LessThan(plan.Asset) {
			return apperr.InsufficientFunds("pot needs %s but the wallet holds %s",
				amount.Format(plan.Asset, asset.Decimals, asset.Symbol),
				amount.Format(live.Of(asset), asset.Decimals, asset.Symbol))
		}
	}
	if live.Native.LessThan(needNative) {
		return apperr.InsufficientFunds("pot needs %s including fees but the wallet holds %s",
			amount.Format(needNative, native.Decimals, native.Symbol),
			amount.Format(live.Native, native.Decimals, native.Symbol))
	}
	return nil
}

func (m *Manager) fund(ctx context.Context, pot *store.Pot, asset chain.Asset, plan fundingPlan) error {
	native := m.assets.Native()
	var entries []store.LedgerEntry
	err := m.custody.WithSecret(ctx, pot.CreatorID, func(secret []byte) error {
		ref, err := m.exec.Transfer(ctx, secret, pot.EscrowPublicKey, plan.Native, native, transfer.Options{})
		if err != nil {
			return fmt.Errorf("fund fee buffer: %w", err)
		}
		entries = append(entries, m.ledger(store.LedgerPotFunding, ref, pot, native.ID, plan.Native, pot.CreatorID, ""))
		if asset.Native() {
			return nil
		}
		ref, err = m.exec.Transfer(ctx, secret, pot.EscrowPublicKey, plan.Asset, asset, transfer.Options{})
		if err != nil {
			return fmt.Errorf("partial funding, fee buffer sent but principal failed: %w", err)
		}
		entries = append(entries, m.ledger(store.LedgerPotFunding, ref, pot, asset.ID, plan.Asset, pot.CreatorID, ""))
		return nil
	})
	if len(entries) > 0 {
		if lerr := m.store.AppendLedger(ctx, entries...); lerr != nil {
			m.log.Error("record pot funding failed", "pot_id", pot.ID, "error", lerr)
		}
	}
	if err != nil {
		m.failPot(ctx, pot, store.PotActive, "funding failed: "+err.Error())
		return err
	}
	return nil
}

// Claim registers userID in the pot. The store's unique participant pair
// is the double-claim gate; the claim that fills the cap triggers settlement.
func (m *Manager) Claim(ctx context.Context, potID, userID string) (int, error) {
	if userID == "" {
		return 0, apperr.Validation("user is required")
	}
	pot, err := m.store.GetPot(ctx, potID)
	if errors.Is(err, store.ErrNotFound) {
		return 0, apperr.NotFound("pot %s not found", potID)
	}
	if err != nil {
		return 0, err
	}
	if pot.Status != store.PotActive {
		m.metrics.IncClaim("closed")
		return 0, apperr.Conflict("this pot is no longer accepting claims")
	}
	if !m.now().Before(pot.ExpiresAt) {
		m.metrics.IncClaim("expired")
		m.Dispatch(pot.ID)
		return 0, apperr.Conflict("the claim window for this pot has closed")
	}

	n, err := m.store.AddParticipant(ctx, potID, userID, m.now().UTC())
	switch {
	case errors.Is(err, store.ErrAlreadyClaimed):
		m.metrics.IncClaim("duplicate")
		return 0, apperr.Conflict("you have already claimed this pot")
	case errors.Is(err, store.ErrPotClosed):
		m.metrics.IncClaim("closed")
		return 0, apperr.Conflict("this pot is full or closed")
	case errors.Is(err, store.ErrNotFound):
		return 0, apperr.NotFound("pot %s not found", potID)
	case err != nil:
		return 0, err
	}
	m.metrics.IncClaim("accepted")

	if pot.MaxParticipants > 0 && n == pot.MaxParticipants {
		m.Dispatch(pot.ID)
	}
	return n, nil
}

// Dispatch settles potID in the background. Conflicts with other settling
// paths are expected and ignored.
func (m *Manager) Dispatch(potID string) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		if err := m.Settle(m.baseCtx, potID); err != nil {
			m.logSettleError(potID, err)
		}
	}()
}

func (m *Manager) logSettleError(potID string, err error) {
	if apperr.IsKind(err, apperr.KindSettlementConflict) {
		m.log.Debug("settlement already handled", "pot_id", potID)
		return
	}
	m.log.Error("settlement failed", "pot_id", potID, "error", err)
}

func (m *Manager) schedule(potID string, after time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.timers[potID] = time.AfterFunc(after, func() {
		m.mu.Lock()
		delete(m.timers, potID)
		m.mu.Unlock()
		m.Dispatch(potID)
	})
}

func (m *Manager) cancelTimer(potID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.timers[potID]; ok {
		t.Stop()
		delete(m.timers, potID)
	}
}

// Sweep settles up to one batch of ACTIVE pots past expiry and returns how
// many this call settled.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	pots, err := m.store.ListExpiredPots(ctx, m.now().UTC(), m.cfg.SweepBatch)
	if err != nil {
		return 0, err
	}
	settled := 0
	for _, p := range pots {
		if err := m.Settle(ctx, p.ID); err != nil {
			m.logSettleError(p.ID, err)
			continue
		}
		settled++
	}
	return settled, nil
}

// RunSweeper sweeps every interval until ctx is done.
func (m *Manager) RunSweeper(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if n, err := m.Sweep(ctx); err != nil {
			m.log.Warn("expiry sweep failed", "error", err)
		} else if n > 0 {
			m.log.Info("expiry sweep settled pots", "count", n)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Wait blocks until background settlements finish.
func (m *Manager) Wait() { m.wg.Wait() }

// Close stops pending timers, refuses new dispatches and drains in-flight
// settlements. Pots whose timers were stopped are picked up by the sweep.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	for id, t := range m.timers {
		t.Stop()
		delete(m.timers, id)
	}
	m.mu.Unlock()
	m.wg.Wait()
	m.cancel()
}

// Pot returns the pot and its participants.
func (m *Manager) Pot(ctx context.Context, potID string) (*store.Pot, []store.Participant, error) {
	pot, err := m.store.GetPot(ctx, potID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, apperr.NotFound("pot %s not found", potID)
	}
	if err != nil {
		return nil, nil, err
	}
	parts, err := m.store.ListParticipants(ctx, potID)
	if err != nil {
		return nil, nil, err
	}
	return pot, parts, nil
}

func (m *Manager) ledger(kind store.LedgerKind, ref string, pot *store.Pot, assetID string, amt decimal.Decimal, from, to string) store.LedgerEntry {
	e := store.LedgerEntry{
		Ref:       ref,
		Kind:      kind,
		FromUser:  from,
		ToUser:    to,
		AssetID:   assetID,
		Amount:    amt,
		PotID:     pot.ID,
		CreatedAt: m.now().UTC(),
	}
	if from == "" {
		e.FromUser = "pot:" + pot.ID
	}
	if to == "" {
		e.ToAddress = pot.EscrowPublicKey
	}
	return e
}
