// Package custody owns end-user custodial accounts: just-in-time minting,
// one-time key delivery and transient access to signing secrets.
package custody

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"potrails/internal/apperr"
	"potrails/internal/chain"
	"potrails/internal/keyvault"
	"potrails/internal/notify"
	"potrails/internal/store"
)

type Service struct {
	accounts store.AccountStore
	vault    *keyvault.Vault
	balances chain.BalanceReader
	notifier notify.Notifier
	log      *slog.Logger
	now      func() time.Time
}

func New(accounts store.AccountStore, vault *keyvault.Vault, balances chain.BalanceReader, notifier notify.Notifier, log *slog.Logger) *Service {
	return &Service{
		accounts: accounts,
		vault:    vault,
		balances: balances,
		notifier: notifier,
		log:      log,
		now:      time.Now,
	}
}

// Get returns the user's account without minting one.
func (s *Service) Get(ctx context.Context, userID string) (*store.Account, error) {
	acct, err := s.accounts.GetAccount(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFound("user %s has no wallet yet", userID)
	}
	return acct, err
}

// Ensure returns the user's account, minting one on first need. The new
// owner receives the recovery phrase privately, once. If that delivery fails
// a public notice without any secret is posted to contextRef.
func (s *Service) Ensure(ctx context.Context, userID, contextRef string) (*store.Account, error) {
	if userID == "" {
		return nil, apperr.Validation("user id is required")
	}
	acct, err := s.accounts.GetAccount(ctx, userID)
	if err == nil {
		return acct, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	gen, err := s.vault.GenerateAccount()
	if err != nil {
		return nil, fmt.Errorf("generate account: %w", err)
	}
	fresh := store.Account{
		UserID:            userID,
		PublicKey:         gen.PublicKey,
		EncryptedSecret:   gen.EncryptedSecret,
		SecretSalt:        gen.Salt,
		EncryptedRecovery: gen.EncryptedRecoveryPhrase,
		RecoverySalt:      gen.RecoverySalt,
		CreatedAt:         s.now().UTC(),
	}
	if err := s.accounts.CreateAccount(ctx, fresh); err != nil {
		if errors.Is(err, store.ErrAccountExists) {
			// Another path minted first; its key wins and ours is dropped undelivered.
			return s.accounts.GetAccount(ctx, userID)
		}
		return nil, err
	}
	s.log.Info("custodial account created", "user_id", userID, "address", fresh.PublicKey)

	if s.deliverKeys(ctx, userID, contextRef, gen) {
		fresh.SecretDelivered = true
	}
	return &fresh, nil
}

func (s *Service) deliverKeys(ctx context.Context, userID, contextRef string, gen *keyvault.GeneratedAccount) bool {
	msg := notify.Message{
		Event: notify.EventAccountCreated,
		Text: "A wallet was created for you. Store the recovery phrase offline; " +
			"it will not be shown again.",
		Data: map[string]string{
			"address":         gen.PublicKey,
			"recovery_phrase": gen.PlaintextRecoveryPhrase,
			"secret_key":      gen.PlaintextSecretEncoding,
		},
		Sensitive: true,
	}
	if !notify.BestEffort(s.log, "key delivery", s.notifier.Notify(ctx, userID, msg)) {
		notice := notify.Message{
			Event: notify.EventKeyFallback,
			Text: fmt.Sprintf("A wallet was created for %s but the recovery phrase could not be sent privately. "+
				"Funds are safe; enable private messages to receive account notices.", userID),
			Data: map[string]string{"user_id": userID, "address": gen.PublicKey},
		}
		notify.BestEffort(s.log, "key fallback notice", s.notifier.UpdateContext(ctx, contextRef, notice))
		return false
	}
	if err := s.accounts.MarkSecretDelivered(ctx, userID); err != nil {
		s.log.Warn("mark secret delivered failed", "user_id", userID, "error", err)
		return false
	}
	return true
}

// WithSecret decrypts the user's signing secret, passes it to fn and zeroes
// it afterwards. fn must not retain the slice.
func (s *Service) WithSecret(ctx context.Context, userID string, fn func(secret []byte) error) error {
	acct, err := s.Get(ctx, userID)
	if err != nil {
		return err
	}
	secret, err := s.vault.Decrypt(acct.EncryptedSecret, acct.SecretSalt)
	if err != nil {
		return err
	}
	defer keyvault.Zero(secret)
	return fn(secret)
}

// Balances reads the user's live balances. Results are advisory.
func (s *Service) Balances(ctx context.Context, userID string) (chain.Balances, error) {
	acct, err := s.Get(ctx, userID)
	if err != nil {
		return chain.Balances{}, err
	}
	return s.balances.Balances(ctx, acct.PublicKey)
}

// Delete removes the account. Only called on an explicit owner request.
func (s *Service) Delete(ctx context.Context, userID string) error {
	err := s.accounts.DeleteAccount(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return apperr.NotFound("user %s has no wallet", userID)
	}
	if err == nil {
		s.log.Info("custodial account deleted on owner request", "user_id", userID)
	}
	return err
}
