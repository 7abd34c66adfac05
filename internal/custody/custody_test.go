package custody

import (
	"bytes"
	"context"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"potrails/internal/apperr"
	"potrails/internal/chain"
	"potrails/internal/keyvault"
	"potrails/internal/logging"
	"potrails/internal/notify"
	"potrails/internal/store"
)

func newService(t *testing.T, rec *notify.Recorder) (*Service, *store.MemoryStore, *chain.FakeClient) {
	t.Helper()
	v, err := keyvault.New(bytes.Repeat([]byte{7}, keyvault.MasterKeySize))
	if err != nil {
		t.Fatal(err)
	}
	st := store.NewMemoryStore()
	fc := chain.NewFakeClient()
	return New(st, v, fc, rec, logging.Discard()), st, fc
}

func TestEnsureMintsOnceAndDeliversKeys(t *testing.T) {
	rec := &notify.Recorder{}
	svc, st, _ := newService(t, rec)
	ctx := context.Background()

	acct, err := svc.Ensure(ctx, "alice", "chan/1")
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	again, err := svc.Ensure(ctx, "alice", "chan/1")
	if err != nil || again.PublicKey != acct.PublicKey {
		t.Fatalf("second ensure = %+v, %v", again, err)
	}

	sent := rec.Notified(notify.EventAccountCreated)
	if len(sent) != 1 {
		t.Fatalf("key deliveries = %d, want 1", len(sent))
	}
	if !sent[0].Message.Sensitive || sent[0].Message.Data["recovery_phrase"] == "" {
		t.Fatalf("delivery missing recovery phrase: %+v", sent[0].Message)
	}
	stored, _ := st.GetAccount(ctx, "alice")
	if !stored.SecretDelivered {
		t.Fatalf("secret delivered flag not set")
	}
	if bytes.Contains(stored.EncryptedRecovery, []byte(sent[0].Message.Data["recovery_phrase"])) {
		t.Fatalf("recovery phrase stored in plaintext")
	}
}

func TestEnsureFallsBackToPublicNotice(t *testing.T) {
	rec := &notify.Recorder{FailUsers: map[string]bool{"bob": true}}
	svc, st, _ := newService(t, rec)
	ctx := context.Background()

	if _, err := svc.Ensure(ctx, "bob", "chan/9"); err != nil {
		t.Fatalf("ensure must succeed when delivery fails: %v", err)
	}
	notices := rec.Contexts(notify.EventKeyFallback)
	if len(notices) != 1 || notices[0].ContextRef != "chan/9" {
		t.Fatalf("fallback notices = %+v", notices)
	}
	for k := range notices[0].Message.Data {
		if k == "recovery_phrase" || k == "secret_key" {
			t.Fatalf("fallback notice leaked %s", k)
		}
	}
	stored, _ := st.GetAccount(ctx, "bob")
	if stored.SecretDelivered {
		t.Fatalf("secret marked delivered after failed delivery")
	}
}

func TestEnsureConcurrentMintConverges(t *testing.T) {
	svc, _, _ := newService(t, &notify.Recorder{})
	ctx := context.Background()

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		addrs = map[string]bool{}
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			acct, err := svc.Ensure(ctx, "carol", "")
			if err != nil {
				t.Errorf("ensure: %v", err)
				return
			}
			mu.Lock()
			addrs[acct.PublicKey] = true
			mu.Unlock()
		}()
	}
	wg.Wait()
	if len(addrs) != 1 {
		t.Fatalf("concurrent ensure produced %d addresses", len(addrs))
	}
}

func TestWithSecretSignsAsOwner(t *testing.T) {
	svc, _, fc := newService(t, &notify.Recorder{})
	ctx := context.Background()
	acct, _ := svc.Ensure(ctx, "dave", "")

	err := svc.WithSecret(ctx, "dave", func(secret []byte) error {
		addr, err := keyvault.Address(secret)
		if err != nil {
			return err
		}
		if addr != acct.PublicKey {
			t.Fatalf("decrypted key address %s != %s", addr, acct.PublicKey)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("with secret: %v", err)
	}

	native := chain.Asset{ID: "eth", Symbol: "ETH", Decimals: 18}
	fc.Fund(acct.PublicKey, native, decimal.NewFromInt(3))
	bal, err := svc.Balances(ctx, "dave")
	if err != nil || !bal.Native.Equal(decimal.NewFromInt(3)) {
		t.Fatalf("balances = %+v, %v", bal, err)
	}

	if err := svc.WithSecret(ctx, "nobody", func([]byte) error { return nil }); !apperr.IsKind(err, apperr.KindNotFound) {
		t.Fatalf("missing account err = %v", err)
	}
}

func TestWithSecretSurfacesTamperedKey(t *testing.T) {
	svc, st, _ := newService(t, &notify.Recorder{})
	ctx := context.Background()
	_, _ = svc.Ensure(ctx, "erin", "")

	acct, _ := st.GetAccount(ctx, "erin")
	acct.EncryptedSecret[keyvault.SaltSize+keyvault.IVSize] ^= 0xff
	_ = st.DeleteAccount(ctx, "erin")
	_ = st.CreateAccount(ctx, *acct)

	called := false
	err := svc.WithSecret(ctx, "erin", func([]byte) error { called = true; return nil })
	if !apperr.IsKind(err, apperr.KindDecryption) || called {
		t.Fatalf("tampered key err = %v called = %v", err, called)
	}
}

func TestDelete(t *testing.T) {
	svc, _, _ := newService(t, &notify.Recorder{})
	ctx := context.Background()
	_, _ = svc.Ensure(ctx, "frank", "")
	if err := svc.Delete(ctx, "frank"); err != nil {
		t.Fatal(err)
	}
	if err := svc.Delete(ctx, "frank"); !apperr.IsKind(err, apperr.KindNotFound) {
		t.Fatalf("second delete err = %v", err)
	}
	if _, err := svc.Get(ctx, "frank"); !apperr.IsKind(err, apperr.KindNotFound) {
		t.Fatalf("get after delete err = %v", err)
	}
}
