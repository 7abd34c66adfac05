package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"potrails/internal/amount"
	"potrails/internal/chain"
	"potrails/internal/config"
	"potrails/internal/custody"
	"potrails/internal/escrow"
	"potrails/internal/hmacauth"
	"potrails/internal/keyvault"
	"potrails/internal/logging"
	"potrails/internal/metrics"
	"potrails/internal/notify"
	"potrails/internal/queue"
	"potrails/internal/store"
	"potrails/internal/transfer"
)

const secret = "test-secret"

var eth = chain.Asset{ID: "eth", Symbol: "ETH", Decimals: 0, Slot: chain.SlotNative}

type fixture struct {
	srv   *Server
	h     http.Handler
	fc    *chain.FakeClient
	st    *store.MemoryStore
	cust  *custody.Service
	pots  *escrow.Manager
	queue *queue.Queue
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := &config.AppConfig{
		Service: config.ServiceConfig{HMACClockSkew: time.Minute, IdempotencyWindow: time.Minute},
		Secrets: config.Secrets{APIHMACSecret: secret},
	}
	vault, err := keyvault.New(bytes.Repeat([]byte{9}, keyvault.MasterKeySize))
	if err != nil {
		t.Fatal(err)
	}
	reg, err := chain.NewRegistry(eth)
	if err != nil {
		t.Fatal(err)
	}
	log := logging.Discard()
	fc := chain.NewFakeClient()
	st := store.NewMemoryStore()
	rec := &notify.Recorder{}
	reg2 := metrics.New()
	cust := custody.New(st, vault, fc, rec, log)
	exec := transfer.NewExecutor(fc, transfer.Config{ConfirmTimeout: time.Second, PollInterval: 5 * time.Millisecond}, log)
	fees := amount.FeePolicy{}
	pots := escrow.NewManager(escrow.Deps{
		Store: st, Vault: vault, Custody: cust, Executor: exec, Balances: fc,
		Assets: reg, Notifier: rec, Metrics: reg2, Log: log,
	}, escrow.Config{Fees: fees, MinDuration: time.Second})
	t.Cleanup(pots.Close)
	q := queue.New(queue.Deps{
		Store: st, Custody: cust, Executor: exec, Chain: fc, Assets: reg,
		Notifier: rec, Metrics: reg2, Log: log,
	}, queue.Config{Fees: fees, WorkerID: "api-test"})

	srv := NewServer(cfg, Deps{
		Pots: pots, Transfers: q, Assets: reg, Store: st, Chain: fc, Metrics: reg2, Log: log,
	})
	return &fixture{srv: srv, h: srv.Handler(), fc: fc, st: st, cust: cust, pots: pots, queue: q}
}

func (f *fixture) fund(t *testing.T, user string, n int64) {
	t.Helper()
	acct, err := f.cust.Ensure(context.Background(), user, "")
	if err != nil {
		t.Fatal(err)
	}
	f.fc.Fund(acct.PublicKey, eth, decimal.NewFromInt(n))
}

func (f *fixture) do(t *testing.T, method, path string, body any, idemKey string) *httptest.ResponseRecorder {
	t.Helper()
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(payload))
	hmacauth.Sign(req, secret, payload, time.Now())
	if idemKey != "" {
		req.Header.Set("X-Idempotency-Key", idemKey)
	}
	rec := httptest.NewRecorder()
	f.h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestCreatePotIdempotency(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "alice", 100)
	body := createPotRequest{CreatorID: "alice", AssetID: "eth", Amount: "10", Duration: "1h", MaxParticipants: 2}

	first := f.do(t, http.MethodPost, "/api/v1/pots", body, "key-1")
	if first.Code != http.StatusCreated {
		t.Fatalf("expected 201 got %d: %s", first.Code, first.Body)
	}
	second := f.do(t, http.MethodPost, "/api/v1/pots", body, "key-1")
	if second.Code != http.StatusCreated || second.Header().Get("Idempotent-Replay") != "true" {
		t.Fatalf("expected replayed 201 got %d", second.Code)
	}
	if !bytes.Equal(first.Body.Bytes(), second.Body.Bytes()) {
		t.Fatalf("expected same response body on idempotent request")
	}
	if n := len(f.fc.Submitted()); n != 1 {
		t.Fatalf("pot funded %d times", n)
	}

	pot := decode[potResponse](t, first)
	if pot.Status != "ACTIVE" || pot.Amount != "10" || pot.EscrowAddress == "" {
		t.Fatalf("pot = %+v", pot)
	}
}

func TestIdempotencyKeyInFlightConflicts(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "alice", 100)
	body := createPotRequest{CreatorID: "alice", AssetID: "eth", Amount: "10", Duration: "1h", MaxParticipants: 2}

	now := time.Now()
	if prior, err := f.st.ReserveIdempotency(context.Background(), "pots:busy", now, now.Add(time.Minute)); err != nil || prior != nil {
		t.Fatalf("reserve = %+v, %v", prior, err)
	}
	if rec := f.do(t, http.MethodPost, "/api/v1/pots", body, "busy"); rec.Code != http.StatusConflict {
		t.Fatalf("duplicate of an in-flight request got %d: %s", rec.Code, rec.Body)
	}
	if n := len(f.fc.Submitted()); n != 0 {
		t.Fatalf("in-flight duplicate funded %d pots", n)
	}

	if err := f.st.ReleaseIdempotency(context.Background(), "pots:busy"); err != nil {
		t.Fatal(err)
	}
	if rec := f.do(t, http.MethodPost, "/api/v1/pots", body, "busy"); rec.Code != http.StatusCreated {
		t.Fatalf("after release got %d: %s", rec.Code, rec.Body)
	}
}

func TestConcurrentDuplicatesCreateOnePot(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "alice", 100)
	body := createPotRequest{CreatorID: "alice", AssetID: "eth", Amount: "10", Duration: "1h", MaxParticipants: 2}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec := f.do(t, http.MethodPost, "/api/v1/pots", body, "same-key")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case rec.Code == http.StatusCreated && rec.Header().Get("Idempotent-Replay") == "":
				created++
			case rec.Code == http.StatusCreated, rec.Code == http.StatusConflict:
			default:
				t.Errorf("unexpected %d: %s", rec.Code, rec.Body)
			}
		}()
	}
	wg.Wait()

	if created != 1 {
		t.Fatalf("created = %d", created)
	}
	if n := len(f.fc.Submitted()); n != 1 {
		t.Fatalf("pot funded %d times", n)
	}
}

func TestFailedRequestReleasesKey(t *testing.T) {
	f := newFixture(t)
	body := createPotRequest{CreatorID: "alice", AssetID: "eth", Amount: "10", Duration: "1h", MaxParticipants: 2}

	if rec := f.do(t, http.MethodPost, "/api/v1/pots", body, "retry-me"); rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("unfunded create got %d: %s", rec.Code, rec.Body)
	}
	f.fund(t, "alice", 100)
	rec := f.do(t, http.MethodPost, "/api/v1/pots", body, "retry-me")
	if rec.Code != http.StatusCreated || rec.Header().Get("Idempotent-Replay") != "" {
		t.Fatalf("retry got %d replay=%q: %s", rec.Code, rec.Header().Get("Idempotent-Replay"), rec.Body)
	}
}

func TestRequestsMustBeSignedAndKeyed(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/pots", strings.NewReader(`{}`))
	req.Header.Set("X-Idempotency-Key", "k")
	rec := httptest.NewRecorder()
	f.h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unsigned request got %d", rec.Code)
	}

	if rec := f.do(t, http.MethodPost, "/api/v1/transfers", transferRequest{}, ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing idempotency key got %d", rec.Code)
	}
}

func TestClaimFlow(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "alice", 100)

	created := f.do(t, http.MethodPost, "/api/v1/pots",
		createPotRequest{CreatorID: "alice", AssetID: "eth", Amount: "10", Duration: "1h", MaxParticipants: 1}, "pot-1")
	if created.Code != http.StatusCreated {
		t.Fatalf("create got %d: %s", created.Code, created.Body)
	}
	pot := decode[potResponse](t, created)

	claim := f.do(t, http.MethodPost, "/api/v1/pots/"+pot.ID+"/claims", claimRequest{UserID: "bob"}, "")
	if claim.Code != http.StatusOK || decode[claimResponse](t, claim).ParticipantCount != 1 {
		t.Fatalf("claim got %d: %s", claim.Code, claim.Body)
	}
	late := f.do(t, http.MethodPost, "/api/v1/pots/"+pot.ID+"/claims", claimRequest{UserID: "carol"}, "")
	if late.Code != http.StatusConflict {
		t.Fatalf("claim on full pot got %d", late.Code)
	}
	f.pots.Wait()

	got := f.do(t, http.MethodGet, "/api/v1/pots/"+pot.ID, nil, "")
	view := decode[potResponse](t, got)
	if view.Status != "SETTLED" || len(view.Participants) != 1 || view.Participants[0].Share != "10" {
		t.Fatalf("pot after claim = %+v", view)
	}

	if rec := f.do(t, http.MethodGet, "/api/v1/pots/nope", nil, ""); rec.Code != http.StatusNotFound {
		t.Fatalf("missing pot got %d", rec.Code)
	}
}

func TestTransferLifecycle(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "alice", 10)

	rec := f.do(t, http.MethodPost, "/api/v1/transfers",
		transferRequest{Kind: "direct", SenderID: "alice", Recipients: []string{"bob"}, AmountEach: "4", AssetID: "eth"}, "t-1")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("enqueue got %d: %s", rec.Code, rec.Body)
	}
	job := decode[transferResponse](t, rec)
	if job.Status != "QUEUED" || job.Kind != "direct" {
		t.Fatalf("job = %+v", job)
	}

	if _, err := f.queue.ProcessOne(context.Background()); err != nil {
		t.Fatal(err)
	}
	done := decode[transferResponse](t, f.do(t, http.MethodGet, "/api/v1/transfers/"+job.ID, nil, ""))
	if done.Status != "SUCCEEDED" || done.TxRef == "" || done.Attempts != 1 {
		t.Fatalf("job after run = %+v", done)
	}

	short := f.do(t, http.MethodPost, "/api/v1/transfers",
		transferRequest{Kind: "direct", SenderID: "alice", Recipients: []string{"bob"}, AmountEach: "50", AssetID: "eth"}, "t-2")
	if short.Code != http.StatusUnprocessableEntity {
		t.Fatalf("insufficient transfer got %d", short.Code)
	}
	if e := decode[errorResponse](t, short); e.Kind != "InsufficientFunds" || !strings.Contains(e.Error, "6 ETH") {
		t.Fatalf("error = %+v", e)
	}

	bad := f.do(t, http.MethodPost, "/api/v1/transfers",
		transferRequest{Kind: "direct", SenderID: "alice", Recipients: []string{"bob"}, AmountEach: "abc", AssetID: "eth"}, "t-3")
	if bad.Code != http.StatusBadRequest {
		t.Fatalf("bad amount got %d", bad.Code)
	}
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	rec := httptest.NewRecorder()
	f.h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("health got %d", rec.Code)
	}
	body := decode[map[string]any](t, rec)
	if body["status"] != "healthy" {
		t.Fatalf("health = %v", body)
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Fatal("request id not echoed")
	}
}
