package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"potrails/internal/chain"
)

const testKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "potrails.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadMergesFileAndEnv(t *testing.T) {
	path := writeConfig(t, `
service:
  httpPort: 4000
  sweepInterval: 3s
chain:
  assets:
    - {id: eth, symbol: ETH, decimals: 18, slot: native}
    - {id: usdc, symbol: USDC, decimals: 6, slot: a, contract: "0x00000000000000000000000000000000000000c1"}
fees:
  perRecipientFee: "21000"
retry:
  maxAttempts: 5
`)
	t.Setenv("POTRAILS_CONFIG", path)
	t.Setenv("VAULT_MASTER_KEY", testKey)
	t.Setenv("API_HMAC_SECRET", "s3cret")
	t.Setenv("API_HTTP_PORT", "4100")
	t.Setenv("DATABASE_URL", "postgres://localhost/potrails")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Service.HTTPPort != 4100 {
		t.Errorf("env override lost: port %d", cfg.Service.HTTPPort)
	}
	if cfg.Service.SweepInterval != 3*time.Second {
		t.Errorf("sweep interval %s", cfg.Service.SweepInterval)
	}
	if cfg.Service.JobLease != 5*time.Minute {
		t.Errorf("default lost: lease %s", cfg.Service.JobLease)
	}
	if cfg.Retry.MaxAttempts != 5 || cfg.Database.DSN == "" || len(cfg.Secrets.VaultMasterKey) != 32 {
		t.Errorf("cfg = %+v", cfg)
	}

	fees, err := cfg.Fees.Policy()
	if err != nil || !fees.PerRecipientFee.Equal(decimal.NewFromInt(21000)) || !fees.ReserveBuffer.IsZero() {
		t.Fatalf("fees = %+v, %v", fees, err)
	}
	reg, err := cfg.Chain.Registry()
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	if tok, err := reg.Lookup("USDC"); err != nil || tok.Slot != chain.SlotA || tok.Decimals != 6 {
		t.Fatalf("usdc = %+v, %v", tok, err)
	}
}

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("POTRAILS_CONFIG", "")
	t.Setenv("CHAIN_RPC_URL", "")
	t.Setenv("API_HTTP_PORT", "")
	t.Setenv("VAULT_MASTER_KEY", testKey)
	t.Setenv("API_HMAC_SECRET", "s3cret")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Service.HTTPPort != 3000 || cfg.Chain.RPCURL != "" {
		t.Fatalf("cfg = %+v", cfg.Service)
	}
}

func TestLoadRejectsMissingExplicitFile(t *testing.T) {
	t.Setenv("POTRAILS_CONFIG", filepath.Join(t.TempDir(), "nope.yaml"))
	if _, err := Load(); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestValidate(t *testing.T) {
	cfg := Defaults()
	err := cfg.Validate()
	if err == nil {
		t.Fatal("defaults without secrets must not validate")
	}
	for _, want := range []string{"VAULT_MASTER_KEY", "API_HMAC_SECRET"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}

	cfg.Secrets.VaultMasterKey = make([]byte, 32)
	cfg.Secrets.APIHMACSecret = "x"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	cfg.Chain.Assets = append(cfg.Chain.Assets, AssetConfig{ID: "weth", Symbol: "WETH", Slot: "native"})
	cfg.Notify.WebhookURL = "https://hooks.example/potrails"
	err = cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "exactly one native") || !strings.Contains(err.Error(), "NOTIFY_WEBHOOK_SECRET") {
		t.Fatalf("err = %v", err)
	}
}

func TestValidateLeaseAndFunding(t *testing.T) {
	cfg := Defaults()
	cfg.Secrets.VaultMasterKey = make([]byte, 32)
	cfg.Secrets.APIHMACSecret = "x"

	cfg.Service.JobLease = 3 * time.Minute
	cfg.Chain.ConfirmTimeout = 2 * time.Minute
	cfg.Fees.DefaultRecipients = 0
	cfg.Retry.ConfirmAttempts = 0
	err := cfg.Validate()
	if err == nil {
		t.Fatal("short lease accepted")
	}
	for _, want := range []string{"service.jobLease", "fees.defaultRecipients", "retry.confirmAttempts"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}

	cfg.Service.JobLease = 5 * time.Minute
	cfg.Fees.DefaultRecipients = 1
	cfg.Retry.ConfirmAttempts = 1
	if err := cfg.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
}

func TestFeePolicyRejectsFractions(t *testing.T) {
	if _, err := (FeeConfig{ReserveBuffer: "1.5"}).Policy(); err == nil {
		t.Fatal("fractional base units accepted")
	}
	if _, err := (FeeConfig{PerRecipientFee: "-1"}).Policy(); err == nil {
		t.Fatal("negative fee accepted")
	}
}
