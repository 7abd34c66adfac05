package keyvault

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/mr-tron/base58"

	"potrails/internal/apperr"
)

func newTestVault(t *testing.T) *Vault {
	t.Helper()
	key := bytes.Repeat([]byte{0x42}, MasterKeySize)
	v, err := New(key)
	if err != nil {
		t.Fatalf("new vault: %v", err)
	}
	return v
}

func TestNewRejectsWrongKeyLength(t *testing.T) {
	for _, n := range []int{0, 16, 31, 33, 64} {
		if _, err := New(make([]byte, n)); err == nil {
			t.Fatalf("expected error for %d-byte master key", n)
		}
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	v := newTestVault(t)
	for _, n := range []int{1, 16, 32, 64, 200} {
		secret := make([]byte, n)
		if _, err := rand.Read(secret); err != nil {
			t.Fatal(err)
		}
		blob, salt, err := v.Encrypt(secret)
		if err != nil {
			t.Fatalf("encrypt: %v", err)
		}
		if len(blob) != SaltSize+IVSize+TagSize+n {
			t.Fatalf("unexpected blob length %d for %d-byte secret", len(blob), n)
		}
		if !bytes.Equal(blob[:SaltSize], salt) {
			t.Fatalf("salt not embedded at blob head")
		}
		got, err := v.Decrypt(blob, salt)
		if err != nil {
			t.Fatalf("decrypt: %v", err)
		}
		if !bytes.Equal(got, secret) {
			t.Fatalf("round trip mismatch")
		}
	}
}

func TestDecryptRejectsCorruptedTag(t *testing.T) {
	v := newTestVault(t)
	blob, salt, err := v.Encrypt([]byte("super secret signing key bytes!!"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	for i := SaltSize + IVSize; i < SaltSize+IVSize+TagSize; i++ {
		tampered := append([]byte(nil), blob...)
		tampered[i] ^= 0x01
		got, err := v.Decrypt(tampered, salt)
		if err == nil {
			t.Fatalf("corrupted tag byte %d decrypted", i)
		}
		if got != nil {
			t.Fatalf("plaintext returned alongside error")
		}
		if !apperr.IsKind(err, apperr.KindDecryption) {
			t.Fatalf("expected decryption error, got %v", err)
		}
	}
}

func TestDecryptRejectsWrongSaltAndCiphertextTamper(t *testing.T) {
	v := newTestVault(t)
	blob, salt, err := v.Encrypt([]byte("payload"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	wrongSalt := append([]byte(nil), salt...)
	wrongSalt[0] ^= 0xff
	if _, err := v.Decrypt(blob, wrongSalt); !apperr.IsKind(err, apperr.KindDecryption) {
		t.Fatalf("wrong salt: expected decryption error, got %v", err)
	}

	// Salt rewritten consistently in both places still fails: the derived key changes.
	swapped := append([]byte(nil), blob...)
	copy(swapped, wrongSalt)
	if _, err := v.Decrypt(swapped, wrongSalt); !apperr.IsKind(err, apperr.KindDecryption) {
		t.Fatalf("swapped salt: expected decryption error, got %v", err)
	}

	tampered := append([]byte(nil), blob...)
	tampered[len(tampered)-1] ^= 0x80
	if _, err := v.Decrypt(tampered, salt); !apperr.IsKind(err, apperr.KindDecryption) {
		t.Fatalf("ciphertext tamper: expected decryption error, got %v", err)
	}

	if _, err := v.Decrypt(blob[:10], salt); !apperr.IsKind(err, apperr.KindDecryption) {
		t.Fatalf("truncated blob: expected decryption error, got %v", err)
	}
}

func TestDecryptWithOtherMasterKeyFails(t *testing.T) {
	v := newTestVault(t)
	other, err := New(bytes.Repeat([]byte{0x07}, MasterKeySize))
	if err != nil {
		t.Fatal(err)
	}
	blob, salt, err := v.Encrypt([]byte("payload"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := other.Decrypt(blob, salt); !apperr.IsKind(err, apperr.KindDecryption) {
		t.Fatalf("expected decryption error, got %v", err)
	}
}

func TestGenerateAccount(t *testing.T) {
	v := newTestVault(t)
	acct, err := v.GenerateAccount()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	secret, err := v.Decrypt(acct.EncryptedSecret, acct.Salt)
	if err != nil {
		t.Fatalf("decrypt secret: %v", err)
	}
	addr, err := Address(secret)
	if err != nil {
		t.Fatalf("address: %v", err)
	}
	if addr != acct.PublicKey {
		t.Fatalf("public key %s does not match sealed secret %s", acct.PublicKey, addr)
	}

	exported, err := base58.Decode(acct.PlaintextSecretEncoding)
	if err != nil || !bytes.Equal(exported, secret) {
		t.Fatalf("exported secret does not match sealed secret")
	}

	phrase, err := v.Decrypt(acct.EncryptedRecoveryPhrase, acct.RecoverySalt)
	if err != nil {
		t.Fatalf("decrypt phrase: %v", err)
	}
	if string(phrase) != acct.PlaintextRecoveryPhrase {
		t.Fatalf("recovery phrase mismatch")
	}

	rederived, err := SecretFromMnemonic(acct.PlaintextRecoveryPhrase)
	if err != nil {
		t.Fatalf("rederive: %v", err)
	}
	if !bytes.Equal(rederived, secret) {
		t.Fatalf("derivation is not deterministic")
	}
	if bytes.Contains(acct.EncryptedSecret, secret) {
		t.Fatalf("sealed blob contains plaintext secret")
	}
}

func TestGenerateAccountIsFresh(t *testing.T) {
	v := newTestVault(t)
	a, err := v.GenerateAccount()
	if err != nil {
		t.Fatal(err)
	}
	b, err := v.GenerateAccount()
	if err != nil {
		t.Fatal(err)
	}
	if a.PublicKey == b.PublicKey || bytes.Equal(a.Salt, b.Salt) {
		t.Fatalf("accounts share key material")
	}
}
