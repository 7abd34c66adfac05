// Package keyvault generates custodial key material and keeps it encrypted
// at rest.
//
// Secrets are sealed with AES-256-GCM under a key derived from the process
// master key with PBKDF2-SHA256 and a fresh salt per secret. The sealed blob
// layout is salt(32) || iv(16) || tag(16) || ciphertext.
package keyvault

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"github.com/mr-tron/base58"
	"github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/pbkdf2"

	"potrails/internal/apperr"
)

const (
	MasterKeySize = 32
	SaltSize      = 32
	IVSize        = 16
	TagSize       = 16
	KDFIterations = 100_000

	headerSize     = SaltSize + IVSize + TagSize
	entropyBits    = 128
	derivedKeySize = 32
)

// Vault seals and opens secret material with a fixed master key.
type Vault struct {
	masterKey []byte
}

// New returns a Vault. The master key must be exactly 32 bytes.
func New(masterKey []byte) (*Vault, error) {
	if len(masterKey) != MasterKeySize {
		return nil, fmt.Errorf("vault master key must be %d bytes, got %d", MasterKeySize, len(masterKey))
	}
	key := make([]byte, MasterKeySize)
	copy(key, masterKey)
	return &Vault{masterKey: key}, nil
}

// GeneratedAccount is the output of GenerateAccount. The plaintext fields are
// handed out once, for delivery to the owner, and must not be persisted.
type GeneratedAccount struct {
	PublicKey               string
	EncryptedSecret         []byte
	Salt                    []byte
	EncryptedRecoveryPhrase []byte
	RecoverySalt            []byte
	PlaintextRecoveryPhrase string
	PlaintextSecretEncoding string
}

// GenerateAccount creates a fresh recovery phrase, derives the signing key
// from it, and seals both.
func (v *Vault) GenerateAccount() (*GeneratedAccount, error) {
	entropy, err := bip39.NewEntropy(entropyBits)
	if err != nil {
		return nil, fmt.Errorf("generate entropy: %w", err)
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return nil, fmt.Errorf("build mnemonic: %w", err)
	}
	secret, err := SecretFromMnemonic(mnemonic)
	if err != nil {
		return nil, err
	}
	defer zero(secret)

	pub, err := Address(secret)
	if err != nil {
		return nil, err
	}
	sealedSecret, salt, err := v.Encrypt(secret)
	if err != nil {
		return nil, err
	}
	sealedPhrase, phraseSalt, err := v.Encrypt([]byte(mnemonic))
	if err != nil {
		return nil, err
	}
	return &GeneratedAccount{
		PublicKey:               pub,
		EncryptedSecret:         sealedSecret,
		Salt:                    salt,
		EncryptedRecoveryPhrase: sealedPhrase,
		RecoverySalt:            phraseSalt,
		PlaintextRecoveryPhrase: mnemonic,
		PlaintextSecretEncoding: base58.Encode(secret),
	}, nil
}

// SecretFromMnemonic derives the 32-byte signing secret from a recovery
// phrase. The same phrase always yields the same secret.
func SecretFromMnemonic(mnemonic string) ([]byte, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, apperr.Validation("invalid recovery phrase")
	}
	seed := bip39.NewSeed(mnemonic, "")
	defer zero(seed)
	secret := make([]byte, derivedKeySize)
	copy(secret, seed[:derivedKeySize])
	return secret, nil
}

// Encrypt seals plaintext under a freshly salted key. It returns the sealed
// blob and the salt, which is also embedded in the blob.
func (v *Vault) Encrypt(plaintext []byte) (blob []byte, salt []byte, err error) {
	salt = make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, nil, fmt.Errorf("generate salt: %w", err)
	}
	iv := make([]byte, IVSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, nil, fmt.Errorf("generate iv: %w", err)
	}
	aead, err := v.aead(salt)
	if err != nil {
		return nil, nil, err
	}
	sealed := aead.Seal(nil, iv, plaintext, nil)
	ciphertext, tag := sealed[:len(sealed)-TagSize], sealed[len(sealed)-TagSize:]

	blob = make([]byte, 0, headerSize+len(ciphertext))
	blob = append(blob, salt...)
	blob = append(blob, iv...)
	blob = append(blob, tag...)
	blob = append(blob, ciphertext...)
	return blob, salt, nil
}

// Decrypt opens a blob produced by Encrypt. Any tampering, a wrong salt or a
// wrong master key fails with a Decryption error; no partial plaintext is
// ever returned.
func (v *Vault) Decrypt(blob, salt []byte) ([]byte, error) {
	if len(blob) < headerSize {
		return nil, apperr.Decryption("sealed secret is truncated", nil)
	}
	if len(salt) != SaltSize || !bytes.Equal(blob[:SaltSize], salt) {
		return nil, apperr.Decryption("salt does not match sealed secret", nil)
	}
	iv := blob[SaltSize : SaltSize+IVSize]
	tag := blob[SaltSize+IVSize : headerSize]
	ciphertext := blob[headerSize:]

	aead, err := v.aead(salt)
	if err != nil {
		return nil, err
	}
	sealed := make([]byte, 0, len(ciphertext)+TagSize)
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)
	plaintext, err := aead.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, apperr.Decryption("authentication tag mismatch", err)
	}
	return plaintext, nil
}

func (v *Vault) aead(salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key(v.masterKey, salt, KDFIterations, derivedKeySize, sha256.New)
	defer zero(key)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, IVSize)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	return aead, nil
}

// Zero overwrites b. Callers use it on decrypted secrets once signing is done.
func Zero(b []byte) { zero(b) }

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
