package keyvault

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
)

// PrivateKey turns a 32-byte secret into a secp256k1 signing key.
func PrivateKey(secret []byte) (*ecdsa.PrivateKey, error) {
	key, err := crypto.ToECDSA(secret)
	if err != nil {
		return nil, fmt.Errorf("derive signing key: %w", err)
	}
	return key, nil
}

// Address returns the checksummed public address controlled by secret.
func Address(secret []byte) (string, error) {
	key, err := PrivateKey(secret)
	if err != nil {
		return "", err
	}
	return crypto.PubkeyToAddress(key.PublicKey).Hex(), nil
}
