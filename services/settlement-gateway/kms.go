package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	bookcrypto "bookpay/crypto"
)

// LoadSigningKey sources the settlement signing key from the named
// environment variable. The material must be a hex-encoded secp256k1 key;
// nothing is ever written back to the environment or to disk.
func LoadSigningKey(varName string) (*bookcrypto.PrivateKey, error) {
	name := strings.TrimSpace(varName)
	if name == "" {
		return nil, fmt.Errorf("signing key environment variable name required")
	}
	material := strings.TrimSpace(os.Getenv(name))
	if material == "" {
		return nil, fmt.Errorf("environment variable %s not set", name)
	}
	material = strings.TrimPrefix(material, "0x")
	decoded, err := hex.DecodeString(material)
	if err != nil {
		return nil, fmt.Errorf("failed to decode private key material: %w", err)
	}
	key, err := bookcrypto.PrivateKeyFromBytes(decoded)
	if err != nil {
		return nil, fmt.Errorf("invalid private key material: %w", err)
	}
	return key, nil
}
