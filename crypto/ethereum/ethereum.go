// Package ethereum signs and verifies messages with secp256k1 keys using the
// Ethereum signed message convention. Voters can attach such a signature to a
// cast request; the recovered address is kept in the ballot metadata.
package ethereum

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/vocdoni/ballot-integrity/util"
)

const (
	// SignatureLength is the size of an ECDSA signature in hexString format
	SignatureLength = ethcrypto.SignatureLength
	// SigningPrefix is the prefix added when hashing
	SigningPrefix = "\u0019Ethereum Signed Message:\n"
)

// SignKeys represents an ECDSA pair of keys for signing.
type SignKeys struct {
	Public  ecdsa.PublicKey
	Private ecdsa.PrivateKey
}

// NewSignKeys creates an ECDSA pair of keys for signing.
func NewSignKeys() *SignKeys {
	return &SignKeys{}
}

// Generate generates new keys.
func (k *SignKeys) Generate() error {
	key, err := ethcrypto.GenerateKey()
	if err != nil {
		return err
	}
	k.Private = *key
	k.Public = key.PublicKey
	return nil
}

// AddHexKey imports a private hex key.
func (k *SignKeys) AddHexKey(privHex string) error {
	key, err := ethcrypto.HexToECDSA(util.TrimHex(privHex))
	if err != nil {
		return err
	}
	k.Private = *key
	k.Public = key.PublicKey
	return nil
}

// HexString returns the public compressed and private keys as hex strings.
func (k *SignKeys) HexString() (string, string) {
	pubHexComp := fmt.Sprintf("%x", ethcrypto.CompressPubkey(&k.Public))
	privHex := fmt.Sprintf("%x", ethcrypto.FromECDSA(&k.Private))
	return pubHexComp, privHex
}

// Address returns the Ethereum address of the key pair.
func (k *SignKeys) Address() common.Address {
	return ethcrypto.PubkeyToAddress(k.Public)
}

// SignEthereum signs a message. Message is a normal string (no HexString nor
// a Hash).
func (k *SignKeys) SignEthereum(message []byte) ([]byte, error) {
	if k.Private.D == nil {
		return nil, fmt.Errorf("no private key available")
	}
	signature, err := ethcrypto.Sign(Hash(message), &k.Private)
	if err != nil {
		return nil, err
	}
	return signature, nil
}

// AddrFromSignature recovers the Ethereum address that created the signature
// of a message.
func AddrFromSignature(message, signature []byte) (common.Address, error) {
	if len(signature) != SignatureLength {
		return common.Address{}, fmt.Errorf("signature length not correct (%d)", len(signature))
	}
	sig := make([]byte, SignatureLength)
	copy(sig, signature)
	if sig[64] > 1 {
		sig[64] -= 27
	}
	if sig[64] > 1 {
		return common.Address{}, fmt.Errorf("bad recovery id (%d)", sig[64])
	}
	pubKey, err := ethcrypto.SigToPub(Hash(message), sig)
	if err != nil {
		return common.Address{}, err
	}
	return ethcrypto.PubkeyToAddress(*pubKey), nil
}

// Hash computes the Ethereum signed message hash of data.
func Hash(data []byte) []byte {
	payloadToSign := fmt.Sprintf("%s%d%s", SigningPrefix, len(data), data)
	return HashRaw([]byte(payloadToSign))
}

// HashRaw hashes data with Keccak256.
func HashRaw(data []byte) []byte {
	return ethcrypto.Keccak256(data)
}

// DecodeSignature parses a hex encoded signature, with or without 0x prefix.
func DecodeSignature(sig string) ([]byte, error) {
	b, err := hex.DecodeString(util.TrimHex(sig))
	if err != nil {
		return nil, fmt.Errorf("invalid signature encoding: %w", err)
	}
	if len(b) != SignatureLength {
		return nil, fmt.Errorf("signature length not correct (%d)", len(b))
	}
	return b, nil
}
