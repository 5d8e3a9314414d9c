package protocol

import (
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// Signer produces a hex-encoded signature over a serialized payload. The two
// implementations (raw-key and typed-data) are interchangeable from the
// codec's perspective.
type Signer interface {
	Sign(payload []byte) (string, error)
	Address() common.Address
}

// KeySigner signs the keccak256 hash of the payload with an ephemeral
// secp256k1 key. It is used for routine envelopes after authentication, so the
// user's primary wallet is only needed for the one-time challenge signature.
type KeySigner struct {
	key *ecdsa.PrivateKey
}

// NewKeySigner generates a fresh ephemeral key.
func NewKeySigner() (*KeySigner, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	return &KeySigner{key: key}, nil
}

// NewKeySignerFromHex restores a signer from a 0x-prefixed private key.
func NewKeySignerFromHex(privHex string) (*KeySigner, error) {
	key, err := crypto.HexToECDSA(stripHexPrefix(privHex))
	if err != nil {
		return nil, fmt.Errorf("parse signing key: %w", err)
	}
	return &KeySigner{key: key}, nil
}

// Sign signs keccak256(payload) and returns the 65-byte signature with the
// recovery id mapped to 27/28, matching what the relay recovers against.
func (s *KeySigner) Sign(payload []byte) (string, error) {
	digest := crypto.Keccak256Hash(payload)
	sig, err := crypto.Sign(digest.Bytes(), s.key)
	if err != nil {
		return "", fmt.Errorf("sign digest: %w", err)
	}
	sig[64] += 27
	return hexutil.Encode(sig), nil
}

// Address returns the key's address.
func (s *KeySigner) Address() common.Address {
	return crypto.PubkeyToAddress(s.key.PublicKey)
}

// PrivateKeyHex exports the key for persistence across page reloads.
func (s *KeySigner) PrivateKeyHex() string {
	return hexutil.Encode(crypto.FromECDSA(s.key))
}

// RecoverAddress recovers the signing address from a payload and a signature
// produced by KeySigner.Sign.
func RecoverAddress(payload []byte, sigHex string) (common.Address, error) {
	sig, err := hexutil.Decode(sigHex)
	if err != nil {
		return common.Address{}, fmt.Errorf("decode signature: %w", err)
	}
	if len(sig) != 65 {
		return common.Address{}, fmt.Errorf("signature has %d bytes, want 65", len(sig))
	}
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	digest := crypto.Keccak256Hash(payload)
	pub, err := crypto.SigToPub(digest.Bytes(), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("recover public key: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

type identityFile struct {
	PrivateKey string `json:"private_key"`
	Address    string `json:"address"`
}

// SaveIdentity persists the signing identity to a keystore file. This is the
// explicit counterpart of the browser's local-storage key persistence: the
// caller decides when to save and restore, never package init.
func SaveIdentity(path string, s *KeySigner) error {
	data, err := json.Marshal(identityFile{
		PrivateKey: s.PrivateKeyHex(),
		Address:    s.Address().Hex(),
	})
	if err != nil {
		return fmt.Errorf("encode identity: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write identity file: %w", err)
	}
	return nil
}

// RestoreIdentity loads a previously saved signing identity. os.ErrNotExist
// is returned unwrapped when no identity has been saved yet.
func RestoreIdentity(path string) (*KeySigner, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f identityFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode identity file: %w", err)
	}
	return NewKeySignerFromHex(f.PrivateKey)
}

func stripHexPrefix(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}
