package protocol

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func TestKeySigner_SignAndRecover(t *testing.T) {
	signer, err := NewKeySigner()
	if err != nil {
		t.Fatalf("NewKeySigner failed: %v", err)
	}

	payload := []byte(`[1,"ping",[],1700000000000]`)
	sig, err := signer.Sign(payload)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}

	addr, err := RecoverAddress(payload, sig)
	if err != nil {
		t.Fatalf("RecoverAddress failed: %v", err)
	}
	if addr != signer.Address() {
		t.Errorf("recovered %s, want %s", addr.Hex(), signer.Address().Hex())
	}

	// A different payload must not recover to the same address.
	other, err := RecoverAddress([]byte(`[2,"ping",[],1700000000001]`), sig)
	if err == nil && other == signer.Address() {
		t.Error("signature verified against a different payload")
	}
}

func TestKeySigner_SaveRestoreIdentity(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "identity.json")

	signer, err := NewKeySigner()
	if err != nil {
		t.Fatalf("NewKeySigner failed: %v", err)
	}
	if err := SaveIdentity(path, signer); err != nil {
		t.Fatalf("SaveIdentity failed: %v", err)
	}

	restored, err := RestoreIdentity(path)
	if err != nil {
		t.Fatalf("RestoreIdentity failed: %v", err)
	}
	if restored.Address() != signer.Address() {
		t.Errorf("restored address %s, want %s", restored.Address().Hex(), signer.Address().Hex())
	}

	if _, err := RestoreIdentity(filepath.Join(dir, "missing.json")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("missing identity error = %v, want os.ErrNotExist", err)
	}
}

func TestTypedDataSigner_SignsExtractedChallenge(t *testing.T) {
	wallet, err := NewKeySigner()
	if err != nil {
		t.Fatalf("NewKeySigner failed: %v", err)
	}
	participant, err := NewKeySigner()
	if err != nil {
		t.Fatalf("NewKeySigner failed: %v", err)
	}

	signer := NewTypedDataSigner(wallet, "yellow.fun", "console",
		wallet.Address(), participant.Address(), "1700003600", nil)

	frame := []byte(`{"res":[1,"auth_challenge",{"challenge":"d3b07384-d9a0-4c9f-8d7a-000000000000"},1700000000000]}`)
	sig, err := signer.Sign(frame)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	if len(sig) != 2+65*2 {
		t.Errorf("signature length = %d, want 132 hex chars", len(sig))
	}
	if signer.Address() != wallet.Address() {
		t.Errorf("Address() = %s, want wallet address %s", signer.Address().Hex(), wallet.Address().Hex())
	}

	// Same challenge, same policy: the signature must be deterministic with
	// respect to the typed-data digest.
	again, err := signer.SignChallenge("d3b07384-d9a0-4c9f-8d7a-000000000000")
	if err != nil {
		t.Fatalf("SignChallenge failed: %v", err)
	}
	if sig != again {
		t.Error("typed-data signature not stable for identical policy message")
	}
}

func TestTypedDataSigner_RejectsMalformedChallenge(t *testing.T) {
	wallet, err := NewKeySigner()
	if err != nil {
		t.Fatalf("NewKeySigner failed: %v", err)
	}
	signer := NewTypedDataSigner(wallet, "yellow.fun", "console",
		wallet.Address(), common.Address{}, "1700003600", nil)

	if _, err := signer.Sign([]byte(`{"res":[1,"auth_challenge",{"challenge":"[not-a-token]"},0]}`)); !errors.Is(err, ErrMalformedChallenge) {
		t.Errorf("error = %v, want ErrMalformedChallenge", err)
	}
}
