package keyalgo

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"testing"
)

func TestWireNameAndKeyType(t *testing.T) {
	cases := []struct {
		alg      Algorithm
		wireName string
		keyType  string
	}{
		{Ed25519SHA256, "ed25519-sha256", "ed25519"},
		{RSA2048SHA256, "rsa-sha256", "rsa"},
		{RSA3072SHA256, "rsa-sha256", "rsa"},
		{RSA4096SHA256, "rsa-sha256", "rsa"},
	}
	for _, c := range cases {
		if got := c.alg.WireName(); got != c.wireName {
			t.Errorf("%v.WireName() = %q, want %q", c.alg, got, c.wireName)
		}
		if got := c.alg.KeyType(); got != c.keyType {
			t.Errorf("%v.KeyType() = %q, want %q", c.alg, got, c.keyType)
		}
	}
}

func TestParseAlgorithmRoundTrip(t *testing.T) {
	for _, name := range []string{"ed25519-sha256", "rsa2048-sha256", "rsa3072-sha256", "rsa4096-sha256"} {
		alg, err := ParseAlgorithm(name)
		if err != nil {
			t.Fatalf("ParseAlgorithm(%q): %v", name, err)
		}
		if alg.String() != name {
			t.Errorf("round-trip %q => %q", name, alg.String())
		}
	}
	if _, err := ParseAlgorithm("rot13"); err == nil {
		t.Fatal("expected error for unknown algorithm")
	}
}

func TestEd25519SignVerify(t *testing.T) {
	kp, err := Ed25519SHA256.Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	hash := sha256.Sum256([]byte("hello, dkim"))
	sig, err := Ed25519SHA256.Sign(kp.PrivateKeyB64, hash[:])
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if len(sig) != 64 {
		t.Fatalf("ed25519 signature length = %d, want 64", len(sig))
	}
	pub, err := base64.StdEncoding.DecodeString(kp.PublicKeyB64)
	if err != nil {
		t.Fatalf("decode public key: %v", err)
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), hash[:], sig) {
		t.Fatal("signature does not verify against the generated public key")
	}
}

func TestRSA2048SignProducesRightSize(t *testing.T) {
	kp, err := RSA2048SHA256.Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	hash := sha256.Sum256([]byte("hello, dkim"))
	sig, err := RSA2048SHA256.Sign(kp.PrivateKeyB64, hash[:])
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if len(sig) != 256 {
		t.Fatalf("rsa2048 signature length = %d, want 256", len(sig))
	}
}

func TestSignRejectsWrongHashLength(t *testing.T) {
	kp, err := RSA2048SHA256.Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if _, err := RSA2048SHA256.Sign(kp.PrivateKeyB64, []byte("short")); err == nil {
		t.Fatal("expected error for non-sha256-sized hash")
	}
}
