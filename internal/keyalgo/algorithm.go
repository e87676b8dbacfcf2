// Package keyalgo implements the Algorithm Registry (spec §4.F): the four
// supported DKIM signing algorithms, their key generation, and their signing
// operation. Key material is encoded the way the reference implementation
// encodes it (original_source/src/algorithm.rs): Ed25519 as a raw 32-byte
// seed / 32-byte public key, RSA as PKCS#8 / SubjectPublicKeyInfo DER, both
// base64-standard-encoded for storage and DNS publication.
package keyalgo

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"fmt"

	"github.com/smtpd-filters/dkimout/internal/xerrors"
)

// Algorithm identifies one of the four supported key/hash combinations.
type Algorithm int

const (
	Ed25519SHA256 Algorithm = iota
	RSA2048SHA256
	RSA3072SHA256
	RSA4096SHA256
)

// rsaRetries bounds how many times RSA key generation retries on a
// transient crypto/rand failure before giving up, per spec §4.F.
const rsaRetries = 3

func (a Algorithm) String() string {
	switch a {
	case Ed25519SHA256:
		return "ed25519-sha256"
	case RSA2048SHA256:
		return "rsa2048-sha256"
	case RSA3072SHA256:
		return "rsa3072-sha256"
	case RSA4096SHA256:
		return "rsa4096-sha256"
	default:
		return "unknown"
	}
}

// ParseAlgorithm accepts the four configuration names above.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch s {
	case "ed25519-sha256":
		return Ed25519SHA256, nil
	case "rsa2048-sha256":
		return RSA2048SHA256, nil
	case "rsa3072-sha256":
		return RSA3072SHA256, nil
	case "rsa4096-sha256":
		return RSA4096SHA256, nil
	default:
		return 0, fmt.Errorf("keyalgo: unknown algorithm %q", s)
	}
}

// WireName is the a= tag value. RSA variants collapse to a single wire name;
// only the public key's own modulus size distinguishes them in practice.
func (a Algorithm) WireName() string {
	if a == Ed25519SHA256 {
		return "ed25519-sha256"
	}
	return "rsa-sha256"
}

// KeyType is the k= tag value.
func (a Algorithm) KeyType() string {
	if a == Ed25519SHA256 {
		return "ed25519"
	}
	return "rsa"
}

func (a Algorithm) rsaBits() int {
	switch a {
	case RSA2048SHA256:
		return 2048
	case RSA3072SHA256:
		return 3072
	case RSA4096SHA256:
		return 4096
	default:
		return 0
	}
}

// KeyPair holds base64-encoded private/public key material ready for
// storage in the key store (spec §4.G) and publication via the DNS-update
// command (spec §6).
type KeyPair struct {
	PrivateKeyB64 string
	PublicKeyB64  string
}

// Generate produces a new key pair for a. RSA generation retries up to
// rsaRetries times on transient crypto/rand errors.
func (a Algorithm) Generate() (KeyPair, error) {
	if a == Ed25519SHA256 {
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return KeyPair{}, xerrors.WithFields(fmt.Errorf("%w: ed25519 generation: %v", xerrors.ErrSignFailure, err), map[string]interface{}{"algorithm": a.String()})
		}
		seed := priv.Seed()
		return KeyPair{
			PrivateKeyB64: base64.StdEncoding.EncodeToString(seed),
			PublicKeyB64:  base64.StdEncoding.EncodeToString(pub),
		}, nil
	}

	bits := a.rsaBits()
	var lastErr error
	for attempt := 0; attempt < rsaRetries; attempt++ {
		priv, err := rsa.GenerateKey(rand.Reader, bits)
		if err != nil {
			lastErr = err
			continue
		}
		privDER, err := x509.MarshalPKCS8PrivateKey(priv)
		if err != nil {
			return KeyPair{}, fmt.Errorf("%w: marshal rsa private key: %v", xerrors.ErrSignFailure, err)
		}
		pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
		if err != nil {
			return KeyPair{}, fmt.Errorf("%w: marshal rsa public key: %v", xerrors.ErrSignFailure, err)
		}
		return KeyPair{
			PrivateKeyB64: base64.StdEncoding.EncodeToString(privDER),
			PublicKeyB64:  base64.StdEncoding.EncodeToString(pubDER),
		}, nil
	}
	return KeyPair{}, xerrors.WithFields(
		fmt.Errorf("%w: rsa-%d generation failed after %d attempts: %v", xerrors.ErrSignFailure, bits, rsaRetries, lastErr),
		map[string]interface{}{"algorithm": a.String()},
	)
}

// Sign signs hash, the SHA-256 digest of the DKIM header hash input (spec
// §4.I step 6), using the base64-encoded private key material produced by
// Generate. Ed25519 signs the 32-byte hash directly (DKIM's ed25519-sha256
// is "sign the hash", not PureEdDSA over the message); RSA signs the same
// hash via PKCS#1 v1.5 using the prehash interface, prefixing the SHA-256
// DigestInfo per RFC 8017 without re-hashing.
func (a Algorithm) Sign(privateKeyB64 string, hash []byte) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(privateKeyB64)
	if err != nil {
		return nil, fmt.Errorf("%w: decode private key: %v", xerrors.ErrSignFailure, err)
	}

	if a == Ed25519SHA256 {
		if len(raw) != ed25519.SeedSize {
			return nil, fmt.Errorf("%w: ed25519 seed has wrong length %d", xerrors.ErrSignFailure, len(raw))
		}
		priv := ed25519.NewKeyFromSeed(raw)
		return ed25519.Sign(priv, hash), nil
	}
	if len(hash) != sha256.Size {
		return nil, fmt.Errorf("%w: rsa sign expects a %d-byte sha256 hash, got %d", xerrors.ErrSignFailure, sha256.Size, len(hash))
	}

	key, err := x509.ParsePKCS8PrivateKey(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: parse rsa private key: %v", xerrors.ErrSignFailure, err)
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: key material is not an RSA private key", xerrors.ErrSignFailure)
	}
	sig, err := rsa.SignPKCS1v15(rand.Reader, rsaKey, crypto.SHA256, hash)
	if err != nil {
		return nil, fmt.Errorf("%w: rsa sign: %v", xerrors.ErrSignFailure, err)
	}
	return sig, nil
}
