package keystore

import (
	"context"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "keys.sqlite3")
	s, err := Open(context.Background(), path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestInsertAndLatestSigningKey(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, _, ok, err := s.LatestSigningKey(ctx, "example.org", "ed25519-sha256")
	if err != nil {
		t.Fatalf("LatestSigningKey on empty store: %v", err)
	}
	if ok {
		t.Fatal("expected no key in empty store")
	}

	k := Key{
		Selector:      "dkim-aaaa",
		SDID:          "example.org",
		Algorithm:     "ed25519-sha256",
		Creation:      1000,
		NotAfter:      2000,
		Revocation:    3000,
		PrivateKeyB64: "priv",
		PublicKeyB64:  "pub",
	}
	if err := s.InsertKey(ctx, k); err != nil {
		t.Fatalf("InsertKey: %v", err)
	}

	sel, priv, ok, err := s.LatestSigningKey(ctx, "example.org", "ed25519-sha256")
	if err != nil || !ok {
		t.Fatalf("LatestSigningKey: ok=%v err=%v", ok, err)
	}
	if sel != "dkim-aaaa" || priv != "priv" {
		t.Errorf("got selector=%q priv=%q", sel, priv)
	}

	na, ok, err := s.LatestNotAfter(ctx, "example.org", "ed25519-sha256")
	if err != nil || !ok || na != 2000 {
		t.Errorf("LatestNotAfter = %d, ok=%v, err=%v", na, ok, err)
	}
}

func TestLatestSigningKeyPicksGreatestNotAfter(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	older := Key{Selector: "dkim-old", SDID: "example.org", Algorithm: "ed25519-sha256", Creation: 1, NotAfter: 100, Revocation: 200, PrivateKeyB64: "old", PublicKeyB64: "oldpub"}
	newer := Key{Selector: "dkim-new", SDID: "example.org", Algorithm: "ed25519-sha256", Creation: 50, NotAfter: 500, Revocation: 600, PrivateKeyB64: "new", PublicKeyB64: "newpub"}
	if err := s.InsertKey(ctx, older); err != nil {
		t.Fatalf("insert older: %v", err)
	}
	if err := s.InsertKey(ctx, newer); err != nil {
		t.Fatalf("insert newer: %v", err)
	}

	sel, priv, ok, err := s.LatestSigningKey(ctx, "example.org", "ed25519-sha256")
	if err != nil || !ok {
		t.Fatalf("LatestSigningKey: ok=%v err=%v", ok, err)
	}
	if sel != "dkim-new" || priv != "new" {
		t.Errorf("got selector=%q priv=%q, want the row with greatest not_after", sel, priv)
	}
}

func TestPublicationLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	k := Key{Selector: "dkim-expiring", SDID: "example.org", Algorithm: "rsa2048-sha256", Creation: 1, NotAfter: 100, Revocation: 150, PrivateKeyB64: "priv", PublicKeyB64: "pub"}
	if err := s.InsertKey(ctx, k); err != nil {
		t.Fatalf("InsertKey: %v", err)
	}

	expired, err := s.ExpiredForPublication(ctx, 200)
	if err != nil {
		t.Fatalf("ExpiredForPublication: %v", err)
	}
	if len(expired) != 1 || expired[0].Selector != "dkim-expiring" {
		t.Fatalf("expired = %+v", expired)
	}

	rev, ok, err := s.NearestPublication(ctx)
	if err != nil || !ok || rev != 150 {
		t.Fatalf("NearestPublication = %d, ok=%v, err=%v", rev, ok, err)
	}

	if err := s.MarkPublished(ctx, k.Selector, k.SDID, k.Algorithm); err != nil {
		t.Fatalf("MarkPublished: %v", err)
	}

	expired, err = s.ExpiredForPublication(ctx, 200)
	if err != nil {
		t.Fatalf("ExpiredForPublication after publish: %v", err)
	}
	if len(expired) != 0 {
		t.Fatalf("expected no expired rows after publication, got %+v", expired)
	}

	_, ok, err = s.NearestPublication(ctx)
	if err != nil {
		t.Fatalf("NearestPublication after publish: %v", err)
	}
	if ok {
		t.Fatal("expected no unpublished rows remaining")
	}
}
